// Package celcondition compiles and evaluates the CEL expression that decides whether an
// incoming message is answered.
package celcondition

import (
	"fmt"
	"strings"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/events"
	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
)

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("conversationId", cel.StringType),
		cel.Variable("messageId", cel.StringType),
	)
}

func messageVars(msg *events.Message) map[string]any {
	return map[string]any{
		"text":           msg.TextValue(),
		"conversationId": msg.ConversationID,
		"messageId":      msg.MessageID,
	}
}

// PrepareCondition compiles an expression and checks that it evaluates to a bool.
func PrepareCondition(celCondition string) (cel.Program, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", err)
	}
	ast, issues := env.Compile(celCondition)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to program CEL expression: %w", err)
	}

	out, _, err := prg.Eval(messageVars(&events.Message{}))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL condition: %w", err)
	}
	if out.Type() != celtypes.BoolType {
		return nil, fmt.Errorf("output type is not bool: %s", out.Type())
	}
	return prg, nil
}

// EvaluateCondition runs prg against msg.
func EvaluateCondition(prg cel.Program, msg *events.Message) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("message is nil")
	}
	out, _, err := prg.Eval(messageVars(msg))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL condition: %w", err)
	}
	return out.Type() == celtypes.BoolType && out.Value() == true, nil
}

// Condition is a prepared reply condition. The zero value allows every message.
type Condition struct {
	prg cel.Program
}

// New prepares expr. A blank expression allows every message.
func New(expr string) (*Condition, error) {
	if strings.TrimSpace(expr) == "" {
		return &Condition{}, nil
	}
	prg, err := PrepareCondition(expr)
	if err != nil {
		return nil, err
	}
	return &Condition{prg: prg}, nil
}

// Allow reports whether msg should be answered.
func (c *Condition) Allow(msg events.Message) (bool, error) {
	if c == nil || c.prg == nil {
		return true, nil
	}
	return EvaluateCondition(c.prg, &msg)
}
