// Command webhook-sender signs a payload the way the platform does and posts it to a running
// gateway. It is meant for local testing.
package main

import (
	"bytes"
	"flag"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/signature"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	target := flag.String("url", "http://localhost:8080/webhook", "gateway webhook URL")
	secret := flag.String("secret", os.Getenv("WEBHOOK_SECRET"), "shared webhook secret")
	header := flag.String("header", "X-Avito-Signature", "signature header name")
	file := flag.String("file", "-", "payload file, - for stdin")
	flag.Parse()

	var (
		body []byte
		err  error
	)
	if *file == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(*file)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read payload")
	}

	req, err := http.NewRequest(http.MethodPost, *target, bytes.NewReader(body))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if *secret != "" {
		req.Header.Set(*header, signature.Compute(body, []byte(*secret)))
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	logger.Info().Int("status", resp.StatusCode).Bool("signed", *secret != "").Msg("Webhook delivered")
	_, _ = os.Stdout.Write(append(respBody, '\n'))
}
