// ABOUTME: Payer implementation backed by the Alby wallet API
// ABOUTME: Pays BOLT11 invoices with a bearer token and returns the payment preimage

package l402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AlbyPayer pays invoices through POST {BaseURL}/payments/bolt11.
type AlbyPayer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type albyPaymentRequest struct {
	Invoice string `json:"invoice"`
}

type albyPaymentResponse struct {
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
	Amount          int64  `json:"amount"`
	Error           string `json:"error"`
	Message         string `json:"message"`
}

// Pay implements Payer.
func (p *AlbyPayer) Pay(ctx context.Context, invoice string) (string, error) {
	if p.Token == "" {
		return "", fmt.Errorf("alby: no access token configured")
	}

	body, err := json.Marshal(albyPaymentRequest{Invoice: invoice})
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(p.BaseURL, "/") + "/payments/bolt11"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("alby: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Content-Type", "application/json")

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("alby: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("alby: reading response: %w", err)
	}

	var out albyPaymentResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("alby: decoding response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Message
		if msg == "" {
			msg = out.Error
		}
		if msg == "" {
			msg = snippet(data)
		}
		return "", fmt.Errorf("alby: %s: %s", resp.Status, msg)
	}
	if out.PaymentPreimage == "" {
		return "", fmt.Errorf("alby: response has no payment_preimage")
	}
	return out.PaymentPreimage, nil
}
