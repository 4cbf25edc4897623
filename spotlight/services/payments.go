package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PaymentClient checks external payment proofs against the settlement
// service. A nil error means the proof covers the stated amount.
type PaymentClient struct {
	verifyURL string
	apiKey    string
	client    *http.Client
}

func NewPaymentClient(verifyURL, apiKey string) *PaymentClient {
	return &PaymentClient{
		verifyURL: verifyURL,
		apiKey:    apiKey,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type verifyRequest struct {
	Proof  string `json:"proof"`
	Payer  string `json:"payer"`
	Amount int64  `json:"amount"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

func (p *PaymentClient) Verify(ctx context.Context, proof, payer string, amount int64) error {
	if p.verifyURL == "" {
		return fmt.Errorf("payment verification is not configured")
	}

	body, err := json.Marshal(verifyRequest{Proof: proof, Payer: payer, Amount: amount})
	if err != nil {
		return fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.verifyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach payment service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment service returned status %d", resp.StatusCode)
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode verify response: %w", err)
	}
	if !result.Valid {
		if result.Reason != "" {
			return fmt.Errorf("proof rejected: %s", result.Reason)
		}
		return fmt.Errorf("proof rejected")
	}
	return nil
}
