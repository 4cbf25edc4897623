package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
)

// WebhookNotifier posts feature and winner announcements to a configured
// webhook. Callers treat delivery as best effort.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookEvent struct {
	Event        string    `json:"event"`
	AuctionID    int64     `json:"auction_id"`
	ContentHash  string    `json:"content_hash"`
	ContentURL   string    `json:"content_url,omitempty"`
	AuthorName   string    `json:"author_name,omitempty"`
	WinnerID     string    `json:"winner_id,omitempty"`
	PoolTotal    int64     `json:"pool_total"`
	FeatureEnds  time.Time `json:"feature_ends_at,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

func (n *WebhookNotifier) NotifyFeatured(ctx context.Context, auction *models.Auction) error {
	return n.post(ctx, webhookEvent{
		Event:        "content_featured",
		AuctionID:    auction.ID,
		ContentHash:  auction.ContentHash,
		ContentURL:   auction.ContentURL,
		AuthorName:   auction.AuthorName,
		PoolTotal:    auction.PoolTotal,
		FeatureEnds:  auction.FeatureEnds,
		DispatchedAt: time.Now(),
	})
}

func (n *WebhookNotifier) NotifyWinner(ctx context.Context, auction *models.Auction) error {
	return n.post(ctx, webhookEvent{
		Event:        "auction_won",
		AuctionID:    auction.ID,
		ContentHash:  auction.ContentHash,
		WinnerID:     auction.LastContributorID,
		PoolTotal:    auction.PoolTotal,
		DispatchedAt: time.Now(),
	})
}

func (n *WebhookNotifier) post(ctx context.Context, event webhookEvent) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
