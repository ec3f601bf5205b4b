// Package advisorclient calls the external advisory service that writes a
// short analyst note for a recorded incident.
package advisorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

var ErrEmptyAdvisory = errors.New("advisory service returned no text")

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    &http.Client{Timeout: timeout},
	}
}

type adviseRequest struct {
	IncidentID string          `json:"incident_id"`
	Label      domain.Label    `json:"label"`
	Severity   domain.Severity `json:"severity"`
	Action     domain.Action   `json:"action"`
	Country    string          `json:"country,omitempty"`
	Evidence   domain.Evidence `json:"evidence"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type adviseResponse struct {
	Advisory string `json:"advisory"`
}

// Advise posts the incident to {base}/v1/advisories. The note is decision
// support for a human reviewer and never changes the incident.
func (c *Client) Advise(ctx context.Context, inc domain.Incident) (string, error) {
	payload, err := json.Marshal(adviseRequest{
		IncidentID: inc.ID.String(),
		Label:      inc.Label,
		Severity:   inc.Severity,
		Action:     inc.Action,
		Country:    inc.Country,
		Evidence:   inc.Evidence,
		OccurredAt: inc.CreatedAt,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/advisories", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("advisory service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out adviseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode advisory response: %w", err)
	}
	text := strings.TrimSpace(out.Advisory)
	if text == "" {
		return "", ErrEmptyAdvisory
	}
	return text, nil
}
