package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/agenterr"
	"github.com/staffwatch/agent/internal/store"
)

// Transport ships one evidence item to the collection endpoint. A nil error
// means the remote confirmed acceptance.
type Transport interface {
	Upload(ctx context.Context, item store.UploadItem) error
}

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport posts evidence as JSON to a collection endpoint with bearer
// token auth.
type HTTPTransport struct {
	client   HTTPClient
	endpoint string
	token    string
	logger   zerolog.Logger
}

// NewHTTPTransport creates a transport posting to endpoint.
func NewHTTPTransport(endpoint, token string, logger zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: endpoint,
		token:    token,
		logger:   logger.With().Str("component", "upload_transport").Logger(),
	}
}

type uploadEnvelope struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	ProjectID   string          `json:"project_id"`
	SessionUUID string          `json:"session_uuid"`
	CreatedAt   int64           `json:"created_at_ms"`
	Payload     json.RawMessage `json:"payload"`
}

// Upload implements Transport. Network failures and retryable HTTP statuses
// come back as retryable UploadErrors; anything else is terminal for the
// attempt but the item stays queued.
func (t *HTTPTransport) Upload(ctx context.Context, item store.UploadItem) error {
	body, err := json.Marshal(uploadEnvelope{
		ID:          item.ID,
		Kind:        item.Kind,
		ProjectID:   item.ProjectID,
		SessionUUID: item.SessionUUID,
		CreatedAt:   item.CreatedAt.UnixMilli(),
		Payload:     json.RawMessage(item.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to encode upload envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &agenterr.UploadError{Status: 0, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.logger.Debug().Int("status", resp.StatusCode).Str("item", item.ID).Msg("upload rejected")
		return agenterr.NewUploadError(resp.StatusCode, string(snippet))
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
