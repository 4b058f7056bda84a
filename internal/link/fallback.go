package link

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/edgebridge/relay/internal/model"
)

// Fallback is the HTTPS request/response channel used when the
// bidirectional channel is unavailable (§4.7). Every outbound call is
// wrapped in a circuit breaker so a stalled orchestrator doesn't pile up
// goroutines behind slow requests.
type Fallback struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	agentID    string
	secret     string
}

func NewFallback(baseURL, agentID, secret string, timeout time.Duration) *Fallback {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "orchestrator-fallback",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Fallback{
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		baseURL:    baseURL,
		agentID:    agentID,
		secret:     secret,
	}
}

func (f *Fallback) Register(ctx context.Context) (string, error) {
	var resp struct {
		EdgeAgentID string `json:"edge_agent_id"`
	}
	if err := f.call(ctx, http.MethodPost, "/edge/register", nil, &resp); err != nil {
		return "", err
	}
	return resp.EdgeAgentID, nil
}

func (f *Fallback) SendMessage(ctx context.Context, payload InboundPayload) (MessageResponse, error) {
	var resp MessageResponse
	err := f.call(ctx, http.MethodPost, "/edge/message", payload, &resp)
	return resp, err
}

func (f *Fallback) Sync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	var resp SyncResponse
	err := f.call(ctx, http.MethodPost, "/edge/sync", req, &resp)
	return resp, err
}

func (f *Fallback) AckCommand(ctx context.Context, commandID string, success bool, errMsg string) error {
	body := map[string]any{"command_id": commandID, "success": success}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return f.call(ctx, http.MethodPost, "/edge/command/ack", body, nil)
}

func (f *Fallback) UploadAttachment(ctx context.Context, guid string, data []byte, mimeType string) (UploadResponse, error) {
	var resp UploadResponse
	body := map[string]any{"guid": guid, "mime_type": mimeType, "data": data}
	err := f.call(ctx, http.MethodPost, "/photos/upload", body, &resp)
	return resp, err
}

func (f *Fallback) Health(ctx context.Context) (bool, error) {
	err := f.call(ctx, http.MethodGet, "/edge/health", nil, nil)
	return err == nil, err
}

// call performs one request-scoped HTTP call under the circuit breaker,
// attaching the bearer secret, X-Edge-Agent-Id, an idempotency id, and a
// monotonic timestamp header, per §6.3.
func (f *Fallback) call(ctx context.Context, method, path string, body, out any) error {
	_, err := f.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("%w: encode request: %v", model.ErrTransportTerminal, err)
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("%w: build request: %v", model.ErrTransportTerminal, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+f.secret)
		req.Header.Set("X-Edge-Agent-Id", f.agentID)
		req.Header.Set("X-Idempotency-Id", uuid.NewString())
		req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrTransportRetryable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: status %d", model.ErrTransportAuth, resp.StatusCode)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", model.ErrTransportRetryable, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%w: status %d", model.ErrTransportTerminal, resp.StatusCode)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("%w: decode response: %v", model.ErrTransportTerminal, err)
			}
		}
		return nil, nil
	})
	return err
}
