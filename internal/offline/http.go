package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// HTTPSubmitter talks to a cairn server over its HTTP API.
type HTTPSubmitter struct {
	baseURL string
	token   func() string
	client  *http.Client
}

// NewHTTPSubmitter creates a submitter for the server at baseURL. token is
// called per request for the bearer token. client may be nil.
func NewHTTPSubmitter(baseURL string, token func() string, client *http.Client) *HTTPSubmitter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Submit posts one event.
func (h *HTTPSubmitter) Submit(ctx context.Context, req ir.SubmitRequest) (ir.Acceptance, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ir.Acceptance{}, fmt.Errorf("encode submission: %w", err)
	}
	var acc ir.Acceptance
	if err := h.do(ctx, http.MethodPost, "/v1/events", bytes.NewReader(body), &acc); err != nil {
		return ir.Acceptance{}, err
	}
	return acc, nil
}

// Fetch returns the current state of an aggregate, or the zero State if the
// server does not have it.
func (h *HTTPSubmitter) Fetch(ctx context.Context, aggregateID string) (ir.State, error) {
	var st ir.State
	err := h.do(ctx, http.MethodGet, "/v1/aggregates/"+url.PathEscape(aggregateID), nil, &st)
	if errors.Is(err, errNotFoundStatus) {
		return ir.State{AggregateID: aggregateID}, nil
	}
	if err != nil {
		return ir.State{}, err
	}
	return st, nil
}

var errNotFoundStatus = fmt.Errorf("server: %w", ir.ErrNotFound)

// errorBody is the server's error envelope.
type errorBody struct {
	Error *ir.Error `json:"error"`
}

func (h *HTTPSubmitter) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != nil {
		req.Header.Set("Authorization", "Bearer "+h.token())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ir.NewTransientIO(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ir.NewTransientIO("read response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFoundStatus
	}

	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != nil && eb.Error.Code != "" {
		return eb.Error
	}
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return ir.NewTransientIO(fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusUnauthorized:
		// retried once the token is refreshed
		return ir.NewTransientIO("server rejected credentials", nil)
	case resp.StatusCode == http.StatusForbidden:
		return ir.NewPolicyDenied("", fmt.Sprintf("server returned %d", resp.StatusCode))
	}
	return ir.NewValidationError("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
