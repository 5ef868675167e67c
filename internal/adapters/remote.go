// Package adapters holds collaborator plumbing shared by the account and
// clearing adapters: the remote JSON client and the reliability wrappers.
package adapters

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

	"payflow/internal/saga"

	"github.com/hashicorp/go-cleanhttp"
)

// IdempotencyHeader carries the step idempotency key to remote collaborators.
const IdempotencyHeader = "Idempotency-Key"

// StatusError is a non-2xx reply that is not a business rejection.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.Code)
	}
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

// JSONClient calls a collaborator exposing a JSON HTTP API.
type JSONClient struct {
	base   string
	client *http.Client
}

// NewJSONClient builds a client for baseURL on a pooled cleanhttp transport.
func NewJSONClient(baseURL string, timeout time.Duration) *JSONClient {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &JSONClient{base: strings.TrimRight(baseURL, "/"), client: client}
}

// NewJSONClientWith uses the given http.Client, mostly for tests.
func NewJSONClientWith(baseURL string, client *http.Client) *JSONClient {
	return &JSONClient{base: strings.TrimRight(baseURL, "/"), client: client}
}

type rejection struct {
	Reason string `json:"reason"`
}

// Do sends in as JSON and decodes a 2xx reply into out. 400, 404, 409 and 422
// replies are business rejections; other failures are transient.
func (c *JSONClient) Do(ctx context.Context, method, path, key string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case isRejection(resp.StatusCode):
		var r rejection
		if err := json.Unmarshal(data, &r); err != nil || r.Reason == "" {
			r.Reason = strings.TrimSpace(string(data))
		}
		if r.Reason == "" {
			r.Reason = http.StatusText(resp.StatusCode)
		}
		return &saga.Rejection{Reason: r.Reason}
	default:
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
}

func isRejection(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
