// Package ory holds the narrow HTTP clients for the Ory stack: Kratos
// (identity records), Hydra (OAuth2 clients and token introspection).
// Only the handful of admin endpoints MoltNet actually calls are wrapped;
// anything else goes through the official consoles.
package ory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout bounds every admin API call.
const defaultTimeout = 15 * time.Second

// apiError is returned when an Ory admin API responds outside 2xx.
type apiError struct {
	Service string
	Status  int
	Body    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Service, e.Status, e.Body)
}

// IsNotFoundStatus reports whether err is an Ory API error with a 404.
func IsNotFoundStatus(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.Status == http.StatusNotFound
}

// decodeJSON decodes a response body stream.
func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

// doJSON issues a request with an optional JSON body and decodes the JSON
// response into out (when out is non-nil).
func doJSON(ctx context.Context, client *http.Client, service, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Service: service, Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", service, err)
	}
	return nil
}
