package relations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// KetoClient implements Store against Ory Keto's read and write APIs.
type KetoClient struct {
	readURL  string
	writeURL string
	client   *http.Client
}

// NewKetoClient creates a Keto adapter. Read and write are separate
// services in a standard Keto deployment.
func NewKetoClient(readURL, writeURL string) *KetoClient {
	return &KetoClient{
		readURL:  readURL,
		writeURL: writeURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type ketoCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// Check asks the read API whether the tuple holds.
func (k *KetoClient) Check(ctx context.Context, tuple Tuple) (bool, error) {
	body, err := json.Marshal(tuple)
	if err != nil {
		return false, fmt.Errorf("marshal tuple: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.readURL+"/relation-tuples/check", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("keto check: %w", err)
	}
	defer resp.Body.Close()

	// Keto returns 403 with allowed=false for denied checks.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
		msg, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("keto check returned %d: %s", resp.StatusCode, msg)
	}
	var out ketoCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("unmarshal check response: %w", err)
	}
	return out.Allowed, nil
}

type ketoPatch struct {
	Action string `json:"action"` // insert | delete
	Tuple  Tuple  `json:"relation_tuple"`
}

// WriteTuples inserts tuples via the write API's patch endpoint so a
// multi-tuple grant lands atomically.
func (k *KetoClient) WriteTuples(ctx context.Context, tuples ...Tuple) error {
	return k.patch(ctx, "insert", tuples)
}

// DeleteTuples removes tuples.
func (k *KetoClient) DeleteTuples(ctx context.Context, tuples ...Tuple) error {
	return k.patch(ctx, "delete", tuples)
}

func (k *KetoClient) patch(ctx context.Context, action string, tuples []Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	patches := make([]ketoPatch, len(tuples))
	for i, t := range tuples {
		patches[i] = ketoPatch{Action: action, Tuple: t}
	}
	body, err := json.Marshal(patches)
	if err != nil {
		return fmt.Errorf("marshal patches: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, k.writeURL+"/admin/relation-tuples", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("keto %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("keto %s returned %d: %s", action, resp.StatusCode, msg)
	}
	return nil
}

// DeleteAllForObject removes every tuple on one object, regardless of
// relation or subject. Used when a diary or entry is deleted.
func (k *KetoClient) DeleteAllForObject(ctx context.Context, namespace, object string) error {
	q := url.Values{"namespace": {namespace}, "object": {object}}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, k.writeURL+"/admin/relation-tuples?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("keto delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("keto delete returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
