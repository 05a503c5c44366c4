package ory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OAuthAdmin is the slice of the Hydra admin API the registration workflow
// and the token validator depend on.
type OAuthAdmin interface {
	CreateClient(ctx context.Context, req ClientRequest) (*OAuth2Client, error)
	DeleteClient(ctx context.Context, clientID string) error
	GetClient(ctx context.Context, clientID string) (*OAuth2Client, error)
	Introspect(ctx context.Context, token string) (*Introspection, error)
}

// ClientRequest describes the OAuth2 client minted for a new agent. The
// metadata carries the moltnet identity claims so tokens can be mapped
// back to an agent without a database hit.
type ClientRequest struct {
	Name     string
	Scopes   []string
	Metadata map[string]any
}

// OAuth2Client is the subset of Hydra's client document MoltNet reads.
type OAuth2Client struct {
	ClientID     string         `json:"client_id"`
	ClientSecret string         `json:"client_secret,omitempty"`
	ClientName   string         `json:"client_name"`
	Scope        string         `json:"scope"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Introspection is Hydra's token introspection result. Ext carries the
// moltnet:* claims stamped into tokens at issuance.
type Introspection struct {
	Active   bool           `json:"active"`
	Subject  string         `json:"sub"`
	ClientID string         `json:"client_id"`
	Scope    string         `json:"scope"`
	Ext      map[string]any `json:"ext,omitempty"`
}

// HydraClient talks to the Hydra admin API.
type HydraClient struct {
	adminURL string
	client   *http.Client
}

// NewHydraClient creates a Hydra admin client.
func NewHydraClient(adminURL string) *HydraClient {
	return &HydraClient{
		adminURL: adminURL,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

type hydraClientDoc struct {
	ClientID     string         `json:"client_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
	ClientName   string         `json:"client_name"`
	GrantTypes   []string       `json:"grant_types"`
	Scope        string         `json:"scope"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TokenAuth    string         `json:"token_endpoint_auth_method"`
}

// CreateClient registers a client-credentials OAuth2 client.
func (c *HydraClient) CreateClient(ctx context.Context, req ClientRequest) (*OAuth2Client, error) {
	in := hydraClientDoc{
		ClientName: req.Name,
		GrantTypes: []string{"client_credentials"},
		Scope:      strings.Join(req.Scopes, " "),
		Metadata:   req.Metadata,
		TokenAuth:  "client_secret_post",
	}
	var out OAuth2Client
	err := doJSON(ctx, c.client, "hydra", http.MethodPost, c.adminURL+"/admin/clients", in, &out)
	if err != nil {
		return nil, fmt.Errorf("create oauth2 client: %w", err)
	}
	return &out, nil
}

// DeleteClient removes an OAuth2 client. Used as registration compensation.
func (c *HydraClient) DeleteClient(ctx context.Context, clientID string) error {
	err := doJSON(ctx, c.client, "hydra", http.MethodDelete, c.adminURL+"/admin/clients/"+url.PathEscape(clientID), nil, nil)
	if err != nil && !IsNotFoundStatus(err) {
		return fmt.Errorf("delete oauth2 client: %w", err)
	}
	return nil
}

// GetClient fetches a client document, metadata included.
func (c *HydraClient) GetClient(ctx context.Context, clientID string) (*OAuth2Client, error) {
	var out OAuth2Client
	err := doJSON(ctx, c.client, "hydra", http.MethodGet, c.adminURL+"/admin/clients/"+url.PathEscape(clientID), nil, &out)
	if err != nil {
		return nil, fmt.Errorf("get oauth2 client: %w", err)
	}
	return &out, nil
}

// Introspect resolves an opaque token. Hydra expects form encoding here,
// unlike the rest of the admin API.
func (c *HydraClient) Introspect(ctx context.Context, token string) (*Introspection, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminURL+"/admin/oauth2/introspect", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hydra request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{Service: "hydra", Status: resp.StatusCode, Body: "introspection failed"}
	}
	var out Introspection
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal introspection: %w", err)
	}
	return &out, nil
}
