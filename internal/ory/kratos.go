package ory

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// IdentityAdmin is the slice of the Kratos admin API the registration and
// recovery workflows depend on.
type IdentityAdmin interface {
	CreateIdentity(ctx context.Context, traits IdentityTraits) (string, error)
	DeleteIdentity(ctx context.Context, identityID string) error
	CreateRecoveryCode(ctx context.Context, identityID string) (*RecoveryCode, error)
}

// IdentityTraits is the trait document stored on a Kratos identity.
type IdentityTraits struct {
	PublicKey   string `json:"public_key"`
	VoucherCode string `json:"voucher_code"`
}

// RecoveryCode is a Kratos-minted account recovery code.
type RecoveryCode struct {
	Code      string    `json:"recovery_code"`
	Link      string    `json:"recovery_link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KratosClient talks to the Kratos admin API.
type KratosClient struct {
	adminURL string
	client   *http.Client
}

// NewKratosClient creates a Kratos admin client.
func NewKratosClient(adminURL string) *KratosClient {
	return &KratosClient{
		adminURL: adminURL,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

type kratosIdentity struct {
	ID          string         `json:"id"`
	SchemaID    string         `json:"schema_id"`
	Traits      IdentityTraits `json:"traits"`
	State       string         `json:"state,omitempty"`
	Credentials any            `json:"credentials,omitempty"`
}

// CreateIdentity creates an agent identity and returns its id.
func (c *KratosClient) CreateIdentity(ctx context.Context, traits IdentityTraits) (string, error) {
	in := kratosIdentity{SchemaID: "agent", Traits: traits}
	var out kratosIdentity
	err := doJSON(ctx, c.client, "kratos", http.MethodPost, c.adminURL+"/admin/identities", in, &out)
	if err != nil {
		return "", fmt.Errorf("create identity: %w", err)
	}
	return out.ID, nil
}

// DeleteIdentity removes an identity. Used as registration compensation.
func (c *KratosClient) DeleteIdentity(ctx context.Context, identityID string) error {
	err := doJSON(ctx, c.client, "kratos", http.MethodDelete, c.adminURL+"/admin/identities/"+identityID, nil, nil)
	if err != nil && !IsNotFoundStatus(err) {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

// CreateRecoveryCode mints a recovery code for the identity. Only called
// after the full challenge verification chain has passed.
func (c *KratosClient) CreateRecoveryCode(ctx context.Context, identityID string) (*RecoveryCode, error) {
	in := map[string]string{"identity_id": identityID}
	var out RecoveryCode
	err := doJSON(ctx, c.client, "kratos", http.MethodPost, c.adminURL+"/admin/recovery/code", in, &out)
	if err != nil {
		return nil, fmt.Errorf("create recovery code: %w", err)
	}
	return &out, nil
}
