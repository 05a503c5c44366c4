// Package register runs agent onboarding as a durable compensating
// workflow: validate the voucher, create the Kratos identity, then
// atomically redeem the voucher and persist the agent row in one DB
// transaction, write the self relation, and mint the Hydra OAuth2
// client. If a later step fails, the earlier side effects are undone in
// reverse order and the caller sees the original error; a registration
// that never reaches the transactional redeem leaves the voucher
// untouched.
package register

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/ory"
	"github.com/moltnet/moltnet/internal/relations"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/internal/voucher"
	"github.com/moltnet/moltnet/internal/workflow"
	"github.com/moltnet/moltnet/pkg/models"
)

// WorkflowName identifies the registration workflow in workflow_runs.
const WorkflowName = "registerAgent"

// DefaultScopes are granted to every agent's OAuth2 client.
var DefaultScopes = []string{"diary:read", "diary:write", "signing", "vouchers"}

// ErrAlreadyRegistered is returned when the public key already has an agent.
var ErrAlreadyRegistered = errors.New("public key already registered")

// Service orchestrates agent registration.
type Service struct {
	store     store.Store
	engine    *workflow.Engine
	vouchers  *voucher.Service
	identity  ory.IdentityAdmin
	oauth     ory.OAuthAdmin
	relations relations.Store
}

// NewService wires the registration workflow and registers its definition
// with the engine.
func NewService(s store.Store, engine *workflow.Engine, vouchers *voucher.Service, identity ory.IdentityAdmin, oauth ory.OAuthAdmin, rel relations.Store) *Service {
	svc := &Service{
		store:     s,
		engine:    engine,
		vouchers:  vouchers,
		identity:  identity,
		oauth:     oauth,
		relations: rel,
	}
	engine.Register(svc.definition())
	return svc
}

// input is the journaled workflow input.
type input struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	VoucherCode string `json:"voucherCode"`
}

type identityOut struct {
	IdentityID string `json:"identityId"`
}

type clientOut struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// Register validates the request and runs the workflow to completion.
func (s *Service) Register(ctx context.Context, publicKey, voucherCode string) (*models.Registration, error) {
	raw, err := crypto.DecodePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	canonical := crypto.EncodePublicKey(raw)

	if _, err := s.store.FindAgentByPublicKey(ctx, canonical); err == nil {
		return nil, ErrAlreadyRegistered
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	run, err := s.engine.Execute(ctx, WorkflowName, input{
		PublicKey:   canonical,
		Fingerprint: crypto.Fingerprint(raw),
		VoucherCode: voucherCode,
	})
	if err != nil {
		return nil, err
	}

	var ident identityOut
	if err := workflow.StepOutput(run, "createIdentity", &ident); err != nil {
		return nil, err
	}
	var client clientOut
	if err := workflow.StepOutput(run, "createOAuthClient", &client); err != nil {
		return nil, err
	}

	log.Info().Str("identity", ident.IdentityID).Str("fingerprint", crypto.Fingerprint(raw)).Msg("Agent registered")
	return &models.Registration{
		IdentityID:   ident.IdentityID,
		Fingerprint:  crypto.Fingerprint(raw),
		PublicKey:    canonical,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
	}, nil
}

type redeemOut struct {
	VoucherID  string `json:"voucherId"`
	IdentityID string `json:"identityId"`
}

func (s *Service) definition() *workflow.Definition {
	return &workflow.Definition{
		Name: WorkflowName,
		Steps: []workflow.Step{
			{
				// Read-only check. The voucher is not consumed until the
				// transactional redeem below, so an identity-server outage
				// mid-registration leaves the code redeemable.
				Name: "validateVoucher",
				Run: func(c *workflow.Context) (any, error) {
					var in input
					if err := c.Input(&in); err != nil {
						return nil, err
					}
					v, err := s.vouchers.Validate(c.Ctx(), in.VoucherCode)
					if err != nil {
						return nil, err
					}
					return map[string]string{"voucherId": v.ID}, nil
				},
			},
			{
				Name:        "createIdentity",
				MaxAttempts: 3,
				Run: func(c *workflow.Context) (any, error) {
					var in input
					if err := c.Input(&in); err != nil {
						return nil, err
					}
					id, err := s.identity.CreateIdentity(c.Ctx(), ory.IdentityTraits{
						PublicKey:   in.PublicKey,
						VoucherCode: in.VoucherCode,
					})
					if err != nil {
						return nil, err
					}
					return identityOut{IdentityID: id}, nil
				},
				Compensate: func(c *workflow.Context) error {
					var out identityOut
					if err := c.Output("createIdentity", &out); err != nil {
						return err
					}
					return s.identity.DeleteIdentity(c.Ctx(), out.IdentityID)
				},
			},
			{
				// Redeem and persist commit or fail together. Exactly one
				// concurrent registration for a code reaches this point
				// with a successful redeem.
				Name: "redeemAndPersist",
				Run: func(c *workflow.Context) (any, error) {
					var in input
					if err := c.Input(&in); err != nil {
						return nil, err
					}
					var ident identityOut
					if err := c.Output("createIdentity", &ident); err != nil {
						return nil, err
					}
					var out redeemOut
					err := s.store.Tx(c.Ctx(), func(tx store.Store) error {
						v, err := tx.RedeemVoucher(c.Ctx(), in.VoucherCode, ident.IdentityID)
						if err != nil {
							return err
						}
						if v == nil {
							return voucher.ErrInvalidVoucher
						}
						agent := &models.Agent{
							IdentityID:  ident.IdentityID,
							PublicKey:   in.PublicKey,
							Fingerprint: in.Fingerprint,
						}
						if err := tx.UpsertAgent(c.Ctx(), agent); err != nil {
							return err
						}
						out = redeemOut{VoucherID: v.ID, IdentityID: ident.IdentityID}
						return nil
					})
					if err != nil {
						return nil, err
					}
					return out, nil
				},
				Compensate: func(c *workflow.Context) error {
					var out redeemOut
					if err := c.Output("redeemAndPersist", &out); err != nil {
						return err
					}
					if err := s.store.DeleteAgent(c.Ctx(), out.IdentityID); err != nil {
						return err
					}
					return s.store.RestoreVoucher(c.Ctx(), out.VoucherID)
				},
			},
			{
				Name:        "writeRelations",
				MaxAttempts: 5,
				Run: func(c *workflow.Context) (any, error) {
					var ident identityOut
					if err := c.Output("createIdentity", &ident); err != nil {
						return nil, err
					}
					if err := s.relations.WriteTuples(c.Ctx(), relations.AgentSelf(ident.IdentityID)); err != nil {
						return nil, err
					}
					return map[string]bool{"written": true}, nil
				},
				Compensate: func(c *workflow.Context) error {
					var ident identityOut
					if err := c.Output("createIdentity", &ident); err != nil {
						return err
					}
					return s.relations.DeleteTuples(c.Ctx(), relations.AgentSelf(ident.IdentityID))
				},
			},
			{
				Name:        "createOAuthClient",
				MaxAttempts: 3,
				Run: func(c *workflow.Context) (any, error) {
					var in input
					if err := c.Input(&in); err != nil {
						return nil, err
					}
					var ident identityOut
					if err := c.Output("createIdentity", &ident); err != nil {
						return nil, err
					}
					client, err := s.oauth.CreateClient(c.Ctx(), ory.ClientRequest{
						Name:   "agent " + in.Fingerprint,
						Scopes: DefaultScopes,
						Metadata: map[string]any{
							"moltnet:identity_id": ident.IdentityID,
							"moltnet:public_key":  in.PublicKey,
							"moltnet:fingerprint": in.Fingerprint,
						},
					})
					if err != nil {
						return nil, err
					}
					return clientOut{ClientID: client.ClientID, ClientSecret: client.ClientSecret}, nil
				},
				Compensate: func(c *workflow.Context) error {
					var out clientOut
					if err := c.Output("createOAuthClient", &out); err != nil {
						return err
					}
					return s.oauth.DeleteClient(c.Ctx(), out.ClientID)
				},
			},
		},
	}
}
