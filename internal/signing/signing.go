// Package signing implements the proof-of-possession flow: a verifier
// creates a request naming an agent and a message, the agent signs
// message "." nonce with its Ed25519 key, and anyone can later verify
// the completed request by its signature alone.
package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/internal/workflow"
	"github.com/moltnet/moltnet/pkg/models"
)

// WorkflowName identifies the signing workflow in workflow_runs.
const WorkflowName = "signingRequest"

// signalSubmitted is sent to the waiting workflow when a signature lands.
const signalSubmitted = "submitted"

var (
	// ErrExpired is returned when submitting to a request past its TTL.
	ErrExpired = errors.New("signing request expired")

	// ErrAlreadyCompleted is returned when submitting twice.
	ErrAlreadyCompleted = errors.New("signing request already completed")

	// ErrWrongAgent is returned when an agent submits to someone else's
	// request.
	ErrWrongAgent = errors.New("signing request addressed to a different agent")
)

// Service manages the signing request lifecycle.
type Service struct {
	store  store.Store
	engine *workflow.Engine
}

// NewService creates the signing service and registers its workflow.
func NewService(s store.Store, engine *workflow.Engine) *Service {
	svc := &Service{store: s, engine: engine}
	engine.Register(svc.definition())
	return svc
}

type wfInput struct {
	RequestID string `json:"requestId"`
}

// definition waits for the submission signal until the request TTL, then
// marks the request expired if nothing arrived. The sweep cron is the
// backstop for runs lost to a crash.
func (s *Service) definition() *workflow.Definition {
	return &workflow.Definition{
		Name: WorkflowName,
		Steps: []workflow.Step{
			{
				Name: "awaitSignature",
				Run: func(c *workflow.Context) (any, error) {
					var in wfInput
					if err := c.Input(&in); err != nil {
						return nil, err
					}
					payload, err := c.Recv(signalSubmitted, models.SigningRequestTTL)
					if errors.Is(err, workflow.ErrSignalTimeout) {
						s.expireRequest(c.Ctx(), in.RequestID)
						return map[string]string{"outcome": "expired"}, nil
					}
					if err != nil {
						return nil, err
					}
					return map[string]string{"outcome": string(payload)}, nil
				},
			},
		},
	}
}

func (s *Service) expireRequest(ctx context.Context, id string) {
	req, err := s.store.GetSigningRequest(ctx, id)
	if err != nil || req.Status != models.SigningPending {
		return
	}
	err = s.store.UpdateSigningRequest(ctx, id, store.SigningUpdate{Status: models.SigningExpired})
	if err != nil {
		log.Warn().Str("request", id).Err(err).Msg("Failed to expire signing request")
	}
}

// Create opens a signing request against the agent and starts the
// workflow that times it out.
func (s *Service) Create(ctx context.Context, agentID, message string) (*models.SigningRequest, error) {
	if _, err := s.store.FindAgentByIdentityID(ctx, agentID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &models.SigningRequest{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Message:   message,
		Nonce:     uuid.New().String(),
		Status:    models.SigningPending,
		CreatedAt: now,
		ExpiresAt: now.Add(models.SigningRequestTTL),
	}
	if err := s.store.CreateSigningRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create signing request: %w", err)
	}

	runID, err := s.engine.Start(ctx, WorkflowName, wfInput{RequestID: req.ID})
	if err != nil {
		// The request still works without its timeout workflow; the
		// sweep cron expires it instead.
		log.Warn().Str("request", req.ID).Err(err).Msg("Signing timeout workflow not started")
	} else {
		req.WorkflowID = &runID
		if err := s.store.UpdateSigningRequest(ctx, req.ID, store.SigningUpdate{Status: req.Status, WorkflowID: &runID}); err != nil {
			log.Warn().Str("request", req.ID).Err(err).Msg("Failed to attach workflow id")
		}
	}

	log.Info().Str("request", req.ID).Str("agent", agentID).Msg("Signing request created")
	return req, nil
}

// Get returns a signing request by id.
func (s *Service) Get(ctx context.Context, id string) (*models.SigningRequest, error) {
	return s.store.GetSigningRequest(ctx, id)
}

// List returns the agent's signing requests.
func (s *Service) List(ctx context.Context, params store.SigningListParams) ([]models.SigningRequest, error) {
	return s.store.ListSigningRequests(ctx, params)
}

// Submit records the agent's signature over message "." nonce. The
// request completes whether or not the signature verifies; Valid records
// the verdict.
func (s *Service) Submit(ctx context.Context, id, agentID, signature string) (*models.SigningRequest, error) {
	req, err := s.store.GetSigningRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.AgentID != agentID {
		return nil, ErrWrongAgent
	}
	switch req.Status {
	case models.SigningCompleted:
		return nil, ErrAlreadyCompleted
	case models.SigningExpired:
		return nil, ErrExpired
	}
	now := time.Now().UTC()
	if !req.ExpiresAt.After(now) {
		s.expireRequest(ctx, id)
		return nil, ErrExpired
	}

	agent, err := s.store.FindAgentByIdentityID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	valid := crypto.VerifyWithNonce(req.Message, req.Nonce, signature, agent.PublicKey)

	update := store.SigningUpdate{
		Status:      models.SigningCompleted,
		Signature:   &signature,
		Valid:       &valid,
		CompletedAt: &now,
	}
	if err := s.store.UpdateSigningRequest(ctx, id, update); err != nil {
		return nil, fmt.Errorf("complete signing request: %w", err)
	}

	if req.WorkflowID != nil {
		if err := s.engine.Signal(ctx, *req.WorkflowID, signalSubmitted, []byte("completed")); err != nil {
			log.Debug().Str("request", id).Err(err).Msg("Signing workflow signal not delivered")
		}
	}

	log.Info().Str("request", id).Bool("valid", valid).Msg("Signing request completed")
	return s.store.GetSigningRequest(ctx, id)
}

// VerifyBySignature is the public lookup: given a signature, return the
// completed request it belongs to.
func (s *Service) VerifyBySignature(ctx context.Context, signature string) (*models.SigningRequest, error) {
	return s.store.FindSigningRequestBySignature(ctx, signature)
}

// Sweep expires pending requests past their TTL. Run from cron.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.ExpireSigningRequests(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("Signing request sweep")
	}
	return n, nil
}
