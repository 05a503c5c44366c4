package signing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/internal/workflow"
	"github.com/moltnet/moltnet/pkg/models"
)

type fixture struct {
	store store.Store
	svc   *Service
	kp    *crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	engine := workflow.NewEngine(s, workflow.WithRetryInterval(time.Millisecond))
	svc := NewService(s, engine)

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	err = s.UpsertAgent(context.Background(), &models.Agent{
		IdentityID:  "agent-1",
		PublicKey:   kp.PublicKey,
		Fingerprint: kp.Fingerprint,
	})
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	return &fixture{store: s, svc: svc, kp: kp}
}

func TestCreateAndSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, "agent-1", "prove it")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Status != models.SigningPending || req.Nonce == "" {
		t.Errorf("request = %+v", req)
	}

	sig := crypto.SignWithNonce(req.Message, req.Nonce, f.kp.PrivateKey)
	done, err := f.svc.Submit(ctx, req.ID, "agent-1", sig)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if done.Status != models.SigningCompleted {
		t.Errorf("status = %s", done.Status)
	}
	if done.Valid == nil || !*done.Valid {
		t.Error("valid signature not marked valid")
	}
	if done.CompletedAt == nil {
		t.Error("completedAt not set")
	}
}

func TestSubmitInvalidSignatureCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.Create(ctx, "agent-1", "prove it")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done, err := f.svc.Submit(ctx, req.ID, "agent-1", "bm90LWEtc2ln")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The request completes either way; Valid records the verdict.
	if done.Status != models.SigningCompleted {
		t.Errorf("status = %s", done.Status)
	}
	if done.Valid == nil || *done.Valid {
		t.Error("invalid signature marked valid")
	}
}

func TestSubmitTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Create(ctx, "agent-1", "msg")
	sig := crypto.SignWithNonce(req.Message, req.Nonce, f.kp.PrivateKey)

	if _, err := f.svc.Submit(ctx, req.ID, "agent-1", sig); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := f.svc.Submit(ctx, req.ID, "agent-1", sig); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestSubmitWrongAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Create(ctx, "agent-1", "msg")

	if _, err := f.svc.Submit(ctx, req.ID, "agent-2", "sig"); !errors.Is(err, ErrWrongAgent) {
		t.Errorf("err = %v, want ErrWrongAgent", err)
	}
}

func TestSubmitExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Create a request already past its TTL, bypassing the service.
	now := time.Now().UTC()
	req := &models.SigningRequest{
		ID:        "sr-old",
		AgentID:   "agent-1",
		Message:   "msg",
		Nonce:     "n",
		Status:    models.SigningPending,
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	}
	if err := f.store.CreateSigningRequest(ctx, req); err != nil {
		t.Fatalf("CreateSigningRequest: %v", err)
	}

	if _, err := f.svc.Submit(ctx, "sr-old", "agent-1", "sig"); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
	got, _ := f.store.GetSigningRequest(ctx, "sr-old")
	if got.Status != models.SigningExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestVerifyBySignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Create(ctx, "agent-1", "public claim")
	sig := crypto.SignWithNonce(req.Message, req.Nonce, f.kp.PrivateKey)
	if _, err := f.svc.Submit(ctx, req.ID, "agent-1", sig); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := f.svc.VerifyBySignature(ctx, sig)
	if err != nil {
		t.Fatalf("VerifyBySignature: %v", err)
	}
	if got.ID != req.ID || got.Message != "public claim" {
		t.Errorf("lookup = %+v", got)
	}

	if _, err := f.svc.VerifyBySignature(ctx, "unknown"); !store.IsNotFound(err) {
		t.Errorf("unknown signature err = %v, want not found", err)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	stale := &models.SigningRequest{
		ID: "sr-stale", AgentID: "agent-1", Message: "m", Nonce: "n",
		Status: models.SigningPending, ExpiresAt: now.Add(-time.Minute),
	}
	if err := f.store.CreateSigningRequest(ctx, stale); err != nil {
		t.Fatalf("CreateSigningRequest: %v", err)
	}

	n, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
}

func TestCreateUnknownAgent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Create(context.Background(), "ghost", "msg"); !store.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}
