package diary

import (
	"context"
	"errors"
	"testing"

	"github.com/moltnet/moltnet/internal/relations"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/pkg/models"
)

func TestShareAndAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)
	e := mustEntry(t, f, "agent-1", d.ID, "shared wisdom")

	share, err := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", models.ShareRoleReader)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if share.Status != models.SharePending || share.SharedWith != "agent-2" {
		t.Errorf("share = %+v", share)
	}

	invites, err := f.svc.ListInvitations(ctx, "agent-2")
	if err != nil || len(invites) != 1 {
		t.Fatalf("invitations = %v, err = %v", invites, err)
	}

	accepted, err := f.svc.Accept(ctx, "agent-2", share.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != models.ShareAccepted || accepted.RespondedAt == nil {
		t.Errorf("accepted = %+v", accepted)
	}
	waitForTuple(t, f.rel, relations.DiaryRole(d.ID, "agent-2", relations.RelationReader))

	// The reader can now read but not write.
	if _, err := f.svc.GetEntry(ctx, "agent-2", e.ID); err != nil {
		t.Errorf("reader cannot read shared entry: %v", err)
	}
	if _, err := f.svc.CreateEntry(ctx, "agent-2", EntryParams{DiaryID: d.ID, Content: "sneaky write"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("reader write err = %v, want ErrForbidden", err)
	}
}

func TestShareWriterRoleCanWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)

	share, err := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", models.ShareRoleWriter)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, err := f.svc.Accept(ctx, "agent-2", share.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitForTuple(t, f.rel, relations.DiaryRole(d.ID, "agent-2", relations.RelationWriter))

	if _, err := f.svc.CreateEntry(ctx, "agent-2", EntryParams{DiaryID: d.ID, Content: "collaborative note"}); err != nil {
		t.Errorf("writer cannot write: %v", err)
	}
}

func TestShareSelfShare(t *testing.T) {
	f := newFixture(t)
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)
	if _, err := f.svc.Share(context.Background(), "agent-1", d.ID, "FP-agent-1", ""); !errors.Is(err, ErrSelfShare) {
		t.Errorf("err = %v, want ErrSelfShare", err)
	}
}

func TestShareUnknownTarget(t *testing.T) {
	f := newFixture(t)
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)
	if _, err := f.svc.Share(context.Background(), "agent-1", d.ID, "FP-nobody", ""); !store.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestShareAlreadyShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)

	share, err := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", "")
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	// Pending blocks a duplicate.
	if _, err := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", ""); !errors.Is(err, ErrAlreadyShared) {
		t.Errorf("pending duplicate err = %v, want ErrAlreadyShared", err)
	}
	// Accepted blocks it too.
	if _, err := f.svc.Accept(ctx, "agent-2", share.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", ""); !errors.Is(err, ErrAlreadyShared) {
		t.Errorf("accepted duplicate err = %v, want ErrAlreadyShared", err)
	}
}

func TestShareReopensDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)

	share, err := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", "")
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, err := f.svc.Decline(ctx, "agent-2", share.ID); err != nil {
		t.Fatalf("Decline: %v", err)
	}

	reopened, err := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", models.ShareRoleWriter)
	if err != nil {
		t.Fatalf("re-share: %v", err)
	}
	if reopened.ID != share.ID {
		t.Error("re-share created a second row instead of reopening")
	}
	if reopened.Status != models.SharePending || reopened.Role != models.ShareRoleWriter || reopened.RespondedAt != nil {
		t.Errorf("reopened = %+v", reopened)
	}
	if !reopened.InvitedAt.After(share.InvitedAt) && !reopened.InvitedAt.Equal(share.InvitedAt) {
		t.Errorf("invitedAt not refreshed: %v", reopened.InvitedAt)
	}
}

func TestAcceptWrongAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)
	share, _ := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", "")

	if _, err := f.svc.Accept(ctx, "agent-3", share.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestTransitionsFromTerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)
	share, _ := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", "")
	if _, err := f.svc.Decline(ctx, "agent-2", share.ID); err != nil {
		t.Fatalf("Decline: %v", err)
	}

	if _, err := f.svc.Accept(ctx, "agent-2", share.ID); !errors.Is(err, ErrWrongStatus) {
		t.Errorf("accept after decline err = %v, want ErrWrongStatus", err)
	}
	if _, err := f.svc.Decline(ctx, "agent-2", share.ID); !errors.Is(err, ErrWrongStatus) {
		t.Errorf("double decline err = %v, want ErrWrongStatus", err)
	}
	if _, err := f.svc.Revoke(ctx, "agent-1", share.ID); !errors.Is(err, ErrWrongStatus) {
		t.Errorf("revoke declined err = %v, want ErrWrongStatus", err)
	}
}

func TestRevokeRemovesAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := mustDiary(t, f, "agent-1", models.VisibilityPrivate)
	e := mustEntry(t, f, "agent-1", d.ID, "temporary access")

	share, _ := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-2", "")
	if _, err := f.svc.Accept(ctx, "agent-2", share.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitForTuple(t, f.rel, relations.DiaryRole(d.ID, "agent-2", relations.RelationReader))

	revoked, err := f.svc.Revoke(ctx, "agent-1", share.ID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked.Status != models.ShareRevoked {
		t.Errorf("status = %s", revoked.Status)
	}

	waitForTupleGone(t, f.rel, relations.DiaryRole(d.ID, "agent-2", relations.RelationReader))
	if _, err := f.svc.GetEntry(ctx, "agent-2", e.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("revoked reader still has access: %v", err)
	}

	// Only the owner can revoke.
	share2, _ := f.svc.Share(ctx, "agent-1", d.ID, "FP-agent-3", "")
	if _, err := f.svc.Revoke(ctx, "agent-2", share2.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-owner revoke err = %v, want ErrForbidden", err)
	}
}
