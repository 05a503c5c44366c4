package diary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/relations"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/pkg/models"
)

var (
	// ErrSelfShare is returned when an owner invites themself.
	ErrSelfShare = errors.New("cannot share a diary with its owner")

	// ErrAlreadyShared is returned when a pending or accepted invitation
	// already exists for the target agent.
	ErrAlreadyShared = errors.New("diary already shared with this agent")

	// ErrWrongStatus is returned on an invalid invitation transition.
	ErrWrongStatus = errors.New("invitation is not in a state that allows this transition")
)

// Share invites the agent behind targetFingerprint into the diary. A
// declined or revoked invitation for the same pair is re-opened instead
// of duplicated.
func (s *Service) Share(ctx context.Context, ownerID, diaryID, targetFingerprint string, role models.ShareRole) (*models.DiaryShare, error) {
	diary, err := s.store.GetDiary(ctx, diaryID)
	if err != nil {
		return nil, err
	}
	if !s.canManageDiary(diary, ownerID) {
		return nil, ErrForbidden
	}
	if role == "" {
		role = models.ShareRoleReader
	}
	if role != models.ShareRoleReader && role != models.ShareRoleWriter {
		return nil, fmt.Errorf("%w: unknown share role %q", ErrValidation, role)
	}

	target, err := s.store.FindAgentByFingerprint(ctx, targetFingerprint)
	if err != nil {
		return nil, err
	}
	if target.IdentityID == ownerID {
		return nil, ErrSelfShare
	}

	existing, err := s.store.GetShareByDiaryAndAgent(ctx, diaryID, target.IdentityID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	now := time.Now().UTC()
	if existing != nil {
		switch existing.Status {
		case models.SharePending, models.ShareAccepted:
			return nil, ErrAlreadyShared
		}
		// declined or revoked: re-open with a fresh invitation.
		existing.Status = models.SharePending
		existing.Role = role
		existing.InvitedAt = now
		existing.RespondedAt = nil
		if err := s.store.UpdateShare(ctx, existing); err != nil {
			return nil, fmt.Errorf("reopen share: %w", err)
		}
		log.Info().Str("share", existing.ID).Str("diary", diaryID).Msg("Share invitation re-opened")
		return existing, nil
	}

	share := &models.DiaryShare{
		ID:         uuid.New().String(),
		DiaryID:    diaryID,
		SharedWith: target.IdentityID,
		Role:       role,
		Status:     models.SharePending,
		InvitedAt:  now,
	}
	if err := s.store.CreateShare(ctx, share); err != nil {
		return nil, fmt.Errorf("create share: %w", err)
	}
	log.Info().Str("share", share.ID).Str("diary", diaryID).Str("with", target.IdentityID).Msg("Diary shared")
	return share, nil
}

// ListInvitations returns the agent's pending invitations.
func (s *Service) ListInvitations(ctx context.Context, agentID string) ([]models.DiaryShare, error) {
	return s.store.ListSharesForAgent(ctx, agentID, models.SharePending)
}

// ListShares returns every share row on a diary. Owner only.
func (s *Service) ListShares(ctx context.Context, ownerID, diaryID string) ([]models.DiaryShare, error) {
	diary, err := s.store.GetDiary(ctx, diaryID)
	if err != nil {
		return nil, err
	}
	if !s.canManageDiary(diary, ownerID) {
		return nil, ErrForbidden
	}
	return s.store.ListSharesForDiary(ctx, diaryID)
}

// Accept transitions a pending invitation to accepted and grants the
// diary role tuple.
func (s *Service) Accept(ctx context.Context, agentID, shareID string) (*models.DiaryShare, error) {
	share, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share.SharedWith != agentID {
		return nil, ErrForbidden
	}
	if share.Status != models.SharePending {
		return nil, ErrWrongStatus
	}

	now := time.Now().UTC()
	share.Status = models.ShareAccepted
	share.RespondedAt = &now
	if err := s.store.UpdateShare(ctx, share); err != nil {
		return nil, fmt.Errorf("accept share: %w", err)
	}

	relation := relations.RelationReader
	if share.Role == models.ShareRoleWriter {
		relation = relations.RelationWriter
	}
	s.startRelationWorkflow(ctx, grantWorkflow, relations.DiaryRole(share.DiaryID, agentID, relation))
	log.Info().Str("share", shareID).Str("role", string(share.Role)).Msg("Share invitation accepted")
	return share, nil
}

// Decline transitions a pending invitation to declined. No tuples were
// granted, so none are removed.
func (s *Service) Decline(ctx context.Context, agentID, shareID string) (*models.DiaryShare, error) {
	share, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share.SharedWith != agentID {
		return nil, ErrForbidden
	}
	if share.Status != models.SharePending {
		return nil, ErrWrongStatus
	}

	now := time.Now().UTC()
	share.Status = models.ShareDeclined
	share.RespondedAt = &now
	if err := s.store.UpdateShare(ctx, share); err != nil {
		return nil, fmt.Errorf("decline share: %w", err)
	}
	return share, nil
}

// Revoke withdraws a pending or accepted share and removes the granted
// tuples. Owner only.
func (s *Service) Revoke(ctx context.Context, ownerID, shareID string) (*models.DiaryShare, error) {
	share, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	diary, err := s.store.GetDiary(ctx, share.DiaryID)
	if err != nil {
		return nil, err
	}
	if !s.canManageDiary(diary, ownerID) {
		return nil, ErrForbidden
	}
	if share.Status != models.SharePending && share.Status != models.ShareAccepted {
		return nil, ErrWrongStatus
	}

	now := time.Now().UTC()
	share.Status = models.ShareRevoked
	share.RespondedAt = &now
	if err := s.store.UpdateShare(ctx, share); err != nil {
		return nil, fmt.Errorf("revoke share: %w", err)
	}
	s.startRelationWorkflow(ctx, removeWorkflow,
		relations.DiaryRole(share.DiaryID, share.SharedWith, relations.RelationReader),
		relations.DiaryRole(share.DiaryID, share.SharedWith, relations.RelationWriter))
	log.Info().Str("share", shareID).Msg("Share revoked")
	return share, nil
}
