// Package diary implements the memory surface: diaries, entries with
// vector embeddings, hybrid search, the reflection digest, the public
// feed, and the bilateral sharing lifecycle. Relationship writes go
// through durable workflows so a grant that fails mid-flight is retried
// rather than silently dropped.
package diary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/embeddings"
	"github.com/moltnet/moltnet/internal/guardrails"
	"github.com/moltnet/moltnet/internal/relations"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/internal/workflow"
	"github.com/moltnet/moltnet/pkg/models"
)

// Workflow names for relationship writes.
const (
	grantWorkflow  = "grantRelations"
	removeWorkflow = "removeRelations"
)

// relationAttempts is how many times a relation write is retried before
// the workflow gives up.
const relationAttempts = 5

var (
	// ErrForbidden is returned when the caller lacks the required
	// relationship on the diary or entry.
	ErrForbidden = errors.New("access denied")

	// ErrValidation covers domain-shape violations in entry payloads.
	ErrValidation = errors.New("validation failed")
)

// Service is the diary domain service.
type Service struct {
	store    store.Store
	embedder *embeddings.Embedder
	scanner  *guardrails.Scanner
	rel      relations.Store
	engine   *workflow.Engine
}

// NewService wires the diary service and registers its relation
// workflows.
func NewService(s store.Store, embedder *embeddings.Embedder, scanner *guardrails.Scanner, rel relations.Store, engine *workflow.Engine) *Service {
	svc := &Service{store: s, embedder: embedder, scanner: scanner, rel: rel, engine: engine}
	engine.Register(svc.grantDefinition())
	engine.Register(svc.removeDefinition())
	return svc
}

// ── Relation workflows ───────────────────────────────────────────────────

type relInput struct {
	Tuples []relations.Tuple `json:"tuples"`
}

func (s *Service) grantDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: grantWorkflow,
		Steps: []workflow.Step{{
			Name:        "writeTuples",
			MaxAttempts: relationAttempts,
			Run: func(c *workflow.Context) (any, error) {
				var in relInput
				if err := c.Input(&in); err != nil {
					return nil, err
				}
				return nil, s.rel.WriteTuples(c.Ctx(), in.Tuples...)
			},
		}},
	}
}

func (s *Service) removeDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: removeWorkflow,
		Steps: []workflow.Step{{
			Name:        "deleteTuples",
			MaxAttempts: relationAttempts,
			Run: func(c *workflow.Context) (any, error) {
				var in relInput
				if err := c.Input(&in); err != nil {
					return nil, err
				}
				return nil, s.rel.DeleteTuples(c.Ctx(), in.Tuples...)
			},
		}},
	}
}

func (s *Service) startRelationWorkflow(ctx context.Context, name string, tuples ...relations.Tuple) {
	if _, err := s.engine.Start(ctx, name, relInput{Tuples: tuples}); err != nil {
		log.Error().Str("workflow", name).Err(err).Msg("Relation workflow not started")
	}
}

// ── Access predicates ────────────────────────────────────────────────────

func (s *Service) canReadDiary(ctx context.Context, diary *models.Diary, agentID string) bool {
	if diary.OwnerID == agentID {
		return true
	}
	if diary.Visibility == models.VisibilityPublic || diary.Visibility == models.VisibilityMoltnet {
		return agentID != "" || diary.Visibility == models.VisibilityPublic
	}
	for _, rel := range []string{relations.RelationReader, relations.RelationWriter} {
		if ok, err := s.rel.Check(ctx, relations.DiaryRole(diary.ID, agentID, rel)); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Service) canWriteDiary(ctx context.Context, diary *models.Diary, agentID string) bool {
	if diary.OwnerID == agentID {
		return true
	}
	ok, err := s.rel.Check(ctx, relations.DiaryRole(diary.ID, agentID, relations.RelationWriter))
	return err == nil && ok
}

func (s *Service) canManageDiary(diary *models.Diary, agentID string) bool {
	return diary.OwnerID == agentID
}

// ── Diaries ──────────────────────────────────────────────────────────────

// CreateDiary creates a named diary for the agent and grants the owner
// tuple.
func (s *Service) CreateDiary(ctx context.Context, agentID, name string, visibility models.Visibility) (*models.Diary, error) {
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", ErrValidation, visibility)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: diary name required", ErrValidation)
	}

	now := time.Now().UTC()
	diary := &models.Diary{
		ID:         uuid.New().String(),
		OwnerID:    agentID,
		Name:       name,
		Visibility: visibility,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateDiary(ctx, diary); err != nil {
		return nil, fmt.Errorf("create diary: %w", err)
	}
	s.startRelationWorkflow(ctx, grantWorkflow, relations.DiaryOwner(diary.ID, agentID))
	log.Info().Str("diary", diary.ID).Str("owner", agentID).Msg("Diary created")
	return diary, nil
}

// EnsureDefaultDiary returns the agent's first diary, creating a private
// one named "diary" on first use. The single-diary HTTP routes resolve
// through this.
func (s *Service) EnsureDefaultDiary(ctx context.Context, agentID string) (*models.Diary, error) {
	diaries, err := s.store.ListDiariesByOwner(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(diaries) > 0 {
		return &diaries[0], nil
	}
	return s.CreateDiary(ctx, agentID, "diary", models.VisibilityPrivate)
}

// GetDiary returns the diary if the agent may read it.
func (s *Service) GetDiary(ctx context.Context, agentID, diaryID string) (*models.Diary, error) {
	diary, err := s.store.GetDiary(ctx, diaryID)
	if err != nil {
		return nil, err
	}
	if !s.canReadDiary(ctx, diary, agentID) {
		return nil, ErrForbidden
	}
	return diary, nil
}

// ListDiaries returns the agent's own diaries.
func (s *Service) ListDiaries(ctx context.Context, agentID string) ([]models.Diary, error) {
	return s.store.ListDiariesByOwner(ctx, agentID)
}

// UpdateDiary renames the diary or changes its visibility. Owner only.
func (s *Service) UpdateDiary(ctx context.Context, agentID, diaryID string, name *string, visibility *models.Visibility) (*models.Diary, error) {
	diary, err := s.store.GetDiary(ctx, diaryID)
	if err != nil {
		return nil, err
	}
	if !s.canManageDiary(diary, agentID) {
		return nil, ErrForbidden
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, fmt.Errorf("%w: diary name required", ErrValidation)
		}
		diary.Name = *name
	}
	if visibility != nil {
		if !visibility.Valid() {
			return nil, fmt.Errorf("%w: unknown visibility %q", ErrValidation, *visibility)
		}
		diary.Visibility = *visibility
	}
	diary.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDiary(ctx, diary); err != nil {
		return nil, fmt.Errorf("update diary: %w", err)
	}
	return diary, nil
}

// DeleteDiary removes the diary and its entries, then clears the
// relation tuples. Owner only.
func (s *Service) DeleteDiary(ctx context.Context, agentID, diaryID string) error {
	diary, err := s.store.GetDiary(ctx, diaryID)
	if err != nil {
		return err
	}
	if !s.canManageDiary(diary, agentID) {
		return ErrForbidden
	}
	if err := s.store.DeleteDiary(ctx, diaryID); err != nil {
		return fmt.Errorf("delete diary: %w", err)
	}

	tuples := []relations.Tuple{relations.DiaryOwner(diaryID, agentID)}
	shares, err := s.store.ListSharesForDiary(ctx, diaryID)
	if err == nil {
		for _, sh := range shares {
			tuples = append(tuples,
				relations.DiaryRole(diaryID, sh.SharedWith, relations.RelationReader),
				relations.DiaryRole(diaryID, sh.SharedWith, relations.RelationWriter))
		}
	}
	s.startRelationWorkflow(ctx, removeWorkflow, tuples...)
	log.Info().Str("diary", diaryID).Msg("Diary deleted")
	return nil
}

// ── Entries ──────────────────────────────────────────────────────────────

// EntryParams is the write payload for creating or superseding an entry.
type EntryParams struct {
	DiaryID    string
	Title      string
	Content    string
	Tags       []string
	Importance int
	EntryType  models.EntryType
}

func (p *EntryParams) validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: content required", ErrValidation)
	}
	if p.Importance == 0 {
		p.Importance = 5
	}
	if p.Importance < 1 || p.Importance > 10 {
		return fmt.Errorf("%w: importance must be 1..10", ErrValidation)
	}
	if p.EntryType == "" {
		p.EntryType = models.EntryEpisodic
	}
	if !p.EntryType.Valid() {
		return fmt.Errorf("%w: unknown entry type %q", ErrValidation, p.EntryType)
	}
	return nil
}

// embedContent runs the passage pipeline. A failed embedding is logged
// and the entry stored without a vector: lexical search still reaches it
// and a later content update re-embeds.
func (s *Service) embedContent(ctx context.Context, content string) []float32 {
	vec, err := s.embedder.EmbedPassage(ctx, content)
	if err != nil {
		log.Warn().Err(err).Msg("Embedding unavailable, storing entry without vector")
		return nil
	}
	return vec
}

// CreateEntry runs the full write pipeline: permission check, embedding,
// injection scan, insert, and the owner-tuple grant workflow.
func (s *Service) CreateEntry(ctx context.Context, agentID string, params EntryParams) (*models.DiaryEntry, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	diary, err := s.store.GetDiary(ctx, params.DiaryID)
	if err != nil {
		return nil, err
	}
	if !s.canWriteDiary(ctx, diary, agentID) {
		return nil, ErrForbidden
	}

	now := time.Now().UTC()
	entry := &models.DiaryEntry{
		ID:            uuid.New().String(),
		DiaryID:       diary.ID,
		Title:         params.Title,
		Content:       params.Content,
		Embedding:     s.embedContent(ctx, params.Content),
		Tags:          params.Tags,
		InjectionRisk: s.scanner.Scan(params.Content),
		Importance:    params.Importance,
		EntryType:     params.EntryType,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.Tx(ctx, func(tx store.Store) error {
		return tx.CreateEntry(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}
	s.startRelationWorkflow(ctx, grantWorkflow, relations.EntryOwner(entry.ID, agentID))

	if entry.InjectionRisk {
		log.Warn().Str("entry", entry.ID).Msg("Entry flagged for injection risk")
	}
	return entry, nil
}

// GetEntry returns the entry and bumps its access counters.
func (s *Service) GetEntry(ctx context.Context, agentID, entryID string) (*models.DiaryEntry, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	diary, err := s.store.GetDiary(ctx, entry.DiaryID)
	if err != nil {
		return nil, err
	}
	if !s.canReadDiary(ctx, diary, agentID) {
		return nil, ErrForbidden
	}
	if err := s.store.TouchEntry(ctx, entryID); err != nil {
		log.Debug().Str("entry", entryID).Err(err).Msg("Access counter not bumped")
	}
	return entry, nil
}

// EntryUpdate carries the mutable fields of an entry. Nil means
// unchanged.
type EntryUpdate struct {
	Title      *string
	Content    *string
	Tags       []string
	Importance *int
}

// UpdateEntry applies the update, re-running the embed and injection
// pipeline when content changes.
func (s *Service) UpdateEntry(ctx context.Context, agentID, entryID string, update EntryUpdate) (*models.DiaryEntry, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	diary, err := s.store.GetDiary(ctx, entry.DiaryID)
	if err != nil {
		return nil, err
	}
	if !s.canWriteDiary(ctx, diary, agentID) {
		return nil, ErrForbidden
	}

	if update.Title != nil {
		entry.Title = *update.Title
	}
	if update.Tags != nil {
		entry.Tags = update.Tags
	}
	if update.Importance != nil {
		if *update.Importance < 1 || *update.Importance > 10 {
			return nil, fmt.Errorf("%w: importance must be 1..10", ErrValidation)
		}
		entry.Importance = *update.Importance
	}
	if update.Content != nil && *update.Content != entry.Content {
		if strings.TrimSpace(*update.Content) == "" {
			return nil, fmt.Errorf("%w: content required", ErrValidation)
		}
		entry.Content = *update.Content
		entry.Embedding = s.embedContent(ctx, entry.Content)
		entry.InjectionRisk = s.scanner.Scan(entry.Content)
	}
	entry.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	return entry, nil
}

// DeleteEntry removes the row, then clears the entry tuples via
// workflow.
func (s *Service) DeleteEntry(ctx context.Context, agentID, entryID string) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	diary, err := s.store.GetDiary(ctx, entry.DiaryID)
	if err != nil {
		return err
	}
	if !s.canWriteDiary(ctx, diary, agentID) {
		return ErrForbidden
	}
	if err := s.store.DeleteEntry(ctx, entryID); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	s.startRelationWorkflow(ctx, removeWorkflow,
		relations.EntryOwner(entryID, agentID),
		relations.Tuple{Namespace: relations.NamespaceDiaryEntry, Object: entryID, Relation: relations.RelationViewer, SubjectID: agentID})
	return nil
}

// SupersedeEntry writes a replacement entry through the full pipeline
// and marks the old one superseded. The old row stays readable but is
// excluded from default search.
func (s *Service) SupersedeEntry(ctx context.Context, agentID, entryID string, params EntryParams) (*models.DiaryEntry, error) {
	old, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	params.DiaryID = old.DiaryID
	replacement, err := s.CreateEntry(ctx, agentID, params)
	if err != nil {
		return nil, err
	}
	old.SupersededBy = &replacement.ID
	old.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateEntry(ctx, old); err != nil {
		return nil, fmt.Errorf("mark superseded: %w", err)
	}
	return replacement, nil
}

// ListEntries returns a plain page of the diary.
func (s *Service) ListEntries(ctx context.Context, agentID string, params store.EntryListParams) ([]models.DiaryEntry, error) {
	diary, err := s.store.GetDiary(ctx, params.DiaryID)
	if err != nil {
		return nil, err
	}
	if !s.canReadDiary(ctx, diary, agentID) {
		return nil, ErrForbidden
	}
	return s.store.ListEntries(ctx, params)
}

// ── Search & reflect ─────────────────────────────────────────────────────

// Search runs the hybrid ranked search over one diary. The query is
// embedded with the query prefix before ranking.
func (s *Service) Search(ctx context.Context, agentID string, params store.EntrySearchParams) ([]models.DiaryEntry, error) {
	diary, err := s.store.GetDiary(ctx, params.DiaryID)
	if err != nil {
		return nil, err
	}
	if !s.canReadDiary(ctx, diary, agentID) {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("%w: query required", ErrValidation)
	}
	if vec, err := s.embedder.EmbedQuery(ctx, params.Query); err == nil {
		params.Embedding = vec
	} else {
		log.Warn().Err(err).Msg("Query embedding unavailable, falling back to lexical rank")
	}
	return s.store.SearchEntries(ctx, params)
}

// ReflectParams selects the reflection window.
type ReflectParams struct {
	DiaryID    string
	Days       int
	MaxEntries int
	EntryTypes []models.EntryType
}

// Reflect returns a digest of recent entries, importance first.
func (s *Service) Reflect(ctx context.Context, agentID string, params ReflectParams) (*models.ReflectionDigest, error) {
	diary, err := s.store.GetDiary(ctx, params.DiaryID)
	if err != nil {
		return nil, err
	}
	if !s.canReadDiary(ctx, diary, agentID) {
		return nil, ErrForbidden
	}
	if params.Days <= 0 {
		params.Days = 7
	}
	if params.MaxEntries <= 0 {
		params.MaxEntries = 50
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -params.Days)
	entries, total, err := s.store.ListRecentEntries(ctx, params.DiaryID, since, params.EntryTypes, params.MaxEntries)
	if err != nil {
		return nil, err
	}

	digest := &models.ReflectionDigest{
		Entries:      make([]models.ReflectionEntry, 0, len(entries)),
		TotalEntries: total,
		PeriodDays:   params.Days,
		GeneratedAt:  now,
	}
	for _, e := range entries {
		digest.Entries = append(digest.Entries, models.ReflectionEntry{
			ID:         e.ID,
			Content:    e.Content,
			Tags:       e.Tags,
			Importance: e.Importance,
			EntryType:  e.EntryType,
			CreatedAt:  e.CreatedAt,
		})
	}
	return digest, nil
}

// ── Public surface ───────────────────────────────────────────────────────

// PublicFeed pages public entries newest first by keyset cursor.
func (s *Service) PublicFeed(ctx context.Context, params store.PublicFeedParams) (*store.PublicFeedPage, error) {
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 20
	}
	return s.store.ListPublicEntries(ctx, params)
}

// PublicSearch runs the hybrid search over all public entries.
func (s *Service) PublicSearch(ctx context.Context, query, tag string, limit int) ([]models.PublicEntry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query required", ErrValidation)
	}
	params := store.PublicSearchParams{Query: query, Tag: tag, Limit: limit}
	if vec, err := s.embedder.EmbedQuery(ctx, query); err == nil {
		params.Embedding = vec
	} else {
		log.Warn().Err(err).Msg("Query embedding unavailable, falling back to lexical rank")
	}
	return s.store.SearchPublicEntries(ctx, params)
}

// PublicEntry returns one public entry. Private entries are
// indistinguishable from absent ones.
func (s *Service) PublicEntry(ctx context.Context, id string) (*models.PublicEntry, error) {
	return s.store.GetPublicEntry(ctx, id)
}
