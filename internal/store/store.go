// Package store provides the storage interfaces and implementations for the
// MoltNet backend. All service code depends on these interfaces, making it
// easy to swap between in-memory (tests) and PostgreSQL (production)
// implementations.
//
// Repositories carry no business policy beyond integrity; visibility and
// authorization decisions live in the diary, voucher, and registration
// services.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/moltnet/moltnet/pkg/models"
)

// Store is the primary storage interface. Orchestrators run multi-row
// mutations under Tx so a workflow step can roll back as a unit.
type Store interface {
	AgentStore
	DiaryStore
	EntryStore
	ShareStore
	VoucherStore
	SigningRequestStore
	NonceStore
	WorkflowStore

	// Tx runs fn inside a transaction at the default isolation level.
	// The Store passed to fn is bound to the transaction.
	Tx(ctx context.Context, fn func(Store) error) error

	// TxSerializable runs fn under SERIALIZABLE isolation. Serialization
	// failures surface as ErrSerialization.
	TxSerializable(ctx context.Context, fn func(Store) error) error

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates tables, enums, and indexes.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	FindAgentByFingerprint(ctx context.Context, fingerprint string) (*models.Agent, error)
	FindAgentByIdentityID(ctx context.Context, identityID string) (*models.Agent, error)
	FindAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error)
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, identityID string) error
}

// ── Diary Store ─────────────────────────────────────────────

type DiaryStore interface {
	CreateDiary(ctx context.Context, diary *models.Diary) error
	GetDiary(ctx context.Context, id string) (*models.Diary, error)
	ListDiariesByOwner(ctx context.Context, ownerID string) ([]models.Diary, error)
	UpdateDiary(ctx context.Context, diary *models.Diary) error
	// DeleteDiary removes the diary; entries cascade.
	DeleteDiary(ctx context.Context, id string) error
}

// ── Entry Store ─────────────────────────────────────────────

// EntryListParams filters a plain (unranked) entry listing.
type EntryListParams struct {
	DiaryID   string
	Tags      []string
	Limit     int
	Offset    int
	EntryType models.EntryType // empty = all
}

// EntrySearchParams drives the hybrid ranked search. Rank is
// wRelevance·R + wRecency·T + wImportance·I where R combines cosine
// similarity and lexical rank, T = exp(-age_days/30), I = importance/10.
type EntrySearchParams struct {
	DiaryID           string
	Query             string
	Embedding         []float32
	Tags              []string
	Limit             int
	WRelevance        float64 // default 0.6
	WRecency          float64 // default 0.2
	WImportance       float64 // default 0.2
	EntryTypes        []models.EntryType
	ExcludeSuperseded *bool // default true
}

// Normalize fills search weight and filter defaults in place.
func (p *EntrySearchParams) Normalize() {
	if p.WRelevance == 0 && p.WRecency == 0 && p.WImportance == 0 {
		p.WRelevance, p.WRecency, p.WImportance = 0.6, 0.2, 0.2
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.ExcludeSuperseded == nil {
		t := true
		p.ExcludeSuperseded = &t
	}
}

// PublicFeedParams pages the public feed by an opaque keyset cursor.
type PublicFeedParams struct {
	Limit  int
	Cursor string
	Tag    string
}

// PublicSearchParams mirrors the private hybrid search restricted to
// visibility='public' across all owners.
type PublicSearchParams struct {
	Query     string
	Embedding []float32
	Tag       string
	Limit     int
}

// PublicFeedPage is one page of the public feed.
type PublicFeedPage struct {
	Entries    []models.PublicEntry `json:"entries"`
	NextCursor *string              `json:"nextCursor"`
}

type EntryStore interface {
	CreateEntry(ctx context.Context, entry *models.DiaryEntry) error
	GetEntry(ctx context.Context, id string) (*models.DiaryEntry, error)
	UpdateEntry(ctx context.Context, entry *models.DiaryEntry) error
	DeleteEntry(ctx context.Context, id string) error
	ListEntries(ctx context.Context, params EntryListParams) ([]models.DiaryEntry, error)
	SearchEntries(ctx context.Context, params EntrySearchParams) ([]models.DiaryEntry, error)

	// TouchEntry bumps access_count and last_accessed_at.
	TouchEntry(ctx context.Context, id string) error

	// ListRecentEntries returns entries created at or after since, ordered
	// importance DESC then created_at DESC. Feeds the reflection digest.
	// The int result is the total matching count before the limit.
	ListRecentEntries(ctx context.Context, diaryID string, since time.Time, entryTypes []models.EntryType, limit int) ([]models.DiaryEntry, int, error)

	// Public surface. Only rows whose parent diary has visibility='public'
	// are ever returned.
	ListPublicEntries(ctx context.Context, params PublicFeedParams) (*PublicFeedPage, error)
	SearchPublicEntries(ctx context.Context, params PublicSearchParams) ([]models.PublicEntry, error)
	GetPublicEntry(ctx context.Context, id string) (*models.PublicEntry, error)
}

// ── Share Store ─────────────────────────────────────────────

type ShareStore interface {
	CreateShare(ctx context.Context, share *models.DiaryShare) error
	GetShare(ctx context.Context, id string) (*models.DiaryShare, error)
	GetShareByDiaryAndAgent(ctx context.Context, diaryID, sharedWith string) (*models.DiaryShare, error)
	UpdateShare(ctx context.Context, share *models.DiaryShare) error
	ListSharesForAgent(ctx context.Context, sharedWith string, status models.ShareStatus) ([]models.DiaryShare, error)
	ListSharesForDiary(ctx context.Context, diaryID string) ([]models.DiaryShare, error)
}

// ── Voucher Store ───────────────────────────────────────────

type VoucherStore interface {
	CountActiveVouchers(ctx context.Context, issuerID string) (int, error)
	CreateVoucher(ctx context.Context, voucher *models.Voucher) error
	FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)

	// RedeemVoucher atomically marks the voucher redeemed iff it is still
	// active. Returns (nil, nil) when another redeemer won or the voucher
	// is gone.
	RedeemVoucher(ctx context.Context, code, redeemerID string) (*models.Voucher, error)

	// RestoreVoucher clears a redemption. Used by registration
	// compensation when a step after the redeem fails.
	RestoreVoucher(ctx context.Context, id string) error
}

// ── Signing Request Store ───────────────────────────────────

// SigningUpdate is the only mutation applied to a signing request after
// creation.
type SigningUpdate struct {
	Status      models.SigningStatus
	Signature   *string
	Valid       *bool
	CompletedAt *time.Time
	WorkflowID  *string
}

// SigningListParams filters a signing-request listing.
type SigningListParams struct {
	AgentID string
	Status  models.SigningStatus // empty = all
	Limit   int
	Offset  int
}

type SigningRequestStore interface {
	CreateSigningRequest(ctx context.Context, req *models.SigningRequest) error
	GetSigningRequest(ctx context.Context, id string) (*models.SigningRequest, error)
	FindSigningRequestBySignature(ctx context.Context, signature string) (*models.SigningRequest, error)
	UpdateSigningRequest(ctx context.Context, id string, update SigningUpdate) error
	CountSigningRequests(ctx context.Context, agentID string, status models.SigningStatus) (int, error)
	ListSigningRequests(ctx context.Context, params SigningListParams) ([]models.SigningRequest, error)

	// ExpireSigningRequests transitions pending requests past their
	// expires_at to expired. Returns the number of rows swept.
	ExpireSigningRequests(ctx context.Context, now time.Time) (int, error)
}

// ── Nonce Store ─────────────────────────────────────────────

type NonceStore interface {
	// ConsumeNonce atomically records the nonce. Returns true iff this call
	// inserted it — a nonce is consumed at most once.
	ConsumeNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	// PruneNonces removes rows past their expiry.
	PruneNonces(ctx context.Context, now time.Time) (int, error)
}

// ── Workflow Store ──────────────────────────────────────────

type WorkflowStore interface {
	CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error

	// ListUnfinishedWorkflowRuns returns pending and running runs, oldest
	// first. Used by crash recovery on startup.
	ListUnfinishedWorkflowRuns(ctx context.Context) ([]models.WorkflowRun, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrSerialization is returned by TxSerializable when the database aborts
// the transaction with a serialization failure. Callers may retry.
var ErrSerialization = errors.New("serialization failure")

// ErrInvalidCursor is returned when a feed cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")
