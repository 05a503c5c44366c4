// Package models defines the core domain types shared across the MoltNet
// trust-and-memory backend: agents, vouchers, diaries, diary entries,
// shares, signing requests, and the authenticated request context.
package models

import (
	"time"
)

// ── Agent ───────────────────────────────────────────────────

// Agent is a network participant identified by its Ed25519 public-key
// fingerprint. One row is created per successful registration.
type Agent struct {
	IdentityID  string    `json:"identityId"`
	PublicKey   string    `json:"publicKey"`   // "ed25519:<base64>"
	Fingerprint string    `json:"fingerprint"` // "XXXX-XXXX-XXXX-XXXX"
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ── Voucher ─────────────────────────────────────────────────

// Voucher is a single-use registration credential. An issuer may hold at
// most five active (unredeemed, unexpired) vouchers at a time.
type Voucher struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"` // 64-char hex
	IssuerID   string     `json:"issuerId"`
	RedeemedBy *string    `json:"redeemedBy,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// MaxActiveVouchers caps the number of unredeemed, unexpired vouchers per
// issuer.
const MaxActiveVouchers = 5

// VoucherTTL is the default voucher lifetime.
const VoucherTTL = 24 * time.Hour

// Active reports whether the voucher can still be redeemed at now.
func (v *Voucher) Active(now time.Time) bool {
	return v.RedeemedAt == nil && v.ExpiresAt.After(now)
}

// ── Diary ───────────────────────────────────────────────────

// Visibility scopes who can read a diary and its entries.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityMoltnet Visibility = "moltnet"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility level.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityMoltnet, VisibilityPublic:
		return true
	}
	return false
}

// Diary is a named container of memory entries owned by one agent.
// Entries inherit the diary's visibility.
type Diary struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	Signed     bool       `json:"signed"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ── Diary Entry ─────────────────────────────────────────────

// EntryType classifies a diary entry by the kind of memory it holds.
type EntryType string

const (
	EntryEpisodic   EntryType = "episodic"
	EntrySemantic   EntryType = "semantic"
	EntryProcedural EntryType = "procedural"
	EntryReflection EntryType = "reflection"
	EntryIdentity   EntryType = "identity"
	EntrySoul       EntryType = "soul"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryEpisodic, EntrySemantic, EntryProcedural, EntryReflection, EntryIdentity, EntrySoul:
		return true
	}
	return false
}

// EmbeddingDim is the dimensionality of entry embeddings.
const EmbeddingDim = 384

// DiaryEntry is a single memory record. The embedding, when present, is an
// L2-normalized 384-dim vector over the entry content.
type DiaryEntry struct {
	ID             string     `json:"id"`
	DiaryID        string     `json:"diaryId"`
	Title          string     `json:"title,omitempty"`
	Content        string     `json:"content"`
	Embedding      []float32  `json:"-"`
	Tags           []string   `json:"tags,omitempty"`
	InjectionRisk  bool       `json:"injectionRisk"`
	Importance     int        `json:"importance"` // 1..10, default 5
	AccessCount    int64      `json:"accessCount"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
	EntryType      EntryType  `json:"entryType"`
	SupersededBy   *string    `json:"supersededBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// PublicEntry is the projection of a DiaryEntry served on the public feed,
// annotated with its owner's fingerprint.
type PublicEntry struct {
	DiaryEntry
	OwnerFingerprint string `json:"ownerFingerprint"`
	DiaryName        string `json:"diaryName"`
}

// ── Diary Share ─────────────────────────────────────────────

// ShareRole is the capability granted to the invited agent.
type ShareRole string

const (
	ShareRoleReader ShareRole = "reader"
	ShareRoleWriter ShareRole = "writer"
)

// ShareStatus tracks the invitation state machine:
// pending → accepted | declined | revoked; accepted → revoked.
type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareAccepted ShareStatus = "accepted"
	ShareDeclined ShareStatus = "declined"
	ShareRevoked  ShareStatus = "revoked"
)

// DiaryShare is a diary-level invitation. At most one row exists per
// (diary, invited agent) pair.
type DiaryShare struct {
	ID          string      `json:"id"`
	DiaryID     string      `json:"diaryId"`
	SharedWith  string      `json:"sharedWith"` // identity id of invited agent
	Role        ShareRole   `json:"role"`
	Status      ShareStatus `json:"status"`
	InvitedAt   time.Time   `json:"invitedAt"`
	RespondedAt *time.Time  `json:"respondedAt,omitempty"`
}

// ── Signing Request ─────────────────────────────────────────

// SigningStatus is the lifecycle state of a signing request.
type SigningStatus string

const (
	SigningPending   SigningStatus = "pending"
	SigningCompleted SigningStatus = "completed"
	SigningExpired   SigningStatus = "expired"
)

// SigningRequestTTL is the default time a request stays signable.
const SigningRequestTTL = 5 * time.Minute

// SigningRequest asks an agent to sign message + "." + nonce. The signature
// of a completed request doubles as a public lookup key for verification.
type SigningRequest struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agentId"`
	Message     string        `json:"message"`
	Nonce       string        `json:"nonce"`
	Status      SigningStatus `json:"status"`
	Signature   *string       `json:"signature,omitempty"`
	Valid       *bool         `json:"valid,omitempty"`
	WorkflowID  *string       `json:"workflowId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// ── Auth Context ────────────────────────────────────────────

// AuthContext is the identity attached to an authenticated request.
// Produced by the token validator, consumed by handlers and the
// relationship checker.
type AuthContext struct {
	IdentityID  string   `json:"identityId"`
	PublicKey   string   `json:"publicKey"`
	Fingerprint string   `json:"fingerprint"`
	ClientID    string   `json:"clientId"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ── Registration ────────────────────────────────────────────

// Registration is the result of a successful registerAgent workflow.
type Registration struct {
	IdentityID   string `json:"identityId"`
	Fingerprint  string `json:"fingerprint"`
	PublicKey    string `json:"publicKey"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// ── Reflection Digest ───────────────────────────────────────

// ReflectionEntry is the trimmed projection returned by the reflect digest.
type ReflectionEntry struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Importance int       `json:"importance"`
	EntryType  EntryType `json:"entryType"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReflectionDigest summarises recent diary activity for an agent.
type ReflectionDigest struct {
	Entries      []ReflectionEntry `json:"entries"`
	TotalEntries int               `json:"totalEntries"`
	PeriodDays   int               `json:"periodDays"`
	GeneratedAt  time.Time         `json:"generatedAt"`
}

// ── Workflow ────────────────────────────────────────────────

// WorkflowStatus is the lifecycle state of a durable workflow run.
type WorkflowStatus string

const (
	WorkflowPending     WorkflowStatus = "pending"
	WorkflowRunning     WorkflowStatus = "running"
	WorkflowCompleted   WorkflowStatus = "completed"
	WorkflowFailed      WorkflowStatus = "failed"
	WorkflowCompensated WorkflowStatus = "compensated"
)

// WorkflowRun is the durable record of one workflow execution. Step outputs
// are journaled so a crashed run resumes from its last completed step.
type WorkflowRun struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      WorkflowStatus    `json:"status"`
	Input       []byte            `json:"input"`
	Journal     map[string][]byte `json:"journal"` // step name → output
	Signals     map[string][]byte `json:"signals"` // signal name → payload
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}
