// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Mirrors the SQL ranking semantics in Go: the lexical score approximates
// ts_rank with token overlap, everything else matches exactly.
package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moltnet/moltnet/pkg/models"
)

// MemoryStore implements Store with in-memory maps. Each operation locks
// the store mutex; Tx and TxSerializable additionally hold a transaction
// mutex for their whole duration, so transactions never interleave.
type MemoryStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	agents   map[string]*models.Agent         // key: identity_id
	vouchers map[string]*models.Voucher       // key: code
	diaries  map[string]*models.Diary         // key: id
	entries  map[string]*models.DiaryEntry    // key: id
	shares   map[string]*models.DiaryShare    // key: id
	signing  map[string]*models.SigningRequest // key: id
	nonces   map[string]time.Time             // nonce → expires_at
	runs     map[string]*models.WorkflowRun   // key: id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.Agent),
		vouchers: make(map[string]*models.Voucher),
		diaries:  make(map[string]*models.Diary),
		entries:  make(map[string]*models.DiaryEntry),
		shares:   make(map[string]*models.DiaryShare),
		signing:  make(map[string]*models.SigningRequest),
		nonces:   make(map[string]time.Time),
		runs:     make(map[string]*models.WorkflowRun),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (m *MemoryStore) Close() error                      { return nil }
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Tx runs fn while holding the transaction mutex. There is no rollback:
// the in-memory store is for tests and local development only.
func (m *MemoryStore) Tx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *MemoryStore) TxSerializable(ctx context.Context, fn func(Store) error) error {
	return m.Tx(ctx, fn)
}

// ── Agents ──────────────────────────────────────────────────

func (m *MemoryStore) FindAgentByFingerprint(ctx context.Context, fingerprint string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Fingerprint == fingerprint {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "agent", Key: fingerprint}
}

func (m *MemoryStore) FindAgentByIdentityID(ctx context.Context, identityID string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[identityID]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: identityID}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) FindAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.PublicKey == publicKey {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "agent", Key: publicKey}
}

func (m *MemoryStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.agents[agent.IdentityID]; ok {
		agent.CreatedAt = existing.CreatedAt
	} else if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	cp := *agent
	m.agents[agent.IdentityID] = &cp
	return nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[identityID]; !ok {
		return &ErrNotFound{Entity: "agent", Key: identityID}
	}
	delete(m.agents, identityID)
	return nil
}

// ── Vouchers ────────────────────────────────────────────────

func (m *MemoryStore) CountActiveVouchers(ctx context.Context, issuerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, v := range m.vouchers {
		if v.IssuerID == issuerID && v.Active(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateVoucher(ctx context.Context, v *models.Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vouchers[v.Code]; ok {
		return fmt.Errorf("voucher code already exists: %s", v.Code)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	cp := *v
	m.vouchers[v.Code] = &cp
	return nil
}

func (m *MemoryStore) FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[code]
	if !ok {
		return nil, &ErrNotFound{Entity: "voucher", Key: code}
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) RedeemVoucher(ctx context.Context, code, redeemerID string) (*models.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[code]
	if !ok || !v.Active(time.Now()) {
		return nil, nil
	}
	now := time.Now().UTC()
	v.RedeemedBy = &redeemerID
	v.RedeemedAt = &now
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) RestoreVoucher(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.vouchers {
		if v.ID == id {
			v.RedeemedBy = nil
			v.RedeemedAt = nil
			return nil
		}
	}
	return &ErrNotFound{Entity: "voucher", Key: id}
}

// ── Diaries ─────────────────────────────────────────────────

func (m *MemoryStore) CreateDiary(ctx context.Context, d *models.Diary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	cp := *d
	m.diaries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDiary(ctx context.Context, id string) (*models.Diary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diaries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "diary", Key: id}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDiariesByOwner(ctx context.Context, ownerID string) ([]models.Diary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Diary
	for _, d := range m.diaries {
		if d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateDiary(ctx context.Context, d *models.Diary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.diaries[d.ID]; !ok {
		return &ErrNotFound{Entity: "diary", Key: d.ID}
	}
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	m.diaries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteDiary(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.diaries[id]; !ok {
		return &ErrNotFound{Entity: "diary", Key: id}
	}
	delete(m.diaries, id)
	for eid, e := range m.entries {
		if e.DiaryID == id {
			delete(m.entries, eid)
		}
	}
	for sid, sh := range m.shares {
		if sh.DiaryID == id {
			delete(m.shares, sid)
		}
	}
	return nil
}

// ── Entries ─────────────────────────────────────────────────

func copyEntry(e *models.DiaryEntry) models.DiaryEntry {
	cp := *e
	if e.Embedding != nil {
		cp.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	return cp
}

func (m *MemoryStore) CreateEntry(ctx context.Context, e *models.DiaryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.diaries[e.DiaryID]; !ok {
		return &ErrNotFound{Entity: "diary", Key: e.DiaryID}
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	cp := copyEntry(e)
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, id string) (*models.DiaryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "entry", Key: id}
	}
	cp := copyEntry(e)
	return &cp, nil
}

func (m *MemoryStore) UpdateEntry(ctx context.Context, e *models.DiaryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return &ErrNotFound{Entity: "entry", Key: e.ID}
	}
	e.UpdatedAt = time.Now().UTC()
	cp := copyEntry(e)
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return &ErrNotFound{Entity: "entry", Key: id}
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) TouchEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return &ErrNotFound{Entity: "entry", Key: id}
	}
	now := time.Now().UTC()
	e.AccessCount++
	e.LastAccessedAt = &now
	return nil
}

func hasAnyTag(entry *models.DiaryEntry, tags []string) bool {
	for _, want := range tags {
		for _, got := range entry.Tags {
			if got == want {
				return true
			}
		}
	}
	return false
}

func hasEntryType(entry *models.DiaryEntry, types []models.EntryType) bool {
	for _, t := range types {
		if entry.EntryType == t {
			return true
		}
	}
	return false
}

func sortByCreatedDesc(entries []models.DiaryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
}

func (m *MemoryStore) ListEntries(ctx context.Context, p EntryListParams) ([]models.DiaryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Limit <= 0 {
		p.Limit = 50
	}
	var out []models.DiaryEntry
	for _, e := range m.entries {
		if e.DiaryID != p.DiaryID {
			continue
		}
		if len(p.Tags) > 0 && !hasAnyTag(e, p.Tags) {
			continue
		}
		if p.EntryType != "" && e.EntryType != p.EntryType {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sortByCreatedDesc(out)
	if p.Offset >= len(out) {
		return nil, nil
	}
	out = out[p.Offset:]
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// cosineSim computes cosine similarity between two vectors of equal length.
func cosineSim(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// lexicalScore approximates ts_rank: the fraction of query tokens that
// appear in the content, already in [0,1].
func lexicalScore(content, query string) float64 {
	qTokens := strings.Fields(strings.ToLower(query))
	if len(qTokens) == 0 {
		return 0
	}
	body := strings.ToLower(content)
	hits := 0
	for _, tok := range qTokens {
		if strings.Contains(body, strings.Trim(tok, ".,;:!?\"'")) {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

func rankEntry(e *models.DiaryEntry, p *EntrySearchParams, now time.Time) float64 {
	var relevance float64
	hasEmb := len(p.Embedding) > 0
	hasQuery := p.Query != ""
	switch {
	case hasEmb && hasQuery:
		relevance = (cosineSim(p.Embedding, e.Embedding) + lexicalScore(e.Content, p.Query)) / 2
	case hasEmb:
		relevance = cosineSim(p.Embedding, e.Embedding)
	case hasQuery:
		relevance = lexicalScore(e.Content, p.Query)
	}
	ageDays := now.Sub(e.CreatedAt).Hours() / 24
	recency := math.Exp(-ageDays / 30)
	importance := float64(e.Importance) / 10
	return p.WRelevance*relevance + p.WRecency*recency + p.WImportance*importance
}

func (m *MemoryStore) SearchEntries(ctx context.Context, p EntrySearchParams) ([]models.DiaryEntry, error) {
	p.Normalize()
	if len(p.Embedding) == 0 && p.Query == "" {
		return m.ListEntries(ctx, EntryListParams{DiaryID: p.DiaryID, Tags: p.Tags, Limit: p.Limit})
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	type scored struct {
		entry models.DiaryEntry
		rank  float64
	}
	var matches []scored
	for _, e := range m.entries {
		if e.DiaryID != p.DiaryID {
			continue
		}
		if len(p.Tags) > 0 && !hasAnyTag(e, p.Tags) {
			continue
		}
		if len(p.EntryTypes) > 0 && !hasEntryType(e, p.EntryTypes) {
			continue
		}
		if *p.ExcludeSuperseded && e.SupersededBy != nil {
			continue
		}
		matches = append(matches, scored{entry: copyEntry(e), rank: rankEntry(e, &p, now)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank > matches[j].rank
		}
		if !matches[i].entry.CreatedAt.Equal(matches[j].entry.CreatedAt) {
			return matches[i].entry.CreatedAt.After(matches[j].entry.CreatedAt)
		}
		return matches[i].entry.ID > matches[j].entry.ID
	})
	if len(matches) > p.Limit {
		matches = matches[:p.Limit]
	}
	out := make([]models.DiaryEntry, len(matches))
	for i, s := range matches {
		out[i] = s.entry
	}
	return out, nil
}

func (m *MemoryStore) ListRecentEntries(ctx context.Context, diaryID string, since time.Time, entryTypes []models.EntryType, limit int) ([]models.DiaryEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DiaryEntry
	for _, e := range m.entries {
		if e.DiaryID != diaryID || e.CreatedAt.Before(since) {
			continue
		}
		if len(entryTypes) > 0 && !hasEntryType(e, entryTypes) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	total := len(out)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

// ── Public feed ─────────────────────────────────────────────

// publicEntries snapshots all entries whose parent diary is public,
// annotated with the owner's fingerprint. Caller holds the lock.
func (m *MemoryStore) publicEntries() []models.PublicEntry {
	var out []models.PublicEntry
	for _, e := range m.entries {
		d, ok := m.diaries[e.DiaryID]
		if !ok || d.Visibility != models.VisibilityPublic {
			continue
		}
		pe := models.PublicEntry{DiaryEntry: copyEntry(e), DiaryName: d.Name}
		if a, ok := m.agents[d.OwnerID]; ok {
			pe.OwnerFingerprint = a.Fingerprint
		}
		out = append(out, pe)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *MemoryStore) ListPublicEntries(ctx context.Context, p PublicFeedParams) (*PublicFeedPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Limit <= 0 {
		p.Limit = 20
	}

	all := m.publicEntries()
	if p.Tag != "" {
		filtered := all[:0]
		for _, e := range all {
			if hasAnyTag(&e.DiaryEntry, []string{p.Tag}) {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}

	if p.Cursor != "" {
		createdAt, id, err := DecodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		// Strict tuple comparison: (created_at, id) < (cursor.createdAt, cursor.id)
		after := all[:0]
		for _, e := range all {
			if e.CreatedAt.Before(createdAt) || (e.CreatedAt.Equal(createdAt) && e.ID < id) {
				after = append(after, e)
			}
		}
		all = after
	}

	page := &PublicFeedPage{}
	if len(all) > p.Limit {
		page.Entries = all[:p.Limit]
		last := page.Entries[len(page.Entries)-1]
		c := EncodeCursor(last.CreatedAt, last.ID)
		page.NextCursor = &c
	} else {
		page.Entries = all
	}
	return page, nil
}

func (m *MemoryStore) SearchPublicEntries(ctx context.Context, p PublicSearchParams) ([]models.PublicEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Limit <= 0 {
		p.Limit = 20
	}
	sp := EntrySearchParams{Query: p.Query, Embedding: p.Embedding}
	sp.Normalize()

	now := time.Now()
	type scored struct {
		entry models.PublicEntry
		rank  float64
	}
	var matches []scored
	for _, e := range m.publicEntries() {
		if e.SupersededBy != nil {
			continue
		}
		if p.Tag != "" && !hasAnyTag(&e.DiaryEntry, []string{p.Tag}) {
			continue
		}
		matches = append(matches, scored{entry: e, rank: rankEntry(&e.DiaryEntry, &sp, now)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank > matches[j].rank
		}
		if !matches[i].entry.CreatedAt.Equal(matches[j].entry.CreatedAt) {
			return matches[i].entry.CreatedAt.After(matches[j].entry.CreatedAt)
		}
		return matches[i].entry.ID > matches[j].entry.ID
	})
	if len(matches) > p.Limit {
		matches = matches[:p.Limit]
	}
	out := make([]models.PublicEntry, len(matches))
	for i, s := range matches {
		out[i] = s.entry
	}
	return out, nil
}

func (m *MemoryStore) GetPublicEntry(ctx context.Context, id string) (*models.PublicEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "entry", Key: id}
	}
	d, ok := m.diaries[e.DiaryID]
	if !ok || d.Visibility != models.VisibilityPublic {
		return nil, &ErrNotFound{Entity: "entry", Key: id}
	}
	pe := models.PublicEntry{DiaryEntry: copyEntry(e), DiaryName: d.Name}
	if a, ok := m.agents[d.OwnerID]; ok {
		pe.OwnerFingerprint = a.Fingerprint
	}
	return &pe, nil
}

// ── Shares ──────────────────────────────────────────────────

func (m *MemoryStore) CreateShare(ctx context.Context, sh *models.DiaryShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.shares {
		if existing.DiaryID == sh.DiaryID && existing.SharedWith == sh.SharedWith {
			return fmt.Errorf("share already exists for diary %s and agent %s", sh.DiaryID, sh.SharedWith)
		}
	}
	if sh.InvitedAt.IsZero() {
		sh.InvitedAt = time.Now().UTC()
	}
	cp := *sh
	m.shares[sh.ID] = &cp
	return nil
}

func (m *MemoryStore) GetShare(ctx context.Context, id string) (*models.DiaryShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shares[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "share", Key: id}
	}
	cp := *sh
	return &cp, nil
}

func (m *MemoryStore) GetShareByDiaryAndAgent(ctx context.Context, diaryID, sharedWith string) (*models.DiaryShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sh := range m.shares {
		if sh.DiaryID == diaryID && sh.SharedWith == sharedWith {
			cp := *sh
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "share", Key: diaryID + "/" + sharedWith}
}

func (m *MemoryStore) UpdateShare(ctx context.Context, sh *models.DiaryShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[sh.ID]; !ok {
		return &ErrNotFound{Entity: "share", Key: sh.ID}
	}
	cp := *sh
	m.shares[sh.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSharesForAgent(ctx context.Context, sharedWith string, status models.ShareStatus) ([]models.DiaryShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DiaryShare
	for _, sh := range m.shares {
		if sh.SharedWith != sharedWith {
			continue
		}
		if status != "" && sh.Status != status {
			continue
		}
		out = append(out, *sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvitedAt.After(out[j].InvitedAt) })
	return out, nil
}

func (m *MemoryStore) ListSharesForDiary(ctx context.Context, diaryID string) ([]models.DiaryShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DiaryShare
	for _, sh := range m.shares {
		if sh.DiaryID == diaryID {
			out = append(out, *sh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvitedAt.After(out[j].InvitedAt) })
	return out, nil
}

// ── Signing Requests ────────────────────────────────────────

func (m *MemoryStore) CreateSigningRequest(ctx context.Context, req *models.SigningRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	cp := *req
	m.signing[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSigningRequest(ctx context.Context, id string) (*models.SigningRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.signing[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "signing request", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindSigningRequestBySignature(ctx context.Context, signature string) (*models.SigningRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.signing {
		if r.Signature != nil && *r.Signature == signature {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "signing request", Key: signature}
}

func (m *MemoryStore) UpdateSigningRequest(ctx context.Context, id string, u SigningUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.signing[id]
	if !ok {
		return &ErrNotFound{Entity: "signing request", Key: id}
	}
	r.Status = u.Status
	if u.Signature != nil {
		r.Signature = u.Signature
	}
	if u.Valid != nil {
		r.Valid = u.Valid
	}
	if u.CompletedAt != nil {
		r.CompletedAt = u.CompletedAt
	}
	if u.WorkflowID != nil {
		r.WorkflowID = u.WorkflowID
	}
	return nil
}

func (m *MemoryStore) CountSigningRequests(ctx context.Context, agentID string, status models.SigningStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.signing {
		if r.AgentID == agentID && r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListSigningRequests(ctx context.Context, p SigningListParams) ([]models.SigningRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Limit <= 0 {
		p.Limit = 50
	}
	var out []models.SigningRequest
	for _, r := range m.signing {
		if r.AgentID != p.AgentID {
			continue
		}
		if p.Status != "" && r.Status != p.Status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if p.Offset >= len(out) {
		return nil, nil
	}
	out = out[p.Offset:]
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpireSigningRequests(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.signing {
		if r.Status == models.SigningPending && !r.ExpiresAt.After(now) {
			r.Status = models.SigningExpired
			n++
		}
	}
	return n, nil
}

// ── Recovery Nonces ─────────────────────────────────────────

func (m *MemoryStore) ConsumeNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nonces[nonce]; ok {
		return false, nil
	}
	m.nonces[nonce] = time.Now().UTC().Add(ttl)
	return true, nil
}

func (m *MemoryStore) PruneNonces(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for nonce, exp := range m.nonces {
		if !exp.After(now) {
			delete(m.nonces, nonce)
			n++
		}
	}
	return n, nil
}

// ── Workflow Runs ───────────────────────────────────────────

func copyRun(r *models.WorkflowRun) models.WorkflowRun {
	cp := *r
	cp.Journal = make(map[string][]byte, len(r.Journal))
	for k, v := range r.Journal {
		cp.Journal[k] = append([]byte(nil), v...)
	}
	cp.Signals = make(map[string][]byte, len(r.Signals))
	for k, v := range r.Signals {
		cp.Signals[k] = append([]byte(nil), v...)
	}
	return cp
}

func (m *MemoryStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Journal == nil {
		run.Journal = map[string][]byte{}
	}
	if run.Signals == nil {
		run.Signals = map[string][]byte{}
	}
	cp := copyRun(run)
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "workflow run", Key: id}
	}
	cp := copyRun(r)
	return &cp, nil
}

func (m *MemoryStore) UpdateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return &ErrNotFound{Entity: "workflow run", Key: run.ID}
	}
	run.UpdatedAt = time.Now().UTC()
	cp := copyRun(run)
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) ListUnfinishedWorkflowRuns(ctx context.Context) ([]models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowRun
	for _, r := range m.runs {
		if r.Status == models.WorkflowPending || r.Status == models.WorkflowRunning {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
