package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moltnet/moltnet/pkg/models"
)

func seedAgent(t *testing.T, s Store, id, fingerprint string) {
	t.Helper()
	err := s.UpsertAgent(context.Background(), &models.Agent{
		IdentityID:  id,
		PublicKey:   "ed25519:" + id,
		Fingerprint: fingerprint,
	})
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
}

func seedDiary(t *testing.T, s Store, id, ownerID string, vis models.Visibility) {
	t.Helper()
	err := s.CreateDiary(context.Background(), &models.Diary{
		ID:         id,
		OwnerID:    ownerID,
		Name:       "diary-" + id,
		Visibility: vis,
	})
	if err != nil {
		t.Fatalf("CreateDiary: %v", err)
	}
}

func TestAgentRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "id-1", "AAAA-BBBB-CCCC-DDDD")

	a, err := s.FindAgentByFingerprint(ctx, "AAAA-BBBB-CCCC-DDDD")
	if err != nil {
		t.Fatalf("FindAgentByFingerprint: %v", err)
	}
	if a.IdentityID != "id-1" {
		t.Errorf("identity = %q, want id-1", a.IdentityID)
	}

	if _, err := s.FindAgentByIdentityID(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.DeleteAgent(ctx, "id-1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.FindAgentByIdentityID(ctx, "id-1"); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestVoucherRedeemOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	v := &models.Voucher{
		ID:        "v-1",
		Code:      "c0de",
		IssuerID:  "issuer",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.CreateVoucher(ctx, v); err != nil {
		t.Fatalf("CreateVoucher: %v", err)
	}

	won, err := s.RedeemVoucher(ctx, "c0de", "redeemer-a")
	if err != nil {
		t.Fatalf("RedeemVoucher: %v", err)
	}
	if won == nil {
		t.Fatal("first redeem should win")
	}
	if won.RedeemedBy == nil || *won.RedeemedBy != "redeemer-a" {
		t.Errorf("redeemedBy = %v, want redeemer-a", won.RedeemedBy)
	}

	lost, err := s.RedeemVoucher(ctx, "c0de", "redeemer-b")
	if err != nil {
		t.Fatalf("second RedeemVoucher: %v", err)
	}
	if lost != nil {
		t.Error("second redeem of the same voucher should lose")
	}
}

func TestVoucherRedeemExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	v := &models.Voucher{
		ID:        "v-1",
		Code:      "stale",
		IssuerID:  "issuer",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateVoucher(ctx, v); err != nil {
		t.Fatalf("CreateVoucher: %v", err)
	}
	got, err := s.RedeemVoucher(ctx, "stale", "redeemer")
	if err != nil {
		t.Fatalf("RedeemVoucher: %v", err)
	}
	if got != nil {
		t.Error("expired voucher should not redeem")
	}
}

func TestCountActiveVouchers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	redeemed := "someone"
	when := now.Add(-time.Minute)
	vouchers := []*models.Voucher{
		{ID: "1", Code: "a", IssuerID: "iss", ExpiresAt: now.Add(time.Hour)},
		{ID: "2", Code: "b", IssuerID: "iss", ExpiresAt: now.Add(time.Hour)},
		{ID: "3", Code: "c", IssuerID: "iss", ExpiresAt: now.Add(-time.Hour)}, // expired
		{ID: "4", Code: "d", IssuerID: "iss", ExpiresAt: now.Add(time.Hour), RedeemedBy: &redeemed, RedeemedAt: &when},
		{ID: "5", Code: "e", IssuerID: "other", ExpiresAt: now.Add(time.Hour)},
	}
	for _, v := range vouchers {
		if err := s.CreateVoucher(ctx, v); err != nil {
			t.Fatalf("CreateVoucher(%s): %v", v.Code, err)
		}
	}
	n, err := s.CountActiveVouchers(ctx, "iss")
	if err != nil {
		t.Fatalf("CountActiveVouchers: %v", err)
	}
	if n != 2 {
		t.Errorf("active vouchers = %d, want 2", n)
	}
}

func TestTxSerializableExcludesConcurrentTx(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Each transaction reads the count and inserts based on what it saw.
	// With transactions serialized, the final count equals the number of
	// transactions, never fewer.
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.TxSerializable(ctx, func(tx Store) error {
				n, err := tx.CountActiveVouchers(ctx, "iss")
				if err != nil {
					return err
				}
				return tx.CreateVoucher(ctx, &models.Voucher{
					ID:        fmt.Sprintf("v-%d-%d", i, n),
					Code:      fmt.Sprintf("code-%d", i),
					IssuerID:  "iss",
					ExpiresAt: time.Now().Add(time.Hour),
				})
			})
		}(i)
	}
	wg.Wait()

	n, err := s.CountActiveVouchers(ctx, "iss")
	if err != nil {
		t.Fatalf("CountActiveVouchers: %v", err)
	}
	if n != workers {
		t.Errorf("active vouchers = %d, want %d", n, workers)
	}
}

func TestConsumeNonceSingleUse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.ConsumeNonce(ctx, "nonce-1", time.Minute)
	if err != nil {
		t.Fatalf("ConsumeNonce: %v", err)
	}
	if !ok {
		t.Fatal("first consume should succeed")
	}
	ok, err = s.ConsumeNonce(ctx, "nonce-1", time.Minute)
	if err != nil {
		t.Fatalf("second ConsumeNonce: %v", err)
	}
	if ok {
		t.Error("replayed nonce should be rejected")
	}
}

func TestConsumeNonceConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeNonce(ctx, "contested", time.Minute)
			if err != nil {
				t.Errorf("ConsumeNonce: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestPruneNonces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.ConsumeNonce(ctx, "old", -time.Minute); err != nil {
		t.Fatalf("ConsumeNonce: %v", err)
	}
	if _, err := s.ConsumeNonce(ctx, "fresh", time.Hour); err != nil {
		t.Fatalf("ConsumeNonce: %v", err)
	}
	n, err := s.PruneNonces(ctx, time.Now())
	if err != nil {
		t.Fatalf("PruneNonces: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if ok, _ := s.ConsumeNonce(ctx, "old", time.Minute); !ok {
		t.Error("pruned nonce should be consumable again")
	}
	if ok, _ := s.ConsumeNonce(ctx, "fresh", time.Minute); ok {
		t.Error("unexpired nonce should stay consumed")
	}
}

func TestDeleteDiaryCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0001")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)

	entry := &models.DiaryEntry{ID: "e-1", DiaryID: "d-1", Content: "hello", EntryType: models.EntryEpisodic, Importance: 5}
	if err := s.CreateEntry(ctx, entry); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	share := &models.DiaryShare{ID: "sh-1", DiaryID: "d-1", SharedWith: "friend", Role: models.ShareRoleReader, Status: models.SharePending}
	if err := s.CreateShare(ctx, share); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}

	if err := s.DeleteDiary(ctx, "d-1"); err != nil {
		t.Fatalf("DeleteDiary: %v", err)
	}
	if _, err := s.GetEntry(ctx, "e-1"); !IsNotFound(err) {
		t.Errorf("entry should cascade on diary delete, got %v", err)
	}
	if _, err := s.GetShare(ctx, "sh-1"); !IsNotFound(err) {
		t.Errorf("share should cascade on diary delete, got %v", err)
	}
}

func TestCreateEntryRequiresDiary(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateEntry(context.Background(), &models.DiaryEntry{ID: "e-1", DiaryID: "missing", Content: "x"})
	if !IsNotFound(err) {
		t.Errorf("expected ErrNotFound for orphan entry, got %v", err)
	}
}

func TestTouchEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0002")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)
	if err := s.CreateEntry(ctx, &models.DiaryEntry{ID: "e-1", DiaryID: "d-1", Content: "x", EntryType: models.EntrySemantic}); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	if err := s.TouchEntry(ctx, "e-1"); err != nil {
		t.Fatalf("TouchEntry: %v", err)
	}
	if err := s.TouchEntry(ctx, "e-1"); err != nil {
		t.Fatalf("TouchEntry: %v", err)
	}
	e, err := s.GetEntry(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.AccessCount != 2 {
		t.Errorf("accessCount = %d, want 2", e.AccessCount)
	}
	if e.LastAccessedAt == nil {
		t.Error("lastAccessedAt should be set")
	}
}

func TestSearchEntriesRanking(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0003")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)

	now := time.Now().UTC()
	superseder := "e-new"
	entries := []*models.DiaryEntry{
		{ID: "e-match-fresh", DiaryID: "d-1", Content: "debugging the websocket reconnect loop", Importance: 5, EntryType: models.EntryEpisodic, CreatedAt: now.Add(-time.Hour)},
		{ID: "e-match-old", DiaryID: "d-1", Content: "websocket handshake notes", Importance: 5, EntryType: models.EntrySemantic, CreatedAt: now.Add(-90 * 24 * time.Hour)},
		{ID: "e-nomatch", DiaryID: "d-1", Content: "grocery list", Importance: 5, EntryType: models.EntryEpisodic, CreatedAt: now.Add(-time.Hour)},
		{ID: "e-superseded", DiaryID: "d-1", Content: "websocket reconnect, superseded draft", Importance: 5, EntryType: models.EntryEpisodic, CreatedAt: now.Add(-time.Hour), SupersededBy: &superseder},
	}
	for _, e := range entries {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry(%s): %v", e.ID, err)
		}
	}

	got, err := s.SearchEntries(ctx, EntrySearchParams{DiaryID: "d-1", Query: "websocket reconnect"})
	if err != nil {
		t.Fatalf("SearchEntries: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected results")
	}
	if got[0].ID != "e-match-fresh" {
		t.Errorf("top result = %s, want e-match-fresh", got[0].ID)
	}
	for _, e := range got {
		if e.ID == "e-superseded" {
			t.Error("superseded entry returned despite default exclusion")
		}
	}

	// Opting in to superseded entries brings the draft back.
	exclude := false
	got, err = s.SearchEntries(ctx, EntrySearchParams{DiaryID: "d-1", Query: "websocket reconnect", ExcludeSuperseded: &exclude})
	if err != nil {
		t.Fatalf("SearchEntries: %v", err)
	}
	found := false
	for _, e := range got {
		if e.ID == "e-superseded" {
			found = true
		}
	}
	if !found {
		t.Error("superseded entry missing with ExcludeSuperseded=false")
	}
}

func TestSearchEntriesVectorRanking(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0004")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)

	now := time.Now().UTC()
	near := make([]float32, models.EmbeddingDim)
	far := make([]float32, models.EmbeddingDim)
	query := make([]float32, models.EmbeddingDim)
	near[0], query[0] = 1, 1
	far[1] = 1
	for _, e := range []*models.DiaryEntry{
		{ID: "e-near", DiaryID: "d-1", Content: "a", Importance: 5, EntryType: models.EntrySemantic, Embedding: near, CreatedAt: now.Add(-time.Hour)},
		{ID: "e-far", DiaryID: "d-1", Content: "b", Importance: 5, EntryType: models.EntrySemantic, Embedding: far, CreatedAt: now.Add(-time.Hour)},
	} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry(%s): %v", e.ID, err)
		}
	}

	got, err := s.SearchEntries(ctx, EntrySearchParams{DiaryID: "d-1", Embedding: query})
	if err != nil {
		t.Fatalf("SearchEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].ID != "e-near" {
		t.Errorf("top result = %s, want e-near", got[0].ID)
	}
}

func TestSearchEntriesImportanceTiebreak(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0005")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)

	created := time.Now().UTC().Add(-time.Hour)
	for _, e := range []*models.DiaryEntry{
		{ID: "e-low", DiaryID: "d-1", Content: "same words here", Importance: 2, EntryType: models.EntrySemantic, CreatedAt: created},
		{ID: "e-high", DiaryID: "d-1", Content: "same words here", Importance: 9, EntryType: models.EntrySemantic, CreatedAt: created},
	} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry(%s): %v", e.ID, err)
		}
	}

	got, err := s.SearchEntries(ctx, EntrySearchParams{DiaryID: "d-1", Query: "same words"})
	if err != nil {
		t.Fatalf("SearchEntries: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e-high" {
		t.Errorf("importance should break the tie, got order %v", entryIDs(got))
	}
}

func entryIDs(entries []models.DiaryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestListRecentEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0006")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)

	now := time.Now().UTC()
	for _, e := range []*models.DiaryEntry{
		{ID: "e-1", DiaryID: "d-1", Content: "a", Importance: 3, EntryType: models.EntryEpisodic, CreatedAt: now.Add(-time.Hour)},
		{ID: "e-2", DiaryID: "d-1", Content: "b", Importance: 8, EntryType: models.EntrySemantic, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "e-3", DiaryID: "d-1", Content: "c", Importance: 5, EntryType: models.EntryEpisodic, CreatedAt: now.Add(-10 * 24 * time.Hour)},
	} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry(%s): %v", e.ID, err)
		}
	}

	got, total, err := s.ListRecentEntries(ctx, "d-1", now.Add(-7*24*time.Hour), nil, 10)
	if err != nil {
		t.Fatalf("ListRecentEntries: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(got) != 2 || got[0].ID != "e-2" {
		t.Errorf("importance ordering wrong, got %v", entryIDs(got))
	}
}

func TestPublicFeedPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0007")
	seedDiary(t, s, "d-pub", "owner", models.VisibilityPublic)
	seedDiary(t, s, "d-priv", "owner", models.VisibilityPrivate)

	base := time.Now().UTC().Add(-time.Hour)
	const n = 7
	for i := 0; i < n; i++ {
		e := &models.DiaryEntry{
			ID:         fmt.Sprintf("e-%02d", i),
			DiaryID:    "d-pub",
			Content:    fmt.Sprintf("public note %d", i),
			EntryType:  models.EntryEpisodic,
			Importance: 5,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
	}
	// Private entries never surface on the feed.
	if err := s.CreateEntry(ctx, &models.DiaryEntry{ID: "e-hidden", DiaryID: "d-priv", Content: "secret", EntryType: models.EntryEpisodic, CreatedAt: base}); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := s.ListPublicEntries(ctx, PublicFeedParams{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("ListPublicEntries: %v", err)
		}
		pages++
		for _, e := range page.Entries {
			if seen[e.ID] {
				t.Errorf("entry %s returned twice", e.ID)
			}
			seen[e.ID] = true
			if e.ID == "e-hidden" {
				t.Error("private entry leaked into public feed")
			}
			if e.OwnerFingerprint != "AAAA-0000-0000-0007" {
				t.Errorf("ownerFingerprint = %q", e.OwnerFingerprint)
			}
		}
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}
	if len(seen) != n {
		t.Errorf("saw %d entries across pages, want %d", len(seen), n)
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestPublicFeedNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0008")
	seedDiary(t, s, "d-pub", "owner", models.VisibilityPublic)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		e := &models.DiaryEntry{
			ID:        fmt.Sprintf("e-%d", i),
			DiaryID:   "d-pub",
			Content:   "x",
			EntryType: models.EntryEpisodic,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
	}
	page, err := s.ListPublicEntries(ctx, PublicFeedParams{Limit: 10})
	if err != nil {
		t.Fatalf("ListPublicEntries: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(page.Entries))
	}
	if page.Entries[0].ID != "e-2" || page.Entries[2].ID != "e-0" {
		t.Errorf("feed not newest-first: %s .. %s", page.Entries[0].ID, page.Entries[2].ID)
	}
	if page.NextCursor != nil {
		t.Error("short feed should have no next cursor")
	}
}

func TestPublicFeedInvalidCursor(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.ListPublicEntries(context.Background(), PublicFeedParams{Cursor: "!!not-base64!!"})
	if err != ErrInvalidCursor {
		t.Errorf("err = %v, want ErrInvalidCursor", err)
	}
}

func TestGetPublicEntryVisibility(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0009")
	seedDiary(t, s, "d-pub", "owner", models.VisibilityPublic)
	seedDiary(t, s, "d-net", "owner", models.VisibilityMoltnet)

	for _, e := range []*models.DiaryEntry{
		{ID: "e-pub", DiaryID: "d-pub", Content: "x", EntryType: models.EntryEpisodic},
		{ID: "e-net", DiaryID: "d-net", Content: "y", EntryType: models.EntryEpisodic},
	} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("CreateEntry(%s): %v", e.ID, err)
		}
	}

	pe, err := s.GetPublicEntry(ctx, "e-pub")
	if err != nil {
		t.Fatalf("GetPublicEntry: %v", err)
	}
	if pe.OwnerFingerprint != "AAAA-0000-0000-0009" {
		t.Errorf("ownerFingerprint = %q", pe.OwnerFingerprint)
	}
	// moltnet visibility is not public.
	if _, err := s.GetPublicEntry(ctx, "e-net"); !IsNotFound(err) {
		t.Errorf("moltnet-visibility entry should 404 publicly, got %v", err)
	}
}

func TestShareUniquePerDiaryAndAgent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0010")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)

	sh := &models.DiaryShare{ID: "sh-1", DiaryID: "d-1", SharedWith: "friend", Role: models.ShareRoleReader, Status: models.SharePending}
	if err := s.CreateShare(ctx, sh); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	dup := &models.DiaryShare{ID: "sh-2", DiaryID: "d-1", SharedWith: "friend", Role: models.ShareRoleWriter, Status: models.SharePending}
	if err := s.CreateShare(ctx, dup); err == nil {
		t.Error("duplicate (diary, agent) share should fail")
	}

	got, err := s.GetShareByDiaryAndAgent(ctx, "d-1", "friend")
	if err != nil {
		t.Fatalf("GetShareByDiaryAndAgent: %v", err)
	}
	if got.ID != "sh-1" {
		t.Errorf("share id = %s, want sh-1", got.ID)
	}
}

func TestListSharesForAgentByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0011")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)
	seedDiary(t, s, "d-2", "owner", models.VisibilityPrivate)

	for _, sh := range []*models.DiaryShare{
		{ID: "sh-1", DiaryID: "d-1", SharedWith: "friend", Role: models.ShareRoleReader, Status: models.SharePending},
		{ID: "sh-2", DiaryID: "d-2", SharedWith: "friend", Role: models.ShareRoleReader, Status: models.ShareAccepted},
	} {
		if err := s.CreateShare(ctx, sh); err != nil {
			t.Fatalf("CreateShare(%s): %v", sh.ID, err)
		}
	}

	pending, err := s.ListSharesForAgent(ctx, "friend", models.SharePending)
	if err != nil {
		t.Fatalf("ListSharesForAgent: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "sh-1" {
		t.Errorf("pending shares = %v", pending)
	}
	all, err := s.ListSharesForAgent(ctx, "friend", "")
	if err != nil {
		t.Fatalf("ListSharesForAgent: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all shares = %d, want 2", len(all))
	}
}

func TestSigningRequestLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	req := &models.SigningRequest{
		ID:        "sr-1",
		AgentID:   "agent",
		Message:   "hello",
		Nonce:     "n-1",
		Status:    models.SigningPending,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := s.CreateSigningRequest(ctx, req); err != nil {
		t.Fatalf("CreateSigningRequest: %v", err)
	}

	sig := "c2ln"
	valid := true
	done := now.Add(time.Minute)
	err := s.UpdateSigningRequest(ctx, "sr-1", SigningUpdate{
		Status:      models.SigningCompleted,
		Signature:   &sig,
		Valid:       &valid,
		CompletedAt: &done,
	})
	if err != nil {
		t.Fatalf("UpdateSigningRequest: %v", err)
	}

	got, err := s.FindSigningRequestBySignature(ctx, sig)
	if err != nil {
		t.Fatalf("FindSigningRequestBySignature: %v", err)
	}
	if got.ID != "sr-1" || got.Status != models.SigningCompleted {
		t.Errorf("lookup by signature returned %+v", got)
	}
	if got.Valid == nil || !*got.Valid {
		t.Error("valid flag not persisted")
	}
}

func TestExpireSigningRequests(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, req := range []*models.SigningRequest{
		{ID: "sr-stale", AgentID: "a", Message: "m", Nonce: "n1", Status: models.SigningPending, ExpiresAt: now.Add(-time.Minute)},
		{ID: "sr-live", AgentID: "a", Message: "m", Nonce: "n2", Status: models.SigningPending, ExpiresAt: now.Add(time.Hour)},
		{ID: "sr-done", AgentID: "a", Message: "m", Nonce: "n3", Status: models.SigningCompleted, ExpiresAt: now.Add(-time.Minute)},
	} {
		if err := s.CreateSigningRequest(ctx, req); err != nil {
			t.Fatalf("CreateSigningRequest(%s): %v", req.ID, err)
		}
	}

	n, err := s.ExpireSigningRequests(ctx, now)
	if err != nil {
		t.Fatalf("ExpireSigningRequests: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	stale, _ := s.GetSigningRequest(ctx, "sr-stale")
	if stale.Status != models.SigningExpired {
		t.Errorf("stale status = %s, want expired", stale.Status)
	}
	live, _ := s.GetSigningRequest(ctx, "sr-live")
	if live.Status != models.SigningPending {
		t.Errorf("live status = %s, want pending", live.Status)
	}
	done, _ := s.GetSigningRequest(ctx, "sr-done")
	if done.Status != models.SigningCompleted {
		t.Errorf("completed request must not be swept, got %s", done.Status)
	}
}

func TestWorkflowRunJournal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := &models.WorkflowRun{
		ID:     "wf-1",
		Name:   "registerAgent",
		Status: models.WorkflowRunning,
		Input:  []byte(`{"publicKey":"pk"}`),
	}
	if err := s.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}

	run.Journal["createIdentity"] = []byte(`{"identityId":"id-1"}`)
	if err := s.UpdateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("UpdateWorkflowRun: %v", err)
	}

	got, err := s.GetWorkflowRun(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflowRun: %v", err)
	}
	if string(got.Journal["createIdentity"]) != `{"identityId":"id-1"}` {
		t.Errorf("journal = %q", got.Journal["createIdentity"])
	}

	unfinished, err := s.ListUnfinishedWorkflowRuns(ctx)
	if err != nil {
		t.Fatalf("ListUnfinishedWorkflowRuns: %v", err)
	}
	if len(unfinished) != 1 || unfinished[0].ID != "wf-1" {
		t.Errorf("unfinished = %v", unfinished)
	}

	run.Status = models.WorkflowCompleted
	if err := s.UpdateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("UpdateWorkflowRun: %v", err)
	}
	unfinished, err = s.ListUnfinishedWorkflowRuns(ctx)
	if err != nil {
		t.Fatalf("ListUnfinishedWorkflowRuns: %v", err)
	}
	if len(unfinished) != 0 {
		t.Errorf("completed run still listed as unfinished")
	}
}

func TestUpdateDiaryVisibilityAffectsFeed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAgent(t, s, "owner", "AAAA-0000-0000-0012")
	seedDiary(t, s, "d-1", "owner", models.VisibilityPrivate)
	if err := s.CreateEntry(ctx, &models.DiaryEntry{ID: "e-1", DiaryID: "d-1", Content: "x", EntryType: models.EntryEpisodic}); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	page, err := s.ListPublicEntries(ctx, PublicFeedParams{})
	if err != nil {
		t.Fatalf("ListPublicEntries: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Fatal("private diary entries visible on feed")
	}

	d, err := s.GetDiary(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDiary: %v", err)
	}
	d.Visibility = models.VisibilityPublic
	if err := s.UpdateDiary(ctx, d); err != nil {
		t.Fatalf("UpdateDiary: %v", err)
	}

	page, err = s.ListPublicEntries(ctx, PublicFeedParams{})
	if err != nil {
		t.Fatalf("ListPublicEntries: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Errorf("feed entries after publish = %d, want 1", len(page.Entries))
	}
}
