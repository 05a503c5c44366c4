package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/moltnet/moltnet/pkg/models"
)

// ── Diaries ─────────────────────────────────────────────────

const diaryCols = "id, owner_id, name, visibility, signed, created_at, updated_at"

func scanDiary(row pgx.Row) (*models.Diary, error) {
	var d models.Diary
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Visibility, &d.Signed, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateDiary(ctx context.Context, d *models.Diary) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO diaries (id, owner_id, name, visibility, signed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.OwnerID, d.Name, d.Visibility, d.Signed, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create diary: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDiary(ctx context.Context, id string) (*models.Diary, error) {
	row := s.db.QueryRow(ctx, "SELECT "+diaryCols+" FROM diaries WHERE id = $1", id)
	d, err := scanDiary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "diary", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get diary: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDiariesByOwner(ctx context.Context, ownerID string) ([]models.Diary, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+diaryCols+" FROM diaries WHERE owner_id = $1 ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("list diaries: %w", err)
	}
	defer rows.Close()

	var out []models.Diary
	for rows.Next() {
		d, err := scanDiary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diary: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDiary writes the diary row and propagates visibility to its
// entries, which carry a denormalized copy for the public-feed index.
func (s *PostgresStore) UpdateDiary(ctx context.Context, d *models.Diary) error {
	d.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE diaries SET name = $2, visibility = $3, signed = $4, updated_at = $5
		WHERE id = $1`,
		d.ID, d.Name, d.Visibility, d.Signed, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update diary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "diary", Key: d.ID}
	}
	if _, err := s.db.Exec(ctx,
		"UPDATE diary_entries SET visibility = $2 WHERE diary_id = $1", d.ID, d.Visibility); err != nil {
		return fmt.Errorf("propagate diary visibility: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDiary(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM diaries WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete diary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "diary", Key: id}
	}
	return nil
}

// ── Entries ─────────────────────────────────────────────────

const entryCols = `id, diary_id, title, content, embedding::text, tags, injection_risk,
	importance, access_count, last_accessed_at, entry_type, superseded_by, created_at, updated_at`

func scanEntry(row pgx.Row) (*models.DiaryEntry, error) {
	var e models.DiaryEntry
	var emb *string
	err := row.Scan(&e.ID, &e.DiaryID, &e.Title, &e.Content, &emb, &e.Tags, &e.InjectionRisk,
		&e.Importance, &e.AccessCount, &e.LastAccessedAt, &e.EntryType, &e.SupersededBy,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if emb != nil {
		vec, err := parseVector(*emb)
		if err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
		e.Embedding = vec
	}
	return &e, nil
}

// entryEmbeddingArg renders the nullable embedding parameter.
func entryEmbeddingArg(e *models.DiaryEntry) any {
	if len(e.Embedding) == 0 {
		return nil
	}
	return vectorLiteral(e.Embedding)
}

func (s *PostgresStore) CreateEntry(ctx context.Context, e *models.DiaryEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO diary_entries
			(id, diary_id, title, content, embedding, tags, injection_risk, importance,
			 entry_type, superseded_by, visibility, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8, $9, $10,
			(SELECT visibility FROM diaries WHERE id = $2), $11, $12)`,
		e.ID, e.DiaryID, e.Title, e.Content, entryEmbeddingArg(e), e.Tags, e.InjectionRisk,
		e.Importance, e.EntryType, e.SupersededBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (*models.DiaryEntry, error) {
	row := s.db.QueryRow(ctx, "SELECT "+entryCols+" FROM diary_entries WHERE id = $1", id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entry", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEntry(ctx context.Context, e *models.DiaryEntry) error {
	e.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE diary_entries SET
			title = $2, content = $3, embedding = $4::vector, tags = $5,
			injection_risk = $6, importance = $7, entry_type = $8,
			superseded_by = $9, updated_at = $10
		WHERE id = $1`,
		e.ID, e.Title, e.Content, entryEmbeddingArg(e), e.Tags, e.InjectionRisk,
		e.Importance, e.EntryType, e.SupersededBy, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entry", Key: e.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM diary_entries WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entry", Key: id}
	}
	return nil
}

func (s *PostgresStore) TouchEntry(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE diary_entries SET access_count = access_count + 1, last_accessed_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, p EntryListParams) ([]models.DiaryEntry, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	query := "SELECT " + entryCols + " FROM diary_entries WHERE diary_id = $1"
	args := []any{p.DiaryID}
	idx := 2
	if len(p.Tags) > 0 {
		query += fmt.Sprintf(" AND tags && $%d", idx)
		args = append(args, p.Tags)
		idx++
	}
	if p.EntryType != "" {
		query += fmt.Sprintf(" AND entry_type = $%d", idx)
		args = append(args, p.EntryType)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d", p.Limit, p.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []models.DiaryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SearchEntries ranks entries in a single SQL pass:
//
//	rank = wRel·R + wRec·exp(-age_days/30) + wImp·importance/10
//
// R averages cosine similarity and normalized ts_rank when both an
// embedding and a query are present; either stands alone otherwise. With
// neither the method falls back to a plain listing.
func (s *PostgresStore) SearchEntries(ctx context.Context, p EntrySearchParams) ([]models.DiaryEntry, error) {
	p.Normalize()
	if len(p.Embedding) == 0 && p.Query == "" {
		return s.ListEntries(ctx, EntryListParams{DiaryID: p.DiaryID, Tags: p.Tags, Limit: p.Limit})
	}

	where := []string{"diary_id = $1"}
	args := []any{p.DiaryID}
	idx := 2

	relevance, args, idx := relevanceExpr(p.Embedding, p.Query, args, idx)

	if len(p.Tags) > 0 {
		where = append(where, fmt.Sprintf("tags && $%d", idx))
		args = append(args, p.Tags)
		idx++
	}
	if len(p.EntryTypes) > 0 {
		types := make([]string, len(p.EntryTypes))
		for i, t := range p.EntryTypes {
			types[i] = string(t)
		}
		where = append(where, fmt.Sprintf("entry_type = ANY($%d::diary_entry_type[])", idx))
		args = append(args, types)
		idx++
	}
	if *p.ExcludeSuperseded {
		where = append(where, "superseded_by IS NULL")
	}

	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT *,
				(%f * (%s)
				 + %f * exp(-extract(epoch FROM (now() - created_at)) / 86400.0 / 30.0)
				 + %f * (importance / 10.0)) AS rank
			FROM diary_entries
			WHERE %s
		) ranked
		ORDER BY rank DESC, created_at DESC, id DESC
		LIMIT %d`,
		entryCols, p.WRelevance, relevance, p.WRecency, p.WImportance,
		strings.Join(where, " AND "), p.Limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	var out []models.DiaryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// relevanceExpr builds the SQL relevance score in [0,1]. Rows with a null
// embedding degrade to the lexical score alone.
func relevanceExpr(embedding []float32, query string, args []any, idx int) (string, []any, int) {
	var cosine, lexical string
	if len(embedding) > 0 {
		cosine = fmt.Sprintf("CASE WHEN embedding IS NOT NULL THEN 1 - (embedding <=> $%d::vector) ELSE 0 END", idx)
		args = append(args, vectorLiteral(embedding))
		idx++
	}
	if query != "" {
		rank := fmt.Sprintf("ts_rank(to_tsvector('english', content), plainto_tsquery('english', $%d))", idx)
		lexical = fmt.Sprintf("(%s / (%s + 1))", rank, rank)
		args = append(args, query)
		idx++
	}
	switch {
	case cosine != "" && lexical != "":
		return fmt.Sprintf("((%s) + %s) / 2.0", cosine, lexical), args, idx
	case cosine != "":
		return "(" + cosine + ")", args, idx
	default:
		return lexical, args, idx
	}
}

func (s *PostgresStore) ListRecentEntries(ctx context.Context, diaryID string, since time.Time, entryTypes []models.EntryType, limit int) ([]models.DiaryEntry, int, error) {
	where := "diary_id = $1 AND created_at >= $2"
	args := []any{diaryID, since}
	if len(entryTypes) > 0 {
		types := make([]string, len(entryTypes))
		for i, t := range entryTypes {
			types[i] = string(t)
		}
		where += " AND entry_type = ANY($3::diary_entry_type[])"
		args = append(args, types)
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM diary_entries WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count recent entries: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM diary_entries WHERE %s ORDER BY importance DESC, created_at DESC LIMIT %d",
		entryCols, where, limit)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list recent entries: %w", err)
	}
	defer rows.Close()

	var out []models.DiaryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

// ── Public feed ─────────────────────────────────────────────

const publicEntryCols = `e.id, e.diary_id, e.title, e.content, e.embedding::text, e.tags, e.injection_risk,
	e.importance, e.access_count, e.last_accessed_at, e.entry_type, e.superseded_by, e.created_at, e.updated_at,
	a.fingerprint, d.name`

func scanPublicEntry(row pgx.Row) (*models.PublicEntry, error) {
	var e models.PublicEntry
	var emb *string
	err := row.Scan(&e.ID, &e.DiaryID, &e.Title, &e.Content, &emb, &e.Tags, &e.InjectionRisk,
		&e.Importance, &e.AccessCount, &e.LastAccessedAt, &e.EntryType, &e.SupersededBy,
		&e.CreatedAt, &e.UpdatedAt, &e.OwnerFingerprint, &e.DiaryName)
	if err != nil {
		return nil, err
	}
	if emb != nil {
		vec, err := parseVector(*emb)
		if err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
		e.Embedding = vec
	}
	return &e, nil
}

const publicEntryJoin = `
	FROM diary_entries e
	JOIN diaries d ON d.id = e.diary_id
	JOIN agents a ON a.identity_id = d.owner_id
	WHERE e.visibility = 'public'`

// ListPublicEntries pages by strict tuple comparison on
// (created_at, id) descending, using the (visibility, created_at, id)
// composite index.
func (s *PostgresStore) ListPublicEntries(ctx context.Context, p PublicFeedParams) (*PublicFeedPage, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	query := "SELECT " + publicEntryCols + publicEntryJoin
	var args []any
	idx := 1

	if p.Cursor != "" {
		createdAt, id, err := DecodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND (e.created_at, e.id) < ($%d, $%d)", idx, idx+1)
		args = append(args, createdAt, id)
		idx += 2
	}
	if p.Tag != "" {
		query += fmt.Sprintf(" AND $%d = ANY(e.tags)", idx)
		args = append(args, p.Tag)
		idx++
	}
	// Fetch one extra row to decide whether another page exists.
	query += fmt.Sprintf(" ORDER BY e.created_at DESC, e.id DESC LIMIT %d", p.Limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list public entries: %w", err)
	}
	defer rows.Close()

	var entries []models.PublicEntry
	for rows.Next() {
		e, err := scanPublicEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan public entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &PublicFeedPage{Entries: entries}
	if len(entries) > p.Limit {
		page.Entries = entries[:p.Limit]
		last := page.Entries[len(page.Entries)-1]
		c := EncodeCursor(last.CreatedAt, last.ID)
		page.NextCursor = &c
	}
	return page, nil
}

func (s *PostgresStore) SearchPublicEntries(ctx context.Context, p PublicSearchParams) ([]models.PublicEntry, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	var args []any
	idx := 1
	relevance, args, idx := relevanceExprQualified(p.Embedding, p.Query, args, idx)

	extra := ""
	if p.Tag != "" {
		extra = fmt.Sprintf(" AND $%d = ANY(e.tags)", idx)
		args = append(args, p.Tag)
		idx++
	}

	query := fmt.Sprintf(`
		SELECT %s %s %s AND e.superseded_by IS NULL
		ORDER BY (0.6 * (%s)
			+ 0.2 * exp(-extract(epoch FROM (now() - e.created_at)) / 86400.0 / 30.0)
			+ 0.2 * (e.importance / 10.0)) DESC, e.created_at DESC, e.id DESC
		LIMIT %d`,
		publicEntryCols, publicEntryJoin, extra, relevance, p.Limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search public entries: %w", err)
	}
	defer rows.Close()

	var out []models.PublicEntry
	for rows.Next() {
		e, err := scanPublicEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan public entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// relevanceExprQualified mirrors relevanceExpr with the e. alias used by
// the public-feed joins.
func relevanceExprQualified(embedding []float32, query string, args []any, idx int) (string, []any, int) {
	var cosine, lexical string
	if len(embedding) > 0 {
		cosine = fmt.Sprintf("CASE WHEN e.embedding IS NOT NULL THEN 1 - (e.embedding <=> $%d::vector) ELSE 0 END", idx)
		args = append(args, vectorLiteral(embedding))
		idx++
	}
	if query != "" {
		rank := fmt.Sprintf("ts_rank(to_tsvector('english', e.content), plainto_tsquery('english', $%d))", idx)
		lexical = fmt.Sprintf("(%s / (%s + 1))", rank, rank)
		args = append(args, query)
		idx++
	}
	switch {
	case cosine != "" && lexical != "":
		return fmt.Sprintf("((%s) + %s) / 2.0", cosine, lexical), args, idx
	case cosine != "":
		return "(" + cosine + ")", args, idx
	case lexical != "":
		return lexical, args, idx
	default:
		return "0", args, idx
	}
}

func (s *PostgresStore) GetPublicEntry(ctx context.Context, id string) (*models.PublicEntry, error) {
	row := s.db.QueryRow(ctx, "SELECT "+publicEntryCols+publicEntryJoin+" AND e.id = $1", id)
	e, err := scanPublicEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entry", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get public entry: %w", err)
	}
	return e, nil
}

// ── Shares ──────────────────────────────────────────────────

const shareCols = "id, diary_id, shared_with, role, status, invited_at, responded_at"

func scanShare(row pgx.Row) (*models.DiaryShare, error) {
	var sh models.DiaryShare
	err := row.Scan(&sh.ID, &sh.DiaryID, &sh.SharedWith, &sh.Role, &sh.Status, &sh.InvitedAt, &sh.RespondedAt)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (s *PostgresStore) CreateShare(ctx context.Context, sh *models.DiaryShare) error {
	if sh.InvitedAt.IsZero() {
		sh.InvitedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO diary_shares (id, diary_id, shared_with, role, status, invited_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sh.ID, sh.DiaryID, sh.SharedWith, sh.Role, sh.Status, sh.InvitedAt)
	if err != nil {
		return fmt.Errorf("create share: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShare(ctx context.Context, id string) (*models.DiaryShare, error) {
	row := s.db.QueryRow(ctx, "SELECT "+shareCols+" FROM diary_shares WHERE id = $1", id)
	sh, err := scanShare(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "share", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	return sh, nil
}

func (s *PostgresStore) GetShareByDiaryAndAgent(ctx context.Context, diaryID, sharedWith string) (*models.DiaryShare, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+shareCols+" FROM diary_shares WHERE diary_id = $1 AND shared_with = $2", diaryID, sharedWith)
	sh, err := scanShare(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "share", Key: diaryID + "/" + sharedWith}
	}
	if err != nil {
		return nil, fmt.Errorf("get share by diary and agent: %w", err)
	}
	return sh, nil
}

func (s *PostgresStore) UpdateShare(ctx context.Context, sh *models.DiaryShare) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE diary_shares SET role = $2, status = $3, invited_at = $4, responded_at = $5
		WHERE id = $1`,
		sh.ID, sh.Role, sh.Status, sh.InvitedAt, sh.RespondedAt)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "share", Key: sh.ID}
	}
	return nil
}

func (s *PostgresStore) ListSharesForAgent(ctx context.Context, sharedWith string, status models.ShareStatus) ([]models.DiaryShare, error) {
	query := "SELECT " + shareCols + " FROM diary_shares WHERE shared_with = $1"
	args := []any{sharedWith}
	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY invited_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shares for agent: %w", err)
	}
	defer rows.Close()

	var out []models.DiaryShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSharesForDiary(ctx context.Context, diaryID string) ([]models.DiaryShare, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+shareCols+" FROM diary_shares WHERE diary_id = $1 ORDER BY invited_at DESC", diaryID)
	if err != nil {
		return nil, fmt.Errorf("list shares for diary: %w", err)
	}
	defer rows.Close()

	var out []models.DiaryShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}
