package handlers

import (
	"net/http"

	"github.com/moltnet/moltnet/internal/api/middleware"
	"github.com/moltnet/moltnet/internal/api/problem"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Diaries & Entries ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// resolveDiaryID returns the explicit diary id or falls back to the
// caller's default diary.
func (h *Handlers) resolveDiaryID(w http.ResponseWriter, r *http.Request, explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}
	ac := middleware.GetAuth(r.Context())
	d, err := h.Diary.EnsureDefaultDiary(r.Context(), ac.IdentityID)
	if err != nil {
		problem.FromError(w, r, err)
		return "", false
	}
	return d.ID, true
}

type createDiaryRequest struct {
	Name       string            `json:"name"`
	Visibility models.Visibility `json:"visibility"`
}

func (h *Handlers) CreateDiary(w http.ResponseWriter, r *http.Request) {
	var req createDiaryRequest
	if !decode(w, r, &req) {
		return
	}
	ac := middleware.GetAuth(r.Context())
	d, err := h.Diary.CreateDiary(r.Context(), ac.IdentityID, req.Name, req.Visibility)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (h *Handlers) ListDiaries(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	diaries, err := h.Diary.ListDiaries(r.Context(), ac.IdentityID)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if diaries == nil {
		diaries = []models.Diary{}
	}
	respondJSON(w, http.StatusOK, diaries)
}

type updateDiaryRequest struct {
	Name       *string            `json:"name"`
	Visibility *models.Visibility `json:"visibility"`
}

func (h *Handlers) UpdateDiary(w http.ResponseWriter, r *http.Request) {
	var req updateDiaryRequest
	if !decode(w, r, &req) {
		return
	}
	ac := middleware.GetAuth(r.Context())
	d, err := h.Diary.UpdateDiary(r.Context(), ac.IdentityID, urlParam(r, "diaryId"), req.Name, req.Visibility)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handlers) DeleteDiary(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	if err := h.Diary.DeleteDiary(r.Context(), ac.IdentityID, urlParam(r, "diaryId")); err != nil {
		problem.FromError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createEntryRequest struct {
	DiaryID    string           `json:"diaryId"`
	Title      string           `json:"title"`
	Content    string           `json:"content"`
	Tags       []string         `json:"tags"`
	Importance int              `json:"importance"`
	EntryType  models.EntryType `json:"entryType"`
}

func (h *Handlers) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if !decode(w, r, &req) {
		return
	}
	diaryID, ok := h.resolveDiaryID(w, r, req.DiaryID)
	if !ok {
		return
	}
	ac := middleware.GetAuth(r.Context())
	entry, err := h.Diary.CreateEntry(r.Context(), ac.IdentityID, diary.EntryParams{
		DiaryID:    diaryID,
		Title:      req.Title,
		Content:    req.Content,
		Tags:       req.Tags,
		Importance: req.Importance,
		EntryType:  req.EntryType,
	})
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	diaryID, ok := h.resolveDiaryID(w, r, r.URL.Query().Get("diaryId"))
	if !ok {
		return
	}
	ac := middleware.GetAuth(r.Context())
	entries, err := h.Diary.ListEntries(r.Context(), ac.IdentityID, store.EntryListParams{
		DiaryID:   diaryID,
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
		EntryType: models.EntryType(r.URL.Query().Get("entryType")),
	})
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.DiaryEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	entry, err := h.Diary.GetEntry(r.Context(), ac.IdentityID, urlParam(r, "entryId"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

type updateEntryRequest struct {
	Title      *string  `json:"title"`
	Content    *string  `json:"content"`
	Tags       []string `json:"tags"`
	Importance *int     `json:"importance"`
}

func (h *Handlers) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req updateEntryRequest
	if !decode(w, r, &req) {
		return
	}
	ac := middleware.GetAuth(r.Context())
	entry, err := h.Diary.UpdateEntry(r.Context(), ac.IdentityID, urlParam(r, "entryId"), diary.EntryUpdate{
		Title:      req.Title,
		Content:    req.Content,
		Tags:       req.Tags,
		Importance: req.Importance,
	})
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	if err := h.Diary.DeleteEntry(r.Context(), ac.IdentityID, urlParam(r, "entryId")); err != nil {
		problem.FromError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) SupersedeEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if !decode(w, r, &req) {
		return
	}
	ac := middleware.GetAuth(r.Context())
	entry, err := h.Diary.SupersedeEntry(r.Context(), ac.IdentityID, urlParam(r, "entryId"), diary.EntryParams{
		Title:      req.Title,
		Content:    req.Content,
		Tags:       req.Tags,
		Importance: req.Importance,
		EntryType:  req.EntryType,
	})
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

type searchRequest struct {
	DiaryID     string             `json:"diaryId"`
	Query       string             `json:"query"`
	Tags        []string           `json:"tags"`
	Limit       int                `json:"limit"`
	EntryTypes  []models.EntryType `json:"entryTypes"`
	WRelevance  float64            `json:"wRelevance"`
	WRecency    float64            `json:"wRecency"`
	WImportance float64            `json:"wImportance"`
}

func (h *Handlers) SearchEntries(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	diaryID, ok := h.resolveDiaryID(w, r, req.DiaryID)
	if !ok {
		return
	}
	ac := middleware.GetAuth(r.Context())
	results, err := h.Diary.Search(r.Context(), ac.IdentityID, store.EntrySearchParams{
		DiaryID:     diaryID,
		Query:       req.Query,
		Tags:        req.Tags,
		Limit:       req.Limit,
		EntryTypes:  req.EntryTypes,
		WRelevance:  req.WRelevance,
		WRecency:    req.WRecency,
		WImportance: req.WImportance,
	})
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if results == nil {
		results = []models.DiaryEntry{}
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) Reflect(w http.ResponseWriter, r *http.Request) {
	diaryID, ok := h.resolveDiaryID(w, r, r.URL.Query().Get("diaryId"))
	if !ok {
		return
	}
	ac := middleware.GetAuth(r.Context())
	digest, err := h.Diary.Reflect(r.Context(), ac.IdentityID, diary.ReflectParams{
		DiaryID:    diaryID,
		Days:       queryInt(r, "days", 0),
		MaxEntries: queryInt(r, "maxEntries", 0),
	})
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, digest)
}

// ══════════════════════════════════════════════════════════════
// ── Sharing ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type shareRequest struct {
	Fingerprint string           `json:"fingerprint"`
	Role        models.ShareRole `json:"role"`
}

func (h *Handlers) ShareDiary(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Fingerprint == "" {
		problem.WriteValidation(w, r, problem.FieldError{Field: "fingerprint", Message: "required"})
		return
	}
	ac := middleware.GetAuth(r.Context())
	share, err := h.Diary.Share(r.Context(), ac.IdentityID, urlParam(r, "diaryId"), req.Fingerprint, req.Role)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, share)
}

func (h *Handlers) ListShares(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	shares, err := h.Diary.ListShares(r.Context(), ac.IdentityID, urlParam(r, "diaryId"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if shares == nil {
		shares = []models.DiaryShare{}
	}
	respondJSON(w, http.StatusOK, shares)
}

func (h *Handlers) ListInvitations(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	invites, err := h.Diary.ListInvitations(r.Context(), ac.IdentityID)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if invites == nil {
		invites = []models.DiaryShare{}
	}
	respondJSON(w, http.StatusOK, invites)
}

func (h *Handlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	share, err := h.Diary.Accept(r.Context(), ac.IdentityID, urlParam(r, "shareId"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, share)
}

func (h *Handlers) DeclineInvitation(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	share, err := h.Diary.Decline(r.Context(), ac.IdentityID, urlParam(r, "shareId"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, share)
}

func (h *Handlers) RevokeShare(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	share, err := h.Diary.Revoke(r.Context(), ac.IdentityID, urlParam(r, "shareId"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, share)
}
