// Package api exposes the bid pipeline, cached aggregates, statements and
// ledger administration over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tunebytes/bid-engine/internal/aggregate"
	"github.com/tunebytes/bid-engine/internal/ledger"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/pipeline"
	"github.com/tunebytes/bid-engine/internal/store"
	"github.com/tunebytes/bid-engine/internal/verify"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Handler serves the /api/v1 routes.
type Handler struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	engine   *aggregate.Engine
	ledger   *ledger.Ledger
	verifier *verify.Service
	hub      *Hub
}

// NewHandler creates a handler. hub may be nil, which disables /ws.
func NewHandler(st store.Store, p *pipeline.Pipeline, engine *aggregate.Engine, l *ledger.Ledger, verifier *verify.Service, hub *Hub) *Handler {
	return &Handler{store: st, pipeline: p, engine: engine, ledger: l, verifier: verifier, hub: hub}
}

// Routes returns the router to mount at /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/bids", h.PlaceBid)
	r.Get("/bids/{bidID}", h.GetBid)
	r.Post("/bids/{bidID}/played", h.MarkPlayed)
	r.Post("/bids/{bidID}/veto", h.Veto)
	r.Post("/bids/{bidID}/deactivate", h.Deactivate)
	r.Get("/bids/{bidID}/rewards", h.BidRewards)

	r.Get("/users/{userID}", h.GetUser)
	r.Post("/users/{userID}/topups", h.TopUp)
	r.Get("/users/{userID}/ledger", h.UserLedger)
	r.Get("/users/{userID}/rewards", h.UserRewards)
	r.Get("/users/{userID}/aggregates", h.ownerAggregates(func(r *http.Request) model.Owner {
		return model.UserOwner(chi.URLParam(r, "userID"))
	}))

	r.Get("/media/{mediaID}/aggregates", h.ownerAggregates(func(r *http.Request) model.Owner {
		return model.MediaOwner(chi.URLParam(r, "mediaID"))
	}))
	r.Get("/parties/{partyID}/aggregates", h.ownerAggregates(func(r *http.Request) model.Owner {
		return model.PartyOwner(chi.URLParam(r, "partyID"))
	}))
	r.Get("/parties/{partyID}/media/{mediaID}/aggregates", h.ownerAggregates(func(r *http.Request) model.Owner {
		return model.PartyMediaOwner(chi.URLParam(r, "partyID"), chi.URLParam(r, "mediaID"))
	}))

	r.Get("/metrics", h.ListMetrics)
	r.Get("/metrics/{name}", h.EvaluateMetric)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/ledger/{entryID}/corrections", h.CorrectEntry)
		r.Get("/verify", h.Verify)
	})
	return r
}

// --- Request types ---

// ReasonRequest is the optional JSON body of veto and deactivate.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// TopUpRequest is the JSON body of POST /users/{userID}/topups.
type TopUpRequest struct {
	Amount int64  `json:"amount"`
	Ref    string `json:"ref"`
}

// CorrectionRequest is the JSON body of POST /admin/ledger/{entryID}/corrections.
type CorrectionRequest struct {
	Amount int64  `json:"amount"` // signed
	Reason string `json:"reason"`
}

// --- Bids ---

// PlaceBid handles POST /api/v1/bids.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req pipeline.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := h.pipeline.Place(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetBid handles GET /api/v1/bids/{bidID}.
func (h *Handler) GetBid(w http.ResponseWriter, r *http.Request) {
	bid, err := h.store.GetBid(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// MarkPlayed handles POST /api/v1/bids/{bidID}/played.
func (h *Handler) MarkPlayed(w http.ResponseWriter, r *http.Request) {
	out, err := h.pipeline.MarkPlayed(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Veto handles POST /api/v1/bids/{bidID}/veto.
func (h *Handler) Veto(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	out, err := h.pipeline.Veto(r.Context(), chi.URLParam(r, "bidID"), req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Deactivate handles POST /api/v1/bids/{bidID}/deactivate.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	out, err := h.pipeline.Deactivate(r.Context(), chi.URLParam(r, "bidID"), req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// BidRewards handles GET /api/v1/bids/{bidID}/rewards.
func (h *Handler) BidRewards(w http.ResponseWriter, r *http.Request) {
	h.rewards(w, r, store.RewardQuery{BidID: chi.URLParam(r, "bidID")})
}

// --- Users ---

// GetUser handles GET /api/v1/users/{userID}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// TopUp handles POST /api/v1/users/{userID}/topups.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := h.pipeline.TopUp(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Ref)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// UserLedger handles GET /api/v1/users/{userID}/ledger?type&limit&offset.
func (h *Handler) UserLedger(w http.ResponseWriter, r *http.Request) {
	q := model.LedgerQuery{UserID: chi.URLParam(r, "userID")}
	if t := r.URL.Query().Get("type"); t != "" {
		typ, err := model.ParseTransactionType(t)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		q.Type = typ
	}
	var err error
	if q.Limit, q.Offset, err = page(r); err != nil {
		writeErr(w, r, err)
		return
	}
	entries, err := h.store.ListLedgerEntries(r.Context(), q)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// UserRewards handles GET /api/v1/users/{userID}/rewards.
func (h *Handler) UserRewards(w http.ResponseWriter, r *http.Request) {
	h.rewards(w, r, store.RewardQuery{UserID: chi.URLParam(r, "userID")})
}

func (h *Handler) rewards(w http.ResponseWriter, r *http.Request, q store.RewardQuery) {
	limit, _, err := page(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	q.Limit = limit
	records, err := h.store.ListRewardRecords(r.Context(), q)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if records == nil {
		records = []model.RewardRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Aggregates ---

func (h *Handler) ownerAggregates(owner func(*http.Request) model.Owner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set, err := h.engine.Cached(r.Context(), owner(r))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, set)
	}
}

// ListMetrics handles GET /api/v1/metrics.
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Registry().Definitions())
}

// EvaluateMetric handles GET /api/v1/metrics/{name}?party_id&media_id&user_id.
// The value is computed fresh from the bid history.
func (h *Handler) EvaluateMetric(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v, err := h.engine.Evaluate(r.Context(), chi.URLParam(r, "name"), aggregate.Params{
		UserID:  q.Get("user_id"),
		MediaID: q.Get("media_id"),
		PartyID: q.Get("party_id"),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Admin ---

// CorrectEntry handles POST /api/v1/admin/ledger/{entryID}/corrections.
func (h *Handler) CorrectEntry(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	entry, err := h.ledger.Correct(r.Context(), chi.URLParam(r, "entryID"), req.Amount, req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Verify handles GET /api/v1/admin/verify?type&limit&offset&after_seq.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var opts verify.Options
	if t := r.URL.Query().Get("type"); t != "" {
		typ, err := model.ParseTransactionType(t)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		opts.Type = typ
	}
	var err error
	if opts.Limit, opts.Offset, err = page(r); err != nil {
		writeErr(w, r, err)
		return
	}
	if s := r.URL.Query().Get("after_seq"); s != "" {
		if opts.AfterSeq, err = strconv.ParseInt(s, 10, 64); err != nil || opts.AfterSeq < 0 {
			writeErr(w, r, model.Validationf("after_seq must be a non-negative integer"))
			return
		}
	}
	report, err := h.verifier.Verify(r.Context(), opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func decodeReason(w http.ResponseWriter, r *http.Request) (ReasonRequest, bool) {
	var req ReasonRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// page parses limit and offset, applying the default and maximum page size.
func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			return 0, 0, model.Validationf("limit must be a positive integer")
		}
	}
	limit = min(limit, maxPageSize)
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, model.Validationf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

var errorStatus = []struct {
	err    error
	status int
}{
	{model.ErrValidation, http.StatusUnprocessableEntity},
	{model.ErrNotFound, http.StatusNotFound},
	{store.ErrDuplicate, http.StatusConflict},
	{store.ErrStatusConflict, http.StatusConflict},
	{ledger.ErrTransient, http.StatusServiceUnavailable},
}

// writeErr maps err to a status through errorStatus. Unknown errors are
// logged and reported as 500 without detail.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			msg := err.Error()
			if e.status == http.StatusServiceUnavailable {
				msg = "try again"
			}
			writeError(w, msg, e.status)
			return
		}
	}
	slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
