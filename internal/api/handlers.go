// Package api exposes the social feed pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"example.com/social/internal/activity"
	"example.com/social/internal/auth"
	"example.com/social/internal/domain"
	"example.com/social/internal/feed"
	"example.com/social/internal/store"
)

// Handler coordinates HTTP requests with the feed service and activity sources.
type Handler struct {
	feed             *feed.Service
	fetchers         map[activity.Source]activity.Fetcher
	activityPageSize int
	logger           *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithActivityPageSize sets the per-source page size of the activities endpoint.
func WithActivityPageSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.activityPageSize = n
		}
	}
}

// NewHandler builds a Handler.
func NewHandler(svc *feed.Service, fetchers map[activity.Source]activity.Fetcher, opts ...Option) *Handler {
	h := &Handler{
		feed:             svc,
		fetchers:         fetchers,
		activityPageSize: activity.DefaultPageSize,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/feed", h.authed(h.globalFeed))
	mux.HandleFunc("GET /v1/users/{id}/feed", h.authed(h.userFeed))
	mux.HandleFunc("GET /v1/users/{id}/activities", h.authed(h.activities))
	mux.HandleFunc("POST /v1/posts/share", h.authed(h.share))
	mux.HandleFunc("POST /v1/posts/{id}/like", h.authed(h.like))
	mux.HandleFunc("DELETE /v1/posts/{id}/like", h.authed(h.unlike))
	mux.HandleFunc("GET /v1/posts/{id}/likes", h.authed(h.likes))
	mux.HandleFunc("GET /v1/posts/{id}/comments", h.authed(h.comments))
	mux.HandleFunc("POST /v1/posts/{id}/comments", h.authed(h.createComment))
	mux.HandleFunc("DELETE /v1/comments/{id}", h.authed(h.deleteComment))
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.FromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		next(w, r)
	}
}

func (h *Handler) globalFeed(w http.ResponseWriter, r *http.Request) {
	h.feedPage(w, r, feed.Filter{})
}

func (h *Handler) userFeed(w http.ResponseWriter, r *http.Request) {
	h.feedPage(w, r, feed.Filter{UserID: r.PathValue("id")})
}

func (h *Handler) feedPage(w http.ResponseWriter, r *http.Request, filter feed.Filter) {
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("activity_type")); raw != "" {
		filter.ActivityType = domain.ParseActivityType(raw)
	}
	page := feed.Page{Offset: intParam(r, "offset", 0), Limit: intParam(r, "limit", 0)}

	res, err := h.feed.GetPage(r.Context(), page, filter)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	items := res.Posts
	if items == nil {
		items = []domain.FeedPost{}
	}
	writeJSON(w, http.StatusOK, FeedResponse{Items: items, NextOffset: res.NextOffset, Last: res.Last})
}

func (h *Handler) share(w http.ResponseWriter, r *http.Request) {
	var req domain.ShareInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	postID, err := h.feed.ShareSession(r.Context(), req)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ShareResponse{PostID: postID})
}

func (h *Handler) like(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.Like(r.Context(), r.PathValue("id")); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unlike(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.Unlike(r.Context(), r.PathValue("id")); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) likes(w http.ResponseWriter, r *http.Request) {
	likers, err := h.feed.ListLikes(r.Context(), r.PathValue("id"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LikesResponse{Items: likers})
}

func (h *Handler) comments(w http.ResponseWriter, r *http.Request) {
	page := feed.Page{Offset: intParam(r, "offset", 0), Limit: intParam(r, "limit", 0)}
	comments, err := h.feed.ListComments(r.Context(), r.PathValue("id"), page)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CommentsResponse{Items: comments})
}

func (h *Handler) createComment(w http.ResponseWriter, r *http.Request) {
	var req CreateCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	comment, err := h.feed.CreateComment(r.Context(), r.PathValue("id"), req.Body)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	if comment == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "comments are not enabled")
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) deleteComment(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.DeleteComment(r.Context(), r.PathValue("id")); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var sources []activity.Source
	for _, raw := range strings.Split(q.Get("sources"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		src, err := activity.ParseSource(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		sources = activity.AllSources
	}

	token := q.Get("cursor")
	state, err := activity.DecodeState(token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	limit := intParam(r, "limit", h.activityPageSize)
	next, items, err := activity.FetchStep(r.Context(), h.fetchers, r.PathValue("id"), state, sources, limit, token == "")
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	if items == nil {
		items = []activity.Item{}
	}
	done := next.Done(sources)
	resp := ActivitiesResponse{Items: items, Done: done}
	if !done {
		resp.NextCursor = activity.EncodeState(next)
	}
	writeJSON(w, http.StatusOK, resp)
}

// serviceError maps pipeline errors onto HTTP statuses.
func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidShare), errors.Is(err, domain.ErrEmptyComment):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrPostNotFound):
		writeError(w, http.StatusNotFound, "not_found", "post not found")
	case errors.Is(err, auth.ErrNoSession), store.IsAuthExpired(err):
		writeError(w, http.StatusUnauthorized, "unauthorized", "session expired")
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}

// FeedResponse is one page of a feed.
type FeedResponse struct {
	Items      []domain.FeedPost `json:"items"`
	NextOffset int               `json:"next_offset"`
	Last       bool              `json:"last"`
}

// ShareResponse describes the response body for share.
type ShareResponse struct {
	PostID string `json:"post_id"`
}

// LikesResponse lists the users who liked a post.
type LikesResponse struct {
	Items []domain.Identity `json:"items"`
}

// CommentsResponse lists comments on a post.
type CommentsResponse struct {
	Items []domain.Comment `json:"items"`
}

// CreateCommentRequest is the payload for POST /v1/posts/{id}/comments.
type CreateCommentRequest struct {
	Body string `json:"body"`
}

// ActivitiesResponse is one merged step over a user's activity sources.
type ActivitiesResponse struct {
	Items      []activity.Item `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
	Done       bool            `json:"done"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
