package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/types"
)

type createPostRequest struct {
	Text          string     `json:"text" validate:"required,max=500"`
	ImageURLs     []string   `json:"imageUrls" validate:"max=10,dive,url"`
	Genre         string     `json:"genre" validate:"max=64"`
	ScheduledTime *time.Time `json:"scheduledTime"`
}

type updatePostRequest struct {
	Text          *string    `json:"text" validate:"omitempty,min=1,max=500"`
	ImageURLs     []string   `json:"imageUrls" validate:"omitempty,max=10,dive,url"`
	Genre         *string    `json:"genre" validate:"omitempty,max=64"`
	ScheduledTime *time.Time `json:"scheduledTime"`
	Requeue       bool       `json:"requeue"`
}

// handleListPosts returns posts newest first. Query: status, limit.
func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	status := types.PostStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.handleError(w, r, &ErrValidation{Field: "status", Message: "must be one of: pending scheduled failed"})
		return
	}

	posts, err := s.deps.Store.ListPosts(r.Context(), db.PostFilter{Status: status, Limit: limit})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if posts == nil {
		posts = []types.Post{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"posts": posts,
		"count": len(posts),
	})
}

// handleCreatePost stores a manually written post as pending
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.handleError(w, r, err)
		return
	}

	now := s.now()
	scheduled := now
	if req.ScheduledTime != nil {
		scheduled = *req.ScheduledTime
	}

	post := types.Post{
		Text:          req.Text,
		ImageURLs:     req.ImageURLs,
		Genre:         req.Genre,
		ScheduledTime: scheduled,
		Status:        types.StatusPending,
		ConceptSource: types.SourceManual,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if post.ImageURLs == nil {
		post.ImageURLs = []string{}
	}

	posts := []types.Post{post}
	if err := s.deps.Store.SavePosts(r.Context(), posts); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, posts[0])
}

// handleGetPost returns a single post
func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.deps.Store.GetPost(r.Context(), r.PathValue("id"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, post)
}

// handleUpdatePost applies an operator edit. Setting requeue returns a scheduled
// or failed post to pending.
func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var req updatePostRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.handleError(w, r, err)
		return
	}

	post, err := s.deps.Store.UpdatePost(r.Context(), r.PathValue("id"), types.PostEdit{
		Text:          req.Text,
		ImageURLs:     req.ImageURLs,
		Genre:         req.Genre,
		ScheduledTime: req.ScheduledTime,
		Requeue:       req.Requeue,
	}, s.now())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, post)
}

// handleDeletePost removes a post
func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeletePost(r.Context(), r.PathValue("id")); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDispatchPost sends one pending post to the scheduling service now. A
// rejected dispatch still returns the post, now marked failed.
func (s *Server) handleDispatchPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.deps.Dispatcher.Dispatch(r.Context(), r.PathValue("id"))
	if err == nil {
		s.jsonResponse(w, http.StatusOK, post)
		return
	}
	if post == nil || errors.Is(err, db.ErrNotPending) {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, HTTPStatus(err), map[string]any{
		"error": err.Error(),
		"post":  post,
	})
}
