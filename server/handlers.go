package server

import (
	"errors"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/moderation"
	"github.com/reef-social/reef/models"
)

// Each command handler is one logical request: mutate persisted state, then
// publish exactly one corresponding event. A failed mutation surfaces the
// error to the caller and publishes nothing; publish happens synchronously
// after the mutation commits, so a client reacting to the event always reads
// state at least as new as the event implies.

type CreatePostRequest struct {
	Kind        models.PostKind `json:"kind"`
	Content     string          `json:"content"`
	AuthorID    string          `json:"authorId"`
	DisplayName string          `json:"displayName"`
	AvatarRef   string          `json:"avatarRef"`
}

func (s *Server) handleCreatePost(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreatePostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed post payload")
	}
	if req.Kind != models.PostKindText && req.Kind != models.PostKindImage {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be text or image")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content must not be empty")
	}

	// the session store's own access policy is the enforcement boundary;
	// this check only adds a diagnostic trace
	if session := c.Request().Header.Get("X-Session-ID"); session != "" && session != req.AuthorID {
		s.logger.Warn("authentication mismatch: post authorId does not match session",
			"session", session, "authorId", req.AuthorID)
	}

	post := &models.Post{
		Kind:        req.Kind,
		Content:     req.Content,
		AuthorID:    req.AuthorID,
		DisplayName: req.DisplayName,
		AvatarRef:   req.AvatarRef,
		Approved:    true,
	}
	if err := s.store.Insert(ctx, post); err != nil {
		s.logger.Error("failed to insert post", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create post")
	}
	postsCreated.WithLabelValues(string(post.Kind)).Inc()

	evt := events.NewPost(post)
	if err := s.evts.Publish(events.RoomAdmin, evt); err != nil {
		s.logger.Error("failed to publish new post", "postID", post.ID, "error", err)
	}
	if err := s.evts.Publish(events.RoomUser, evt); err != nil {
		s.logger.Error("failed to publish new post", "postID", post.ID, "error", err)
	}

	return c.JSON(http.StatusCreated, post)
}

func (s *Server) handleListAll(c echo.Context) error {
	posts, err := s.store.ListAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list posts")
	}
	return c.JSON(http.StatusOK, sortNewestFirst(posts))
}

func (s *Server) handleListApproved(c echo.Context) error {
	posts, err := s.store.ListApproved(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list posts")
	}
	return c.JSON(http.StatusOK, sortNewestFirst(posts))
}

func (s *Server) handleListByAuthor(c echo.Context) error {
	posts, err := s.store.ListByAuthor(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list posts")
	}
	return c.JSON(http.StatusOK, sortNewestFirst(posts))
}

func (s *Server) handleApprovePost(c echo.Context) error {
	return s.decide(c, true)
}

func (s *Server) handleRejectPost(c echo.Context) error {
	return s.decide(c, false)
}

// decide records an admin approve/reject decision. Concurrent decisions on
// the same post are idempotent last-write-wins: every decision that commits
// publishes its event, and projections converge on the final one.
func (s *Server) decide(c echo.Context, approved bool) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := s.store.SetDecision(ctx, id, approved); err != nil {
		if errors.Is(err, models.ErrPostNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "post not found")
		}
		s.logger.Error("failed to record decision", "postID", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update post")
	}
	adminDecisions.WithLabelValues(decisionLabel(approved)).Inc()

	var evt *events.Event
	if approved {
		evt = events.PostApproved(id)
	} else {
		evt = events.PostRejected(id)
	}
	if err := s.evts.PublishAll(evt); err != nil {
		s.logger.Error("failed to publish decision", "postID", id, "error", err)
	}

	return c.NoContent(http.StatusOK)
}

func (s *Server) handleFlagPost(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := s.store.SetUnderReview(ctx, id, true); err != nil {
		if errors.Is(err, models.ErrPostNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "post not found")
		}
		s.logger.Error("failed to flag post", "postID", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to flag post")
	}

	if err := s.evts.PublishAll(events.PostReviewed(id)); err != nil {
		s.logger.Error("failed to publish post reviewed", "postID", id, "error", err)
	}

	return c.NoContent(http.StatusOK)
}

func (s *Server) handleDeletePost(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if session := c.Request().Header.Get("X-Session-ID"); session != "" {
		post, err := s.store.Get(ctx, id)
		if err == nil && post.AuthorID != session {
			s.logger.Warn("authorization mismatch: delete from non-owning session",
				"session", session, "postID", id, "authorID", post.AuthorID)
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, models.ErrPostNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "post not found")
		}
		s.logger.Error("failed to delete post", "postID", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete post")
	}

	if err := s.evts.PublishAll(events.PostRemoved(id)); err != nil {
		s.logger.Error("failed to publish post removed", "postID", id, "error", err)
	}

	return c.NoContent(http.StatusOK)
}

func (s *Server) handleScanText(c echo.Context) error {
	res, err := s.scanner.ScanTexts(c.Request().Context())
	return s.scanResponse(c, res, err)
}

func (s *Server) handleScanImages(c echo.Context) error {
	res, err := s.scanner.ScanImages(c.Request().Context())
	return s.scanResponse(c, res, err)
}

func (s *Server) handleScanAll(c echo.Context) error {
	res, err := s.scanner.ScanAll(c.Request().Context())
	return s.scanResponse(c, res, err)
}

func (s *Server) scanResponse(c echo.Context, res *moderation.ScanResult, err error) error {
	if err != nil {
		if errors.Is(err, moderation.ErrScanBusy) {
			return echo.NewHTTPError(http.StatusConflict, "scan already in progress")
		}
		s.logger.Error("manual scan failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "scan failed")
	}
	return c.JSON(http.StatusOK, res)
}

type ModerationStatusResponse struct {
	IsPaused         bool `json:"isPaused"`
	SecondsRemaining int  `json:"secondsRemaining"`
}

func (s *Server) handleModerationStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, &ModerationStatusResponse{
		IsPaused:         s.scanner.Paused(),
		SecondsRemaining: s.scanner.SecondsRemaining(),
	})
}

func sortNewestFirst(posts []models.Post) []models.Post {
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	return posts
}

func decisionLabel(approved bool) string {
	if approved {
		return "approve"
	}
	return "reject"
}
