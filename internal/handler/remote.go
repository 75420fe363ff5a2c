package handler

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"desklink/internal/middleware"
	"desklink/internal/model"
	"desklink/internal/relay"
	"desklink/internal/session"
)

// RemoteHandler serves the session API under /api/remote.
type RemoteHandler struct {
	Sessions *session.Manager
}

type requestBody struct {
	Target string `json:"target"`
}

type meetingRequestBody struct {
	RoomID string `json:"roomId"`
	Target string `json:"target"`
}

type sessionBody struct {
	SessionID string `json:"sessionId"`
}

func (h *RemoteHandler) Request(c *gin.Context) {
	me, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	target, ok := model.ParseIdentity(strings.TrimSpace(body.Target))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing target"})
		return
	}

	rec, err := h.Sessions.RequestSession(me, target)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": rec.ID, "session": relay.NoticeFor(rec)})
}

func (h *RemoteHandler) MeetingRequest(c *gin.Context) {
	me, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body meetingRequestBody
	if err := c.ShouldBindJSON(&body); err != nil || body.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing roomId"})
		return
	}
	var target model.Identity
	if raw := strings.TrimSpace(body.Target); raw != "" {
		id, ok := model.ParseIdentity(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid target"})
			return
		}
		target = id
	}

	rec, err := h.Sessions.RequestMeetingSession(me, body.RoomID, target)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": rec.ID, "session": relay.NoticeFor(rec)})
}

func (h *RemoteHandler) Accept(c *gin.Context) {
	h.transition(c, sessionIDFromBody, h.Sessions.Accept)
}

func (h *RemoteHandler) Reject(c *gin.Context) {
	h.transition(c, sessionIDFromBody, h.Sessions.Reject)
}

// CompleteByID serves POST /session/:id/complete.
func (h *RemoteHandler) CompleteByID(c *gin.Context) {
	h.transition(c, sessionIDFromPath, h.Sessions.Complete)
}

// Complete serves POST /complete with the id in the body.
func (h *RemoteHandler) Complete(c *gin.Context) {
	h.transition(c, sessionIDFromBody, h.Sessions.Complete)
}

func (h *RemoteHandler) Get(c *gin.Context) {
	me, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	rec, err := h.Sessions.Get(c.Param("id"))
	if err != nil || !rec.HasParticipant(me) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": rec})
}

func (h *RemoteHandler) Debug(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "activeSessions": h.Sessions.Store().Len()})
}

func (h *RemoteHandler) transition(
	c *gin.Context,
	sessionID func(*gin.Context) (string, bool),
	apply func(string, model.Identity) (model.SessionRecord, error),
) {
	me, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	id, ok := sessionID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing sessionId"})
		return
	}

	rec, err := apply(id, me)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session": relay.NoticeFor(rec)})
}

func sessionIDFromBody(c *gin.Context) (string, bool) {
	var body sessionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		return "", false
	}
	return body.SessionID, true
}

func sessionIDFromPath(c *gin.Context) (string, bool) {
	id := c.Param("id")
	return id, id != ""
}

func writeSessionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrConflict), errors.Is(err, session.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrForbidden):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": session.Reason(err)})
}
