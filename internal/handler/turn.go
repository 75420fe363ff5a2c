package handler

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"desklink/internal/middleware"
	"desklink/internal/turn"
)

type TurnHandler struct {
	Issuer *turn.Issuer
	ICE    turn.ICEConfig
	Logger *log.Logger
}

// Token always answers 200; callers without a valid bearer get credentials
// issued to "anonymous".
func (h *TurnHandler) Token(c *gin.Context) {
	identity := "anonymous"
	if id, ok := middleware.IdentityFromContext(c); ok {
		identity = id.String()
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": turn.ICEServers(h.Issuer, h.ICE, identity, h.Logger)})
}
