package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"desklink/internal/auth"
	"desklink/internal/middleware"
)

// ProvisionHandler mints provisioning tokens for browsers and redeems them
// for agent tokens.
type ProvisionHandler struct {
	TokenConfig auth.TokenConfig
	TTL         time.Duration
	Ledger      *auth.Ledger
	Logger      *log.Logger
}

func (h *ProvisionHandler) Provision(c *gin.Context) {
	me, ok := middleware.IdentityFromContext(c)
	if !ok || !me.IsUser() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	tok, err := auth.CreatePurposeToken(me.ID(), auth.PurposeProvision, "", h.TTL, h.TokenConfig)
	if err != nil {
		h.Logger.Printf("provision: mint token for %s: %v", me, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     tok,
		"expiresAt": time.Now().Add(h.TTL).Unix(),
	})
}

type pairBody struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

func (h *ProvisionHandler) Pair(c *gin.Context) {
	var body pairBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing token"})
		return
	}
	if body.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing deviceId"})
		return
	}

	claims, err := auth.VerifyPurpose(body.Token, auth.PurposeProvision, h.TokenConfig)
	if err != nil || claims.ExpiresAt == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid provisioning token"})
		return
	}
	if !h.Ledger.Consume(claims.ID, claims.ExpiresAt.Time) {
		c.JSON(http.StatusConflict, gin.H{"error": "Provisioning token already used"})
		return
	}

	agentTok, err := auth.CreatePurposeToken(claims.UserID, auth.PurposeAgent, body.DeviceID, h.TokenConfig.Expiry, h.TokenConfig)
	if err != nil {
		h.Logger.Printf("provision: mint agent token for device %s: %v", body.DeviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	h.Logger.Printf("provision: device %s paired to user %s", body.DeviceID, claims.UserID)
	c.JSON(http.StatusOK, gin.H{
		"token":    agentTok,
		"ownerId":  claims.UserID,
		"deviceId": body.DeviceID,
	})
}
