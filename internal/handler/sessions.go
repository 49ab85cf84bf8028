package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/code-100-precent/LingEcho-gateway/pkg/response"
	"github.com/code-100-precent/LingEcho-gateway/pkg/security"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityField = "identity"

	// PermissionReadSessions lets a member read sessions of their organization
	PermissionReadSessions = "sessions:read"
)

func (h *Handlers) registerSessionRoutes(r *gin.RouterGroup) {
	g := r.Group("/sessions", h.requireIdentity())
	{
		g.GET("/:id", h.GetSession)
	}
}

// requireIdentity authenticates the bearer token with the security manager
func (h *Handlers) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("token")
		}
		id, err := h.security.Authenticate(c.Request.Context(), token, c.ClientIP())
		if err != nil {
			response.AbortWithStatus(c, http.StatusUnauthorized)
			return
		}
		c.Set(identityField, id)
		c.Next()
	}
}

func currentIdentity(c *gin.Context) security.Identity {
	v, _ := c.Get(identityField)
	id, _ := v.(security.Identity)
	return id
}

// GetSession returns the stored session metadata. The socket itself is never
// exposed; live reports whether this instance owns it.
func (h *Handlers) GetSession(c *gin.Context) {
	view, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, session.ErrNotFound) {
		response.FailWithStatus(c, http.StatusNotFound, "session not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("load session failed", zap.Error(err), zap.String("sessionId", c.Param("id")))
		response.FailWithStatus(c, http.StatusServiceUnavailable, "session store unavailable", nil)
		return
	}

	id := currentIdentity(c)
	if !canReadSession(id, view.Record) {
		h.security.Audit(c.Request.Context(), security.AuditEvent{
			Type:     security.AuditAccessDenied,
			Identity: id.UserID,
			IP:       c.ClientIP(),
			Detail:   "session " + view.Record.ID,
		})
		response.FailWithStatus(c, http.StatusForbidden, "access denied", nil)
		return
	}

	response.Success(c, "success", gin.H{
		"session": view.Record,
		"live":    !view.MetadataOnly(),
	})
}

func canReadSession(id security.Identity, rec *session.Record) bool {
	switch {
	case id.UserID != "" && id.UserID == rec.UserID:
		return true
	case id.Role == "admin":
		return true
	case rec.OrganizationID != "" && rec.OrganizationID == id.OrganizationID:
		return id.HasPermission(PermissionReadSessions)
	}
	return false
}
