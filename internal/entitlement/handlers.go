package entitlement

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/pagination"
)

// Handler exposes key administration over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the admin key routes on r. Callers guard r with
// RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
	r.GET("/keys", h.ListKeys)
	r.GET("/keys/:id", h.GetKey)
	r.POST("/keys/:id/topup", h.TopUp)
	r.DELETE("/keys/:id", h.RevokeKey)
}

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Admin-Secret header required",
			})
			return
		}
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

type issueRequest struct {
	Name  string `json:"name" binding:"required,max=255"`
	Quota int64  `json:"quota" binding:"gte=0"`
}

// IssueKey creates a key. The raw key appears only in this response.
func (h *Handler) IssueKey(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	raw, key, err := h.manager.Issue(c.Request.Context(), req.Name, req.Quota)
	if err != nil {
		logging.L(c.Request.Context()).Error("issue api key failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to issue key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys pages through keys newest first. Pass ?limit= and the previous
// response's nextCursor as ?cursor=.
func (h *Handler) ListKeys(c *gin.Context) {
	req, err := pagination.ParseRequest(c.Query("limit"), c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	keys, err := h.manager.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("list api keys failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list keys"})
		return
	}
	page, next := pagination.Page(keys, req, func(k *Key) (time.Time, string) { return k.CreatedAt, k.ID })
	if page == nil {
		page = []*Key{}
	}
	resp := gin.H{"keys": page, "count": len(page)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetKey(c *gin.Context) {
	key, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

type topUpRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func (h *Handler) TopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	remaining, err := h.manager.TopUp(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "remaining": remaining})
}

func (h *Handler) RevokeKey(c *gin.Context) {
	if err := h.manager.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "revoked": true})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "key not found"})
	case errors.Is(err, ErrKeyRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": "key_revoked", "message": "key has been revoked"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("api key admin failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "key operation failed"})
	}
}
