package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chadgate/internal/capability"
	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/entitlement"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/validation"
	"github.com/mbd888/chadgate/pkg/x402"
)

// Response headers on paid calls.
const (
	HeaderAuthMethod     = "X-Auth-Method"
	HeaderQuotaRemaining = "X-Quota-Remaining"
)

// Handler serves the tool surface over HTTP.
type Handler struct {
	d *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{d: d}
}

// RegisterRoutes mounts the catalog, the generic invoke route and the
// per-service aliases on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services", h.ListServices)
	r.POST("/tools/:name", h.InvokeTool)

	r.GET("/prices/:asset", h.pathAlias("get_crypto_price", "asset"))
	r.GET("/clob/:slug", h.pathAlias("get_prediction_market", "slug"))
	r.POST("/research", h.Research)
	r.POST("/render", h.bodyAlias("render_webpage"))
	r.POST("/render/screenshot", h.bodyAlias("screenshot_webpage"))
	r.POST("/render/extract", h.bodyAlias("extract_from_webpage"))
	r.POST("/render/pdf", h.bodyAlias("webpage_to_pdf"))
}

type serviceView struct {
	*catalog.Tool
	PriceSOL        string `json:"priceSol"`
	RequiresPayment bool   `json:"requiresPayment"`
}

// ListServices returns the catalog with prices and payment details.
func (h *Handler) ListServices(c *gin.Context) {
	tools := h.d.Catalog().List()
	services := make([]serviceView, 0, len(tools))
	for _, t := range tools {
		services = append(services, serviceView{Tool: t, PriceSOL: t.PriceSOL(), RequiresPayment: !t.Free()})
	}
	c.JSON(http.StatusOK, gin.H{
		"services":    services,
		"count":       len(services),
		"recipient":   h.d.Recipient(),
		"network":     x402.Network,
		"currency":    x402.Currency,
		"unit":        x402.Unit,
		"x402Version": x402.Version,
	})
}

// InvokeTool calls the tool named in the path with the JSON body as payload.
func (h *Handler) InvokeTool(c *gin.Context) {
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	h.invoke(c, c.Param("name"), payload)
}

// Research picks quick or deep research from the body's tier field.
func (h *Handler) Research(c *gin.Context) {
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	tier, _ := payload["tier"].(string)
	delete(payload, "tier")
	switch tier {
	case "", "quick":
		h.invoke(c, "quick_research", payload)
	case "deep":
		h.invoke(c, "deep_research", payload)
	default:
		writeError(c, validation.ValidationErrors{{Field: "tier", Message: "must be one of: quick, deep"}})
	}
}

func (h *Handler) pathAlias(tool, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.invoke(c, tool, map[string]any{param: c.Param(param)})
	}
}

func (h *Handler) bodyAlias(tool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, ok := readPayload(c)
		if !ok {
			return
		}
		h.invoke(c, tool, payload)
	}
}

func (h *Handler) invoke(c *gin.Context, tool string, payload map[string]any) {
	out, err := h.d.Invoke(c.Request.Context(), Request{
		Tool:    tool,
		Payload: payload,
		Auth:    AuthFromRequest(c.Request),
	})
	if err != nil {
		writeInvokeError(c, out, err)
		return
	}
	WriteOutcome(c, out)
}

// AuthFromRequest reads the API key and payment headers.
func AuthFromRequest(r *http.Request) Auth {
	return Auth{
		APIKey:    entitlement.KeyFromRequest(r),
		Signature: r.Header.Get(x402.HeaderSignature),
		Nonce:     r.Header.Get(x402.HeaderNonce),
	}
}

// WriteOutcome renders a successful Invoke.
func WriteOutcome(c *gin.Context, out *Outcome) {
	switch out.Kind {
	case KindPaymentRequired:
		out.Challenge.SetHeaders(c.Writer.Header())
		c.JSON(http.StatusPaymentRequired, out.Challenge)
		return
	case KindThrottled:
		retry := out.Decision.RetryAfter
		c.Header("Retry-After", strconv.Itoa(retry))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":           "rate_limited",
			"message":         "rate limit exceeded for " + out.Tool.Class + " tools",
			"class":           out.Tool.Class,
			"limit":           out.Decision.Limit,
			"retryAfter":      retry,
			"paymentConsumed": out.PaymentConsumed(),
		})
		return
	}

	setAuthHeaders(c, out)
	switch out.Kind {
	case KindAccepted:
		id := out.Job.ID
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":     id,
			"status":    out.Job.State,
			"tool":      out.Tool.Name,
			"pollUrl":   "/v1/jobs/" + id,
			"streamUrl": "/v1/jobs/" + id + "/stream",
		})
	default:
		c.Data(http.StatusOK, "application/json; charset=utf-8", out.Result)
	}
}

func setAuthHeaders(c *gin.Context, out *Outcome) {
	if out.Auth != AuthNone {
		c.Header(HeaderAuthMethod, string(out.Auth))
	}
	if out.Auth == AuthAPIKey {
		c.Header(HeaderQuotaRemaining, strconv.FormatInt(out.Remaining, 10))
	}
}

func writeInvokeError(c *gin.Context, out *Outcome, err error) {
	if errors.Is(err, capability.ErrHandler) {
		msg := "tool backend failed"
		var he *capability.HandlerError
		if errors.As(err, &he) && he.Message != "" {
			msg = he.Message
		}
		consumed := out != nil && out.PaymentConsumed()
		if out != nil {
			setAuthHeaders(c, out)
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           "handler_error",
			"message":         msg,
			"paymentConsumed": consumed,
		})
		return
	}
	if out != nil && out.PaymentConsumed() {
		logging.L(c.Request.Context()).Error("paid call failed", "tool", out.Tool.Name, "auth", string(out.Auth), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":           "internal_error",
			"message":         "call failed after payment",
			"paymentConsumed": true,
		})
		return
	}
	writeError(c, err)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.Is(err, catalog.ErrUnknownTool):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tool", "message": "tool not found"})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, entitlement.ErrUnknownKey):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown_key", "message": "API key is unknown or revoked"})
	default:
		logging.L(c.Request.Context()).Error("dispatch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// readPayload decodes the body as a JSON object. An empty body is an empty
// payload.
func readPayload(c *gin.Context) (map[string]any, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, validation.ValidationErrors{{Field: "body", Message: "could not be read"}})
		return nil, false
	}
	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return payload, true
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || payload == nil {
		writeError(c, validation.ValidationErrors{{Field: "body", Message: "must be a JSON object"}})
		return nil, false
	}
	return payload, true
}
