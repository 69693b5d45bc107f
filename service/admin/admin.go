package admin

import (
	"context"
	"net/http"
	"time"

	"PPresence/middleware"
	midsec "PPresence/middleware/security"
	"PPresence/service/breaker"
	"PPresence/service/call"
	"PPresence/service/notify"
	"PPresence/service/presence"

	"github.com/gin-gonic/gin"
)

// Services tracked by the /admin/stats breaker report.
var watchedServices = []string{"notification-store"}

// Probe checks one backing dependency; a nil error means reachable.
type Probe func(ctx context.Context) error

// Handler exposes the operational surface: stats, health, breaker reset and
// a forced stale-connection sweep.
type Handler struct {
	reg       *presence.Manager
	calls     *call.Manager
	brk       *breaker.Breaker
	pending   *notify.RetryStore
	templates *notify.Templates
	probes    map[string]Probe
	started   time.Time
}

func NewHandler(reg *presence.Manager, calls *call.Manager, brk *breaker.Breaker,
	pending *notify.RetryStore, templates *notify.Templates) *Handler {
	return &Handler{
		reg:       reg,
		calls:     calls,
		brk:       brk,
		pending:   pending,
		templates: templates,
		probes:    make(map[string]Probe),
		started:   time.Now(),
	}
}

// AddProbe registers a dependency check reported by /admin/health.
func (h *Handler) AddProbe(name string, p Probe) {
	h.probes[name] = p
}

// Register mounts the admin routes under /admin, auth required everywhere
// except the health probe.
func (h *Handler) Register(r gin.IRoutes, auth *midsec.Options) {
	middleware.GET(r, "/admin/health", h.Health, middleware.RouteOpt{})
	middleware.GET(r, "/admin/stats", h.Stats, middleware.RouteOpt{IsAuth: true, Auth: auth})
	middleware.POST(r, "/admin/breaker/:service/reset", h.ResetBreaker, middleware.RouteOpt{IsAuth: true, Auth: auth})
	middleware.POST(r, "/admin/cleanup", h.Cleanup, middleware.RouteOpt{IsAuth: true, Auth: auth})
	middleware.POST(r, "/admin/template", h.SetTemplate, middleware.RouteOpt{IsAuth: true, Auth: auth})
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"uptime": time.Since(h.started).String(),
		"deps":   deps,
	})
}

func (h *Handler) Stats(c *gin.Context) {
	conns, users := h.reg.Counts()

	breakers := make(map[string]string, len(watchedServices))
	for _, svc := range watchedServices {
		breakers[svc] = h.brk.State(c.Request.Context(), svc)
	}

	c.JSON(http.StatusOK, gin.H{
		"gatewayId":    h.reg.GatewayID(),
		"connections":  conns,
		"onlineUsers":  users,
		"activeCalls":  h.calls.ActiveCount(),
		"pendingRetry": h.pending.Depth(c.Request.Context()),
		"breakers":     breakers,
	})
}

// ResetBreaker force-closes the breaker for one service and clears its
// failure counters.
func (h *Handler) ResetBreaker(c *gin.Context) {
	svc := c.Param("service")
	if svc == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service required"})
		return
	}
	if err := h.brk.Reset(c.Request.Context(), svc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"service": svc,
		"state":   breaker.StateClosed,
	})
}

type templateReq struct {
	Kind     string `json:"kind" binding:"required"`
	Template string `json:"template"` // empty clears the override
}

// SetTemplate installs (or clears) a runtime notification template.
func (h *Handler) SetTemplate(c *gin.Context) {
	var req templateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind required"})
		return
	}
	kind, ok := notify.KindFromString(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return
	}
	h.templates.Override(kind, req.Template)
	c.JSON(http.StatusOK, gin.H{"kind": req.Kind})
}

// Cleanup runs one stale-connection sweep immediately instead of waiting
// for the periodic pass.
func (h *Handler) Cleanup(c *gin.Context) {
	removed := h.reg.SweepOnce(time.Now())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
