package relation

import (
	"net/http"

	midsec "PPresence/middleware/security"
	"PPresence/service/attention"
	"PPresence/service/history"
	"PPresence/service/notify"
	"PPresence/service/prefs"
	"PPresence/service/ratelimit"
	"PPresence/tools/errs"

	"github.com/gin-gonic/gin"
)

// Handler exposes the attention relation over HTTP. The routes sit behind
// the bearer middleware; the acting user is always the authenticated
// subject.
type Handler struct {
	attn    *attention.Store
	limiter *ratelimit.Limiter
	hist    *history.Repo
	prefs   *prefs.Store // nil when the relational store is down
}

func NewHandler(attn *attention.Store, limiter *ratelimit.Limiter, hist *history.Repo, prefStore *prefs.Store) *Handler {
	return &Handler{attn: attn, limiter: limiter, hist: hist, prefs: prefStore}
}

type attentionReq struct {
	TargetID string `json:"targetId" binding:"required"`
}

func (h *Handler) HandlerAdd(c *gin.Context) {
	userID := midsec.UserID(c)
	if _, ok := h.limiter.Allow(c.Request.Context(), ratelimit.ClassAddRelation, userID); !ok {
		c.JSON(http.StatusTooManyRequests, errs.ErrRateLimited)
		return
	}

	var req attentionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "targetId required"})
		return
	}

	if err := h.attn.Add(c.Request.Context(), userID, req.TargetID); err != nil {
		h.replyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watching": req.TargetID})
}

func (h *Handler) HandlerRemove(c *gin.Context) {
	userID := midsec.UserID(c)
	if _, ok := h.limiter.Allow(c.Request.Context(), ratelimit.ClassAddRelation, userID); !ok {
		c.JSON(http.StatusTooManyRequests, errs.ErrRateLimited)
		return
	}

	var req attentionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "targetId required"})
		return
	}

	if err := h.attn.Remove(c.Request.Context(), userID, req.TargetID); err != nil {
		h.replyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unwatched": req.TargetID})
}

func (h *Handler) HandlerList(c *gin.Context) {
	userID := midsec.UserID(c)
	if _, ok := h.limiter.Allow(c.Request.Context(), ratelimit.ClassQuery, userID); !ok {
		c.JSON(http.StatusTooManyRequests, errs.ErrRateLimited)
		return
	}

	watches, err := h.attn.ListWatches(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watches": watches})
}

// HandlerHistory pages the caller's notification history, newest first.
func (h *Handler) HandlerHistory(c *gin.Context) {
	if h.hist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store unavailable"})
		return
	}
	userID := midsec.UserID(c)
	if _, ok := h.limiter.Allow(c.Request.Context(), ratelimit.ClassQuery, userID); !ok {
		c.JSON(http.StatusTooManyRequests, errs.ErrRateLimited)
		return
	}

	docs, err := h.hist.ListByRecipient(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": docs})
}

type prefReq struct {
	Kind    string `json:"kind" binding:"required"`
	Enabled *bool  `json:"enabled" binding:"required"`
}

// HandlerSetPref flips one per-kind notification switch for the caller.
func (h *Handler) HandlerSetPref(c *gin.Context) {
	if h.prefs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "preference store unavailable"})
		return
	}
	userID := midsec.UserID(c)

	var req prefReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind and enabled required"})
		return
	}
	kind, ok := notify.KindFromString(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return
	}

	if err := h.prefs.Set(c.Request.Context(), userID, kind, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": req.Kind, "enabled": *req.Enabled})
}

// business-rule violations carry their code to the caller; everything else
// collapses to a generic 500
func (h *Handler) replyErr(c *gin.Context, err error) {
	if errs.IsBusiness(err) {
		c.JSON(http.StatusConflict, gin.H{"code": errs.Code(err), "error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
}
