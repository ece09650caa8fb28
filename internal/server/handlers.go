package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PEZ/epupp-sub009/internal/approval"
	"github.com/PEZ/epupp-sub009/internal/scheduler"
	"github.com/PEZ/epupp-sub009/internal/script"
	"github.com/PEZ/epupp-sub009/internal/tunnel"
)

// Handlers contains the script-management HTTP handlers.
type Handlers struct {
	store     *script.Store
	gate      *approval.Gate
	scheduler *scheduler.Scheduler
	relay     *tunnel.Relay
	installer *script.Installer
}

// NewHandlers creates a new handler set.
func NewHandlers(store *script.Store, gate *approval.Gate, sched *scheduler.Scheduler, relay *tunnel.Relay, installer *script.Installer) *Handlers {
	return &Handlers{
		store:     store,
		gate:      gate,
		scheduler: sched,
		relay:     relay,
		installer: installer,
	}
}

// scriptSummary is the stable script-management response shape.
// MatchPatterns and Enabled appear only when the script declares at
// least one auto-run pattern.
type scriptSummary struct {
	Name          string    `json:"name"`
	Created       time.Time `json:"created"`
	Modified      time.Time `json:"modified"`
	MatchPatterns []string  `json:"matchPatterns,omitempty"`
	Enabled       *bool     `json:"enabled,omitempty"`
	Description   string    `json:"description,omitempty"`
	Timing        string    `json:"timing,omitempty"`
	Builtin       bool      `json:"builtin,omitempty"`
	Code          string    `json:"code,omitempty"`
}

func summarize(sc script.Script, withCode bool) scriptSummary {
	out := scriptSummary{
		Name:        sc.Name,
		Created:     sc.CreatedAt,
		Modified:    sc.ModifiedAt,
		Description: sc.Description,
		Timing:      string(sc.Timing),
		Builtin:     sc.Builtin,
	}
	if len(sc.MatchPatterns) > 0 {
		out.MatchPatterns = sc.MatchPatterns
		enabled := sc.Enabled
		out.Enabled = &enabled
	}
	if withCode {
		out.Code = sc.Code
	}
	return out
}

// Health reports service health, including early-timing degradation.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"degraded": h.scheduler.Degraded(),
	})
}

// ListScripts lists all stored scripts.
func (h *Handlers) ListScripts(c *gin.Context) {
	scripts := h.store.List()
	out := make([]scriptSummary, 0, len(scripts))
	for _, sc := range scripts {
		out = append(out, summarize(sc, false))
	}
	c.JSON(http.StatusOK, gin.H{"scripts": out})
}

// GetScript returns one script, source included.
func (h *Handlers) GetScript(c *gin.Context) {
	sc, err := h.store.Get(c.Param("name"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(sc, true))
}

type saveRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
	URL  string `json:"url"`
}

// SaveScript creates or replaces a script from inline code or a
// source URL.
func (h *Handlers) SaveScript(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var sc script.Script
	var err error
	switch {
	case req.URL != "":
		sc, err = h.installer.InstallFromURL(c.Request.Context(), req.URL)
	case req.Code != "":
		sc, err = h.store.Save(c.Request.Context(), script.SaveRequest{Name: req.Name, Code: req.Code})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either code or url is required"})
		return
	}
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(sc, false))
}

type renameRequest struct {
	To string `json:"to"`
}

// RenameScript renames a script, keeping its id.
func (h *Handlers) RenameScript(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing target name"})
		return
	}
	sc, err := h.store.Rename(c.Request.Context(), c.Param("name"), req.To)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(sc, false))
}

// DeleteScript removes a script.
func (h *Handlers) DeleteScript(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("name")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type enableRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetEnabled toggles auto-run for a script.
func (h *Handlers) SetEnabled(c *gin.Context) {
	var req enableRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing enabled flag"})
		return
	}
	sc, err := h.store.SetEnabled(c.Request.Context(), c.Param("name"), *req.Enabled)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(sc, false))
}

// ListPendingApprovals returns approvals awaiting a user decision.
func (h *Handlers) ListPendingApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": h.gate.Pending()})
}

type approvalRequest struct {
	ScriptID string `json:"scriptId"`
	Pattern  string `json:"pattern"`
}

// Approve grants one exact (script, pattern) approval. This endpoint
// is the explicit user action; no other code path grants approvals.
func (h *Handlers) Approve(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScriptID == "" || req.Pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scriptId and pattern are required"})
		return
	}
	if err := h.gate.Approve(c.Request.Context(), req.ScriptID, req.Pattern); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true})
}

// RevokeApproval removes one exact (script, pattern) approval.
func (h *Handlers) RevokeApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScriptID == "" || req.Pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scriptId and pattern are required"})
		return
	}
	if err := h.gate.Revoke(c.Request.Context(), req.ScriptID, req.Pattern); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// SyncStatus reports the current FS-sync holder.
func (h *Handlers) SyncStatus(c *gin.Context) {
	if tab, held := h.relay.Holder(); held {
		c.JSON(http.StatusOK, gin.H{"syncTab": tab})
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncTab": nil})
}

type syncRequest struct {
	TabID *int `json:"tabId"`
}

// GrantSync hands the FS-sync privilege to a tab, silently revoking
// any prior holder.
func (h *Handlers) GrantSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TabID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tabId is required"})
		return
	}
	if err := h.relay.GrantSync(*req.TabID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncTab": *req.TabID})
}

// RevokeSync clears the FS-sync privilege.
func (h *Handlers) RevokeSync(c *gin.Context) {
	h.relay.RevokeSync()
	c.JSON(http.StatusOK, gin.H{"syncTab": nil})
}

// abortWith maps domain errors to HTTP statuses. Security-relevant
// rejections carry their reason, distinguishable from transport loss.
func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, script.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, script.ErrValidation),
		errors.Is(err, script.ErrReservedName),
		errors.Is(err, script.ErrDuplicateName):
		status = http.StatusBadRequest
	case errors.Is(err, script.ErrBuiltin),
		errors.Is(err, script.ErrUnauthorized):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
