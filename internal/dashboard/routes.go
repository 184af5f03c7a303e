package dashboard

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/inkwell/internal/chat"
	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/execrun"
	"github.com/zulandar/inkwell/internal/export"
	"github.com/zulandar/inkwell/internal/filestore"
	"github.com/zulandar/inkwell/internal/proposal"
	"go.uber.org/zap"
)

type handlers struct {
	engine *chat.Engine
	queue  *proposal.Queue
	runner *execrun.Runner
	cache  *filestore.Cache
	files  Workspace
	live   *chat.LiveEdits
	hub    *Hub
	log    *zap.Logger
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.GET("/events", handleEvents(h.hub))

	api.GET("/conversations", h.listConversations)
	api.POST("/conversations", h.createConversation)
	api.POST("/conversations/import", h.importConversations)
	api.GET("/conversations/:id", h.getConversation)
	api.PATCH("/conversations/:id", h.updateConversation)
	api.DELETE("/conversations/:id", h.deleteConversation)
	api.POST("/conversations/:id/messages", h.sendMessage)
	api.GET("/conversations/:id/live-edit", h.liveEdit)
	api.GET("/conversations/:id/export", h.exportConversation)

	api.GET("/proposals", h.listProposals)
	api.POST("/proposals/:id/apply", h.applyProposal)
	api.DELETE("/proposals/:id", h.discardProposal)

	api.GET("/exec", h.listExec)

	api.GET("/files/cache", h.listCache)
	api.POST("/files/cache/refresh", h.refreshCache)
	api.GET("/files/cache/:name", h.getCachedFile)
	api.POST("/files/cache/:name/refresh", h.refreshCachedFile)

	api.GET("/workspace", h.listWorkspace)
	api.POST("/workspace", h.uploadWorkspace)
	api.GET("/workspace/:name/text", h.workspaceText)
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrUnknownConversation), errors.Is(err, proposal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrTurnPending), errors.Is(err, chat.ErrNoSession), errors.Is(err, chat.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, proposal.ErrPatchUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, filestore.ErrBinary):
		return http.StatusUnsupportedMediaType
	default:
		var se *filestore.StatusError
		if errors.As(err, &se) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"conversations": h.engine.Store().Len(),
		"sessions":      h.engine.Sessions().Len(),
	})
}

func (h *handlers) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, ConversationList(h.engine.Store()))
}

type createRequest struct {
	Model string `json:"model"`
}

func (h *handlers) createConversation(c *gin.Context) {
	var req createRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	conv := h.engine.NewConversation(req.Model)
	c.JSON(http.StatusCreated, conv)
}

func (h *handlers) getConversation(c *gin.Context) {
	detail, ok := GetConversation(h.engine.Store(), c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("%w: %s", conversation.ErrUnknownConversation, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *handlers) updateConversation(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.SetModel(c.Param("id"), req.Model); err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		abort(c, status, err)
		return
	}
	h.getConversation(c)
}

func (h *handlers) deleteConversation(c *gin.Context) {
	if err := h.engine.DeleteConversation(c.Param("id")); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	Text string `json:"text"`
}

// turnSummary is the last frame of a turn stream.
type turnSummary struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Text           string `json:"text"`
	Failed         bool   `json:"failed"`
	Fallback       bool   `json:"fallback"`
	Proposals      int    `json:"proposals"`
	Execs          int    `json:"execs"`
	Skipped        int    `json:"skipped"`
}

// sendMessage runs one turn and streams its events as SSE frames. Input
// the engine rejects before the turn starts is answered with a plain JSON
// error instead.
func (h *handlers) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	type result struct {
		turn chat.Turn
		err  error
	}
	events := make(chan chat.Event, 16)
	done := make(chan result, 1)
	go func() {
		turn, err := h.engine.Send(c.Request.Context(), c.Param("id"), req.Text, chat.SendOpts{
			Observer: func(ev chat.Event) { events <- ev },
		})
		close(events)
		done <- result{turn, err}
	}()

	var res result
	first, ok := <-events
	if !ok {
		res = <-done
		if res.err != nil && res.turn.MessageID == "" {
			abort(c, statusOf(res.err), res.err)
			return
		}
	}

	streamHeaders(c)
	fw := &frameWriter{w: c.Writer, log: h.log.With(zap.String("conversation", c.Param("id")))}
	if ok {
		fw.write(string(first.Kind), first)
		for ev := range events {
			fw.write(string(ev.Kind), ev)
		}
		res = <-done
	}
	t := res.turn
	fw.write("done", turnSummary{
		ConversationID: t.ConversationID,
		MessageID:      t.MessageID,
		Text:           t.Text,
		Failed:         t.Failed,
		Fallback:       t.Fallback,
		Proposals:      len(t.Proposals),
		Execs:          len(t.Execs),
		Skipped:        len(t.Skips),
	})
}

func (h *handlers) liveEdit(c *gin.Context) {
	if h.live == nil {
		abort(c, http.StatusNotFound, errors.New("live edits are not tracked"))
		return
	}
	e, ok := h.live.Get(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("no live edit for %s", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, e)
}

var contentTypes = map[string]string{
	"json":  "application/json",
	"jsonl": "application/x-ndjson",
	"yaml":  "application/yaml",
	"md":    "text/markdown; charset=utf-8",
}

func (h *handlers) exportConversation(c *gin.Context) {
	exp, err := export.NewExporter(c.DefaultQuery("format", "md"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	conv, ok := h.engine.Store().Get(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("%w: %s", conversation.ErrUnknownConversation, c.Param("id")))
		return
	}
	c.Header("Content-Type", contentTypes[exp.Extension()])
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", conv.ID+"."+exp.Extension()))
	c.Status(http.StatusOK)
	if err := exp.Export(&conv, c.Writer); err != nil {
		h.log.Warn("export failed", zap.String("conversation", conv.ID), zap.Error(err))
	}
}

func (h *handlers) listProposals(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, h.queue.List())
}

type applyRequest struct {
	Commit  bool   `json:"commit"`
	Message string `json:"message"`
}

func (h *handlers) applyProposal(c *gin.Context) {
	if h.queue == nil {
		abort(c, http.StatusNotFound, proposal.ErrNotFound)
		return
	}
	var req applyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	commit := filestore.Commit{Enabled: req.Commit, Message: req.Message}
	if err := h.queue.Apply(c.Request.Context(), c.Param("id"), commit); err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		abort(c, status, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) discardProposal(c *gin.Context) {
	if h.queue == nil {
		abort(c, http.StatusNotFound, proposal.ErrNotFound)
		return
	}
	if err := h.queue.Discard(c.Param("id")); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listExec(c *gin.Context) {
	var entries []execrun.Entry
	if h.runner != nil {
		entries = h.runner.Entries()
	}
	c.JSON(http.StatusOK, SummarizeExec(entries))
}

func (h *handlers) listCache(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusOK, []CachedFile{})
		return
	}
	c.JSON(http.StatusOK, CacheIndex(h.cache.Snapshot()))
}

func (h *handlers) getCachedFile(c *gin.Context) {
	name := c.Param("name")
	if h.cache == nil {
		abort(c, http.StatusNotFound, fmt.Errorf("%s is not cached", name))
		return
	}
	text, ok := h.cache.Get(name)
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("%s is not cached", name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "text": text})
}

func (h *handlers) refreshCachedFile(c *gin.Context) {
	name := c.Param("name")
	if h.cache == nil {
		abort(c, http.StatusNotFound, fmt.Errorf("%s is not cached", name))
		return
	}
	if err := h.cache.Refresh(c.Request.Context(), name); err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	h.getCachedFile(c)
}

func (h *handlers) refreshCache(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusOK, []CachedFile{})
		return
	}
	if err := h.cache.RefreshAll(c.Request.Context()); err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, CacheIndex(h.cache.Snapshot()))
}
