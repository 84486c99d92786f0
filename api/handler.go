package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/logging"
	"github.com/yourusername/quotagate/middleware"
)

// Summary lengths accepted by POST /v1/summarize
const (
	LengthShort  = "short"
	LengthMedium = "medium"
	LengthLong   = "long"
)

// Summary styles accepted by POST /v1/summarize. Only StyleGeneral is open
// to every role.
const (
	StyleGeneral        = "general"
	StyleProblemSolving = "problem_solver"
	StyleEmotional      = "emotion_focused"
)

// SummarizeOptions selects how a text is summarized
type SummarizeOptions struct {
	Length string
	Style  string
}

// SummaryResult is what a Summarizer produced, including the language it
// actually worked in.
type SummaryResult struct {
	Summary  string
	Language string
	Style    string
}

// Summarizer produces a summary. The model behind it is outside this service.
type Summarizer func(ctx context.Context, text string, opts SummarizeOptions) (SummaryResult, error)

// UsageRecorder accepts one audit entry per completed summarization.
// analytics.Aggregator implements it.
type UsageRecorder interface {
	Record(callerID, language, style string)
}

// Handler serves the public API
type Handler struct {
	checker    middleware.Checker
	summarize  Summarizer
	usage      UsageRecorder
	logger     log.FieldLogger
	maxTextLen int
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger
func WithHandlerLogger(logger log.FieldLogger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxTextLength caps the size of a text to summarize (default 100000 bytes)
func WithMaxTextLength(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxTextLen = n
		}
	}
}

// NewHandler creates a new API handler
func NewHandler(checker middleware.Checker, summarize Summarizer, usage UsageRecorder, opts ...HandlerOption) *Handler {

	h := &Handler{
		checker:    checker,
		summarize:  summarize,
		usage:      usage,
		logger:     logging.Discard(),
		maxTextLen: 100000,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithField("component", "api")
	return h
}

// CheckResponse represents the admission check response
type CheckResponse struct {
	Allowed      bool        `json:"allowed"`
	Role         core.Role   `json:"role"`
	Plan         core.Plan   `json:"plan"`
	Slot         string      `json:"slot"`
	Window       core.Window `json:"window"`
	Current      int64       `json:"current"`
	Limit        uint64      `json:"limit"`
	Remaining    uint64      `json:"remaining"`
	RetryAfterMs int64       `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if blocked)
	ResetAt      int64       `json:"reset_at"`                 // Unix time when the deciding window resets
	MaxJobs      uint64      `json:"max_concurrent_jobs"`
}

// Check handles POST /v1/check. It consumes one request from the caller's
// quota without doing any work.
func (h *Handler) Check(c *gin.Context) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_api_key"})
		return
	}

	d, err := h.checker.Check(c.Request.Context(), caller.ID, caller.Role, caller.Plan)
	if err != nil {
		middleware.AbortWithCheckError(c, err, h.logger)
		return
	}
	middleware.SetRateLimitHeaders(c, d)

	resp := CheckResponse{
		Allowed:   d.Allowed,
		Role:      d.Role,
		Plan:      d.Plan,
		Slot:      d.Slot,
		Window:    d.Window,
		Current:   d.Current,
		Limit:     d.Limit,
		Remaining: d.Remaining(),
		ResetAt:   d.ResetAt.Unix(),
		MaxJobs:   d.MaxJobs,
	}

	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
		resp.RetryAfterMs = d.RetryAfter.Milliseconds()
		middleware.SetRetryAfter(c, d.RetryAfter)
	}
	c.JSON(status, resp)
}

// SummarizeRequest is the body of POST /v1/summarize
type SummarizeRequest struct {
	Content string `json:"content"`
	Option  string `json:"option"` // short, medium or long (default medium)
	Style   string `json:"style"`  // general, problem_solver or emotion_focused (default general)
}

// SummarizeResponse is returned by POST /v1/summarize
type SummarizeResponse struct {
	Summary     string `json:"summary"`
	Length      string `json:"length"`
	InputLength int    `json:"input_length"`
	Language    string `json:"language"`
	Style       string `json:"style"`
}

// Summarize handles POST /v1/summarize. Admission has already run; a
// completed summary is recorded for usage analytics.
func (h *Handler) Summarize(c *gin.Context) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_api_key"})
		return
	}

	var req SummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_content", "message": "content is required"})
		return
	}
	if len(req.Content) > h.maxTextLen {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "content_too_large"})
		return
	}

	opts, err := normalizeOptions(req.Option, req.Style)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if opts.Style != StyleGeneral && caller.Role != core.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "style " + opts.Style + " requires the admin role",
		})
		return
	}

	res, err := h.summarize(c.Request.Context(), req.Content, opts)
	if err != nil {
		h.logger.WithError(err).Error("summarization failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "summarization_failed"})
		return
	}
	if res.Style == "" {
		res.Style = opts.Style
	}

	h.usage.Record(caller.ID, res.Language, res.Style)

	c.JSON(http.StatusOK, SummarizeResponse{
		Summary:     res.Summary,
		Length:      opts.Length,
		InputLength: len(req.Content),
		Language:    res.Language,
		Style:       res.Style,
	})
}

var errBadOption = errors.New("option must be short, medium or long")
var errBadStyle = errors.New("style must be general, problem_solver or emotion_focused")

func normalizeOptions(length, style string) (SummarizeOptions, error) {
	opts := SummarizeOptions{
		Length: strings.ToLower(strings.TrimSpace(length)),
		Style:  strings.ToLower(strings.TrimSpace(style)),
	}
	switch opts.Length {
	case "":
		opts.Length = LengthMedium
	case LengthShort, LengthMedium, LengthLong:
	default:
		return opts, errBadOption
	}
	switch opts.Style {
	case "":
		opts.Style = StyleGeneral
	case StyleGeneral, StyleProblemSolving, StyleEmotional:
	default:
		return opts, errBadStyle
	}
	return opts, nil
}
