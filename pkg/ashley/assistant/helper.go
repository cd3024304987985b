// Package assistant – helper.go implements the two features driven by the
// lightweight secondary model: the arousal classifier that decides ambiguous
// engagement cases, and the digest summarizer that folds skipped messages
// into a rolling conversation summary.
//
// Both are best-effort: a helper failure degrades the feature and is never
// surfaced to message handling.
package assistant

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// digestNoneSentinel stands in for an empty previous digest in the prompt so
// small models don't hallucinate a prior summary.
const digestNoneSentinel = "none"

// helperModel is the secondary model surface used by the Helper. Satisfied by
// *LLMClient; swapped for fakes in tests.
type helperModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Helper bundles the arousal classifier and the digest summarizer.
type Helper struct {
	model         helperModel
	arousePrompt  string
	digestPrompt  string
	arouseOnError bool
	logger        *slog.Logger
}

// NewHelper creates the secondary-model helper.
func NewHelper(cfg HelperConfig, model helperModel, logger *slog.Logger) *Helper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Helper{
		model:         model,
		arousePrompt:  cfg.ArousePrompt,
		digestPrompt:  cfg.DigestPrompt,
		arouseOnError: cfg.ArouseOnError,
		logger:        logger.With("component", "helper"),
	}
}

// IsAroused asks the helper model whether a passive message should wake the
// agent (indirect address, question, strong sentiment). On failure it returns
// the configured default instead of propagating the error.
func (h *Helper) IsAroused(ctx context.Context, text string) bool {
	prompt := renderTemplate(h.arousePrompt, map[string]string{
		"input": text,
	})

	raw, err := h.model.Generate(ctx, prompt)
	if err != nil {
		h.logger.Warn("arousal check failed", "error", err, "default", h.arouseOnError)
		return h.arouseOnError
	}

	_, answer := SplitThinking(raw)
	h.logger.Debug("arousal check", "answer", truncate(answer, 80))
	return strings.Contains(strings.ToLower(answer), "true")
}

// ExtendDigest folds a skipped message into the rolling digest and returns
// the new digest. On failure the old digest is returned unchanged along with
// the error; callers log and move on (at-most-once update per message).
func (h *Helper) ExtendDigest(ctx context.Context, oldDigest, senderName, content string, sentAt time.Time) (string, error) {
	last := oldDigest
	if strings.TrimSpace(last) == "" {
		last = digestNoneSentinel
	}

	prompt := renderTemplate(h.digestPrompt, map[string]string{
		"last_digest": last,
		"sender":      senderName,
		"content":     content,
		"time":        formatMessageTime(sentAt),
	})

	raw, err := h.model.Generate(ctx, prompt)
	if err != nil {
		return oldDigest, err
	}

	_, digest := SplitThinking(raw)
	return strings.TrimSpace(digest), nil
}

// renderTemplate substitutes {{key}} placeholders in a prompt template.
func renderTemplate(template string, vars map[string]string) string {
	out := template
	for key, val := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", val)
	}
	return out
}

// formatMessageTime renders a message timestamp for prompts.
func formatMessageTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
