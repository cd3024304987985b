// Package assistant – engagement.go decides whether the agent should respond
// to an inbound group message. Rules are evaluated in order, first match
// wins; a message that triggers no rule is folded into the session digest
// in the background.
package assistant

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// arousalClassifier is the semantic fallback rule surface. Satisfied by
// *Helper; swapped for fakes in tests.
type arousalClassifier interface {
	IsAroused(ctx context.Context, text string) bool
}

// digestSummarizer extends the rolling digest. Satisfied by *Helper.
type digestSummarizer interface {
	ExtendDigest(ctx context.Context, oldDigest, senderName, content string, sentAt time.Time) (string, error)
}

// EngagementEvaluator applies the trigger rules against a group session.
type EngagementEvaluator struct {
	cfg        GroupConfig
	classifier arousalClassifier
	summarizer digestSummarizer
	codec      *ExpressionCodec
	logger     *slog.Logger

	// randFloat draws the ambient engagement probability. Replaceable with a
	// seeded source in tests.
	randFloat func() float64

	// digestWg tracks in-flight background digest updates so shutdown and
	// tests can wait for them.
	digestWg sync.WaitGroup
}

// NewEngagementEvaluator creates an evaluator with the default random source.
func NewEngagementEvaluator(cfg GroupConfig, classifier arousalClassifier, summarizer digestSummarizer, codec *ExpressionCodec, logger *slog.Logger) *EngagementEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex

	return &EngagementEvaluator{
		cfg:        cfg,
		classifier: classifier,
		summarizer: summarizer,
		codec:      codec,
		logger:     logger.With("component", "engagement"),
		randFloat: func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		},
	}
}

// SetRandSource replaces the probability draw. Used by tests to pin the
// ambient engagement outcome.
func (e *EngagementEvaluator) SetRandSource(f func() float64) {
	e.randFloat = f
}

// ShouldEngage evaluates the trigger rules for msg against its session.
//
// Side effects: the session's average interval and last-active message are
// always updated; on trigger the last-trigger message is recorded; on
// non-trigger the message is folded into the digest in the background.
func (e *EngagementEvaluator) ShouldEngage(ctx context.Context, msg *channels.IncomingMessage, session *GroupSession) bool {
	// Fold the gap to the previous message into the activity average before
	// any rule runs. The previous message is needed by the repeated-media
	// rule, so capture it before marking this one active.
	prev := session.LastActive()
	session.UpdateAvgInterval(msg.Timestamp, e.cfg.ActivityAlpha)

	trigger := false
	switch {
	case msg.IsDirectedAtAgent || msg.IsBroadcastMention:
		// Directly addressed: always reply.
		trigger = true

	case session.AvgInterval() < e.cfg.ActivityThresholdSeconds && e.randFloat() < e.cfg.EngageProbability:
		// Live conversation: join in occasionally without being addressed.
		e.logger.Debug("ambient engagement", "group_id", session.GroupID,
			"avg_interval", session.AvgInterval())
		trigger = true

	case isRepeatedMedia(prev, msg):
		// Same sender following up with an image: treat as a continued
		// reaction sequence.
		e.logger.Debug("repeated media engagement", "group_id", session.GroupID)
		trigger = true

	default:
		trigger = e.classifier.IsAroused(ctx, e.codec.Decode(msg.Segments))
	}

	if trigger {
		session.MarkTrigger(msg)
		return true
	}

	session.MarkActive(msg)
	e.extendDigestAsync(ctx, msg, session)
	return false
}

// Flush waits for pending background digest updates. Called on shutdown.
func (e *EngagementEvaluator) Flush() {
	e.digestWg.Wait()
}

// isRepeatedMedia reports whether msg is an image from the same sender as the
// previous active message.
func isRepeatedMedia(prev, msg *channels.IncomingMessage) bool {
	if prev == nil {
		return false
	}
	return prev.SenderID == msg.SenderID && msg.HasImage()
}

// extendDigestAsync folds the skipped message into the session digest without
// blocking message handling. Failures only cost this message's digest update.
// The digest is read inside the serialized update cycle so overlapping updates
// chain rather than drop each other's contribution.
func (e *EngagementEvaluator) extendDigestAsync(ctx context.Context, msg *channels.IncomingMessage, session *GroupSession) {
	content := e.codec.Decode(msg.Segments)
	sender := msg.SenderName
	sentAt := msg.Timestamp

	e.digestWg.Add(1)
	go func() {
		defer e.digestWg.Done()

		session.UpdateDigest(func(old string) (string, bool) {
			digest, err := e.summarizer.ExtendDigest(ctx, old, sender, content, sentAt)
			if err != nil {
				e.logger.Warn("digest update failed", "group_id", session.GroupID, "error", err)
				return "", false
			}
			return digest, true
		})
	}()
}
