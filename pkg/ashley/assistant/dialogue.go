// Package assistant – dialogue.go implements the dialogue pipeline: context
// injection, primary model calls with bounded auto-continuation, checkpoint
// persistence and outbound message assembly.
//
// Pipeline per invocation:
//
//	CONTEXT_INJECT → MODEL_CALL → (CONTINUE_CHECK → MODEL_CALL)* → DONE
//
// The continuation loop resumes generations the model reports as truncated
// (done=false with a non-stop reason) and is capped so a model that never
// stops cannot spin the pipeline forever.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// primaryModel is the chat model surface used by the pipeline. Satisfied by
// *LLMClient; swapped for fakes in tests.
type primaryModel interface {
	Chat(ctx context.Context, messages []ChatMessage) (*ChatResult, error)
}

// DialogueGraph runs the dialogue pipeline against checkpointed per-thread
// history. Turns on the same thread are serialized: the checkpoint
// read-modify-write cycle holds the thread lock, so a second invocation for
// a busy thread waits instead of interleaving history.
type DialogueGraph struct {
	model       primaryModel
	checkpoints CheckpointStore
	codec       *ExpressionCodec
	tokens      *TokenBudgetTracker

	prompt           string
	maxContinuations int
	logger           *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewDialogueGraph wires the pipeline.
func NewDialogueGraph(cfg DialogueConfig, prompt string, model primaryModel, checkpoints CheckpointStore, codec *ExpressionCodec, tokens *TokenBudgetTracker, logger *slog.Logger) *DialogueGraph {
	if logger == nil {
		logger = slog.Default()
	}
	maxContinuations := cfg.MaxContinuations
	if maxContinuations < 0 {
		maxContinuations = 0
	}
	return &DialogueGraph{
		model:            model,
		checkpoints:      checkpoints,
		codec:            codec,
		tokens:           tokens,
		prompt:           prompt,
		maxContinuations: maxContinuations,
		logger:           logger.With("component", "dialogue"),
		locks:            make(map[string]*sync.Mutex),
	}
}

// userPayload is the structured user message handed to the model. Embedding
// sender and send time lets the persona react to who is talking and when;
// the digest carries what happened since the last reply.
type userPayload struct {
	Name       string `json:"name"`
	SendTime   string `json:"send_time"`
	ChatDigest string `json:"chat_digest,omitempty"`
	Msg        string `json:"msg"`
}

// Run executes one dialogue turn for msg on the session's thread and returns
// the outbound reply. On model failure no checkpoint write occurs and the
// error is returned for the caller to surface as a fallback reply.
func (g *DialogueGraph) Run(ctx context.Context, msg *channels.IncomingMessage, session *GroupSession) (*channels.OutgoingMessage, error) {
	threadID := session.ThreadID
	lock := g.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	// CONTEXT_INJECT: ephemeral fields plus durable history.
	system := renderTemplate(g.prompt, map[string]string{
		"date":        time.Now().Format("2006-01-02 Monday"),
		"expressions": strings.Join(g.codec.Markers(), " "),
	})

	history, err := g.checkpoints.LoadHistory(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	payload, err := json.Marshal(userPayload{
		Name:       msg.SenderName,
		SendTime:   formatMessageTime(msg.Timestamp),
		ChatDigest: session.Digest(),
		Msg:        g.codec.Decode(msg.Segments),
	})
	if err != nil {
		return nil, fmt.Errorf("encode user payload: %w", err)
	}
	userMsg := ChatMessage{Role: RoleUser, Content: string(payload)}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	// MODEL_CALL with bounded auto-continuation.
	var (
		visible strings.Builder
		last    *ChatResult
	)
	maxCalls := 1 + g.maxContinuations
	for call := 0; call < maxCalls; call++ {
		res, err := g.model.Chat(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}
		last = res

		thinking, content := SplitThinking(res.Content)
		if thinking != "" {
			g.logger.Debug("model thinking discarded", "thread_id", threadID,
				"thinking_len", len(thinking))
		}
		visible.WriteString(content)

		// CONTINUE_CHECK: only a truncated generation loops back.
		if res.Done || res.DoneReason == DoneReasonStop {
			break
		}
		if call == maxCalls-1 {
			g.logger.Warn("continuation cap reached, terminating turn",
				"thread_id", threadID, "done_reason", res.DoneReason)
			break
		}

		g.logger.Debug("auto-continuing truncated generation",
			"thread_id", threadID, "done_reason", res.DoneReason, "round", call+1)
		messages = append(messages, ChatMessage{Role: RoleAssistant, Content: res.Content})
	}

	reply := visible.String()

	// Commit: durable history first, then bookkeeping.
	if err := g.checkpoints.AppendTurn(ctx, threadID, userMsg.Content, reply); err != nil {
		return nil, fmt.Errorf("checkpoint turn: %w", err)
	}
	g.tokens.RecordUsage(threadID, last.TotalTokens)
	session.ClearDigest()

	g.logger.Info("dialogue turn completed",
		"thread_id", threadID,
		"total_tokens", last.TotalTokens,
		"reply_len", len(reply),
	)

	return g.buildOutgoing(msg, reply), nil
}

// buildOutgoing converts the model reply into platform segments. Pokes get an
// explicit mention of the gesture's sender instead of reply threading.
func (g *DialogueGraph) buildOutgoing(msg *channels.IncomingMessage, reply string) *channels.OutgoingMessage {
	segments := g.codec.Encode(reply)

	if msg.IsAttentionGesture {
		return &channels.OutgoingMessage{
			Segments: append([]channels.Segment{channels.Mention(msg.SenderID), channels.Text(" ")}, segments...),
		}
	}

	return &channels.OutgoingMessage{
		Segments: segments,
		ReplyTo:  msg.ID,
	}
}

// threadLock returns the mutex serializing turns for a thread.
func (g *DialogueGraph) threadLock(threadID string) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	lock, ok := g.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[threadID] = lock
	}
	return lock
}
