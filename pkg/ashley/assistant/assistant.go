// Package assistant implements Ashley, a group chat companion driven by a
// local LLM. The assistant decides per message whether to engage, keeps a
// rolling digest of the conversation it stayed out of, and answers through a
// checkpointed per-thread dialogue pipeline.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// Assistant is the process-scoped orchestrator. It owns every component and
// is passed explicitly to whatever needs it; there are no package-level
// registries.
type Assistant struct {
	cfg    *Config
	logger *slog.Logger

	sessions    *SessionStore
	settings    *Settings
	codec       *ExpressionCodec
	tokens      *TokenBudgetTracker
	helper      *Helper
	evaluator   *EngagementEvaluator
	dialogue    *DialogueGraph
	checkpoints CheckpointStore
	channelMgr  *channels.Manager
	commands    *commandRegistry
	cron        *cron.Cron

	handleWg sync.WaitGroup

	// groupLocks serializes handling per group: session state has one writer
	// at a time even though messages of different groups run concurrently.
	groupLocksMu sync.Mutex
	groupLocks   map[string]*sync.Mutex
}

// New wires the assistant from config. Call Start to begin processing.
func New(cfg *Config, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}

	checkpoints, err := OpenCheckpointStore(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}

	settings, err := OpenSettings(cfg.DataDir, cfg.Wheel, logger)
	if err != nil {
		checkpoints.Close()
		return nil, fmt.Errorf("open settings: %w", err)
	}

	codec := NewExpressionCodec(cfg.Expressions, logger)
	tokens := NewTokenBudgetTracker()
	helper := NewHelper(cfg.Helper, NewHelperClient(cfg.Helper, cfg.Model.BaseURL, logger), logger)

	a := &Assistant{
		cfg:         cfg,
		logger:      logger,
		sessions:    NewSessionStore(logger),
		settings:    settings,
		codec:       codec,
		tokens:      tokens,
		helper:      helper,
		evaluator:   NewEngagementEvaluator(cfg.Group, helper, helper, codec, logger),
		dialogue:    NewDialogueGraph(cfg.Dialogue, cfg.Prompt, NewLLMClient(cfg.Model, logger), checkpoints, codec, tokens, logger),
		checkpoints: checkpoints,
		channelMgr:  channels.NewManager(logger),
		cron:        cron.New(),
		groupLocks:  make(map[string]*sync.Mutex),
	}
	a.commands = a.registerCommands()
	return a, nil
}

// ChannelManager returns the channel manager for adapter registration.
func (a *Assistant) ChannelManager() *channels.Manager {
	return a.channelMgr
}

// Start connects the channels and begins processing messages. Blocks until
// the context is cancelled.
func (a *Assistant) Start(ctx context.Context) error {
	if err := a.channelMgr.Start(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	if _, err := a.cron.AddFunc("@hourly", func() { a.maintain(ctx) }); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	a.cron.Start()

	a.logger.Info("assistant started", "name", a.cfg.Name, "model", a.cfg.Model.Name)

	for {
		select {
		case msg, ok := <-a.channelMgr.Messages():
			if !ok {
				return nil
			}
			// Groups proceed independently; per-thread ordering is enforced
			// inside the dialogue pipeline.
			a.handleWg.Add(1)
			go func() {
				defer a.handleWg.Done()
				a.handleMessage(ctx, msg)
			}()

		case <-ctx.Done():
			return nil
		}
	}
}

// Stop shuts the assistant down gracefully.
func (a *Assistant) Stop() {
	a.cron.Stop()
	a.channelMgr.Stop()
	a.handleWg.Wait()
	a.evaluator.Flush()
	if err := a.checkpoints.Close(); err != nil {
		a.logger.Error("error closing checkpoints", "error", err)
	}
	a.logger.Info("assistant stopped")
}

// handleMessage processes one inbound message end to end.
func (a *Assistant) handleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	logger := a.logger.With("channel", msg.Channel, "conversation", msg.ConversationID)

	// Admin commands: wheel members only, in DM or when addressing the
	// agent in a group.
	if plain := msg.PlainText(); IsCommand(plain) {
		if a.settings.IsWheel(msg.SenderID) && (!msg.IsGroup || msg.IsDirectedAtAgent) {
			a.handleCommand(ctx, msg, plain)
			return
		}
	}

	if !msg.IsGroup {
		// DM chat is not part of the group companion surface yet.
		logger.Debug("ignoring direct message", "sender", msg.SenderID)
		return
	}

	if !a.settings.IsGroupEnabled(msg.ConversationID) {
		return
	}

	// One writer per group: a second message for the same group waits until
	// the first finishes its engagement evaluation and dialogue turn, so the
	// activity average always folds in gaps against the true predecessor.
	lock := a.groupLock(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	session := a.sessions.GetOrCreate(msg.ConversationID)

	if msg.IsAttentionGesture {
		a.handleAttentionGesture(ctx, msg, session)
		return
	}

	if a.evaluator.ShouldEngage(ctx, msg, session) {
		a.runDialogue(ctx, msg, session)
	}
}

// handleCommand dispatches an admin command and replies with its output.
func (a *Assistant) handleCommand(ctx context.Context, msg *channels.IncomingMessage, plain string) {
	name, args, ok := ParseCommand(plain)
	if !ok {
		return
	}

	session := a.sessions.GetOrCreate(msg.ConversationID)
	reply := a.commands.Dispatch(ctx, name, &commandRequest{msg: msg, args: args, session: session})
	if reply == "" {
		return
	}

	out := &channels.OutgoingMessage{
		Segments: []channels.Segment{channels.Text(reply)},
		ReplyTo:  msg.ID,
	}
	if err := a.channelMgr.Send(ctx, msg.Channel, msg.ConversationID, out); err != nil {
		a.logger.Error("failed to send command reply", "command", name, "error", err)
	}
}

// handleAttentionGesture answers a poke directly, bypassing the engagement
// rules. The adapter may leave the gesture text empty; a generic description
// is synthesized so the model has something to react to.
func (a *Assistant) handleAttentionGesture(ctx context.Context, msg *channels.IncomingMessage, session *GroupSession) {
	session.UpdateAvgInterval(msg.Timestamp, a.cfg.Group.ActivityAlpha)

	if len(msg.Segments) == 0 {
		msg.Segments = []channels.Segment{channels.Text("Someone poked you")}
	}
	if msg.ID == "" {
		// Gesture events carry no platform message id.
		msg.ID = uuid.NewString()
	}

	session.MarkTrigger(msg)
	a.runDialogue(ctx, msg, session)
}

// runDialogue executes a dialogue turn and delivers the reply. Model failures
// surface to the group as a single fallback message; they never take down the
// handler for subsequent messages.
func (a *Assistant) runDialogue(ctx context.Context, msg *channels.IncomingMessage, session *GroupSession) {
	out, err := a.dialogue.Run(ctx, msg, session)
	if err != nil {
		a.logger.Error("dialogue turn failed",
			"group_id", session.GroupID,
			"thread_id", session.ThreadID,
			"error", err,
		)
		out = &channels.OutgoingMessage{
			Segments: []channels.Segment{channels.Text(a.cfg.Dialogue.FallbackReply)},
			ReplyTo:  msg.ID,
		}
	}

	if err := a.channelMgr.Send(ctx, msg.Channel, msg.ConversationID, out); err != nil {
		a.logger.Error("failed to deliver reply", "group_id", session.GroupID, "error", err)
	}
}

// groupLock returns the mutex serializing message handling for a group.
func (a *Assistant) groupLock(groupID string) *sync.Mutex {
	a.groupLocksMu.Lock()
	defer a.groupLocksMu.Unlock()
	lock, ok := a.groupLocks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		a.groupLocks[groupID] = lock
	}
	return lock
}

// maintain runs periodic housekeeping: checkpoint compaction plus a session
// census for operators.
func (a *Assistant) maintain(ctx context.Context) {
	if m, ok := a.checkpoints.(interface{ Maintain(context.Context) error }); ok {
		if err := m.Maintain(ctx); err != nil {
			a.logger.Warn("checkpoint maintenance failed", "error", err)
		}
	}
	a.logger.Debug("maintenance pass", "sessions", a.sessions.Count())
}
