package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// scriptedModel returns canned results in order and records each call.
type scriptedModel struct {
	results []*ChatResult
	err     error
	calls   [][]ChatMessage
}

func (m *scriptedModel) Chat(_ context.Context, messages []ChatMessage) (*ChatResult, error) {
	m.calls = append(m.calls, messages)
	if m.err != nil {
		return nil, m.err
	}
	idx := len(m.calls) - 1
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	return m.results[idx], nil
}

// memoryCheckpoints is an in-memory CheckpointStore for pipeline tests.
type memoryCheckpoints struct {
	turns map[string][]ChatMessage
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{turns: make(map[string][]ChatMessage)}
}

func (c *memoryCheckpoints) LoadHistory(_ context.Context, threadID string) ([]ChatMessage, error) {
	out := make([]ChatMessage, len(c.turns[threadID]))
	copy(out, c.turns[threadID])
	return out, nil
}

func (c *memoryCheckpoints) AppendTurn(_ context.Context, threadID, user, assistant string) error {
	c.turns[threadID] = append(c.turns[threadID],
		ChatMessage{Role: RoleUser, Content: user},
		ChatMessage{Role: RoleAssistant, Content: assistant},
	)
	return nil
}

func (c *memoryCheckpoints) ClearHistory(_ context.Context, threadID string) error {
	delete(c.turns, threadID)
	return nil
}

func (c *memoryCheckpoints) Close() error { return nil }

func newTestGraph(model primaryModel, checkpoints CheckpointStore, maxContinuations int) (*DialogueGraph, *TokenBudgetTracker) {
	tokens := NewTokenBudgetTracker()
	graph := NewDialogueGraph(
		DialogueConfig{MaxContinuations: maxContinuations},
		"You are a test persona. Today is {{date}}. Expressions: {{expressions}}",
		model, checkpoints, testCodec(), tokens, nil,
	)
	return graph, tokens
}

func incoming(text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:             "msg-1",
		SenderID:       "user-7",
		SenderName:     "Ana",
		ConversationID: "group-1",
		IsGroup:        true,
		Segments:       []channels.Segment{channels.Text(text)},
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTriggeredSession() *GroupSession {
	s := NewSessionStore(nil).GetOrCreate("group-1")
	s.SetDigest("earlier they discussed dinner")
	return s
}

func TestDialogueRunSingleTurn(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{results: []*ChatResult{
		{Content: "sure, count me in", Done: true, DoneReason: DoneReasonStop, TotalTokens: 321},
	}}
	checkpoints := newMemoryCheckpoints()
	graph, tokens := newTestGraph(model, checkpoints, 3)
	session := newTriggeredSession()

	out, err := graph.Run(context.Background(), incoming("want to join us?"), session)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(out.Segments) != 1 || out.Segments[0] != channels.Text("sure, count me in") {
		t.Errorf("Segments = %+v", out.Segments)
	}
	if out.ReplyTo != "msg-1" {
		t.Errorf("ReplyTo = %q, want msg-1", out.ReplyTo)
	}

	if len(model.calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(model.calls))
	}
	first := model.calls[0]
	if first[0].Role != RoleSystem {
		t.Errorf("first message role = %q, want system", first[0].Role)
	}

	var payload userPayload
	if err := json.Unmarshal([]byte(first[len(first)-1].Content), &payload); err != nil {
		t.Fatalf("user payload is not JSON: %v", err)
	}
	if payload.Name != "Ana" || payload.Msg != "want to join us?" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.ChatDigest != "earlier they discussed dinner" {
		t.Errorf("ChatDigest = %q", payload.ChatDigest)
	}

	history, _ := checkpoints.LoadHistory(context.Background(), MainThread)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Content != "sure, count me in" {
		t.Errorf("checkpointed reply = %q", history[1].Content)
	}

	if tokens.Usage(MainThread) != 321 {
		t.Errorf("recorded tokens = %d, want 321", tokens.Usage(MainThread))
	}
	if session.Digest() != "" {
		t.Errorf("digest = %q, want cleared after reply", session.Digest())
	}
}

// A generation reported as truncated (done=false, non-stop reason) is resumed
// and the visible parts are concatenated into one reply.
func TestDialogueRunContinuation(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{results: []*ChatResult{
		{Content: "the first half ", Done: false, DoneReason: DoneReasonLength, TotalTokens: 900},
		{Content: "and the rest", Done: true, DoneReason: DoneReasonStop, TotalTokens: 1100},
	}}
	checkpoints := newMemoryCheckpoints()
	graph, tokens := newTestGraph(model, checkpoints, 3)

	out, err := graph.Run(context.Background(), incoming("tell me a story"), newTriggeredSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(model.calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(model.calls))
	}
	if got := out.Segments[0]; got != channels.Text("the first half and the rest") {
		t.Errorf("reply = %+v", got)
	}

	// The second call must carry the partial output back as assistant context.
	second := model.calls[1]
	lastMsg := second[len(second)-1]
	if lastMsg.Role != RoleAssistant || lastMsg.Content != "the first half " {
		t.Errorf("continuation context = %+v", lastMsg)
	}

	// Usage reflects the final call of the turn.
	if tokens.Usage(MainThread) != 1100 {
		t.Errorf("recorded tokens = %d, want 1100", tokens.Usage(MainThread))
	}
}

// A model that never reports completion is cut off at the continuation cap.
func TestDialogueRunContinuationCap(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{results: []*ChatResult{
		{Content: "more ", Done: false, DoneReason: DoneReasonLength, TotalTokens: 10},
	}}
	checkpoints := newMemoryCheckpoints()
	graph, _ := newTestGraph(model, checkpoints, 2)

	out, err := graph.Run(context.Background(), incoming("go on forever"), newTriggeredSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(model.calls) != 3 {
		t.Errorf("model calls = %d, want 3 (1 + 2 continuations)", len(model.calls))
	}
	if got := out.Segments[0]; got != channels.Text("more more more ") {
		t.Errorf("reply = %+v", got)
	}

	// The turn still checkpoints despite hitting the cap.
	history, _ := checkpoints.LoadHistory(context.Background(), MainThread)
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}
}

// A negative continuation cap still yields at least one model call instead of
// an empty loop.
func TestDialogueRunNegativeContinuationCap(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{results: []*ChatResult{
		{Content: "hi!", Done: true, DoneReason: DoneReasonStop, TotalTokens: 5},
	}}
	graph, _ := newTestGraph(model, newMemoryCheckpoints(), -1)

	out, err := graph.Run(context.Background(), incoming("hello"), newTriggeredSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(model.calls) != 1 {
		t.Errorf("model calls = %d, want 1", len(model.calls))
	}
	if got := out.Segments[0]; got != channels.Text("hi!") {
		t.Errorf("reply = %+v", got)
	}
}

// Model failure must not leave a partial turn in the checkpoint store or
// clear the digest.
func TestDialogueRunModelFailure(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{err: errors.New("connection refused")}
	checkpoints := newMemoryCheckpoints()
	graph, _ := newTestGraph(model, checkpoints, 3)
	session := newTriggeredSession()

	if _, err := graph.Run(context.Background(), incoming("hello?"), session); err == nil {
		t.Fatal("Run returned nil error")
	}

	history, _ := checkpoints.LoadHistory(context.Background(), MainThread)
	if len(history) != 0 {
		t.Errorf("history length = %d, want 0 after failure", len(history))
	}
	if session.Digest() == "" {
		t.Error("digest cleared despite failed turn")
	}
}

// Thinking sections are discarded before the reply is assembled.
func TestDialogueRunStripsThinking(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{results: []*ChatResult{
		{Content: "<think>should I answer warmly?</think>of course!", Done: true, DoneReason: DoneReasonStop},
	}}
	graph, _ := newTestGraph(model, newMemoryCheckpoints(), 3)

	out, err := graph.Run(context.Background(), incoming("hi"), newTriggeredSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.Segments[0]; got != channels.Text("of course!") {
		t.Errorf("reply = %+v", got)
	}
}

// Replies to attention gestures mention the sender instead of threading.
func TestDialogueRunPokeReply(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{results: []*ChatResult{
		{Content: "you called?", Done: true, DoneReason: DoneReasonStop},
	}}
	graph, _ := newTestGraph(model, newMemoryCheckpoints(), 3)

	msg := incoming("Someone poked you")
	msg.IsAttentionGesture = true

	out, err := graph.Run(context.Background(), msg, newTriggeredSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.ReplyTo != "" {
		t.Errorf("ReplyTo = %q, want empty for poke replies", out.ReplyTo)
	}
	if len(out.Segments) < 3 {
		t.Fatalf("Segments = %+v", out.Segments)
	}
	if out.Segments[0] != channels.Mention("user-7") {
		t.Errorf("first segment = %+v, want mention of the poker", out.Segments[0])
	}
	if out.Segments[2] != channels.Text("you called?") {
		t.Errorf("third segment = %+v", out.Segments[2])
	}
}

// Markers in the reply come out as emoticon segments.
func TestDialogueRunEncodesExpressions(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{results: []*ChatResult{
		{Content: "yay ::happy::", Done: true, DoneReason: DoneReasonStop},
	}}
	graph, _ := newTestGraph(model, newMemoryCheckpoints(), 3)

	out, err := graph.Run(context.Background(), incoming("good news!"), newTriggeredSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []channels.Segment{channels.Text("yay "), channels.Emoticon(101)}
	if len(out.Segments) != len(want) {
		t.Fatalf("Segments = %+v, want %+v", out.Segments, want)
	}
	for i := range want {
		if out.Segments[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, out.Segments[i], want[i])
		}
	}
}

// Turns on the same thread are serialized: a slow turn blocks the next one
// instead of interleaving checkpoint writes.
func TestDialogueRunSerializesThread(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	model := &blockingModel{release: release, started: make(chan struct{})}
	checkpoints := newMemoryCheckpoints()
	graph, _ := newTestGraph(model, checkpoints, 0)
	session := newTriggeredSession()

	done := make(chan struct{})
	go func() {
		defer close(done)
		graph.Run(context.Background(), incoming("first"), session)
	}()

	// Wait until the first turn holds the thread lock inside the model call.
	<-model.started

	second := make(chan struct{})
	go func() {
		defer close(second)
		graph.Run(context.Background(), incoming("second"), session)
	}()

	select {
	case <-second:
		t.Fatal("second turn completed while the first held the thread lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	<-second

	history, _ := checkpoints.LoadHistory(context.Background(), MainThread)
	if len(history) != 4 {
		t.Errorf("history length = %d, want 4", len(history))
	}
	// First committed turn belongs to the first message.
	if !strings.Contains(history[0].Content, "first") {
		t.Errorf("turn order violated: first turn = %q", history[0].Content)
	}
}

// blockingModel blocks the first call until released; later calls return
// immediately.
type blockingModel struct {
	release <-chan struct{}
	started chan struct{}
	calls   int
}

func (m *blockingModel) Chat(_ context.Context, _ []ChatMessage) (*ChatResult, error) {
	m.calls++
	if m.calls == 1 {
		close(m.started)
		<-m.release
	}
	return &ChatResult{Content: fmt.Sprintf("reply %d", m.calls), Done: true, DoneReason: DoneReasonStop}, nil
}
