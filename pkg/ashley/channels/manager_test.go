package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeChannel is a scripted in-memory channel.
type fakeChannel struct {
	name       string
	connectErr error
	connected  bool
	inbox      chan *IncomingMessage
	sent       []*OutgoingMessage
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, inbox: make(chan *IncomingMessage, 8)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeChannel) Send(_ context.Context, _ string, msg *OutgoingMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.inbox }
func (f *fakeChannel) IsConnected() bool                { return f.connected }

func TestManagerRegisterDuplicate(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.Register(newFakeChannel("onebot")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(newFakeChannel("onebot")); err == nil {
		t.Fatal("duplicate Register returned nil error")
	}
}

func TestManagerFanIn(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	a := newFakeChannel("a")
	b := newFakeChannel("b")
	m.Register(a)
	m.Register(b)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a.inbox <- &IncomingMessage{ID: "from-a", Channel: "a"}
	b.inbox <- &IncomingMessage{ID: "from-b", Channel: "b"}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-m.Messages():
			got[msg.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("merged stream delivered too few messages")
		}
	}
	if !got["from-a"] || !got["from-b"] {
		t.Errorf("merged stream = %v", got)
	}

	close(a.inbox)
	close(b.inbox)
	m.Stop()
}

func TestManagerStartAllConnectionsFail(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	broken := newFakeChannel("broken")
	broken.connectErr = errors.New("refused")
	m.Register(broken)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start returned nil error with no channel connected")
	}
}

func TestManagerSend(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	ch := newFakeChannel("onebot")
	m.Register(ch)

	// Not connected yet.
	err := m.Send(context.Background(), "onebot", "group:1", &OutgoingMessage{})
	if !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("Send before connect = %v, want ErrChannelDisconnected", err)
	}

	ch.connected = true
	if err := m.Send(context.Background(), "onebot", "group:1", &OutgoingMessage{Segments: []Segment{Text("hi")}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ch.sent) != 1 {
		t.Errorf("sent = %d messages, want 1", len(ch.sent))
	}

	err = m.Send(context.Background(), "missing", "group:1", &OutgoingMessage{})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Send to unknown channel = %v, want ErrChannelNotFound", err)
	}
}
