// Package onebot implements the OneBot v11 channel for Ashley over a forward
// WebSocket connection (go-cqhttp, NapCat and compatible implementations).
//
// Features:
//   - Send/receive text, mentions, emoticons and images as segment lists
//   - Group and private message events
//   - Poke notices surfaced as attention gestures
//   - Group allowlist
//   - Automatic reconnection with a fixed backoff
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// Config holds OneBot channel configuration.
type Config struct {
	// URL is the WebSocket endpoint of the OneBot implementation,
	// e.g. "ws://127.0.0.1:6700".
	URL string `yaml:"url"`

	// AccessToken authenticates against the endpoint when set.
	AccessToken string `yaml:"access_token"`

	// AllowedGroups restricts which group ids are forwarded. Empty means all.
	AllowedGroups []string `yaml:"allowed_groups"`

	// ReconnectSeconds is the pause between reconnection attempts.
	ReconnectSeconds int `yaml:"reconnect_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://127.0.0.1:6700",
		ReconnectSeconds: 5,
	}
}

// Conversation id prefixes. Send only receives an opaque id, so the kind of
// the conversation travels inside it.
const (
	groupPrefix = "group:"
	userPrefix  = "user:"
)

// OneBot implements channels.Channel over a OneBot v11 WebSocket.
type OneBot struct {
	cfg    Config
	logger *slog.Logger

	// messages is the channel for incoming messages forwarded to the assistant.
	messages chan *channels.IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// selfID is the bot account id, learned from the lifecycle event.
	selfID atomic.Int64

	// echo numbers outgoing action frames.
	echo atomic.Int64

	// writeMu serializes frame writes; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// New creates a new OneBot channel instance.
func New(cfg Config, logger *slog.Logger) *OneBot {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectSeconds <= 0 {
		cfg.ReconnectSeconds = 5
	}
	return &OneBot{
		cfg:      cfg,
		logger:   logger.With("component", "onebot"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "onebot".
func (o *OneBot) Name() string { return "onebot" }

// Connect dials the OneBot WebSocket endpoint and starts the read loop.
func (o *OneBot) Connect(ctx context.Context) error {
	if o.cfg.URL == "" {
		return fmt.Errorf("onebot: url is required")
	}

	o.ctx, o.cancel = context.WithCancel(ctx)

	conn, err := o.dial(o.ctx)
	if err != nil {
		return fmt.Errorf("onebot: connecting to %s: %w", o.cfg.URL, err)
	}
	o.conn = conn
	o.connected.Store(true)
	o.logger.Info("onebot: connected", "url", o.cfg.URL)

	o.loopWg.Add(1)
	go o.readLoop()

	return nil
}

// Disconnect closes the WebSocket connection.
func (o *OneBot) Disconnect() error {
	if o.cancel != nil {
		o.cancel()
	}
	o.writeMu.Lock()
	if o.conn != nil {
		o.conn.Close()
	}
	o.writeMu.Unlock()
	o.loopWg.Wait()
	o.connected.Store(false)
	o.logger.Info("onebot: disconnected")
	return nil
}

// Send sends a message to the conversation identified by to (a prefixed id
// produced by this adapter, e.g. "group:123456").
func (o *OneBot) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !o.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	wire := make([]wireSegment, 0, len(message.Segments)+1)
	if message.ReplyTo != "" {
		wire = append(wire, wireSegment{Type: "reply", Data: map[string]string{"id": message.ReplyTo}})
	}
	for _, seg := range message.Segments {
		ws, ok := encodeSegment(seg)
		if !ok {
			o.logger.Warn("onebot: dropping unsupported outgoing segment", "kind", seg.Kind)
			continue
		}
		wire = append(wire, ws)
	}

	params := map[string]any{"message": wire}
	var action string
	switch {
	case strings.HasPrefix(to, groupPrefix):
		action = "send_group_msg"
		params["group_id"] = strings.TrimPrefix(to, groupPrefix)
	case strings.HasPrefix(to, userPrefix):
		action = "send_private_msg"
		params["user_id"] = strings.TrimPrefix(to, userPrefix)
	default:
		return fmt.Errorf("onebot: malformed conversation id %q", to)
	}

	frame := map[string]any{
		"action": action,
		"params": params,
		"echo":   strconv.FormatInt(o.echo.Add(1), 10),
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("onebot: sending %s: %w", action, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (o *OneBot) Receive() <-chan *channels.IncomingMessage {
	return o.messages
}

// IsConnected returns true if the adapter is connected.
func (o *OneBot) IsConnected() bool { return o.connected.Load() }

// ---------- Connection ----------

func (o *OneBot) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if o.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+o.cfg.AccessToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.cfg.URL, header)
	return conn, err
}

// readLoop reads event frames until the context ends, redialing on failure.
func (o *OneBot) readLoop() {
	defer o.loopWg.Done()
	defer close(o.messages)

	backoff := time.Duration(o.cfg.ReconnectSeconds) * time.Second

	for {
		_, raw, err := o.conn.ReadMessage()
		if err != nil {
			if o.ctx.Err() != nil {
				return
			}
			o.connected.Store(false)
			o.logger.Warn("onebot: connection lost, reconnecting", "error", err, "backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-o.ctx.Done():
				return
			}

			conn, err := o.dial(o.ctx)
			if err != nil {
				o.logger.Error("onebot: reconnect failed", "error", err)
				continue
			}
			o.writeMu.Lock()
			o.conn = conn
			o.writeMu.Unlock()
			o.connected.Store(true)
			o.logger.Info("onebot: reconnected", "url", o.cfg.URL)
			continue
		}

		o.handleFrame(raw)
	}
}

// ---------- Event Handling ----------

// event is the subset of OneBot v11 event fields the adapter reads.
type event struct {
	PostType      string `json:"post_type"`
	MessageType   string `json:"message_type"`
	SubType       string `json:"sub_type"`
	NoticeType    string `json:"notice_type"`
	MetaEventType string `json:"meta_event_type"`

	MessageID int64 `json:"message_id"`
	GroupID   int64 `json:"group_id"`
	UserID    int64 `json:"user_id"`
	TargetID  int64 `json:"target_id"`
	SelfID    int64 `json:"self_id"`
	Time      int64 `json:"time"`

	Sender struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`

	Message []wireSegment `json:"message"`

	// RawInfo carries the poke action text on notify notices.
	RawInfo []struct {
		Txt string `json:"txt"`
	} `json:"raw_info"`
}

// wireSegment is one OneBot array-format message segment.
type wireSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

func (o *OneBot) handleFrame(raw []byte) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		o.logger.Warn("onebot: unparseable frame", "error", err)
		return
	}

	switch ev.PostType {
	case "message":
		o.handleMessageEvent(&ev)
	case "notice":
		o.handleNoticeEvent(&ev)
	case "meta_event":
		if ev.MetaEventType == "lifecycle" && ev.SelfID != 0 {
			o.selfID.Store(ev.SelfID)
			o.logger.Info("onebot: lifecycle", "self_id", ev.SelfID)
		}
	case "":
		// Action response frame, fire-and-forget.
	}
}

func (o *OneBot) handleMessageEvent(ev *event) {
	if ev.SelfID != 0 {
		o.selfID.Store(ev.SelfID)
	}
	if ev.UserID == o.selfID.Load() {
		return
	}

	isGroup := ev.MessageType == "group"
	if isGroup && !o.groupAllowed(ev.GroupID) {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:             strconv.FormatInt(ev.MessageID, 10),
		Channel:        "onebot",
		SenderID:       strconv.FormatInt(ev.UserID, 10),
		SenderName:     senderName(ev),
		ConversationID: conversationID(ev, isGroup),
		IsGroup:        isGroup,
		Timestamp:      time.Unix(ev.Time, 0),
	}

	self := strconv.FormatInt(o.selfID.Load(), 10)
	for _, ws := range ev.Message {
		switch ws.Type {
		case "text":
			incoming.Segments = append(incoming.Segments, channels.Text(ws.Data["text"]))
		case "at":
			switch qq := ws.Data["qq"]; qq {
			case self:
				// The mention of the bot itself is consumed into the flag; the
				// model never sees its own platform id.
				incoming.IsDirectedAtAgent = true
			case "all":
				incoming.IsBroadcastMention = true
			default:
				incoming.Segments = append(incoming.Segments, channels.Mention(qq))
			}
		case "face":
			id, err := strconv.Atoi(ws.Data["id"])
			if err != nil {
				o.logger.Warn("onebot: bad face id", "id", ws.Data["id"])
				continue
			}
			incoming.Segments = append(incoming.Segments, channels.Emoticon(id))
		case "image":
			ref := ws.Data["url"]
			if ref == "" {
				ref = ws.Data["file"]
			}
			incoming.Segments = append(incoming.Segments, channels.Image(ref))
		case "reply":
			// Quoted message reference, not content.
		default:
			o.logger.Debug("onebot: skipping segment", "type", ws.Type)
		}
	}

	o.forward(incoming)
}

// handleNoticeEvent surfaces pokes aimed at the bot as attention gestures.
func (o *OneBot) handleNoticeEvent(ev *event) {
	if ev.NoticeType != "notify" || ev.SubType != "poke" {
		return
	}
	if ev.SelfID != 0 {
		o.selfID.Store(ev.SelfID)
	}
	if ev.TargetID != o.selfID.Load() {
		return
	}

	isGroup := ev.GroupID != 0
	if isGroup && !o.groupAllowed(ev.GroupID) {
		return
	}

	msg := &channels.IncomingMessage{
		Channel:            "onebot",
		SenderID:           strconv.FormatInt(ev.UserID, 10),
		SenderName:         senderName(ev),
		ConversationID:     conversationID(ev, isGroup),
		IsGroup:            isGroup,
		Timestamp:          time.Unix(ev.Time, 0),
		IsAttentionGesture: true,
	}
	// Platforms describe the gesture in raw_info ("poked", "nudged", ...);
	// pass it along so the persona reacts to the actual action. An empty
	// description is synthesized downstream.
	if txt := gestureText(ev); txt != "" {
		msg.Segments = []channels.Segment{channels.Text("Someone " + txt + " you")}
	}
	o.forward(msg)
}

func (o *OneBot) forward(msg *channels.IncomingMessage) {
	select {
	case o.messages <- msg:
	default:
		o.logger.Warn("onebot: message buffer full, dropping message", "msg_id", msg.ID)
	}
}

func (o *OneBot) groupAllowed(groupID int64) bool {
	if len(o.cfg.AllowedGroups) == 0 {
		return true
	}
	id := strconv.FormatInt(groupID, 10)
	for _, allowed := range o.cfg.AllowedGroups {
		if allowed == id {
			return true
		}
	}
	return false
}

// ---------- Helpers ----------

// gestureText joins the action text parts of a notify notice.
func gestureText(ev *event) string {
	var b strings.Builder
	for _, info := range ev.RawInfo {
		b.WriteString(info.Txt)
	}
	return strings.TrimSpace(b.String())
}

// senderName prefers the group card over the account nickname.
func senderName(ev *event) string {
	if ev.Sender.Card != "" {
		return ev.Sender.Card
	}
	return ev.Sender.Nickname
}

func conversationID(ev *event, isGroup bool) string {
	if isGroup {
		return groupPrefix + strconv.FormatInt(ev.GroupID, 10)
	}
	return userPrefix + strconv.FormatInt(ev.UserID, 10)
}

// encodeSegment maps an outgoing segment to its wire form.
func encodeSegment(seg channels.Segment) (wireSegment, bool) {
	switch seg.Kind {
	case channels.SegmentText:
		return wireSegment{Type: "text", Data: map[string]string{"text": seg.Text}}, true
	case channels.SegmentMention:
		return wireSegment{Type: "at", Data: map[string]string{"qq": seg.UserID}}, true
	case channels.SegmentEmoticon:
		return wireSegment{Type: "face", Data: map[string]string{"id": strconv.Itoa(seg.EmoticonID)}}, true
	case channels.SegmentImage:
		return wireSegment{Type: "image", Data: map[string]string{"file": seg.ImageRef}}, true
	default:
		return wireSegment{}, false
	}
}

// Compile-time interface verification.
var _ channels.Channel = (*OneBot)(nil)
