// Package channels defines the interfaces and types for Ashley communication
// channels. Each platform adapter (OneBot, Discord, ...) implements the
// Channel interface to receive and send messages in a unified way. The core
// never touches a platform wire format: everything crosses this boundary as
// segment lists.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SegmentKind identifies the kind of a message segment.
type SegmentKind string

const (
	SegmentText     SegmentKind = "text"
	SegmentImage    SegmentKind = "image"
	SegmentMention  SegmentKind = "mention"
	SegmentEmoticon SegmentKind = "emoticon"
)

// Segment is one piece of a platform message. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Segment struct {
	Kind SegmentKind

	// Text is the text content (SegmentText).
	Text string

	// UserID is the mentioned user (SegmentMention). "all" is a broadcast
	// mention to everyone in the conversation.
	UserID string

	// EmoticonID is the platform emoticon identifier (SegmentEmoticon).
	EmoticonID int

	// ImageRef is an opaque image reference or URL (SegmentImage).
	ImageRef string
}

// Text returns a plain text segment.
func Text(s string) Segment { return Segment{Kind: SegmentText, Text: s} }

// Mention returns a mention segment for the given user.
func Mention(userID string) Segment { return Segment{Kind: SegmentMention, UserID: userID} }

// Emoticon returns an emoticon segment for the given platform id.
func Emoticon(id int) Segment { return Segment{Kind: SegmentEmoticon, EmoticonID: id} }

// Image returns an image segment for the given reference.
func Image(ref string) Segment { return Segment{Kind: SegmentImage, ImageRef: ref} }

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "onebot").
	Channel string

	// SenderID is the sender identifier on the platform.
	SenderID string

	// SenderName is the sender display name (group card when available).
	SenderName string

	// ConversationID is the group or DM identifier.
	ConversationID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Segments is the ordered message content.
	Segments []Segment

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// IsDirectedAtAgent is true when the message mentions the agent directly.
	IsDirectedAtAgent bool

	// IsBroadcastMention is true for an @everyone style mention.
	IsBroadcastMention bool

	// IsAttentionGesture is true for poke/nudge events synthesized by the
	// adapter. These carry a textual description of the gesture in Segments.
	IsAttentionGesture bool
}

// PlainText returns the concatenated text segments of the message.
func (m *IncomingMessage) PlainText() string {
	var b strings.Builder
	for _, seg := range m.Segments {
		if seg.Kind == SegmentText {
			b.WriteString(seg.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// HasImage reports whether the message carries an image attachment.
func (m *IncomingMessage) HasImage() bool {
	for _, seg := range m.Segments {
		if seg.Kind == SegmentImage {
			return true
		}
	}
	return false
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Segments is the ordered message content.
	Segments []Segment

	// ReplyTo contains the ID of the message to reply to. Empty means the
	// message is sent without reply threading.
	ReplyTo string
}

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "onebot").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified conversation.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrChannelNotFound     = fmt.Errorf("channel not found")
)
