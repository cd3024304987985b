// Package assistant – expression.go translates between inline ::tag::
// expression markers and platform emoticon segments. The mapping is loaded
// once at startup and immutable for the process lifetime.
package assistant

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// markerPattern matches inline expression markers like ::happy::.
var markerPattern = regexp.MustCompile(`(::.*?::)`)

// ExpressionCodec maps emotion tags to platform emoticon ids and back.
type ExpressionCodec struct {
	tagToID map[string]int
	idToTag map[int]string
	logger  *slog.Logger
}

// NewExpressionCodec builds a codec from the tag→emoticon-id mapping.
func NewExpressionCodec(expressions map[string]int, logger *slog.Logger) *ExpressionCodec {
	if logger == nil {
		logger = slog.Default()
	}

	idToTag := make(map[int]string, len(expressions))
	tagToID := make(map[string]int, len(expressions))
	for tag, id := range expressions {
		tag = strings.TrimSpace(tag)
		tagToID[tag] = id
		idToTag[id] = tag
	}

	return &ExpressionCodec{
		tagToID: tagToID,
		idToTag: idToTag,
		logger:  logger.With("component", "expression"),
	}
}

// Markers returns all known tags rendered as inline markers, sorted, for
// interpolation into the system prompt.
func (c *ExpressionCodec) Markers() []string {
	tags := make([]string, 0, len(c.tagToID))
	for tag := range c.tagToID {
		tags = append(tags, "::"+tag+"::")
	}
	sort.Strings(tags)
	return tags
}

// Encode scans model output for ::tag:: markers and converts each known tag
// into an emoticon segment. Unknown tags are logged and left as literal text,
// never dropped.
func (c *ExpressionCodec) Encode(text string) []channels.Segment {
	var segments []channels.Segment
	last := 0
	for _, loc := range markerPattern.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			segments = append(segments, channels.Text(text[last:loc[0]]))
		}
		marker := text[loc[0]:loc[1]]
		tag := strings.TrimSuffix(strings.TrimPrefix(marker, "::"), "::")
		if id, ok := c.tagToID[tag]; ok {
			segments = append(segments, channels.Emoticon(id))
		} else {
			c.logger.Warn("model used an unknown expression tag", "tag", tag)
			segments = append(segments, channels.Text(marker))
		}
		last = loc[1]
	}
	if last < len(text) {
		segments = append(segments, channels.Text(text[last:]))
	}
	return segments
}

// Decode extracts the model-facing plain text of an inbound message: text
// segments pass through, emoticon segments with a known id become ::tag::
// markers, unknown ids are logged and omitted.
func (c *ExpressionCodec) Decode(segments []channels.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		switch seg.Kind {
		case channels.SegmentText:
			b.WriteString(seg.Text)
		case channels.SegmentEmoticon:
			if tag, ok := c.idToTag[seg.EmoticonID]; ok {
				b.WriteString("::" + tag + "::")
			} else {
				c.logger.Warn("unknown emoticon id in message", "id", seg.EmoticonID)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
