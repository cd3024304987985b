package assistant

import (
	"testing"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

func testCodec() *ExpressionCodec {
	return NewExpressionCodec(map[string]int{
		"happy": 101,
		"cry":   102,
	}, nil)
}

func TestExpressionEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []channels.Segment
	}{
		{
			name: "known tag becomes emoticon",
			text: "hello ::happy:: world",
			want: []channels.Segment{
				channels.Text("hello "),
				channels.Emoticon(101),
				channels.Text(" world"),
			},
		},
		{
			name: "unknown tag stays literal",
			text: "hm ::unknown_xyz::",
			want: []channels.Segment{
				channels.Text("hm "),
				channels.Text("::unknown_xyz::"),
			},
		},
		{
			name: "no markers",
			text: "plain text",
			want: []channels.Segment{channels.Text("plain text")},
		},
		{
			name: "adjacent markers",
			text: "::happy::::cry::",
			want: []channels.Segment{channels.Emoticon(101), channels.Emoticon(102)},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := testCodec().Encode(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("Encode(%q) = %v, want %v", tt.text, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExpressionDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		segments []channels.Segment
		want     string
	}{
		{
			name: "known emoticon becomes marker",
			segments: []channels.Segment{
				channels.Text("nice "),
				channels.Emoticon(101),
			},
			want: "nice ::happy::",
		},
		{
			name: "unknown emoticon is omitted",
			segments: []channels.Segment{
				channels.Text("what "),
				channels.Emoticon(999),
				channels.Text("is that"),
			},
			want: "what is that",
		},
		{
			name: "images and mentions are skipped",
			segments: []channels.Segment{
				channels.Mention("42"),
				channels.Text("look"),
				channels.Image("ref://1"),
			},
			want: "look",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := testCodec().Decode(tt.segments); got != tt.want {
				t.Errorf("Decode = %q, want %q", got, tt.want)
			}
		})
	}
}

// Encoding a marker and decoding the resulting emoticon must round-trip.
func TestExpressionRoundTrip(t *testing.T) {
	t.Parallel()

	codec := testCodec()
	segments := codec.Encode("::happy::")
	if got := codec.Decode(segments); got != "::happy::" {
		t.Errorf("round trip = %q, want %q", got, "::happy::")
	}
}

func TestExpressionMarkers(t *testing.T) {
	t.Parallel()

	got := testCodec().Markers()
	want := []string{"::cry::", "::happy::"}
	if len(got) != len(want) {
		t.Fatalf("Markers = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("marker %d = %q, want %q", i, got[i], want[i])
		}
	}
}
