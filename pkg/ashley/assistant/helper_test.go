package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeGenerator scripts the helper model.
type fakeGenerator struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func TestIsAroused(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		err      error
		onError  bool
		want     bool
	}{
		{"affirmative", "True", nil, false, true},
		{"negative", "false, nothing interesting", nil, false, false},
		{"thinking is stripped before matching", "<think>true maybe?</think>false", nil, false, false},
		{"failure defaults to quiet", "", errors.New("model offline"), false, false},
		{"failure default is configurable", "", errors.New("model offline"), true, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHelper(HelperConfig{
				ArousePrompt:  "Should you reply? {{input}}",
				ArouseOnError: tt.onError,
			}, &fakeGenerator{response: tt.response, err: tt.err}, nil)

			if got := h.IsAroused(context.Background(), "some message"); got != tt.want {
				t.Errorf("IsAroused = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsArousedRendersInput(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{response: "false"}
	h := NewHelper(HelperConfig{ArousePrompt: "Message: {{input}}"}, gen, nil)

	h.IsAroused(context.Background(), "is anyone here?")
	if len(gen.prompts) != 1 || gen.prompts[0] != "Message: is anyone here?" {
		t.Errorf("prompt = %q", gen.prompts)
	}
}

func TestExtendDigest(t *testing.T) {
	t.Parallel()

	sentAt := time.Date(2025, 6, 1, 18, 30, 0, 0, time.UTC)

	t.Run("empty digest uses the none sentinel", func(t *testing.T) {
		t.Parallel()
		gen := &fakeGenerator{response: "Ana asked about dinner."}
		h := NewHelper(HelperConfig{
			DigestPrompt: "prev={{last_digest}} sender={{sender}} msg={{content}} at={{time}}",
		}, gen, nil)

		digest, err := h.ExtendDigest(context.Background(), "", "Ana", "dinner?", sentAt)
		if err != nil {
			t.Fatalf("ExtendDigest: %v", err)
		}
		if digest != "Ana asked about dinner." {
			t.Errorf("digest = %q", digest)
		}
		if !strings.Contains(gen.prompts[0], "prev=none") {
			t.Errorf("prompt missing sentinel: %q", gen.prompts[0])
		}
		if !strings.Contains(gen.prompts[0], "at=2025-06-01 18:30:00") {
			t.Errorf("prompt missing timestamp: %q", gen.prompts[0])
		}
	})

	t.Run("thinking is stripped from the answer", func(t *testing.T) {
		t.Parallel()
		gen := &fakeGenerator{response: "<think>summarizing</think>They moved on to movies."}
		h := NewHelper(HelperConfig{DigestPrompt: "{{last_digest}} {{content}}"}, gen, nil)

		digest, err := h.ExtendDigest(context.Background(), "old", "Bo", "movie time", sentAt)
		if err != nil {
			t.Fatalf("ExtendDigest: %v", err)
		}
		if digest != "They moved on to movies." {
			t.Errorf("digest = %q", digest)
		}
	})

	t.Run("failure returns the old digest and the error", func(t *testing.T) {
		t.Parallel()
		gen := &fakeGenerator{err: errors.New("timeout")}
		h := NewHelper(HelperConfig{DigestPrompt: "{{content}}"}, gen, nil)

		digest, err := h.ExtendDigest(context.Background(), "old digest", "Bo", "hello", sentAt)
		if err == nil {
			t.Fatal("ExtendDigest returned nil error")
		}
		if digest != "old digest" {
			t.Errorf("digest = %q, want the old digest back", digest)
		}
	})
}
