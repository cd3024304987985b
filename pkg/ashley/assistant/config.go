// Package assistant – config.go defines all configuration structures for the
// Ashley group chat assistant.
package assistant

import (
	"time"

	"github.com/jholhewres/ashley/pkg/ashley/channels/onebot"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in responses and used for mentions.
	Name string `yaml:"name"`

	// Prompt is the system prompt template. Supports the template variables
	// {{date}} and {{expressions}}, injected on every dialogue run.
	Prompt string `yaml:"prompt"`

	// Model configures the primary chat model endpoint.
	Model ModelConfig `yaml:"model"`

	// Helper configures the lightweight secondary model used for the arousal
	// check and the conversation digest.
	Helper HelperConfig `yaml:"helper"`

	// Group configures group engagement heuristics.
	Group GroupConfig `yaml:"group"`

	// Dialogue configures the dialogue pipeline behavior.
	Dialogue DialogueConfig `yaml:"dialogue"`

	// Channels configures the platform adapters.
	Channels ChannelsConfig `yaml:"channels"`

	// Expressions maps emotion tags to platform emoticon ids. The model may
	// use any of these as inline ::tag:: markers in its replies.
	Expressions map[string]int `yaml:"expressions"`

	// Wheel lists user ids allowed to run admin commands.
	Wheel []string `yaml:"wheel"`

	// DataDir is where the checkpoint database and runtime settings live.
	DataDir string `yaml:"data_dir"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ChannelsConfig configures the platform adapters.
type ChannelsConfig struct {
	// OneBot configures the OneBot v11 adapter (QQ via go-cqhttp, NapCat, ...).
	OneBot onebot.Config `yaml:"onebot"`
}

// ModelConfig configures the primary chat model (Ollama-compatible API).
type ModelConfig struct {
	// Name is the model to use (e.g. "deepseek-r1:7b").
	Name string `yaml:"name"`

	// BaseURL is the API endpoint (e.g. "http://localhost:11434").
	BaseURL string `yaml:"base_url"`

	// ContextWindow is the token budget the model holds per call (num_ctx).
	ContextWindow int `yaml:"context_window"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// TimeoutSeconds bounds a single model call. A timeout is treated as a
	// recoverable failure, never a partial success.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-call timeout as a duration.
func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return DefaultModelCallTimeout
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// HelperConfig configures the secondary model and its prompt templates.
type HelperConfig struct {
	// Name is the helper model (small, CPU-friendly).
	Name string `yaml:"name"`

	// BaseURL is the helper API endpoint. Defaults to the primary endpoint.
	BaseURL string `yaml:"base_url"`

	// ContextWindow is the helper context size (num_ctx).
	ContextWindow int `yaml:"context_window"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// ArousePrompt is the template asking whether a message should wake the
	// agent. Supports {{input}}. The helper must answer true or false.
	ArousePrompt string `yaml:"arouse_prompt"`

	// DigestPrompt is the template folding a skipped message into the rolling
	// digest. Supports {{last_digest}}, {{sender}}, {{content}}, {{time}}.
	DigestPrompt string `yaml:"digest_prompt"`

	// ArouseOnError is the engagement decision used when the arousal call
	// fails. Default false: stay quiet on helper failure.
	ArouseOnError bool `yaml:"arouse_on_error"`

	// TimeoutSeconds bounds a single helper call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-call timeout as a duration.
func (h HelperConfig) Timeout() time.Duration {
	if h.TimeoutSeconds <= 0 {
		return DefaultHelperCallTimeout
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// GroupConfig configures when the assistant engages in a group conversation.
type GroupConfig struct {
	// ActivityAlpha is the EWMA smoothing constant for the average message
	// interval, in (0,1). Higher values react faster to pace changes.
	ActivityAlpha float64 `yaml:"activity_alpha"`

	// ActivityThresholdSeconds is the average interval below which the
	// conversation counts as "live".
	ActivityThresholdSeconds float64 `yaml:"activity_threshold_seconds"`

	// EngageProbability is the chance of replying to a message in a live
	// conversation without being addressed.
	EngageProbability float64 `yaml:"engage_probability"`
}

// DialogueConfig configures the dialogue pipeline.
type DialogueConfig struct {
	// MaxContinuations caps auto-continuation rounds after a truncated
	// generation. The first model call does not count.
	MaxContinuations int `yaml:"max_continuations"`

	// FallbackReply is sent when the primary model call fails.
	FallbackReply string `yaml:"fallback_reply"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Defaults.
const (
	DefaultModelCallTimeout  = 120 * time.Second
	DefaultHelperCallTimeout = 30 * time.Second
)

// DefaultConfig returns a config with sensible defaults. Values from YAML
// overlay these.
func DefaultConfig() *Config {
	return &Config{
		Name:   "Ashley",
		Prompt: "You are Ashley, a friendly group chat companion. Today is {{date}}. You may express emotions with these inline markers: {{expressions}}.",
		Model: ModelConfig{
			Name:           "deepseek-r1:7b",
			BaseURL:        "http://localhost:11434",
			ContextWindow:  4096,
			Temperature:    0.6,
			TimeoutSeconds: int(DefaultModelCallTimeout / time.Second),
		},
		Helper: HelperConfig{
			Name:           "deepseek-r1:1.5b",
			ContextWindow:  8192,
			Temperature:    0.6,
			ArousePrompt:   "Decide whether the assistant should join the conversation after this message. Answer only true or false.\nMessage: {{input}}",
			DigestPrompt:   "Update the running summary of a group conversation.\nPrevious summary: {{last_digest}}\nNew message from {{sender}} at {{time}}: {{content}}\nReply with the updated summary only.",
			ArouseOnError:  false,
			TimeoutSeconds: int(DefaultHelperCallTimeout / time.Second),
		},
		Group: GroupConfig{
			ActivityAlpha:            0.3,
			ActivityThresholdSeconds: 30,
			EngageProbability:        0.1,
		},
		Dialogue: DialogueConfig{
			MaxContinuations: 3,
			FallbackReply:    "Sorry, my head is spinning right now... ask me again in a bit?",
		},
		Channels: ChannelsConfig{
			OneBot: onebot.DefaultConfig(),
		},
		Expressions: map[string]int{},
		DataDir:     ".",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
