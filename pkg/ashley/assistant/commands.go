// Package assistant – commands.go implements admin commands executed via
// chat messages. Commands are prefixed with "!" and only available to wheel
// members:
//
//	!help              - show available commands
//	!ping              - liveness check
//	!echo <args>       - echo back the arguments
//	!enable            - enable chat in the current group
//	!disable           - disable chat in the current group
//	!groups            - list enabled groups
//	!info [key ...]    - show config (model, prompt, token)
//	!messages <sub>    - inspect thread memory (count, last, list [n], clear)
//	!reset             - forget the thread and reset the session state
//	!ps [all]          - show host load
//
// Handlers live in an explicit name→handler registry built once at startup.
package assistant

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jholhewres/ashley/pkg/ashley/channels"
)

// commandPrefix starts an admin command message.
const commandPrefix = "!"

// commandArgsPattern matches quoted arguments or bare words.
var commandArgsPattern = regexp.MustCompile(`"([^"]*)"|(\S+)`)

// commandRequest carries the context of one command invocation.
type commandRequest struct {
	msg     *channels.IncomingMessage
	args    []string
	session *GroupSession
}

// commandHandler executes one admin command and returns the reply text.
type commandHandler func(ctx context.Context, req *commandRequest) string

// command pairs a handler with its help line.
type command struct {
	name string
	help string
	run  commandHandler
}

// commandRegistry maps command names to handlers. Built once at
// initialization via explicit Register calls; no runtime discovery.
type commandRegistry struct {
	commands map[string]command
	order    []string
}

func newCommandRegistry() *commandRegistry {
	return &commandRegistry{commands: make(map[string]command)}
}

// Register adds a command to the registry.
func (r *commandRegistry) Register(name, help string, fn commandHandler) {
	r.commands[name] = command{name: name, help: help, run: fn}
	r.order = append(r.order, name)
}

// Dispatch runs the named command, falling back to help for unknown names.
func (r *commandRegistry) Dispatch(ctx context.Context, name string, req *commandRequest) string {
	cmd, ok := r.commands[name]
	if !ok {
		cmd = r.commands["help"]
	}
	return cmd.run(ctx, req)
}

// helpText renders the registered commands in registration order.
func (r *commandRegistry) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range r.order {
		fmt.Fprintf(&b, "%s%s %s\n", commandPrefix, name, r.commands[name].help)
	}
	return strings.TrimRight(b.String(), "\n")
}

// IsCommand reports whether the text is an admin command.
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), commandPrefix)
}

// ParseCommand splits "!name arg1 "quoted arg"" into name and args.
func ParseCommand(content string) (name string, args []string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, commandPrefix) {
		return "", nil, false
	}

	fields := strings.SplitN(content[len(commandPrefix):], " ", 2)
	name = strings.TrimSpace(fields[0])
	if name == "" {
		return "", nil, false
	}

	if len(fields) == 2 {
		for _, match := range commandArgsPattern.FindAllStringSubmatch(fields[1], -1) {
			if match[1] != "" {
				args = append(args, match[1])
			} else {
				args = append(args, match[2])
			}
		}
	}
	return name, args, true
}

// registerCommands builds the assistant's command registry.
func (a *Assistant) registerCommands() *commandRegistry {
	r := newCommandRegistry()
	r.Register("help", "show this help", func(ctx context.Context, req *commandRequest) string {
		return r.helpText()
	})
	r.Register("ping", "liveness check", a.cmdPing)
	r.Register("echo", "echo back the arguments", a.cmdEcho)
	r.Register("enable", "enable chat in this group", a.cmdEnable)
	r.Register("disable", "disable chat in this group", a.cmdDisable)
	r.Register("groups", "list enabled groups", a.cmdGroups)
	r.Register("info", "show config, keys: model prompt token, or all", a.cmdInfo)
	r.Register("messages", "thread memory, subcommands: count last list [n] clear", a.cmdMessages)
	r.Register("reset", "forget the thread and reset the session state", a.cmdReset)
	r.Register("ps", "show host load, add all for details", a.cmdPS)
	return r
}

func (a *Assistant) cmdPing(ctx context.Context, req *commandRequest) string {
	return "Pong!"
}

func (a *Assistant) cmdEcho(ctx context.Context, req *commandRequest) string {
	return strings.Join(req.args, " ")
}

func (a *Assistant) cmdEnable(ctx context.Context, req *commandRequest) string {
	if !req.msg.IsGroup {
		return "Use this in a group chat."
	}
	if err := a.settings.EnableGroup(req.msg.ConversationID); err != nil {
		a.logger.Error("failed to enable group", "group_id", req.msg.ConversationID, "error", err)
		return "Failed to persist the change."
	}
	return "Enabled."
}

func (a *Assistant) cmdDisable(ctx context.Context, req *commandRequest) string {
	if !req.msg.IsGroup {
		return "Use this in a group chat."
	}
	removed, err := a.settings.DisableGroup(req.msg.ConversationID)
	if err != nil {
		a.logger.Error("failed to disable group", "group_id", req.msg.ConversationID, "error", err)
		return "Failed to persist the change."
	}
	if !removed {
		return "Not enabled here."
	}
	return "Disabled."
}

func (a *Assistant) cmdGroups(ctx context.Context, req *commandRequest) string {
	groups := a.settings.EnabledGroups()
	if len(groups) == 0 {
		return "No groups enabled."
	}
	return "Enabled groups: " + strings.Join(groups, ", ")
}

func (a *Assistant) cmdInfo(ctx context.Context, req *commandRequest) string {
	info := map[string]string{
		"model":  a.cfg.Model.Name,
		"prompt": a.cfg.Prompt,
		"token":  a.tokens.Report(req.session.ThreadID, a.cfg.Model.ContextWindow),
	}

	args := uniqueStrings(req.args)
	if len(args) == 0 {
		keys := make([]string, 0, len(info))
		for key := range info {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return strings.Join(keys, "\n")
	}

	if contains(args, "all") {
		args = []string{"model", "prompt", "token"}
	}

	var lines []string
	for _, key := range args {
		if val, ok := info[key]; ok {
			lines = append(lines, fmt.Sprintf("|%s: %s|", key, val))
		}
	}
	return strings.Join(lines, "\n")
}

func (a *Assistant) cmdMessages(ctx context.Context, req *commandRequest) string {
	const usage = "Subcommands:\n" +
		"!messages count - show thread memory length\n" +
		"!messages last - show the last exchange\n" +
		"!messages list [n] - show the last n exchanges (default 10)\n" +
		"!messages clear - wipe the thread memory"

	if len(req.args) == 0 {
		return usage
	}

	threadID := req.session.ThreadID
	switch req.args[0] {
	case "count":
		history, err := a.checkpoints.LoadHistory(ctx, threadID)
		if err != nil {
			return "Failed to read thread memory."
		}
		return fmt.Sprintf("Thread memory holds %d messages.", len(history))

	case "last":
		history, err := a.checkpoints.LoadHistory(ctx, threadID)
		if err != nil {
			return "Failed to read thread memory."
		}
		if len(history) == 0 {
			return "Thread memory is empty."
		}
		start := len(history) - 2
		if start < 0 {
			start = 0
		}
		return formatHistory(history[start:])

	case "list":
		history, err := a.checkpoints.LoadHistory(ctx, threadID)
		if err != nil {
			return "Failed to read thread memory."
		}
		if len(history) == 0 {
			return "Thread memory is empty."
		}
		n := 10
		if len(req.args) > 1 {
			if parsed, err := strconv.Atoi(req.args[1]); err == nil && parsed > 0 {
				n = parsed
			}
		}
		// n exchanges = 2n role-tagged messages.
		start := len(history) - 2*n
		if start < 0 {
			start = 0
		}
		return formatHistory(history[start:])

	case "clear":
		if err := a.checkpoints.ClearHistory(ctx, threadID); err != nil {
			return "Failed to clear thread memory."
		}
		a.tokens.RecordUsage(threadID, 0)
		return "Memory cleared... where am I? Can we start over?"

	default:
		return usage
	}
}

// cmdReset wipes the thread memory and the in-memory session state. Unlike
// "!messages clear" it also forgets the digest and the activity average, so
// the group starts over as if never seen.
func (a *Assistant) cmdReset(ctx context.Context, req *commandRequest) string {
	threadID := req.session.ThreadID
	if err := a.checkpoints.ClearHistory(ctx, threadID); err != nil {
		return "Failed to reset the thread."
	}
	a.tokens.RecordUsage(threadID, 0)
	req.session.ResetActivity()
	return "Fresh start! So... have we met?"
}

func (a *Assistant) cmdPS(ctx context.Context, req *commandRequest) string {
	avg, err := load.Avg()
	if err != nil {
		return "Host load unavailable."
	}
	display := fmt.Sprintf("Load: [%.2f %.2f %.2f]", avg.Load1, avg.Load5, avg.Load15)

	if contains(req.args, "all") {
		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			counts, _ := cpu.Counts(true)
			display += fmt.Sprintf("\nCPU: %.1f%% %dx", percents[0], counts)
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			display += fmt.Sprintf("\nMemory: %.1f%% Avail: %.2fMiB Used: %.2fMiB",
				vm.UsedPercent,
				float64(vm.Available)/1024/1024,
				float64(vm.Used)/1024/1024)
		}
	}
	return display
}

// formatHistory renders role-tagged messages for chat display.
func formatHistory(history []ChatMessage) string {
	var lines []string
	for _, m := range history {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Role, truncate(m.Content, 300)))
	}
	return strings.Join(lines, "\n")
}

// uniqueStrings deduplicates while preserving first-seen order.
func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
