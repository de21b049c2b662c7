package agent

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"actionbridge/internal/domain"
)

// ChatCommand is a parsed "/name args..." line typed into the chat REPL.
type ChatCommand struct {
	Name string
	Args []string
	Raw  string
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string
	Handled  bool // false means the line should be processed as an utterance
	// SessionID is set when the command switched sessions.
	SessionID string
	Quit      bool
}

var startTime = time.Now()

var version = "dev"

// SetVersion sets the version string reported by /version and /status.
func SetVersion(v string) { version = v }

func Version() string { return version }

// ParseCommand returns nil when text is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}
	return &ChatCommand{Name: name, Args: parts[1:], Raw: text}
}

// HandleCommand runs a REPL command against the given session. Unknown
// commands are left unhandled and go to the intent parser as text.
func (o *Orchestrator) HandleCommand(ctx context.Context, sessionID string, cmd *ChatCommand) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "quit", "exit":
		return CommandResult{Response: "Bye.", Handled: true, Quit: true}

	case "new":
		credential := o.sessions.Credential(sessionID)
		id, err := o.OpenSession(ctx, "", credential)
		if err != nil {
			return CommandResult{Response: "Could not start a new session: " + err.Error(), Handled: true}
		}
		o.CloseSession(sessionID)
		return CommandResult{Response: "Started session " + id + ".", Handled: true, SessionID: id}

	case "history":
		limit := 10
		if len(cmd.Args) > 0 {
			if n, err := strconv.Atoi(cmd.Args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		turns, err := o.History(ctx, sessionID, limit)
		if err != nil {
			return CommandResult{Response: "Could not load history: " + err.Error(), Handled: true}
		}
		return CommandResult{Response: FormatTurns(turns), Handled: true}

	case "tools", "actions":
		return CommandResult{Response: o.actionsText(), Handled: true}

	case "status":
		return CommandResult{Response: o.statusText(sessionID), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("actionbridge %s (%s/%s, %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func helpText() string {
	return `Commands

/help          Show this help message
/new           Start a new session
/history [n]   Show the last n turns of this session
/tools         List available actions
/status        Show session and runtime info
/version       Show version info
/quit          Leave the chat`
}

func (o *Orchestrator) statusText(sessionID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "actionbridge %s\n", version)
	fmt.Fprintf(&sb, "Session: %s\n", sessionID)
	fmt.Fprintf(&sb, "Actions: %d registered\n", len(o.tools.List()))
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(startTime).Round(time.Second))
	return sb.String()
}

func (o *Orchestrator) actionsText() string {
	actions := o.tools.List()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Available actions (%d)\n\n", len(actions))
	for _, a := range actions {
		fmt.Fprintf(&sb, "  %-24s %s\n", a.Name, a.Description)
	}
	return sb.String()
}

// FormatTurns renders turns for terminal display, oldest first.
func FormatTurns(turns []domain.Turn) string {
	if len(turns) == 0 {
		return "No turns yet."
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s] > %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"), t.Utterance)
		for _, inv := range t.Invocations {
			fmt.Fprintf(&sb, "    %s %v\n", inv.Tool, inv.Arguments)
		}
		fmt.Fprintf(&sb, "  %s: %s\n", t.Status, t.Reply)
	}
	return strings.TrimRight(sb.String(), "\n")
}
