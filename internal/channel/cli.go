package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"actionbridge/internal/agent"
	"actionbridge/internal/domain"
)

// Engine is the part of the orchestrator the REPL drives.
type Engine interface {
	ProcessUtterance(ctx context.Context, sessionID, utterance string) (agent.Outcome, error)
	HandleCommand(ctx context.Context, sessionID string, cmd *agent.ChatCommand) agent.CommandResult
}

// CLI is an interactive terminal chat bound to one session at a time.
type CLI struct {
	engine  Engine
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	session string
	spinner bool
	verbose bool

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Engine    Engine
	SessionID string
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	// Spinner shows a progress indicator while a turn runs.
	Spinner bool
	// Verbose prints each dispatched action with its outcome.
	Verbose bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		engine:  cfg.Engine,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		session: cfg.SessionID,
		spinner: cfg.Spinner,
		verbose: cfg.Verbose,
	}
}

// SessionID is the session the REPL currently talks to.
func (c *CLI) SessionID() string { return c.session }

// Start runs the REPL until EOF, /quit, or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) error {
	_, _ = fmt.Fprintf(c.out, "actionbridge chat (session %s). Type /help for commands, /quit to exit.\n", c.session)
	_, _ = fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, "You> ")
			continue
		}

		if cmd := agent.ParseCommand(line); cmd != nil {
			res := c.engine.HandleCommand(ctx, c.session, cmd)
			if res.Handled {
				_, _ = fmt.Fprintln(c.out, res.Response)
				if res.SessionID != "" {
					c.session = res.SessionID
				}
				if res.Quit {
					c.logger.Info("user requested quit", "session", c.session)
					return nil
				}
				_, _ = fmt.Fprint(c.out, "You> ")
				continue
			}
		}

		c.startThinking()
		out, err := c.engine.ProcessUtterance(ctx, c.session, line)
		c.stopThinking()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("process utterance: %w", err)
		}
		c.render(out)
		_, _ = fmt.Fprint(c.out, "You> ")
	}
}

func (c *CLI) render(out agent.Outcome) {
	if c.verbose {
		for _, r := range out.Results {
			mark := "ok"
			if !r.OK {
				mark = string(r.Error.Kind)
			}
			_, _ = fmt.Fprintf(c.out, "  -> %s [%s, %d attempt(s), %s]\n", r.Tool, mark, r.Attempts, r.Duration.Round(time.Millisecond))
		}
	}
	label := "Bot"
	if out.Status == domain.StatusNeedsClarification {
		label = "Bot?"
	}
	_, _ = fmt.Fprintf(c.out, "%s> %s\n", label, out.Message)
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				_, _ = fmt.Fprint(c.out, "\r\033[K")
				return
			case <-ticker.C:
				_, _ = fmt.Fprintf(c.out, "\r%s Working...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}
