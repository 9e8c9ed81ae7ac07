package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/harun/tether/internal/daemon"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/session"
)

var (
	chatAgent   string
	chatUser    string
	chatOffline bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with an agent in the terminal",
	Long: `Open an interactive session with an agent from the catalog. Lines
starting with ! are commands (try !help). Ctrl-C cancels a running turn;
at the prompt it exits. With --offline every model is served by the local
echo model, so no provider credentials are needed.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "agent id (default is session.default_agent)")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "user id owning the session (default is $USER)")
	chatCmd.Flags().BoolVar(&chatOffline, "offline", false, "answer with the echo model instead of a provider")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// The terminal belongs to the conversation; logs go to the file only.
	cfg.Logging.Console = false
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	out := cmd.OutOrStdout()
	printer := &chatPrinter{out: out}
	opts := []daemon.Option{daemon.WithEventSink(printer)}
	if chatOffline {
		echo := func(model.Profile) (model.Capability, error) { return model.NewEcho(), nil }
		for _, p := range cfg.Models.Profiles {
			opts = append(opts, daemon.WithModelBuilder(p.Provider, echo))
		}
	}

	d, err := daemon.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	defer d.Close()

	user := chatUser
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "local"
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	rt, err := d.GetSessionManager().Create(ctx, user, chatAgent)
	if err != nil {
		return err
	}
	printer.setSession(rt.ID())
	fmt.Fprintf(out, "session %s with %s (!help for commands)\n", rt.ID(), rt.Info().AgentID)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if rt.Cancel() {
				fmt.Fprintln(out, "\n^C cancelling turn")
				continue
			}
			cancel()
			return
		}
	}()

	return chatLoop(ctx, rt, cmd.InOrStdin(), out, isTerminal(cmd.InOrStdin()))
}

// chatLoop feeds lines to rt one at a time until input ends or ctx is done.
func chatLoop(ctx context.Context, rt *session.Runtime, in io.Reader, out io.Writer, prompt bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			// Failures are already reported as error events.
			_ = rt.HandleMessage(ctx, line)
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// chatPrinter renders session events as plain terminal text.
type chatPrinter struct {
	out io.Writer

	mu        sync.Mutex
	sessionID string
	midLine   bool
}

func (p *chatPrinter) setSession(id string) {
	p.mu.Lock()
	p.sessionID = id
	p.mu.Unlock()
}

func (p *chatPrinter) Emit(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionID != "" && e.SessionID != p.sessionID {
		return
	}

	switch e.Type {
	case event.TypeTextDelta:
		fmt.Fprint(p.out, e.Text)
		p.midLine = true
	case event.TypeToolCallBegin:
		p.line(fmt.Sprintf("[%s ...]", e.ToolName))
	case event.TypeToolCallEnd:
		if e.IsError {
			p.line(fmt.Sprintf("[%s failed: %s]", e.ToolName, e.Result))
		} else {
			p.line(fmt.Sprintf("[%s done]", e.ToolName))
		}
	case event.TypeCompletion:
		if p.midLine {
			fmt.Fprintln(p.out)
			p.midLine = false
		}
	case event.TypeError:
		p.line("error: " + e.Message)
	case event.TypeSystemMessage:
		p.line(e.Message)
	case event.TypeRenderMedia:
		if e.Media != nil {
			p.line(fmt.Sprintf("[media %s %s]", e.Media.MimeType, e.Media.URL))
		}
	}
}

func (p *chatPrinter) line(s string) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintln(p.out, s)
}
