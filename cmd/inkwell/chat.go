package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/inkwell/internal/chat"
	"github.com/zulandar/inkwell/internal/filestore"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		convID     string
		model      string
		commit     bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Chat in the terminal",
		Long: `Sends the arguments as one prompt, or opens an interactive session when
stdin is a terminal. Piped stdin is sent as a single prompt.

Interactive commands: /new, /proposals, /apply <id>, /discard <id>, /help, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := newApp(ctx, cfg, appOpts{Logger: log})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if _, err := a.restore(ctx); err != nil {
				return err
			}
			return runChat(ctx, a, chatOpts{
				ConversationID: convID,
				Model:          model,
				Commit:         commit,
				Args:           args,
				In:             cmd.InOrStdin(),
				Out:            cmd.OutOrStdout(),
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&convID, "conversation", "C", "", "continue an existing conversation")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (default from config)")
	cmd.Flags().BoolVar(&commit, "commit", false, "commit applied edits in the file store")
	return cmd
}

type chatOpts struct {
	ConversationID string
	Model          string
	Commit         bool
	Args           []string
	In             io.Reader
	Out            io.Writer
	// Interactive forces the REPL; otherwise it is used when stdin is a terminal.
	Interactive bool
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runChat(ctx context.Context, a *app, opts chatOpts) error {
	s := &chatSession{a: a, out: opts.Out, commit: filestore.Commit{Enabled: opts.Commit}}
	if err := s.open(opts.ConversationID, opts.Model); err != nil {
		return err
	}

	switch {
	case len(opts.Args) > 0:
		return s.send(ctx, strings.Join(opts.Args, " "))
	case opts.Interactive || isTerminal(opts.In):
		return s.repl(ctx, opts.In)
	default:
		data, err := io.ReadAll(opts.In)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		return s.send(ctx, string(data))
	}
}

// chatSession renders turns of one conversation to a terminal.
type chatSession struct {
	a      *app
	out    io.Writer
	commit filestore.Commit
	conv   string
}

func (s *chatSession) open(convID, model string) error {
	if convID == "" {
		c := s.a.engine.NewConversation(model)
		s.conv = c.ID
		fmt.Fprintf(s.out, "Conversation %s\n", c.ID)
		return nil
	}
	if _, ok := s.a.store.Get(convID); !ok {
		return fmt.Errorf("conversation %s not found", convID)
	}
	s.conv = convID
	if model != "" {
		return s.a.engine.SetModel(convID, model)
	}
	return nil
}

// send runs one turn, echoing the reply as it streams.
func (s *chatSession) send(ctx context.Context, text string) error {
	editing := ""
	turn, err := s.a.engine.Send(ctx, s.conv, text, chat.SendOpts{Observer: func(ev chat.Event) {
		switch ev.Kind {
		case chat.EventDelta:
			fmt.Fprint(s.out, ev.Text)
		case chat.EventReset:
			fmt.Fprint(s.out, "\n[stream interrupted, retrying]\n")
		case chat.EventLiveEdit:
			if editing != ev.LiveEdit.File {
				editing = ev.LiveEdit.File
				fmt.Fprintf(s.out, "\n[writing %s]", editing)
			}
			if ev.LiveEdit.Final {
				fmt.Fprintf(s.out, "\n[%s ready for review, %d bytes]\n", editing, len(ev.LiveEdit.Body))
				editing = ""
			}
		case chat.EventFailed:
			fmt.Fprintf(s.out, "\n%s", ev.Error)
		}
	}})
	fmt.Fprintln(s.out)
	if err != nil && turn.MessageID == "" {
		return err
	}

	for _, p := range turn.Proposals {
		fmt.Fprintf(s.out, "proposal %s: %s %s\n", p.ID, p.Mode, p.File)
	}
	for _, e := range turn.Execs {
		fmt.Fprintln(s.out, e.Prefix)
		if e.Output != "" {
			fmt.Fprint(s.out, e.Output)
			if !strings.HasSuffix(e.Output, "\n") {
				fmt.Fprintln(s.out)
			}
		}
	}
	if n := len(turn.Skips); n > 0 {
		fmt.Fprintf(s.out, "(%d malformed command blocks skipped)\n", n)
	}
	return err
}

func (s *chatSession) repl(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(s.out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(s.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.send(ctx, line); err != nil && !errors.Is(err, chat.ErrTurnFailed) {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// command runs a slash command. It reports whether the session should end.
func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	arg := func(what string) (string, error) {
		if len(fields) < 2 {
			return "", fmt.Errorf("%s needs a %s", fields[0], what)
		}
		return fields[1], nil
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, "/new, /proposals, /apply <id>, /discard <id>, /files, /open <name>, /quit")
	case "/new":
		return false, s.open("", "")
	case "/proposals":
		props := s.a.queue.List()
		if len(props) == 0 {
			fmt.Fprintln(s.out, "No pending proposals.")
		}
		for _, p := range props {
			fmt.Fprintf(s.out, "%s  %-8s %s\n", p.ID, p.Mode, p.File)
		}
	case "/apply":
		id, err := arg("proposal id")
		if err != nil {
			return false, err
		}
		if err := s.a.queue.Apply(ctx, id, s.commit); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Applied %s\n", id)
	case "/discard":
		id, err := arg("proposal id")
		if err != nil {
			return false, err
		}
		if err := s.a.queue.Discard(id); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Discarded %s\n", id)
	case "/files":
		files, err := s.a.files.ListFiles(ctx)
		if err != nil {
			return false, err
		}
		if len(files) == 0 {
			fmt.Fprintln(s.out, "No workspace files.")
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
		for _, f := range files {
			fmt.Fprintf(s.out, "%-32s %d bytes\n", f.Name, f.Size)
		}
	case "/open":
		name, err := arg("file name")
		if err != nil {
			return false, err
		}
		tf, err := s.a.files.ReadText(ctx, name)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "--- %s ---\n%s", name, tf.Text)
		if !strings.HasSuffix(tf.Text, "\n") {
			fmt.Fprintln(s.out)
		}
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}
