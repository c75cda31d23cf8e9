package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kokoro/common/spec/envelope"
	"github.com/bdobrica/kokoro/internal/kokoro/cache"
	"github.com/bdobrica/kokoro/internal/kokoro/initiative"
	"github.com/bdobrica/kokoro/internal/kokoro/resolver"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
	"github.com/bdobrica/kokoro/internal/kokoro/session"
	"github.com/bdobrica/kokoro/internal/kokoro/store/remote"
	"github.com/bdobrica/kokoro/internal/kokoro/summary"
)

const chatLongDesc string = `Talk to a companion from the terminal.

Memory lives on the Kokoro server; the recent conversation is cached locally
so the next run picks up where this one left off. Messages the companion
wrote while you were away are shown when you connect.

Commands:
  /incognito on|off   Switch to a conversation that is never remembered
  /mood <name>        Change the companion's mood
  /memory             Show what the companion remembers
  /reset              Forget everything and start over
  /exit               Leave (Ctrl+D works too)`

type chatCommander struct {
	server    string
	user      string
	character string
	mood      string
	timezone  string

	out    io.Writer
	logger *slog.Logger
}

func newChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a companion",
		Long:  chatLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmder.user == "" {
				return fmt.Errorf("a user is required (--user or %s)", env.Name("USER"))
			}
			cmder.out = cmd.OutOrStdout()
			cmder.logger = slog.Default()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return cmder.run(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVarP(&cmder.server, "server", "s", env.String("SERVER_URL", defaultServerURL), "Kokoro server URL")
	cmd.Flags().StringVarP(&cmder.user, "user", "u", env.String("USER", ""), "User id")
	cmd.Flags().StringVarP(&cmder.character, "character", "c", "aiko", "Persona to talk to")
	cmd.Flags().StringVarP(&cmder.mood, "mood", "m", "", "Initial mood (persona default when empty)")
	cmd.Flags().StringVar(&cmder.timezone, "timezone", localZone(), "IANA timezone used for initiative waking hours")
	return cmd
}

func localZone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	return time.Local.String()
}

func (c *chatCommander) run(ctx context.Context, in io.Reader) error {
	personas, err := loadPersonas()
	if err != nil {
		return err
	}
	p, ok := personas.Get(c.character)
	if !ok {
		return fmt.Errorf("unknown persona %q (see kokoro personas list)", c.character)
	}

	medium, err := cache.NewDirMedium(cacheDir())
	if err != nil {
		return err
	}
	durable := remote.New(c.server, 10*time.Second)
	syncer := resolver.NewSyncer(durable, resolver.SyncerConfig{Logger: c.logger})
	defer syncer.Close()

	res := resolver.New(resolver.Config{
		Cache:    cache.New(medium, cache.WithLogger(c.logger)),
		Store:    durable,
		Syncer:   syncer,
		Personas: personas,
		Logger:   c.logger,
	})

	sess, err := session.New(session.Config{
		UserID:      c.user,
		CharacterID: p.ID,
		Resolver:    res,
		Backend:     loadBackend(),
		Summariser:  summary.NewLLMSummariser(loadSummaryConfig()),
		Mood:        c.mood,
		OnTyping: func(d time.Duration) {
			fmt.Fprintf(c.out, "  %s is typing…\n", p.Name)
		},
		OnMessage: func(msg schema.Message) { c.print(p, msg) },
		Logger:    c.logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Open(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\n  Talking to %s (%s, memory from %s). /exit to leave.\n\n", p.Name, sess.Mood().Name, sess.Source())
	for _, msg := range sess.History() {
		c.print(p, msg)
	}

	pushes, err := initiative.Dial(ctx, initiative.ClientConfig{
		URL:         websocketURL(c.server),
		UserID:      c.user,
		CharacterID: p.ID,
		Timezone:    c.timezone,
		Display: func(characterID string, msgs []envelope.Message) bool {
			return c.display(ctx, sess, personas, characterID, msgs)
		},
		Logger: c.logger,
	})
	if err != nil {
		c.logger.Warn("chat: initiative channel unavailable", "err", err)
	} else {
		defer pushes.Close()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := c.handle(ctx, sess, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether the user left.
func (c *chatCommander) handle(ctx context.Context, sess *session.Session, line string) bool {
	_ = sess.Touch(initiative.SignalKeypress)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := sess.Send(ctx, line); err != nil {
			fmt.Fprintf(c.out, "  ! %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "exit", "quit":
		return true
	case "incognito":
		on := arg != "off"
		if err = sess.SetIncognito(ctx, on); err == nil {
			if on {
				fmt.Fprintln(c.out, "  (incognito: nothing from here on is remembered)")
			} else {
				fmt.Fprintln(c.out, "  (back to the remembered conversation)")
			}
		}
	case "mood":
		if err = sess.SetMood(arg); err == nil {
			fmt.Fprintf(c.out, "  (mood: %s)\n", sess.Mood().Name)
		}
	case "memory":
		m := sess.Memory()
		fmt.Fprintf(c.out, "  relationship: %s, tone: %s, messages: %d\n", m.RelationshipStatus, m.ConversationTone, m.MessageCount)
		for _, f := range m.Facts {
			fmt.Fprintf(c.out, "  - %s\n", f)
		}
		if m.Summary != "" {
			fmt.Fprintf(c.out, "  summary: %s\n", m.Summary)
		}
	case "reset":
		if err = sess.Reset(ctx); err == nil {
			fmt.Fprintln(c.out, "  (memory reset)")
			for _, msg := range sess.History() {
				c.print(sess.Persona(), msg)
			}
		}
	default:
		err = fmt.Errorf("unknown command /%s", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "  ! %v\n", err)
	}
	return false
}

// display shows messages the server queued while the user was away. Those
// for the open conversation join it and are reported as taken. Others are
// only announced and stay queued until their own conversation is opened.
func (c *chatCommander) display(ctx context.Context, sess *session.Session, personas resolver.Catalog, characterID string, msgs []envelope.Message) bool {
	if characterID != sess.Persona().ID {
		name := characterID
		if p, ok := personas.Get(characterID); ok {
			name = p.Name
		}
		fmt.Fprintf(c.out, "  (%s left you %d message(s))\n", name, len(msgs))
		return false
	}
	for _, m := range msgs {
		if err := sess.InsertProactive(ctx, m.Text); err != nil {
			c.logger.Warn("chat: insert queued message", "err", err)
			return false
		}
	}
	return true
}

func (c *chatCommander) print(p schema.Persona, msg schema.Message) {
	switch msg.Kind {
	case schema.KindUser:
		fmt.Fprintf(c.out, "you> %s\n", msg.Text)
	case schema.KindCompanionThought:
		fmt.Fprintf(c.out, "%s> (%s)\n", strings.ToLower(p.Name), msg.Thought)
	default:
		text := msg.Text
		if msg.Speech != "" {
			text = msg.Speech
			if msg.Thought != "" {
				text += "  (" + msg.Thought + ")"
			}
		}
		fmt.Fprintf(c.out, "%s> %s\n", strings.ToLower(p.Name), text)
	}
}

// websocketURL maps the server URL to the initiative channel endpoint.
func websocketURL(server string) string {
	u := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/initiative/ws"
}
