package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Connect to the chat and read commands from stdin.

Plain lines are sent to the open conversation. Commands:
  /open <id|username>  open a conversation
  /more                load older messages
  /list                show conversations
  /online              show who is online
  /dismiss             clear the last server notice
  /reconnect           retry the connection after it gave up
  /help                show this help
  /quit                leave`

var chatCmd = &cobra.Command{
	Use:   "chat [participant]",
	Short: "Open an interactive chat session",
	Long:  chatHelp,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sc, err := sessionConfig(cfg)
		if err != nil {
			return err
		}
		session, err := clinicchat.NewSession(sc)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		r := newREPL(session.Store(), session.Presence(), session.Transport(), os.Stdout)
		session.Transport().Subscribe(r.onEvent)

		if err := session.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Not connected yet: %v (retrying in background)\n", err)
		}
		if len(args) == 1 {
			if err := r.open(ctx, args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "open: %v\n", err)
			}
		}

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return r.run(gCtx, lines)
		})
		g.Go(func() error {
			<-gCtx.Done()
			return session.Close()
		})

		err = g.Wait()
		if errors.Is(err, errQuit) {
			return nil
		}
		return err
	},
}

var errQuit = errors.New("quit")

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

type reconnecter interface {
	Rearm()
	Connect(ctx context.Context) error
}

// repl renders chat events and executes typed commands.
type repl struct {
	store    *clinicchat.Store
	presence *clinicchat.Presence
	conn     reconnecter

	mu  sync.Mutex
	out io.Writer
}

func newREPL(store *clinicchat.Store, presence *clinicchat.Presence, conn reconnecter, out io.Writer) *repl {
	return &repl{store: store, presence: presence, conn: conn, out: out}
}

func (r *repl) printf(format string, a ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, a...)
}

// run consumes lines until /quit, end of input or cancellation.
func (r *repl) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := r.handleLine(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				r.printf("! %v\n", err)
			}
		}
	}
}

func (r *repl) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.store.SendOutgoing(ctx, line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return errQuit
	case "/open":
		if arg == "" {
			return errors.New("usage: /open <id|username>")
		}
		return r.open(ctx, arg)
	case "/more":
		if err := r.store.Pages().LoadOlder(ctx); err != nil {
			return err
		}
		r.printWindow()
	case "/list":
		r.mu.Lock()
		printConversations(r.out, r.store.View().Conversations, r.presence.IsOnline)
		r.mu.Unlock()
	case "/online":
		r.mu.Lock()
		printParticipants(r.out, r.presence.Online())
		r.mu.Unlock()
	case "/dismiss":
		r.store.DismissNotice()
	case "/reconnect":
		r.conn.Rearm()
		return r.conn.Connect(ctx)
	case "/help":
		r.printf("%s\n", chatHelp)
	default:
		return fmt.Errorf("unknown command %s", command)
	}
	return nil
}

// open selects the conversation with the participant named by id or
// username, looking in the list first and then among online users.
func (r *repl) open(ctx context.Context, ref string) error {
	p := r.resolve(ref)
	if err := r.store.SelectParticipant(ctx, p); err != nil {
		return err
	}
	r.printf("-- %s\n", p.DisplayName())
	r.printWindow()
	return nil
}

func (r *repl) resolve(ref string) clinicchat.Participant {
	for _, c := range r.store.View().Conversations {
		if c.OtherParticipant.ID == ref || strings.EqualFold(c.OtherParticipant.Username, ref) {
			return c.OtherParticipant
		}
	}
	for _, u := range r.presence.Online() {
		if u.ID == ref || strings.EqualFold(u.Username, ref) {
			return u
		}
	}
	return clinicchat.Participant{ID: ref}
}

func (r *repl) printWindow() {
	v := r.store.View()
	if v.Active == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.HasOlder() {
		fmt.Fprintf(r.out, "   (older messages: /more, page %d of %d, %d per page)\n",
			v.CurrentPage, v.TotalPages, r.store.Pages().PageSize())
	}
	printMessages(r.out, v.Window, r.names(v))
	if v.WindowErr != nil {
		fmt.Fprintf(r.out, "! history: %v\n", v.WindowErr)
	}
}

func (r *repl) names(v clinicchat.View) map[string]string {
	names := map[string]string{r.store.Self().ID: "me"}
	if v.Active != nil {
		names[v.Active.OtherParticipant.ID] = v.Active.OtherParticipant.DisplayName()
	}
	return names
}

// onEvent prints live events. It runs after the session has applied them.
func (r *repl) onEvent(ev clinicchat.Event) {
	switch ev := ev.(type) {
	case clinicchat.NewMessage:
		v := r.store.View()
		if v.Active != nil && v.Active.ConversationID == ev.Message.ConversationID {
			r.mu.Lock()
			printMessage(r.out, ev.Message, r.names(v))
			r.mu.Unlock()
			return
		}
		r.printf("* new message from %s\n", ev.Sender.DisplayName())
	case clinicchat.SendConfirmation:
		r.mu.Lock()
		printMessage(r.out, ev.Message, r.names(r.store.View()))
		r.mu.Unlock()
	case clinicchat.ServerError:
		r.printf("! server: %s (/dismiss)\n", ev.Message)
	case clinicchat.ConnectionOpened:
		r.printf("* connected\n")
	case clinicchat.ConnectionClosed:
		switch {
		case ev.Retrying:
			r.printf("* disconnected (code %d), retrying\n", ev.Code)
		case ev.Code == clinicchat.CloseNormal:
		default:
			r.printf("* disconnected (code %d): %s. /reconnect to retry\n", ev.Code, ev.Reason)
		}
	}
}
