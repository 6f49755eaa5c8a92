package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"edgecopilot/client"
	"edgecopilot/internal/models"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	noStream  bool
	password  string

	rootCmd = &cobra.Command{
		Use:   "copilot",
		Short: "Terminal client for the edge copilot server",
	}
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE:  runChat,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("COPILOT_SERVER", "http://localhost:8090"), "copilot server base URL")
	chatCmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for complete replies instead of streaming")
	chatCmd.Flags().StringVar(&password, "password", os.Getenv("COPILOT_PASSWORD"), "shared password for servers in basic auth mode")
	rootCmd.AddCommand(chatCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runChat(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	mode := client.AuthModeNone
	if password != "" {
		mode = client.AuthModeBasic
	}
	c := client.New(client.Options{BaseURL: serverURL, Stream: !noStream, AuthMode: mode})
	if password != "" {
		if _, err := c.Authenticate(cmd.Context(), password); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	p := &printer{out: out}
	c.On(client.EventMessage, p.onUpdate)
	c.On(client.EventAuthRequired, func(any) {
		fmt.Fprintln(out, "\n[server requires authentication, restart with --password]")
	})

	// Ctrl+C cancels the reply in flight; it quits only at the prompt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	busy := make(chan struct{}, 1)
	go func() {
		for range sigCh {
			select {
			case <-busy:
				c.Cancel()
			default:
				fmt.Fprintln(out, "\nbye")
				os.Exit(0)
			}
		}
	}()

	fmt.Fprintln(out, "Commands: /reset, /retry, /like [comment], /dislike [comment], /quit")
	in := bufio.NewReader(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		line, err := in.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmdName, arg, _ := strings.Cut(line, " ")
		switch cmdName {
		case "/quit", "/exit":
			return nil
		case "/reset":
			c.ResetChat()
			p.reset()
			fmt.Fprintln(out, "[conversation cleared]")
			continue
		case "/like", "/dislike":
			rateLast(cmd.Context(), c, out, models.Rating(strings.TrimPrefix(cmdName, "/")), arg)
			continue
		}

		p.reset()
		busy <- struct{}{}
		var sendErr error
		if cmdName == "/retry" {
			_, sendErr = c.ReplyMessage(cmd.Context())
		} else {
			_, sendErr = c.SendMessage(cmd.Context(), line)
		}
		select {
		case <-busy:
		default:
		}
		fmt.Fprintln(out)
		switch {
		case errors.Is(sendErr, client.ErrCanceled):
			fmt.Fprintln(out, "[canceled]")
		case sendErr != nil:
			fmt.Fprintf(out, "[error: %v]\n", sendErr)
		}
	}
}

func rateLast(ctx context.Context, c *client.Client, out io.Writer, rating models.Rating, comments string) {
	msgs := c.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != string(models.RoleAssistant) {
			continue
		}
		if err := c.SendFeedback(ctx, msgs[i].ID, rating, strings.TrimSpace(comments)); err != nil {
			fmt.Fprintf(out, "[feedback failed: %v]\n", err)
			return
		}
		fmt.Fprintln(out, "Thank you for your feedback.")
		return
	}
	fmt.Fprintln(out, "[no reply to rate yet]")
}

// printer writes the growing reply as deltas so the terminal shows tokens as
// they arrive.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
}

func (p *printer) reset() {
	p.mu.Lock()
	p.printed = 0
	p.mu.Unlock()
}

func (p *printer) onUpdate(payload any) {
	update, ok := payload.(client.MessagesUpdate)
	if !ok || len(update.Messages) == 0 {
		return
	}
	last := update.Messages[len(update.Messages)-1]
	if last.Role != string(models.RoleAssistant) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(last.Content) > p.printed {
		fmt.Fprint(p.out, last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}
