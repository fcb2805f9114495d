package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/handlers"
	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/MegaGrindStone/chat-session/internal/session"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const errLoggerKey = "err"

type app struct {
	cfgPath string

	cfg    config
	cfgDir string
	logger *slog.Logger
}

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "chatsession",
		Short:        "Streaming chat session manager",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default <user config dir>/chatsession/config.yaml)")

	var mode string
	ask := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ask(cmd.Context(), out, mode, strings.Join(args, " "))
		},
	}
	ask.Flags().StringVar(&mode, "mode", "", "turn mode (instant, thinking, agent, swarm, research, code)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the session over HTTP",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.serve(cmd.Context())
			},
		},
		ask,
		&cobra.Command{
			Use:   "clear",
			Short: "Discard the persisted conversation",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.clear(cmd.Context())
			},
		},
	)

	return root
}

func (a *app) load() error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	a.cfgDir = filepath.Join(cfgDir, "chatsession")
	if err := os.MkdirAll(a.cfgDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	path := a.cfgPath
	if path == "" {
		path = filepath.Join(a.cfgDir, "config.yaml")
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = cfg.logger(os.Stderr)
	return nil
}

// newSession opens the store and backend and hydrates a session from them. The returned function
// releases the store.
func (a *app) newSession(ctx context.Context, onUpdate func(models.Message)) (*session.Session, func() error, error) {
	backend, err := a.cfg.Backend.backend(a.cfg.SystemPrompt, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating backend: %w", err)
	}

	store, closeStore, err := a.cfg.Store.store(a.cfgDir)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening store: %w", err)
	}

	opts, err := a.cfg.sessionOptions(store, a.logger)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	opts.OnUpdate = onUpdate

	return session.New(ctx, backend, opts), closeStore, nil
}

func (a *app) serve(ctx context.Context) error {
	m := handlers.NewMain(a.logger)
	sess, closeStore, err := a.newSession(ctx, m.PublishMessage)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			a.logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	}()
	m = m.WithSession(sess)

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/uploads", m.HandleUploads)
	mux.HandleFunc("/cancel", m.HandleCancel)
	mux.HandleFunc("/clear", m.HandleClear)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/downloads", m.HandleDownloads)
	mux.HandleFunc("/sources", m.HandleSources)
	mux.HandleFunc("/followups", m.HandleFollowUps)
	mux.HandleFunc("/sse/messages", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				a.logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		if err := m.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
		return nil
	})

	return g.Wait()
}

func (a *app) ask(ctx context.Context, out io.Writer, rawMode, text string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var p streamPrinter
	p.out = out
	sess, closeStore, err := a.newSession(ctx, p.print)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	mode := sess.Mode()
	if rawMode != "" {
		if mode, err = models.ParseMode(rawMode); err != nil {
			return err
		}
	}

	res, err := sess.SendMode(ctx, mode, text)
	if err != nil {
		return err
	}
	p.finish(res)

	if res.Status != models.StatusSuccess {
		return fmt.Errorf("turn ended with status %s", res.Status)
	}
	return nil
}

func (a *app) clear(ctx context.Context) error {
	sess, closeStore, err := a.newSession(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	sess.Clear(ctx)
	return nil
}

// streamPrinter writes the growth of the streaming assistant message as it happens.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	id      string
	printed string
}

func (p *streamPrinter) print(msg models.Message) {
	if msg.Role != models.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ID != p.id {
		p.id = msg.ID
		p.printed = ""
	}
	if msg.Content == p.printed {
		return
	}
	// Content grows by appending while streaming. Anything else replaced it, so start a new line.
	if strings.HasPrefix(msg.Content, p.printed) {
		fmt.Fprint(p.out, msg.Content[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+msg.Content)
	}
	p.printed = msg.Content
}

func (p *streamPrinter) finish(msg models.Message) {
	p.print(msg)

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out)
	for _, d := range msg.Downloads {
		fmt.Fprintf(p.out, "download: %s %s\n", d.Filename, d.DownloadURL)
	}
	for _, s := range msg.SearchSources {
		fmt.Fprintf(p.out, "source: %s %s\n", s.Origin, s.Locator)
	}
	for _, q := range msg.FollowUpQuestions {
		fmt.Fprintf(p.out, "follow-up: %s\n", q)
	}
}
