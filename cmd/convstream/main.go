// convstream connects to an agent server conversation, prints the event
// stream and sends each line read from stdin as a message action.
// Usage: go run ./cmd/convstream --config configs/convstream.example.yaml
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/convstream/internal/api"
	"github.com/rickgao/convstream/internal/archive"
	"github.com/rickgao/convstream/internal/client"
	"github.com/rickgao/convstream/internal/config"
	"github.com/rickgao/convstream/internal/database"
	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/identity"
	"github.com/rickgao/convstream/internal/ingest"
	"github.com/rickgao/convstream/internal/session"
	"github.com/rickgao/convstream/internal/transport/socketio"
	"github.com/rickgao/convstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/convstream.example.yaml", "path to config file")
	listRepos := flag.Bool("list-repos", false, "list GitHub repositories and exit")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	readStdin := flag.Bool("stdin", true, "send lines from stdin as messages")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting convstream",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	apiClient := api.NewClient(
		cfg.Server.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Server.Timeout),
		api.WithRetries(cfg.Server.MaxRetries, time.Second),
	)

	if err := apiClient.Health(ctx); err != nil {
		logger.Error("agent server is not healthy", "url", cfg.Server.RestURL, "error", err)
		os.Exit(1)
	}
	logger.Info("agent server healthy", "url", cfg.Server.RestURL)

	if *listRepos {
		if err := printRepositories(ctx, apiClient, cfg.Session.GitHubToken, os.Stdout); err != nil {
			logger.Error("failed to list repositories", "error", err)
			os.Exit(1)
		}
		return
	}

	// Optional event archive
	var (
		pool   *pgxpool.Pool
		writer *archive.Writer
	)
	if cfg.Archive.Enabled {
		pool, err = database.Connect(ctx, cfg.Archive.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := archive.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to create archive schema", "error", err)
			os.Exit(1)
		}

		writer = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, cfg.Session.ConversationID, pool, logger)
		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start archive writer", "error", err)
			os.Exit(1)
		}
	}

	tr := socketio.New(socketio.Config{
		URL:               cfg.Server.BaseURL,
		HandshakeTimeout:  cfg.Transport.HandshakeTimeout,
		WriteTimeout:      cfg.Transport.WriteTimeout,
		Reconnect:         true,
		ReconnectBaseWait: cfg.Transport.ReconnectBaseWait,
		ReconnectMaxWait:  cfg.Transport.ReconnectMaxWait,
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		BufferSize:        cfg.Transport.BufferSize,
	}, logger)

	out := &eventPrinter{w: os.Stdout, verbose: *verbose}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithDispatcher(ingest.DispatcherFunc(out.print)),
		client.WithIdentitySource(session.IdentitySourceFunc(func() {
			logger.Warn("session cleared; restart with a fresh token to reconnect")
		})),
		client.WithTelemetry(session.TelemetryFunc(func(name string) {
			logger.Info("telemetry", "event", name)
		})),
	}
	if writer != nil {
		opts = append(opts, client.WithArchiver(writer))
	}

	c := client.New(client.Config{
		Session:       session.Config{TeardownDelay: cfg.Client.TeardownDelay},
		RateWindow:    cfg.Client.RateWindow,
		RateThreshold: cfg.Client.RateThreshold,
	}, tr, opts...)

	c.Mount()
	if err := c.Reconcile(session.Inputs{
		Enabled: cfg.Session.IsEnabled(),
		Identity: identity.Identity{
			PrimaryToken:   cfg.Session.Token,
			SecondaryToken: cfg.Session.GitHubToken,
			SessionID:      cfg.Session.ConversationID,
		},
		SelectedRepository: cfg.Session.SelectedRepository,
	}); err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}

	deps := healthDeps{client: c}
	if pool != nil {
		deps.db = pool
		deps.archive = writer
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(deps),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		watchState(gctx, c, logger)
		return nil
	})

	// Scanner reads block without a context, so stdin stays outside the group.
	if *readStdin {
		go sendLines(ctx, c, os.Stdin, logger)
	}

	logger.Info("convstream running",
		"conversation_id", cfg.Session.ConversationID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	if err := g.Wait(); err != nil {
		logger.Error("shutting down after error", "error", err)
	}

	logger.Info("shutting down...")

	closeClient(c, logger)

	if writer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := writer.Stop(stopCtx); err != nil {
			logger.Error("failed to stop archive writer", "error", err)
		}
		stats := writer.Stats()
		logger.Info("archive writer stats",
			"received", stats.Received,
			"inserts", stats.Inserts,
			"conflicts", stats.Conflicts,
			"dropped", stats.Dropped,
		)
	}

	logger.Info("convstream stopped")
}

// closeClient closes the connection at once. Nothing is left to debounce
// at exit, so no teardown is scheduled.
func closeClient(c *client.Client, logger *slog.Logger) {
	if err := c.Close(); err != nil && !errors.Is(err, session.ErrClosed) {
		logger.Warn("close client", "error", err)
	}
}

// newLogger builds the process logger from the log config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// watchState logs connection state transitions until ctx is done.
func watchState(ctx context.Context, c *client.Client, logger *slog.Logger) {
	last := c.State()
	loading := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Updates():
			snap := c.Snapshot()
			if snap.State != last {
				logger.Info("connection state changed", "from", last, "to", snap.State)
				last = snap.State
			}
			if snap.IsLoadingMessages != loading {
				loading = snap.IsLoadingMessages
				logger.Debug("loading messages", "loading", loading, "events", len(snap.Events))
			}
		}
	}
}

// sendLines sends each non-empty line from r as a message action.
func sendLines(ctx context.Context, c *client.Client, r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.Send(messageAction(line)); err != nil {
			logger.Warn("message not sent", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read stdin", "error", err)
	}
}

// messageAction builds the action event for a user chat message.
func messageAction(content string) event.Event {
	return event.Event{
		"action": "message",
		"args": map[string]any{
			"content":    content,
			"image_urls": []string{},
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// eventPrinter writes dispatched events to the console.
type eventPrinter struct {
	w       io.Writer
	verbose bool
}

func (p *eventPrinter) print(ev event.Event) {
	if p.verbose {
		data, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(p.w, "unencodable event: %v\n", err)
			return
		}
		fmt.Fprintln(p.w, string(data))
		return
	}

	id := "-"
	if n, ok := ev.ID(); ok {
		id = fmt.Sprint(n)
	}
	kind := ev.Action()
	if kind == "" {
		kind = ev.Observation()
	}
	msg, _ := ev["message"].(string)
	fmt.Fprintf(p.w, "[%s] %s %s\n", id, kind, truncate(msg, 120))
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// printRepositories lists up to three pages of the user's repositories.
func printRepositories(ctx context.Context, c *api.Client, githubToken string, w io.Writer) error {
	repos, err := c.ListAllRepositories(ctx, githubToken, api.ListRepositoriesParams{PerPage: 10}, 3)
	if err != nil {
		return err
	}
	for _, r := range repos {
		fmt.Fprintf(w, "%-50s stars=%d private=%t\n", r.FullName, r.StargazersCount, r.Private)
	}
	return nil
}
