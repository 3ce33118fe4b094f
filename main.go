package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"palaver/internal/client"
	"palaver/internal/commands"
	"palaver/internal/config"
	"palaver/internal/directory"
	"palaver/internal/http"
	"palaver/internal/models"
	"palaver/internal/senders"
	"palaver/internal/storage"
	"palaver/internal/transport"
)

type outbox interface {
	client.Outbox
	Close() error
}

func newDialer(cfg *config.Config) transport.Dialer {
	if cfg.Transport == config.TransportNATS {
		return &transport.NATSDialer{
			URL:    cfg.NATSURL,
			Prefix: cfg.NATSPrefix,
			UserID: cfg.UserID,
			Token:  cfg.Token,
			Name:   "palaver-" + cfg.UserID,
		}
	}
	return &transport.WebSocketDialer{URL: cfg.WSURL, Token: cfg.Token}
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		box      outbox
		profiles *storage.BboltStorage
	)
	if cfg.OutboxDB != "" {
		bbStorage, err := storage.NewBboltStorage(cfg.OutboxDB)
		if err != nil {
			return err
		}
		box, profiles = bbStorage, bbStorage
	} else {
		box = storage.NewMemoryOutbox()
	}
	defer func() { _ = box.Close() }()

	dir := directory.New(cfg.APIURL, cfg.Token)

	cacheOpts := senders.Options{
		LookupTimeout: cfg.LookupTimeout,
		ProfileTTL:    cfg.ProfileTTL,
		Logger:        logger,
	}
	if profiles != nil {
		cacheOpts.OnLookup = func(p models.Profile) {
			if err := profiles.UpsertProfile(p); err != nil {
				slog.Warn("failed to store profile", "user_id", p.ID, "error", err)
			}
		}
	}
	cache := senders.New(ctx, dir, cacheOpts)
	if profiles != nil {
		known, err := profiles.ListProfiles()
		if err != nil {
			slog.Warn("failed to load stored profiles", "error", err)
		}
		for _, p := range known {
			cache.Seed(p)
		}
	}

	var self *models.Profile
	if p := cache.Resolve(ctx, models.BareSender(cfg.UserID)); p.Resolved() {
		self = p.Profile
	}

	session := transport.NewSession(newDialer(cfg), transport.Options{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	session.OnConnectError(func(err error) {
		slog.Warn("connection attempt failed", "error", err, "retries", session.Retries())
	})
	session.OnDisconnected(func(reason transport.Reason) {
		if reason != transport.ReasonClient {
			_, _ = fmt.Fprintf(out, "connection lost (%s), reconnecting...\n", reason)
		}
	})

	c, err := client.New(session, cache, box, client.Config{
		UserID:  cfg.UserID,
		Profile: self,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	c.Start(ctx)

	shell := commands.NewShell(c, dir, cfg.HistoryLimit, out)
	if cfg.WorkspaceID != "" {
		if err := c.OpenWorkspace(cfg.WorkspaceID); err != nil {
			return err
		}
	}
	if cfg.ConversationID != "" {
		if err := shell.Open(ctx, cfg.ConversationID); err != nil {
			return err
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	var statusServer *http.StatusServer
	if cfg.MetricsAddr != "" {
		statusServer = http.NewStatusServer(session, box, cfg.MetricsAddr)
		g.Go(func() error {
			// A bind failure is logged, not fatal.
			if err := statusServer.Start(); err != nil {
				slog.Error("status server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
			return nil
		})
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gCtx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				err := shell.Execute(gCtx, line)
				if errors.Is(err, commands.ErrQuit) {
					return nil
				}
				if err != nil {
					_, _ = fmt.Fprintf(out, "error: %v\n", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")

		if err := c.Close(); err != nil {
			slog.Warn("client close error", "error", err)
		}

		if statusServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("status server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
