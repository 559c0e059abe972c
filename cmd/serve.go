package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnema/chatsync/internal/adapters/api"
	memorybuffer "github.com/bnema/chatsync/internal/adapters/buffer/memory"
	"github.com/bnema/chatsync/internal/adapters/generator"
	metricsadapter "github.com/bnema/chatsync/internal/adapters/metrics"
	"github.com/bnema/chatsync/internal/adapters/store/sqlstore"
	"github.com/bnema/chatsync/internal/adapters/transport/ws"
	"github.com/bnema/chatsync/internal/application"
	"github.com/bnema/chatsync/internal/logging"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const readHeaderTimeout = 10 * time.Second

type serveOptions struct {
	addr      string
	ephemeral bool
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long:  "Run the websocket endpoint and the HTTP routes. Messages are buffered before they reach the store and flushed periodically; on shutdown the buffer is drained.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (default: server.addr)")
	cmd.Flags().BoolVar(&opts.ephemeral, "ephemeral", false, "Keep pending writes in memory instead of the bbolt buffer")

	return cmd
}

func runServe(cmd *cobra.Command, a *app, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.watchLogLevel()

	stack, err := buildServerStack(ctx, a, opts.ephemeral)
	if err != nil {
		return err
	}
	defer stack.close()

	addr := opts.addr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", listener.Addr())
	return stack.run(ctx, listener)
}

// serverStack is everything `serve` runs, wired but not yet listening.
type serverStack struct {
	buffer        ports.PendingBuffer
	store         *sqlstore.Store
	metrics       *metricsadapter.Prometheus
	flusher       *application.Flusher
	conversations *application.ConversationService
	hub           *ws.Hub
	server        *api.Server
	scheduler     *application.Scheduler
	drainer       *application.Drainer
	log           zerolog.Logger

	// fatal carries the first panic recovered outside the group's tasks.
	fatal chan error
}

func buildServerStack(ctx context.Context, a *app, ephemeral bool) (*serverStack, error) {
	var buffer ports.PendingBuffer
	if ephemeral {
		buffer = memorybuffer.New()
	} else {
		bolt, err := a.openBuffer()
		if err != nil {
			return nil, err
		}
		buffer = bolt
	}

	store, err := a.openStore(ctx)
	if err != nil {
		_ = buffer.Close()
		return nil, err
	}

	gen := a.generator
	if gen == nil {
		gen, err = generator.New(a.cfg.Generator, logging.For(a.log, "generator"))
		if err != nil {
			_ = buffer.Close()
			_ = store.Close()
			return nil, fmt.Errorf("wire generator: %w", err)
		}
	}

	metrics := metricsadapter.New()
	flusher := application.NewFlusher(buffer, store, application.FlusherOptions{
		Concurrency: a.cfg.Flush.Concurrency,
		Logger:      logging.For(a.log, "flusher"),
		Metrics:     metrics,
	})
	conversations := application.NewConversationService(store, buffer, flusher, nil, nil, logging.For(a.log, "conversations"))

	ingestor, err := application.NewIngestor(buffer, gen, store, conversations, application.IngestOptions{
		DedupeWindow: a.cfg.Server.DedupeWindow,
		Owners:       store,
		Logger:       logging.For(a.log, "ingest"),
		Metrics:      metrics,
	})
	if err != nil {
		_ = buffer.Close()
		_ = store.Close()
		return nil, fmt.Errorf("wire ingest: %w", err)
	}

	fatal := make(chan error, 1)
	hub := ws.NewHub(ingestor, ws.HubOptions{
		SendBuffer: a.cfg.Server.SendBuffer,
		Logger:     logging.For(a.log, "hub"),
		Metrics:    metrics,
		Fatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	conversations.SetPusher(hub)

	return &serverStack{
		buffer:        buffer,
		store:         store,
		metrics:       metrics,
		flusher:       flusher,
		conversations: conversations,
		hub:           hub,
		server: api.NewServer(conversations, api.ServerOptions{
			Logger:    logging.For(a.log, "api"),
			WebSocket: hub,
			Metrics:   metrics.Handler(),
		}),
		scheduler: application.NewScheduler(flusher, a.cfg.Flush.Interval, logging.For(a.log, "scheduler")),
		drainer:   application.NewDrainer(flusher, a.cfg.Shutdown.DrainTimeout, logging.For(a.log, "drainer")),
		log:       logging.For(a.log, "serve"),
		fatal:     fatal,
	}, nil
}

// run serves on listener until ctx ends or a task fails, then drains: the
// listener and the websocket sessions stop first, the scheduler next, and
// the buffer is flushed last.
func (s *serverStack) run(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("serving")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.guard("http", func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}))
	g.Go(s.guard("scheduler", func() error {
		return s.scheduler.Run(schedulerCtx)
	}))
	g.Go(func() error {
		select {
		case err := <-s.fatal:
			return fmt.Errorf("websocket session: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()

		reason := "shutdown signal"
		if ctx.Err() == nil {
			reason = "fatal error"
		}
		_, err := s.drainer.Drain(reason,
			application.StopFunc(httpServer.Shutdown),
			application.StopFunc(s.hub.Close),
			application.StopFunc(func(context.Context) error {
				stopScheduler()
				return nil
			}),
		)
		if err != nil {
			s.log.Warn().Err(err).Msg("drain incomplete, remaining records stay buffered")
		}
		return nil
	})

	return g.Wait()
}

// guard turns a panic in task into an error so the group drains.
func (s *serverStack) guard(task string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Str("task", task).Msg("recovered panic")
				err = fmt.Errorf("%s panicked: %v", task, r)
			}
		}()
		return fn()
	}
}

func (s *serverStack) close() {
	if err := s.buffer.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close pending buffer")
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close store")
	}
}
