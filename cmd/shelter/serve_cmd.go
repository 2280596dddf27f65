package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/storyapp/shelter/internal/clients"
	httpx "github.com/storyapp/shelter/internal/http"
	"github.com/storyapp/shelter/internal/push"
	"github.com/storyapp/shelter/internal/queue"
	"github.com/storyapp/shelter/internal/replay"
	"github.com/storyapp/shelter/internal/worker"
	"golang.org/x/sync/errgroup"
)

const (
	registerRetry   = 5 * time.Second
	shutdownTimeout = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	g, ctx := errgroup.WithContext(ctx)

	hub := clients.NewHub(a.log)
	if a.redis != nil {
		relay := &clients.RedisRelay{Client: a.redis, Hub: hub}
		hub.SetRelay(relay)
		g.Go(func() error {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("client relay: %w", err)
			}
			return nil
		})
	}

	q, err := queue.Open(ctx, cfg.QueuePath)
	if err != nil {
		return err
	}
	defer q.Close()
	if n, err := q.Len(ctx); err == nil {
		a.metrics.QueueDepth(n)
	}
	rp := replay.New(q, a.api, a.locker, replay.Options{
		EntryTimeout: cfg.SyncEntryTimeout,
		Interval:     cfg.SyncInterval,
		LockKey:      replay.QueueLockKey(cfg.QueuePath),
	}, a.log.With("component", "replay"), a.metrics)

	shown := push.NewHubDisplayer(hub)
	var display push.Displayer = shown
	if len(cfg.NotifyURLs) > 0 {
		display = push.Displayers{shown, push.NewShoutrrrDisplayer(cfg.NotifyURLs)}
	}
	bridge := push.NewBridge(display, hub, a.log.With("component", "push"), a.metrics)

	newWorker := func() (*worker.Worker, error) {
		wk, err := a.newWorker(hub)
		if err != nil {
			return nil, err
		}
		wk.Handle(worker.KindPush, worker.PushHandler(bridge))
		wk.Handle(worker.KindNotificationClick, worker.ClickHandler(bridge))
		wk.Handle(worker.KindSync, worker.SyncHandler(rp))
		return wk, nil
	}

	reg := worker.NewRegistration(cfg.OriginURL, a.locker, cfg.LockTTL, a.log)
	handler, err := httpx.NewHandler(cfg, httpx.Deps{
		Registration:  reg,
		Hub:           hub,
		Queue:         q,
		Replayer:      rp,
		Notifications: shown,
		Gatherer:      a.registry,
		Logger:        a.log,
	})
	if err != nil {
		return err
	}

	if cfg.MQTTBroker != "" {
		host, _ := os.Hostname()
		src := push.NewMQTTSource(cfg.MQTTBroker, "shelter-"+host, cfg.MQTTTopic, bridge, a.log.With("component", "mqtt"))
		if err := src.Start(ctx); err != nil {
			return err
		}
		defer src.Stop()
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error { return registerUntilActive(ctx, a, reg, newWorker) })
	g.Go(func() error {
		rp.Loop(ctx)
		return nil
	})
	g.Go(func() error {
		a.log.Info("listening", "addr", cfg.ListenAddr, "origin", cfg.OriginURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	err = g.Wait()
	if wk := reg.Active(); wk != nil {
		wk.Close()
	}
	return err
}

// registerUntilActive keeps installing fresh workers until one is active, so
// the gateway can start while the origin is still unreachable.
func registerUntilActive(ctx context.Context, a *app, reg *worker.Registration, build func() (*worker.Worker, error)) error {
	for {
		wk, err := build()
		if err != nil {
			return err
		}
		err = reg.Register(ctx, wk)
		if err == nil {
			return nil
		}
		wk.Close()
		if !errors.Is(err, worker.ErrInstallFailed) && !errors.Is(err, worker.ErrLifecycleBusy) {
			return err
		}
		a.log.Warn("worker not active yet, retrying", "error", err, "in", registerRetry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(registerRetry):
		}
	}
}
