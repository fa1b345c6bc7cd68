// Command pifleet runs the hardware controller control plane: an HTTP API
// over a fleet of device controllers, with deferred scheduling and chunked
// telemetry streaming.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jhradil/pifleet/config"
	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/dispatch"
	"github.com/jhradil/pifleet/journal"
	"github.com/jhradil/pifleet/observability"
	"github.com/jhradil/pifleet/scheduler"
	"github.com/jhradil/pifleet/server"
)

func main() {
	configPath := flag.String("config", "etc/pifleet.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	jnl, err := journal.Open(ctx, journal.Options{
		Backend:     cfg.Journal.Backend,
		Capacity:    cfg.Journal.Capacity,
		RedisAddr:   cfg.Journal.RedisAddr,
		RedisDB:     cfg.Journal.RedisDB,
		PostgresDSN: cfg.Journal.PostgresDSN,
	})
	if err != nil {
		log.Fatalf("journal: %v", err)
	}
	defer jnl.Close()

	recordApplied := func(ctrlName, op string, partial controller.State) {
		// Best effort; a broken journal must not fail device operations.
		recCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := jnl.Record(recCtx, journal.NewEntry(ctrlName, op, partial)); err != nil {
			observability.JournalErrors.WithLabelValues("write").Inc()
			log.Printf("journal: recording %s on %s: %v", op, ctrlName, err)
		}
	}

	var dispatchers []*dispatch.Dispatcher
	var closers []interface{ Close() error }
	for _, cc := range cfg.Controllers {
		if !cc.Enabled {
			log.Printf("controller %s (%s) disabled, skipping", cc.Name, cc.Class)
			continue
		}
		ctrl, err := controller.New(cc.Class, cc.Name, cc.Params)
		if err != nil {
			log.Fatalf("controller %s: %v", cc.Name, err)
		}
		if c, ok := ctrl.(interface{ Close() error }); ok {
			closers = append(closers, c)
		}
		d := dispatch.New(ctrl,
			dispatch.WithReplyTimeout(config.Seconds(cfg.Server.ReplyTimeout)),
			dispatch.WithAppliedHook(recordApplied),
		)
		d.Start()
		dispatchers = append(dispatchers, d)
		log.Printf("controller %s (%s) enabled", cc.Name, cc.Class)
	}

	backend := server.NewBackend(dispatchers)

	sched := scheduler.New(backend,
		scheduler.WithActionRate(cfg.Scheduler.ActionRate, cfg.Scheduler.ActionBurst))
	sched.Start()

	api := server.New(backend, sched, jnl, config.Seconds(cfg.Server.ChunkingTimeout))

	// No WriteTimeout: downstream responses stream for as long as the client
	// keeps pulling.
	srv := &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     api,
		ReadTimeout: config.Seconds(cfg.Server.ReadTimeout),
	}

	errC := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.Server.Listen)
		errC <- srv.ListenAndServe()
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigC:
		log.Printf("received %s, shutting down", sig)
	case err := <-errC:
		log.Printf("server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	sched.Stop()
	backend.Stop()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.Printf("controller close: %v", err)
		}
	}
	log.Println("shutdown complete")
}
