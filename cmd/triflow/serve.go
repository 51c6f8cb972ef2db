package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/api"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/config"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/fallback"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/trigger"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "Listen port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}
	setupLogging(stderr, cfg)
	_, _ = fmt.Fprintf(stdout, "TriFlow %s starting...\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		log.Printf("[triflow] startup failed: %v", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			log.Printf("[triflow] shutdown: %v", err)
		}
	}()

	// Triggers
	queue := trigger.NewQueue()
	if err := scheduleProfile(queue, svc.Profile.Schedules, time.Now()); err != nil {
		log.Printf("[triflow] startup failed: %v", err)
		return 1
	}
	dispatcher := trigger.NewDispatcher(queue, svc.Engine)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[triflow] trigger dispatcher stopped: %v", err)
		}
	}()
	log.Printf("[triflow] triggers: %d scheduled", queue.Len())

	// HTTP
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)
	server := api.NewServer(api.Deps{
		Runs:        svc.Engine,
		Judge:       svc.Judgment,
		Rollouts:    svc.Rollouts,
		Presets:     svc.Profile.CanaryPresets,
		RateLimiter: limiter,
		Idempotency: api.NewIdempotencyStore(24 * time.Hour),
	})
	server.AddHealthCheck("store", func(ctx context.Context) error { return svc.Store.DB().PingContext(ctx) })
	if svc.Fallback != nil {
		breaker := svc.Fallback.Breaker()
		server.AddHealthCheck("fallback", func(context.Context) error {
			if breaker.State() == fallback.StateOpen {
				return errors.New("circuit open")
			}
			return nil
		})
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[triflow] listening on :%s", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[triflow] server error: %v", err)
			return 1
		}
	case <-ctx.Done():
		log.Println("[triflow] shutting down")
	}

	queue.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[triflow] http shutdown: %v", err)
	}
	return 0
}

// scheduleProfile arms one recurring trigger per configured schedule. The
// first firing is one interval after start.
func scheduleProfile(q *trigger.Queue, schedules []config.ScheduleConfig, start time.Time) error {
	for _, sc := range schedules {
		data, err := os.ReadFile(sc.Workflow)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
		wf, err := workflow.Decode(data)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
		if err := q.Schedule(&trigger.Trigger{
			ID:       sc.ID,
			Workflow: wf,
			Input:    sc.Input,
			Mode:     sc.Mode,
			FireAt:   start.Add(sc.Interval),
			Interval: sc.Interval,
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
	}
	return nil
}
