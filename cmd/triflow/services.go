package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/artifacts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/cache"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/config"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/fallback"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/observability"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/rollout"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/sandbox"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/store"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

// Services holds the wired core.
type Services struct {
	Config    *config.Config
	Profile   *config.Profile
	Store     *store.SQLStore
	Artifacts artifacts.Store
	Sandbox   *sandbox.Sandbox
	Cache     *cache.JudgmentCache
	Fallback  *fallback.Guarded
	Rollouts  *rollout.Controller
	Judgment  *judgment.Service
	Engine    *workflow.Engine
	Obs       *observability.Provider

	closers []func(context.Context) error
}

// Close releases everything in reverse order of acquisition.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (s *Services) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// buildServices wires every component from cfg. On error, whatever was
// acquired is released.
//
//nolint:gocyclo // Wiring is linear.
func buildServices(ctx context.Context, cfg *config.Config) (_ *Services, err error) {
	svc := &Services{Config: cfg}
	defer func() {
		if err != nil {
			_ = svc.Close(context.WithoutCancel(ctx))
		}
	}()

	// 0. Profile
	if cfg.ProfilePath != "" {
		svc.Profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		log.Printf("[triflow] profile: loaded %s (%d policies)", cfg.ProfilePath, len(svc.Profile.Policies))
	} else {
		svc.Profile = &config.Profile{}
	}

	// 1. Telemetry
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Environment = cfg.Environment
	obsCfg.ServiceVersion = version
	svc.Obs, err = observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	svc.onClose(svc.Obs.Shutdown)

	// 2. Persistence
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, "triflow.db")
		log.Printf("[triflow] lite mode: using sqlite at %s", dbPath)
		svc.Store, err = store.Open(ctx, store.SQLite, dbPath)
	} else {
		svc.Store, err = store.Open(ctx, store.Postgres, cfg.DatabaseURL)
		if err == nil {
			log.Println("[triflow] postgres: connected")
		}
	}
	if err != nil {
		return nil, err
	}
	svc.onClose(func(context.Context) error { return svc.Store.Close() })

	svc.Artifacts, err = artifacts.NewStore(ctx, artifacts.Options{
		Type:     artifacts.StoreType(cfg.ArtifactStore),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.ArtifactBucket,
		Region:   cfg.ArtifactRegion,
		Endpoint: cfg.ArtifactEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init artifact store: %w", err)
	}

	// 3. Sandbox
	sbCfg := sandbox.DefaultConfig()
	sbCfg.Timeout = cfg.SandboxTimeout
	sbCfg.CostLimit = cfg.SandboxCostLimit
	celBackend, err := sandbox.NewCELBackend(sbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init CEL sandbox: %w", err)
	}
	wasiBackend, err := sandbox.NewWASIBackend(ctx, svc.Artifacts, sbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init WASI sandbox: %w", err)
	}
	svc.Sandbox = sandbox.New(map[contracts.ScriptLanguage]sandbox.Backend{
		contracts.LanguageCEL:  celBackend,
		contracts.LanguageWASM: wasiBackend,
	})
	svc.onClose(svc.Sandbox.Close)
	log.Println("[triflow] sandbox: cel + wasi ready")

	// 4. Judgment cache
	var cacheStore cache.Store
	if cfg.RedisURL == "" {
		ms := cache.NewMemoryStore()
		ms.StartJanitor(cache.DefaultSweepInterval)
		svc.onClose(func(context.Context) error { return ms.Close() })
		cacheStore = ms
		log.Println("[triflow] cache: memory")
	} else {
		rs, err := cache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis cache: %w", err)
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		svc.onClose(func(context.Context) error { return rs.Close() })
		cacheStore = rs
		log.Println("[triflow] cache: redis")
	}
	svc.Cache = cache.New(cacheStore, cfg.CacheTTL)

	// 5. Fallback model
	var fb fallback.Client
	if cfg.FallbackURL != "" {
		opts := fallback.DefaultOptions()
		opts.Timeout = cfg.FallbackTimeout
		svc.Fallback = fallback.Guard(fallback.NewChatClient(cfg.FallbackURL, cfg.FallbackAPIKey, cfg.FallbackModel), opts)
		fb = svc.Fallback
		log.Printf("[triflow] fallback: %s (%s)", cfg.FallbackURL, cfg.FallbackModel)
	} else {
		log.Println("[triflow] fallback: disabled, escalations degrade")
	}

	// 6. Rollout controller
	svc.Rollouts = rollout.NewController(svc.Store, svc.Cache)
	svc.Rollouts.SetChecker(svc.Sandbox)
	svc.Rollouts.SetObservability(svc.Obs)
	if err := svc.Rollouts.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rollout state: %w", err)
	}

	// 7. Judgment
	svc.Judgment = judgment.NewService(svc.Rollouts, svc.Sandbox, fb, svc.Cache)
	svc.Judgment.SetOutcomeRecorder(svc.Rollouts)
	svc.Judgment.SetJudgmentLog(svc.Store)
	svc.Judgment.SetObservability(svc.Obs)
	if err := svc.Profile.Apply(svc.Judgment); err != nil {
		return nil, err
	}

	// 8. Workflow engine
	actions := workflow.NewRegistry()
	if err := registerActions(actions, svc.Profile.Actions); err != nil {
		return nil, err
	}
	svc.Engine = workflow.NewEngine(workflow.Config{
		WorkerPoolSize:    cfg.WorkerPoolSize,
		RunTimeout:        cfg.RunTimeout,
		MaxLoopIterations: cfg.MaxLoopIterations,
	}, actions, svc.Store)
	svc.Engine.SetJudge(svc.Judgment)
	svc.Engine.SetRollout(svc.Rollouts)
	svc.Engine.SetObservability(svc.Obs)
	svc.onClose(svc.Engine.Shutdown)
	log.Printf("[triflow] workflow engine: ready (%d actions)", len(actions.Names()))

	return svc, nil
}

func registerActions(reg *workflow.Registry, actions []config.ActionConfig) error {
	for _, a := range actions {
		spec := workflow.ActionSpec{Schema: a.Schema, Rate: a.Rate, Burst: a.Burst, Timeout: a.Timeout}
		if err := reg.Register(a.Name, workflow.NewHTTPAction(a.URL), spec); err != nil {
			return fmt.Errorf("failed to register action %q: %w", a.Name, err)
		}
	}
	return nil
}
