// Package main is the OSP reference server entry point: it wires the
// seven core components (canonicalizer, safety engine, routing engine,
// degradation FSM, delivery enforcer, registry, RPC dispatcher) together
// and serves the JSON-RPC surface over HTTP.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/openskills/ospd/internal/config"
	"github.com/openskills/ospd/internal/infra/logging"
	infmiddleware "github.com/openskills/ospd/internal/infra/middleware"
	"github.com/openskills/ospd/internal/infra/security"
	"github.com/openskills/ospd/internal/osp/degradation"
	"github.com/openskills/ospd/internal/osp/delivery"
	ospmetrics "github.com/openskills/ospd/internal/osp/metrics"
	"github.com/openskills/ospd/internal/osp/registry"
	"github.com/openskills/ospd/internal/osp/routing"
	"github.com/openskills/ospd/internal/osp/rpc"
	"github.com/openskills/ospd/internal/osp/safety"
	"github.com/openskills/ospd/internal/osp/skillapi"

	"github.com/robfig/cron/v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.New("ospserver", cfg.LogLevel, cfg.LogFormat)

	degradationController := newDegradationController(cfg, logger)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	go func() {
		if err := degradationController.Run(monitorCtx); err != nil && monitorCtx.Err() == nil {
			logger.LogSecurityEvent(monitorCtx, "osp_degradation_monitor_stopped", security.SanitizeMap(map[string]interface{}{"error": err.Error()}))
		}
	}()

	dispatcher := &rpc.Dispatcher{
		Routing:     routing.NewEngine(safety.NewEngine(nil), nil),
		Delivery:    newDeliveryEnforcer(cfg),
		Registry:    newRegistry(cfg),
		Degradation: degradationController,
		Skills:      newSkillRegistry(cfg),
	}

	metrics := ospmetrics.New()

	conformanceCron := newConformanceCron(cfg, dispatcher, logger)
	if conformanceCron != nil {
		conformanceCron.Start()
	}

	rateLimiter := newRateLimiter(cfg, logger)

	server := rpc.NewServer(dispatcher, metrics, rpc.ServerConfig{
		Logger:             logger,
		SignatureVerifier:  newSignatureVerifier(cfg),
		StrictSignature:    cfg.SignatureEnforce,
		RateLimiter:        rateLimiter,
		AdminKey:           cfg.AdminKey,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("OSP reference server listening on %s (env=%s)", cfg.ListenAddr, cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	shutdown := infmiddleware.NewGracefulShutdown(httpServer, 30*time.Second)
	shutdown.OnShutdown(func() { log.Println("shutting down...") })
	shutdown.OnShutdown(stopMonitor)
	if conformanceCron != nil {
		shutdown.OnShutdown(func() { conformanceCron.Stop() })
	}
	shutdown.ListenForSignals()
	shutdown.Wait()
}

// newDegradationController wires the sampled-CPU/mem backed FSM, matching
// the default interval from config unless overridden.
func newDegradationController(cfg *config.Config, logger *logging.Logger) *degradation.Controller {
	return degradation.NewController(
		degradation.WithSampler(degradation.NewGopsutilSampler()),
		degradation.WithInterval(cfg.DegradationSampleInterval),
		degradation.WithOnChange(func(from, to degradation.Level) {
			logger.LogSecurityEvent(context.Background(), "osp_degradation_level_changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		}),
	)
}

// newDeliveryEnforcer wires an optional Redis-backed contract store when
// configured, falling back to the in-memory bounded store otherwise.
func newDeliveryEnforcer(cfg *config.Config) *delivery.Enforcer {
	if cfg.RedisContractStoreAddr == "" {
		return delivery.NewEnforcer()
	}
	store := delivery.NewRedisContractStore(cfg.RedisContractStoreAddr, cfg.RedisContractStoreTTL)
	if err := store.Ping(); err != nil {
		log.Fatalf("failed to reach redis contract store: %v", err)
	}
	return delivery.NewEnforcerWithStore(store)
}

// newRegistry wires an optional Postgres-backed entry store when
// configured, falling back to the in-memory bounded store otherwise.
func newRegistry(cfg *config.Config) *registry.Registry {
	if cfg.PostgresRegistryDSN == "" {
		return registry.New(cfg.RegistryAdminKey)
	}
	store, err := registry.NewPostgresEntryStore(cfg.PostgresRegistryDSN)
	if err != nil {
		log.Fatalf("failed to initialize postgres registry store: %v", err)
	}
	return registry.NewWithStore(store, cfg.RegistryAdminKey)
}

// newConformanceCron schedules osp.conformance.run as a background
// self-check when cfg.ConformanceCronSchedule is set, logging a security
// event if the self-check comes back nonconformant. Returns nil (no
// background job) when the schedule is unconfigured; the RPC method
// itself is always callable on demand regardless.
func newConformanceCron(cfg *config.Config, dispatcher *rpc.Dispatcher, logger *logging.Logger) *cron.Cron {
	if cfg.ConformanceCronSchedule == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(cfg.ConformanceCronSchedule, func() {
		status, checks := dispatcher.RunConformanceCheck()
		if status != "conformant" {
			logger.LogSecurityEvent(context.Background(), "osp_conformance_check_failed", map[string]interface{}{"checks": checks})
		}
	})
	if err != nil {
		log.Fatalf("invalid OSP_CONFORMANCE_CRON_SCHEDULE: %v", err)
	}
	return c
}

// newSkillRegistry registers the built-in standard-library skills. A
// misconfigured sandbox root is fatal at startup rather than silently
// disabling osp.std.fs.
func newSkillRegistry(cfg *config.Config) *skillapi.Registry {
	skills := skillapi.NewRegistry()
	skills.Register(skillapi.SystemSkill{})

	fsSkill, err := skillapi.NewFSSkill(cfg.FSSandboxRoot)
	if err != nil {
		log.Fatalf("failed to initialize osp.std.fs sandbox: %v", err)
	}
	skills.Register(fsSkill)
	skills.Register(skillapi.NewHTTPSkill())

	return skills
}

// newSignatureVerifier wires a request signature verifier from the
// configured HMAC secret or PEM public key. Returns nil (no verification)
// when neither is configured, in which case StrictSignature has no effect.
func newSignatureVerifier(cfg *config.Config) *rpc.SignatureVerifier {
	if cfg.SignatureHMACSecret != "" {
		return rpc.NewSignatureVerifier([]byte(cfg.SignatureHMACSecret))
	}
	if cfg.SignaturePublicKeyPath == "" {
		return nil
	}
	keyPEM, err := os.ReadFile(cfg.SignaturePublicKeyPath)
	if err != nil {
		log.Fatalf("failed to read signature public key %q: %v", cfg.SignaturePublicKeyPath, err)
	}
	return rpc.NewSignatureVerifier(keyPEM)
}

func newRateLimiter(cfg *config.Config, logger *logging.Logger) *infmiddleware.RateLimiter {
	if !cfg.RateLimitEnabled {
		return nil
	}
	return infmiddleware.NewRateLimiterWithWindow(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitBurst, logger)
}
