// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/capability"
	"github.com/AleutianAI/AleutianCompare/services/compare/config"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/engines"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
	"github.com/AleutianAI/AleutianCompare/services/compare/monitor"
	"github.com/AleutianAI/AleutianCompare/services/compare/pipeline"
	"github.com/AleutianAI/AleutianCompare/services/compare/server"
	"github.com/AleutianAI/AleutianCompare/services/compare/telemetry"
)

// app is the assembled service. Every component is built once at startup
// and injected; nothing below is a package-level singleton.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	registry *prometheus.Registry

	store     cache.Store
	flags     *flags.Registry
	monitor   *monitor.Monitor
	orch      *pipeline.Orchestrator
	handler   http.Handler
	caps      capability.Set
	watchDone <-chan struct{}

	closers []func(context.Context) error
}

// build assembles the service from cfg.
//
// Description:
//
//	Order matters: telemetry first so cache and pipeline instruments bind
//	to the real providers, then the shared cache backend, capability
//	clients, engines, the flag registry (optionally watched), the monitor
//	and finally the orchestrator and router. On error everything already
//	opened is closed.
//
// Inputs:
//
//	ctx - Bounds startup I/O and the lifetime of the flag watcher.
//	cfg - Validated configuration.
//	logger - Service logger. Closed by app.close.
//
// Outputs:
//
//	*app - Ready to serve.
//	error - The first component that failed to start.
func build(ctx context.Context, cfg config.Config, logger *logging.Logger) (a *app, err error) {
	log := logger.Slog()
	a = &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
			a = nil
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	telCfg := cfg.Telemetry
	telCfg.Registerer = a.registry
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return a, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTelemetry)

	a.store, err = cache.OpenStore(ctx, cfg.Cache.Store, log.With("component", "cache"))
	if err != nil {
		return a, fmt.Errorf("cache store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	cacheOpts := []cache.Option{cache.WithLogger(log.With("component", "cache"))}
	embeddings, err := cache.New[[]float32](cfg.Cache.Embedding, a.store, cacheOpts...)
	if err != nil {
		return a, fmt.Errorf("embedding cache: %w", err)
	}
	patterns, err := cache.New[datatypes.StageOutput](cfg.Cache.Pattern, a.store, cacheOpts...)
	if err != nil {
		return a, fmt.Errorf("pattern cache: %w", err)
	}
	snapshots, err := cache.New[datatypes.ComparisonResult](cfg.Cache.Snapshot, a.store, cacheOpts...)
	if err != nil {
		return a, fmt.Errorf("snapshot cache: %w", err)
	}

	a.caps = capability.Resolve(cfg.Capability, log.With("component", "capability"))
	log.Info("capabilities resolved",
		slog.Bool("embedding", a.caps.EmbeddingAvailable),
		slog.Bool("generation", a.caps.GenerationAvailable),
	)

	patternSet, err := engines.LoadPatternSet(cfg.Engines.ERCE.PatternsPath)
	if err != nil {
		return a, fmt.Errorf("erce patterns: %w", err)
	}
	ruleSet, err := engines.LoadRuleSet(cfg.Engines.FAR.RulesPath)
	if err != nil {
		return a, fmt.Errorf("far rules: %w", err)
	}
	stages := []engines.Engine{
		engines.NewSAE(cfg.Engines.SAE, a.caps.Embedder, embeddings, log.With("stage", string(datatypes.StageSAE))),
		engines.NewERCE(patternSet, patterns, log.With("stage", string(datatypes.StageERCE))),
		engines.NewBIRL(cfg.Engines.BIRL, a.caps.Generator, patterns, log.With("stage", string(datatypes.StageBIRL))),
		engines.NewFAR(cfg.Engines.FAR, ruleSet, patterns, log.With("stage", string(datatypes.StageFAR))),
	}

	plan := cfg.ActivationPlan()
	a.flags, err = flags.NewRegistry(ctx, flags.NewFileStore(cfg.Flags.Path),
		flags.WithKnownFlags(plan.Flags()...),
		flags.WithLogger(log.With("component", "flags")),
	)
	if err != nil {
		return a, fmt.Errorf("flag registry: %w", err)
	}
	if cfg.Flags.Watch {
		a.watchDone, err = a.flags.Watch(ctx, cfg.Flags.Path)
		if err != nil {
			return a, fmt.Errorf("flag watcher: %w", err)
		}
	}

	a.monitor, err = monitor.New(cfg.Monitor,
		monitor.WithCollectors(monitor.NewCollectors(a.registry)),
		monitor.WithLogger(log.With("component", "monitor")),
	)
	if err != nil {
		return a, fmt.Errorf("monitor: %w", err)
	}
	a.closers = append(a.closers, a.monitor.Close)

	a.orch, err = pipeline.New(cfg.Pipeline, a.flags, stages,
		pipeline.WithSnapshotCache(snapshots),
		pipeline.WithRecorder(a.monitor),
		pipeline.WithLogger(log.With("component", "pipeline")),
	)
	if err != nil {
		return a, fmt.Errorf("pipeline: %w", err)
	}

	h := server.NewHandlers(a.orch, a.flags, a.monitor, log.With("component", "http")).
		WithCapabilities(a.caps.EmbeddingAvailable, a.caps.GenerationAvailable)
	a.handler = server.NewRouter(cfg.Server, h, a.registry, log.With("component", "http"))

	log.Info("compare service assembled",
		slog.String("cache_backend", cfg.Cache.Store.Backend),
		slog.String("flags_path", cfg.Flags.Path),
		slog.Int("stage", a.flags.Stage()),
	)
	return a, nil
}

// close releases components in reverse start order. The monitor drains
// before the cache store closes.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
