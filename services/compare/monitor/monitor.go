// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor records pipeline runs and aggregates them into the
// staged-activation report.
//
// Recording is best-effort: Record never blocks the caller and never fails
// it. Records go through a bounded queue to a single worker, which appends
// one JSON line per run to the audit log, feeds the Prometheus collectors
// and keeps a retention window in memory for Aggregate.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
)

// Config holds monitor settings.
type Config struct {
	// QueueSize bounds records waiting for the worker. Records beyond it
	// are dropped and counted.
	QueueSize int `yaml:"queue_size" validate:"gte=1"`

	// LogPath is the JSONL audit log. Empty disables the file sink.
	LogPath string `yaml:"log_path"`

	// Retention is how long records stay available to Aggregate.
	Retention time.Duration `yaml:"retention" validate:"gt=0"`

	// MaxRecords caps the in-memory window regardless of Retention.
	MaxRecords int `yaml:"max_records" validate:"gte=1"`
}

// DefaultConfig returns a 1024-record queue and a 24h, 50k-record window.
func DefaultConfig() Config {
	return Config{
		QueueSize:  1024,
		Retention:  24 * time.Hour,
		MaxRecords: 50_000,
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSink writes the audit log to w instead of Config.LogPath.
func WithSink(w io.Writer) Option {
	return func(m *Monitor) { m.sink = w }
}

// WithCollectors feeds recorded runs into c.
func WithCollectors(c *Collectors) Option {
	return func(m *Monitor) { m.collectors = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logging.OrDiscard(logger) }
}

// WithClock overrides time.Now for retention and report windows.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// item is a queued run record, or a flush marker when done is set.
type item struct {
	rec  datatypes.RunRecord
	done chan struct{}
}

// Monitor is the run recorder.
//
// Thread Safety: Safe for concurrent use. Record and Aggregate may be
// called from any goroutine.
type Monitor struct {
	cfg        Config
	sink       io.Writer
	file       *os.File
	collectors *Collectors
	logger     *slog.Logger
	now        func() time.Time

	queue chan item
	// closeMu guards closed and sends on queue, so Record after Close drops
	// instead of panicking.
	closeMu sync.RWMutex
	closed  bool
	stopped chan struct{}

	mu      sync.RWMutex
	records []datatypes.RunRecord
	dropped int64
}

// New creates a monitor and starts its worker.
//
// Inputs:
//
//	cfg - Queue size, audit log path and retention.
//	opts - Sink, collectors, logger, clock.
//
// Outputs:
//
//	*Monitor - Running; stop it with Close.
//	error - Non-nil when the audit log cannot be opened.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = def.MaxRecords
	}
	m := &Monitor{
		cfg:     cfg,
		logger:  logging.Discard(),
		now:     time.Now,
		queue:   make(chan item, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil && cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o750); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		m.file = f
		m.sink = f
	}
	go m.run()
	return m, nil
}

// Record queues rec. It never blocks: when the queue is full or the monitor
// is closed the record is dropped, counted and logged.
func (m *Monitor) Record(rec datatypes.RunRecord) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		m.drop(rec, "monitor closed")
		return
	}
	select {
	case m.queue <- item{rec: rec}:
	default:
		m.drop(rec, "queue full")
	}
}

func (m *Monitor) drop(rec datatypes.RunRecord, reason string) {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.RecordsDropped.Inc()
	}
	m.logger.Warn("run record dropped",
		slog.String("request_id", rec.RequestID),
		slog.String("reason", reason),
	)
}

// Dropped returns how many records were dropped so far.
func (m *Monitor) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// Flush blocks until every record queued before the call is processed.
func (m *Monitor) Flush(ctx context.Context) error {
	done := make(chan struct{})
	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case m.queue <- item{done: done}:
		m.closeMu.RUnlock()
	case <-ctx.Done():
		m.closeMu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, drains the queue and closes the audit log
// if the monitor opened it. Safe to call more than once.
func (m *Monitor) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.closeMu.Unlock()

	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

func (m *Monitor) run() {
	defer close(m.stopped)
	for it := range m.queue {
		if it.done != nil {
			close(it.done)
			continue
		}
		m.process(it.rec)
	}
}

// process applies one record. Failures are logged and swallowed.
func (m *Monitor) process(rec datatypes.RunRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor failed to process record",
				slog.String("request_id", rec.RequestID),
				slog.Any("panic", r),
			)
		}
	}()

	if m.collectors != nil {
		m.collectors.observe(rec)
	}
	m.retain(rec)
	if m.sink == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err == nil {
		_, err = m.sink.Write(append(line, '\n'))
	}
	if err != nil {
		if m.collectors != nil {
			m.collectors.SinkErrors.Inc()
		}
		m.logger.Warn("audit log write failed",
			slog.String("request_id", rec.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) retain(rec datatypes.RunRecord) {
	cutoff := m.now().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	drop := 0
	for drop < len(m.records) && m.records[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(m.records) - drop - m.cfg.MaxRecords; over > 0 {
		drop += over
	}
	if drop > 0 {
		m.records = append(m.records[:0:0], m.records[drop:]...)
	}
}

// Records returns a copy of the retained records, oldest first.
func (m *Monitor) Records() []datatypes.RunRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]datatypes.RunRecord(nil), m.records...)
}

// Aggregate reports over retained records no older than window. A window of
// zero or less covers everything retained.
func (m *Monitor) Aggregate(window time.Duration) Report {
	return Aggregate(m.Records(), window, m.now())
}
