// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"fmt"
	"log/slog"

	cbadger "github.com/AleutianAI/AleutianCompare/services/compare/storage/badger"
)

// Backend names accepted by OpenStore.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// StoreConfig selects and configures the shared cache backend.
type StoreConfig struct {
	Backend    string         `yaml:"backend" validate:"oneof=memory badger sqlite"`
	Badger     cbadger.Config `yaml:"badger"`
	SQLitePath string         `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
}

// OpenStore opens the backend named by cfg.Backend.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		bcfg := cfg.Badger
		bcfg.Logger = logger
		return OpenBadgerStore(bcfg)
	case BackendSQLite:
		return OpenSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
