// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import (
	"errors"
	"fmt"
)

// Sentinel errors for the flags package.
var (
	// ErrFlag is the root of every flag error. Flag errors are fatal to a
	// CLI invocation and never to a pipeline run.
	ErrFlag = errors.New("flag error")

	// ErrInvalidStage indicates a non-monotonic or negative stage.
	ErrInvalidStage = fmt.Errorf("%w: invalid stage", ErrFlag)

	// ErrUnknownStage indicates the activation plan has no such stage.
	ErrUnknownStage = fmt.Errorf("%w: stage not in activation plan", ErrFlag)

	// ErrEmptyName indicates a blank flag name.
	ErrEmptyName = fmt.Errorf("%w: empty flag name", ErrFlag)
)

// InvalidStageError reports a stage that would move the rollout backwards.
type InvalidStageError struct {
	Flag      string
	Stage     int
	HighWater int
}

func (e *InvalidStageError) Error() string {
	if e.Stage < 0 {
		return fmt.Sprintf("invalid stage %d: stages are non-negative", e.Stage)
	}
	if e.Flag == "" {
		return fmt.Sprintf("invalid stage %d: below current stage %d", e.Stage, e.HighWater)
	}
	return fmt.Sprintf("invalid stage %d for flag %s: below current stage %d", e.Stage, e.Flag, e.HighWater)
}

// Unwrap makes errors.Is(err, ErrInvalidStage) and errors.Is(err, ErrFlag)
// hold.
func (e *InvalidStageError) Unwrap() error { return ErrInvalidStage }
