// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command stagectl manages the staged rollout of the compare pipeline
// engines: activating and rolling back stages, inspecting flag state and
// history, and summarising the run audit log.
package main

import (
	"errors"
	"os"

	"github.com/AleutianAI/AleutianCompare/pkg/ux"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
)

// Exit codes.
const (
	exitOK           = 0
	exitError        = 1
	exitInvalidStage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		ux.NewPrinter(os.Stderr).Error(err.Error())
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var stageErr *flags.InvalidStageError
	if errors.As(err, &stageErr) {
		return exitInvalidStage
	}
	return exitError
}
