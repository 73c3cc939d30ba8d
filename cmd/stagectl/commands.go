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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/pkg/ux"
	"github.com/AleutianAI/AleutianCompare/services/compare/config"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
	"github.com/AleutianAI/AleutianCompare/services/compare/monitor"
)

// Output formats.
const (
	outputText    = "text"
	outputJSON    = "json"
	outputMachine = "machine"
)

var errUsage = errors.New("usage error")

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	flagsPath  string
	output     string
	verbose    bool

	out    io.Writer
	errOut io.Writer
	now    func() time.Time
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &options{out: out, errOut: errOut, now: time.Now}

	root := &cobra.Command{
		Use:   "stagectl",
		Short: "Manage the staged rollout of the Compare v3 engines",
		Long: `stagectl activates and rolls back rollout stages of the Compare v3
pipeline, shows the current and historical flag state, and summarises
the run audit log written by compared.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputText, outputJSON, outputMachine:
				return nil
			default:
				return fmt.Errorf("%w: --output must be text, json or machine", errUsage)
			}
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to the compare YAML config (default $COMPARE_CONFIG)")
	pf.StringVar(&opts.flagsPath, "flags-path", "", "Override the flag document path from the config")
	pf.StringVarP(&opts.output, "output", "o", outputText, "Output format: text, json or machine")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Log registry activity to stderr")

	root.AddCommand(
		newActivateCmd(opts),
		newRollbackCmd(opts),
		newSetCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newReportCmd(opts),
	)
	return root
}

func newActivateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <stage>",
		Short: "Enable every flag the activation plan assigns to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStage(args[0])
			if err != nil {
				return err
			}
			env, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			plan := env.cfg.ActivationPlan()
			if err := env.reg.ActivateStage(cmd.Context(), plan, stage); err != nil {
				return err
			}
			env.printer.Success(fmt.Sprintf("stage %d activated: %s", stage, strings.Join(plan[stage], ", ")))
			return opts.renderStatus(env.printer, env.reg.Stage(), env.reg.Snapshot())
		},
	}
}

func newRollbackCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <stage>",
		Short: "Revert every flag activated at or above a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStage(args[0])
			if err != nil {
				return err
			}
			env, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			before := env.reg.Stage()
			if err := env.reg.Rollback(cmd.Context(), stage); err != nil {
				return err
			}
			after := env.reg.Stage()
			if before == after && before < stage {
				env.printer.Warning(fmt.Sprintf("stage %d is not in effect; nothing rolled back", stage))
			} else {
				env.printer.Success(fmt.Sprintf("rolled back to stage %d", after))
			}
			return opts.renderStatus(env.printer, after, env.reg.Snapshot())
		},
	}
}

func newSetCmd(opts *options) *cobra.Command {
	var stage int
	cmd := &cobra.Command{
		Use:   "set <flag> <on|off>",
		Short: "Set a single flag at an explicit stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			env, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			if !cmd.Flags().Changed("stage") {
				stage = env.reg.Stage()
			}
			if err := env.reg.Set(cmd.Context(), args[0], enabled, stage); err != nil {
				return err
			}
			env.printer.Success(fmt.Sprintf("%s %s at stage %d", args[0], onOff(enabled), stage))
			return nil
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "Stage to record (default: the current stage)")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the rollout stage and every flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			if at == "" {
				return opts.renderStatus(env.printer, env.reg.Stage(), env.reg.Snapshot())
			}
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("%w: --at must be RFC3339: %w", errUsage, err)
			}
			states := env.reg.StateAt(t)
			return opts.renderStatus(env.printer, highestEnabledStage(states), states)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Reconstruct the state at an RFC3339 time")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <flag>",
		Short: "Show every change recorded for a flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			records := env.reg.History(args[0])
			if opts.output == outputJSON {
				return writeJSON(opts.out, records)
			}
			if len(records) == 0 {
				env.printer.Muted(fmt.Sprintf("no history for %s", args[0]))
				return nil
			}
			rows := make([][]ux.Cell, 0, len(records))
			for _, r := range records {
				rows = append(rows, []ux.Cell{
					ux.Plain(strconv.FormatInt(r.Seq, 10)),
					kindCell(r.Kind),
					enabledCell(r.Enabled),
					ux.Plain(strconv.Itoa(r.Stage)),
					ux.Plain(r.At.UTC().Format(time.RFC3339)),
				})
			}
			env.printer.Title(args[0])
			env.printer.Table([]string{"SEQ", "KIND", "STATE", "STAGE", "AT"}, rows)
			return nil
		},
	}
}

func newReportCmd(opts *options) *cobra.Command {
	var (
		logPath string
		window  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise the run audit log per stage",
		Long: `report reads the JSON-lines audit log written by compared and prints
per-stage latency percentiles, outcome counts and cache hit ratios for
runs inside --window. Malformed lines are reported and skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if window < 0 {
				return fmt.Errorf("%w: --window must not be negative", errUsage)
			}
			printer := opts.printer()
			if logPath == "" {
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				logPath = cfg.Monitor.LogPath
			}
			if logPath == "" {
				return fmt.Errorf("%w: no audit log configured; pass --log", errUsage)
			}

			f, err := os.Open(logPath)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			defer f.Close()

			records, readErr := monitor.ReadLog(f)
			if readErr != nil && !errors.Is(readErr, monitor.ErrMalformedRecord) {
				return fmt.Errorf("read audit log: %w", readErr)
			}
			if readErr != nil {
				ux.NewPrinter(opts.errOut).Warning(readErr.Error())
			}

			rep := monitor.Aggregate(records, window, opts.now().UTC())
			if opts.output == outputJSON {
				return writeJSON(opts.out, rep)
			}
			renderReport(printer, rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "Audit log path (default: monitor.log_path from the config)")
	cmd.Flags().DurationVar(&window, "window", time.Hour, "Only count runs newer than this; 0 for all")
	return cmd
}

// env is an opened registry plus everything needed to report on it.
type env struct {
	cfg     config.Config
	reg     *flags.Registry
	printer *ux.Printer
	logger  *logging.Logger
}

func (e *env) close() {
	_ = e.logger.Close()
}

func (o *options) open(ctx context.Context) (*env, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.flagsPath != "" {
		cfg.Flags.Path = o.flagsPath
	}

	logCfg := cfg.LoggerConfig("stagectl")
	logCfg.Quiet = !o.verbose
	logger := logging.New(logCfg)

	plan := cfg.ActivationPlan()
	reg, err := flags.NewRegistry(ctx, flags.NewFileStore(cfg.Flags.Path),
		flags.WithKnownFlags(plan.Flags()...),
		flags.WithLogger(logger.Slog()),
		flags.WithClock(o.now),
	)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &env{cfg: cfg, reg: reg, printer: o.printer(), logger: logger}, nil
}

func (o *options) printer() *ux.Printer {
	if o.output == outputMachine {
		return ux.NewPrinterWithMode(o.out, ux.ModeMachine)
	}
	return ux.NewPrinter(o.out)
}

// statusView is the JSON form of status output.
type statusView struct {
	Stage int               `json:"stage"`
	Flags []flags.FlagState `json:"flags"`
}

func (o *options) renderStatus(p *ux.Printer, stage int, states []flags.FlagState) error {
	if o.output == outputJSON {
		return writeJSON(o.out, statusView{Stage: stage, Flags: states})
	}
	p.Title(fmt.Sprintf("Compare v3 rollout: stage %d", stage))
	rows := make([][]ux.Cell, 0, len(states))
	for _, s := range states {
		stageText := "-"
		if s.Enabled || s.RolledBackAt != nil {
			stageText = strconv.Itoa(s.Stage)
		}
		rows = append(rows, []ux.Cell{
			ux.Plain(s.Name),
			enabledCell(s.Enabled),
			ux.Plain(stageText),
			ux.Plain(formatTime(s.ActivatedAt)),
			ux.Plain(formatTime(s.RolledBackAt)),
		})
	}
	p.Table([]string{"FLAG", "STATE", "STAGE", "ACTIVATED", "ROLLED BACK"}, rows)
	return nil
}

func renderReport(p *ux.Printer, rep monitor.Report) {
	p.Title(fmt.Sprintf("Compare v3 runs %s to %s", rep.From.Format(time.RFC3339), rep.To.Format(time.RFC3339)))
	p.Info(fmt.Sprintf("runs=%d full=%d partial=%d degraded=%d snapshot_hits=%d",
		rep.Runs,
		rep.PipelineStatus[datatypes.PipelineFull],
		rep.PipelineStatus[datatypes.PipelinePartial],
		rep.PipelineStatus[datatypes.PipelineDegraded],
		rep.SnapshotHits,
	))

	rows := make([][]ux.Cell, 0, len(rep.Stages))
	for _, s := range rep.Stages {
		hit := "-"
		if s.CacheLookups > 0 {
			hit = fmt.Sprintf("%.1f%%", s.CacheHitRatio*100)
		}
		failed := ux.Plain(strconv.Itoa(s.Failed))
		if s.Failed > 0 {
			failed = ux.Styled(failed.Text, ux.Styles.Error)
		}
		fallback := ux.Plain(strconv.Itoa(s.Fallback))
		if s.Fallback > 0 {
			fallback = ux.Styled(fallback.Text, ux.Styles.Warning)
		}
		rows = append(rows, []ux.Cell{
			ux.Styled(string(s.Stage), ux.Styles.Highlight),
			ux.Plain(strconv.Itoa(s.Runs)),
			ux.Plain(strconv.Itoa(s.Success)),
			fallback,
			failed,
			ux.Plain(strconv.Itoa(s.Skipped)),
			ux.Plain(fmt.Sprintf("%d", s.P50Ms)),
			ux.Plain(fmt.Sprintf("%d", s.P95Ms)),
			ux.Plain(fmt.Sprintf("%d", s.P99Ms)),
			ux.Plain(hit),
		})
	}
	p.Table([]string{"STAGE", "RUNS", "OK", "FALLBACK", "FAILED", "SKIPPED", "P50MS", "P95MS", "P99MS", "CACHE HIT"}, rows)
}

func parseStage(arg string) (int, error) {
	stage, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: stage %q is not an integer", errUsage, arg)
	}
	if stage < 0 {
		return 0, &flags.InvalidStageError{Stage: stage}
	}
	return stage, nil
}

func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "enable", "enabled":
		return true, nil
	case "off", "false", "disable", "disabled":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not on or off", errUsage, arg)
	}
}

func highestEnabledStage(states []flags.FlagState) int {
	hw := 0
	for _, s := range states {
		if s.Enabled && s.Stage > hw {
			hw = s.Stage
		}
	}
	return hw
}

func enabledCell(enabled bool) ux.Cell {
	if enabled {
		return ux.Styled("on", ux.Styles.Success)
	}
	return ux.Styled("off", ux.Styles.Muted)
}

func kindCell(kind flags.RecordKind) ux.Cell {
	if kind == flags.KindRollback {
		return ux.Styled(string(kind), ux.Styles.Warning)
	}
	return ux.Plain(string(kind))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
