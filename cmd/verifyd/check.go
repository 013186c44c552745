package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/settings"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Backend string `json:"backend"`
	Command string `json:"command"`
	Started *bool  `json:"started,omitempty"`
	Elapsed string `json:"elapsed,omitempty"`
	Error   string `json:"error,omitempty"`
}

type checkReport struct {
	Path     string        `json:"path"`
	Valid    bool          `json:"valid"`
	Error    string        `json:"error,omitempty"`
	Backends []checkResult `json:"backends,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [settings-file]",
	Short: "Validate a settings file",
	Long:  "Parse and validate a YAML, TOML or JSON settings file. With --start, also boot each backend once and wait for it to become ready.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("start", false, "Start each backend and wait for readiness")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	start, _ := cmd.Flags().GetBool("start")

	var target string
	if len(args) > 0 {
		target = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		target = cfg.Settings
	}
	if target == "" {
		return fmt.Errorf("no settings file given and none configured")
	}

	report := checkReport{Path: target}
	s, err := settings.Load(target)
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Valid = true
		for _, p := range s.Backends {
			report.Backends = append(report.Backends, checkResult{Backend: p.Name, Command: p.Command})
		}
		if start {
			if err := probeBackends(cmd.Context(), s, report.Backends); err != nil {
				return err
			}
		}
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
		return checkFailure(report)
	}

	if !report.Valid {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", report.Path, report.Error)
		return checkFailure(report)
	}
	fmt.Printf("OK    %s (%d backends)\n", report.Path, len(report.Backends))
	for _, b := range report.Backends {
		switch {
		case b.Started == nil:
			fmt.Printf("      %s: %s\n", b.Backend, b.Command)
		case *b.Started:
			fmt.Printf("      %s: ready in %s\n", b.Backend, b.Elapsed)
		default:
			fmt.Fprintf(os.Stderr, "      %s: %s\n", b.Backend, b.Error)
		}
	}
	return checkFailure(report)
}

// probeBackends boots each backend with a throwaway supervisor so a live
// session's engine record is left alone.
func probeBackends(ctx context.Context, s *settings.Settings, results []checkResult) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dir, err := os.MkdirTemp("", "verifyd-check-")
	if err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sup := engine.New(discardLogger(), engine.WithStateDir(dir))
	defer sup.KillDaemon(context.Background())

	for i := range s.Backends {
		p := &s.Backends[i]
		began := time.Now()
		err := sup.Restart(ctx, p)
		ok := err == nil
		results[i].Started = &ok
		if ok {
			results[i].Elapsed = time.Since(began).Truncate(time.Millisecond).String()
		} else {
			results[i].Error = err.Error()
		}
		if err := sup.Stop(ctx); err != nil {
			return fmt.Errorf("stopping %s: %w", p.Name, err)
		}
	}
	return nil
}

func checkFailure(r checkReport) error {
	if !r.Valid {
		return fmt.Errorf("settings %s failed validation", r.Path)
	}
	var failed int
	for _, b := range r.Backends {
		if b.Started != nil && !*b.Started {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d backend(s) failed to start", failed)
	}
	return nil
}
