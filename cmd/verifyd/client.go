package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benaskins/verifyd/internal/api"
	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/journal"
	"github.com/benaskins/verifyd/internal/task"
	"github.com/spf13/cobra"
)

func apiClient() (*http.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	socketPath := cfg.AdminSocket
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}, nil
}

func apiGet(path string, v any) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	resp, err := c.Get("http://verifyd" + path)
	if err != nil {
		return fmt.Errorf("connecting to verifyd: %w (is an editor session running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string) (map[string]any, error) {
	c, err := apiClient()
	if err != nil {
		return nil, err
	}
	resp, err := c.Post("http://verifyd"+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to verifyd: %w (is an editor session running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

type statusReport struct {
	Engine  engine.Status   `json:"engine"`
	Backend api.BackendInfo `json:"backend"`
	Tasks   []task.Snapshot `json:"tasks"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine, backend and document status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var r statusReport
		if err := apiGet("/v1/engine", &r.Engine); err != nil {
			return err
		}
		if err := apiGet("/v1/backend", &r.Backend); err != nil {
			return err
		}
		if err := apiGet("/v1/tasks", &r.Tasks); err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(r)
		}

		color := shouldColorize(os.Stdout)
		backend := r.Backend.Current
		if backend == "" {
			backend = "-"
		}
		fmt.Printf("Engine:   %s", paint(color, string(r.Engine.Lifecycle)))
		if r.Engine.PID > 0 {
			fmt.Printf(" (pid %d", r.Engine.PID)
			if !r.Engine.StartedAt.IsZero() {
				fmt.Printf(", up %s", time.Since(r.Engine.StartedAt).Truncate(time.Second))
			}
			fmt.Print(")")
		}
		fmt.Println()
		fmt.Printf("Backend:  %s (available: %s)\n", backend, strings.Join(r.Backend.Backends, ", "))
		if r.Engine.LastError != "" {
			fmt.Printf("Error:    %s\n", r.Engine.LastError)
		}

		if len(r.Tasks) == 0 {
			fmt.Println("\nNo open documents")
			return nil
		}

		rows := make([][]string, 0, len(r.Tasks))
		for _, t := range r.Tasks {
			last := "-"
			if !t.LastRun.IsZero() {
				last = t.LastRun.Format(time.TimeOnly)
			}
			verified := "-"
			if t.LastSuccess != nil {
				verified = strconv.FormatBool(t.LastSuccess.Success)
			}
			rows = append(rows, []string{
				t.URI,
				paint(color, string(t.State)),
				verified,
				strconv.Itoa(len(t.Diagnostics)),
				strconv.Itoa(t.Steps),
				last,
			})
		}
		fmt.Println()
		fmt.Println(renderTable(
			[]string{"DOCUMENT", "STATE", "VERIFIED", "DIAGNOSTICS", "STEPS", "LAST RUN"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent verification runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var entries []journal.Entry
		if err := apiGet("/v1/history?n="+strconv.Itoa(n), &entries); err != nil {
			// Fall back to reading the journal directly when no session is up.
			cfg, cerr := loadConfig()
			if cerr != nil {
				return err
			}
			if entries, cerr = journal.Tail(cfg.Journal, n); cerr != nil {
				return err
			}
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No verification history")
			return nil
		}

		color := shouldColorize(os.Stdout)
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			dur := "-"
			if e.DurationMS > 0 {
				dur = (time.Duration(e.DurationMS) * time.Millisecond).String()
			}
			rows = append(rows, []string{
				e.Timestamp.Local().Format(time.DateTime),
				paint(color, string(e.Action)),
				e.URI,
				e.Backend,
				dur,
				strconv.Itoa(e.Diagnostics),
			})
		}
		fmt.Println(renderTable(
			[]string{"TIME", "ACTION", "DOCUMENT", "BACKEND", "DURATION", "DIAGNOSTICS"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
		))
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent engine output",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var body struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet("/v1/engine/logs?n="+strconv.Itoa(n), &body); err != nil {
			return err
		}
		for _, line := range body.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

var backendCmd = &cobra.Command{
	Use:   "backend [name]",
	Short: "Show or select the verification backend",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if _, err := apiPost("/v1/backend/" + url.PathEscape(args[0])); err != nil {
				return err
			}
			fmt.Printf("Selected backend %s\n", args[0])
			return nil
		}

		var info api.BackendInfo
		if err := apiGet("/v1/backend", &info); err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(info)
		}
		for _, name := range info.Backends {
			marker := "  "
			if name == info.Current {
				marker = "* "
			}
			fmt.Println(marker + name)
		}
		return nil
	},
}

var killDaemonCmd = &cobra.Command{
	Use:   "kill-daemon",
	Short: "Stop the verification engine",
	Long:  "Ask the running session to stop its engine. With no session running, kill any engine left behind by a previous one.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/v1/engine/kill"); err == nil {
			fmt.Println("Engine stopped")
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sup := engine.New(discardLogger(), engine.WithStateDir(cfg.StateDir))
		if err := sup.KillDaemon(ctx); err != nil {
			return fmt.Errorf("killing engine: %w", err)
		}
		fmt.Println("Engine stopped")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output JSON")
	historyCmd.Flags().IntP("lines", "n", 20, "Number of entries")
	logsCmd.Flags().IntP("lines", "n", 100, "Number of lines")
	rootCmd.AddCommand(statusCmd, historyCmd, logsCmd, backendCmd, killDaemonCmd)
}
