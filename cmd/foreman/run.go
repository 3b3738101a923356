package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/banner"
	"github.com/codefleet/foreman/internal/dashboard"
	"github.com/codefleet/foreman/internal/events"
	"github.com/codefleet/foreman/internal/logging"
	"github.com/codefleet/foreman/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	var (
		projectDir        string
		workers           int
		batchSize         int
		testingRatio      float64
		reviewMode        bool
		yolo              bool
		profileName       string
		dashboardMode     bool
		recordTranscripts bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until the backlog passes",
		Long: `Run acquires the project lock, bootstraps an empty backlog with an
initializer worker, then keeps spawning coding (and optionally testing
and reviewer) workers against ready features until every feature
passes or the run is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Flags override the config file for this run only.
			if cmd.Flags().Changed("workers") {
				cfg.Orchestrator.MaxWorkers = workers
			}
			if cmd.Flags().Changed("batch") {
				cfg.Orchestrator.BatchSize = batchSize
			}
			if cmd.Flags().Changed("testing-ratio") {
				cfg.Orchestrator.TestingRatio = testingRatio
			}
			if reviewMode {
				cfg.Orchestrator.ReviewMode = true
			}
			if yolo {
				cfg.Worker.Yolo = true
			}
			if profileName != "" {
				cfg.Profiles.Active = profileName
			}
			if recordTranscripts {
				cfg.Transcripts.Enabled = true
			}

			if err := logging.Init(cfg.Logging); err != nil {
				return err
			}

			store, dir, err := openBacklog(cfg, projectDir)
			if err != nil {
				return err
			}
			defer store.Close()

			bus := events.NewBus()
			orch, err := orchestrator.New(cfg, store, bus, dir)
			if err != nil {
				return err
			}
			defer orch.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if dashboardMode {
				return runDashboardMode(ctx, cancel, orch, store, bus, dir)
			}

			banner.PrintWithVersion(version)
			fmt.Printf("   Project: %s\n", dir)
			fmt.Printf("   Workers: %d (batch %d)\n", cfg.Orchestrator.MaxWorkers, cfg.Orchestrator.BatchSize)
			fmt.Printf("   Command: %s\n", cfg.Worker.Command)
			fmt.Println()

			bus.SubscribeRaw("console", func(workerID, line string) {
				fmt.Printf("   %s │ %s\n", shortID(workerID), line)
			})
			bus.SubscribeState("console", func(ev events.StateEvent) {
				fmt.Printf("   ── %s\n", ev.Message)
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\n   Shutting down, waiting for workers...")
				cancel()
			}()

			if err := orch.Run(ctx); err != nil {
				return err
			}

			summary, err := store.GetSummary()
			if err != nil {
				return err
			}
			if summary.Complete() {
				fmt.Printf("\n   ✅ Backlog complete: %d/%d passing\n", summary.Passing, summary.Total)
			} else {
				fmt.Printf("\n   ⏸  Stopped: %d/%d passing\n", summary.Passing, summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectDir, "project", ".", "project directory")
	cmd.Flags().IntVar(&workers, "workers", 0, "max concurrent workers (overrides config)")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "features per coding worker (overrides config)")
	cmd.Flags().Float64Var(&testingRatio, "testing-ratio", 0, "testing:coding worker ratio (overrides config)")
	cmd.Flags().BoolVar(&reviewMode, "review", false, "spawn reviewer workers for features pending review")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "pass --yolo to workers")
	cmd.Flags().StringVar(&profileName, "profile", "", "provider profile for this run")
	cmd.Flags().BoolVar(&dashboardMode, "dashboard", false, "run with the terminal dashboard")
	cmd.Flags().BoolVar(&recordTranscripts, "record-transcripts", false, "record worker conversations to the transcript store")

	return cmd
}

// runDashboardMode runs the TUI with live updates from the event bus
// while the orchestrator works in the background.
func runDashboardMode(ctx context.Context, cancel context.CancelFunc, orch *orchestrator.Orchestrator, store *backlog.Store, bus *events.Bus, projectDir string) error {
	// Suppress slog output to prevent corrupting the TUI display.
	logging.Suppress()

	model := dashboard.NewModel(version, projectDir)
	program := tea.NewProgram(model, tea.WithAltScreen())

	// Raw lines update the worker panes and the output panel. Throttled
	// so a chatty worker cannot flood the render loop.
	var lineMu sync.Mutex
	var lastLineSent time.Time
	bus.SubscribeRaw("dashboard", func(workerID, line string) {
		lineMu.Lock()
		if time.Since(lastLineSent) < 100*time.Millisecond {
			lineMu.Unlock()
			return
		}
		lastLineSent = time.Now()
		lineMu.Unlock()

		program.Send(dashboard.SetWorkerLine(workerID, line)())
		program.Send(dashboard.AddLog(line)())
	})

	bus.SubscribeEvents("dashboard", func(ev events.Event) {
		if ev.Type != events.TypeTerminal {
			return
		}
		program.Send(dashboard.AddOutcome(dashboard.Outcome{
			Feature: ev.FeatureID,
			Role:    ev.Role,
			Verdict: ev.Verdict,
			At:      ev.Time,
		})())
	})

	bus.SubscribeState("dashboard", func(ev events.StateEvent) {
		program.Send(dashboard.SetState(ev.Message)())
	})

	// Periodic refresh for the worker list and backlog counters.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				program.Send(dashboard.UpdateWorkers(workerRows(orch.Workers()))())
				if s, ok := summarize(store); ok {
					program.Send(dashboard.UpdateSummary(s)())
				}
			}
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- orch.Run(ctx)
		program.Send(tea.Quit())
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
		program.Send(tea.Quit())
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-runErr
		return err
	}

	// The user quit the TUI; stop the orchestrator and wait for the
	// worker shutdown to settle.
	cancel()
	return <-runErr
}

// workerRows converts the orchestrator snapshot into display rows.
func workerRows(ws []orchestrator.WorkerStatus) []dashboard.WorkerDisplay {
	rows := make([]dashboard.WorkerDisplay, 0, len(ws))
	for _, w := range ws {
		ids := make([]string, 0, len(w.Features))
		for _, id := range w.Features {
			ids = append(ids, fmt.Sprintf("#%d", id))
		}
		rows = append(rows, dashboard.WorkerDisplay{
			ID:       w.ID,
			Role:     string(w.Role),
			Features: strings.Join(ids, " "),
			Started:  w.Started,
		})
	}
	return rows
}

// summarize reads the counters for the BACKLOG panel.
func summarize(store *backlog.Store) (dashboard.SummaryDisplay, bool) {
	summary, err := store.GetSummary()
	if err != nil {
		return dashboard.SummaryDisplay{}, false
	}
	ready, err := store.ReadyFeatures(0)
	if err != nil {
		return dashboard.SummaryDisplay{}, false
	}
	blocked, err := store.BlockedFeatures(0)
	if err != nil {
		return dashboard.SummaryDisplay{}, false
	}

	return dashboard.SummaryDisplay{
		Passing:    summary.Passing,
		InProgress: summary.InProgress,
		Ready:      len(ready),
		Blocked:    len(blocked),
		Total:      summary.Total,
	}, true
}

// shortID trims a worker uuid for console prefixes.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
