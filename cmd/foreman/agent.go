package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/foreman/internal/logging"
	"github.com/codefleet/foreman/internal/profiles"
	"github.com/codefleet/foreman/internal/roleapi"
	"github.com/codefleet/foreman/internal/worker"
)

// newAgentCmd runs a single worker outside the orchestrator loop. The
// main use is the architect role, which plans and records decisions but
// never dispatches from the backlog, so the loop has no reason to spawn
// it.
func newAgentCmd() *cobra.Command {
	var (
		projectDir string
		featureID  int64
		model      string
		yolo       bool
	)

	cmd := &cobra.Command{
		Use:   "agent ROLE",
		Short: "Run a single worker once",
		Long: "Launches one worker subprocess with the given role and waits for it\n" +
			"to finish. Useful for the architect role and for debugging a role in\n" +
			"isolation. Roles: initializer, coding, testing, reviewer, architect.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := worker.Role(args[0])
			if !worker.Valid(role) {
				return fmt.Errorf("unknown role %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if yolo {
				cfg.Worker.Yolo = true
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return err
			}

			store, dir, err := openBacklog(cfg, projectDir)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			doc, err := profiles.Load(cfg.Profiles.Path)
			if err != nil {
				return err
			}
			profile, err := doc.Get(activeProfileName(cfg, store))
			if err != nil {
				return err
			}
			if model == "" {
				model = profile.ModelFor(worker.TierFor(role))
			}

			bridge := roleapi.NewServer(store)
			if err := bridge.Start(); err != nil {
				return fmt.Errorf("start role api: %w", err)
			}
			defer func() { _ = bridge.Close() }()
			token, err := bridge.RegisterToken(role)
			if err != nil {
				return err
			}

			spec := worker.LaunchSpec{
				Role:       role,
				Command:    cfg.Worker.Command,
				Entrypoint: cfg.Worker.Entrypoint,
				ExtraArgs:  cfg.Worker.Args,
				ProjectDir: dir,
				Model:      model,
				FeatureID:  featureID,
				Yolo:       cfg.Worker.Yolo,
				Env: append(profile.Environ(),
					roleapi.EnvAddr+"="+bridge.URL(),
					roleapi.EnvToken+"="+token,
				),
			}

			fmt.Printf("🔧 Running %s agent in %s\n\n", role, dir)
			handle, err := worker.Launch(cmd.Context(), spec, func(workerID, line string) {
				fmt.Printf("   %s │ %s\n", shortID(workerID), line)
			})
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\n   Stopping agent...")
				handle.Stop()
			}()

			res, err := handle.Await(context.Background())
			if err != nil {
				return err
			}
			signal.Stop(sigCh)

			switch res.Status {
			case worker.StatusFinishedOK:
				fmt.Printf("\n✅ %s agent finished in %s\n", role, res.RanFor.Round(time.Second))
				return nil
			case worker.StatusKilled:
				fmt.Printf("\n⏹  %s agent stopped\n", role)
				return nil
			default:
				return fmt.Errorf("%s agent ended %s (exit %d)", role, res.Status, res.ExitCode)
			}
		},
	}

	cmd.Flags().StringVar(&projectDir, "project", ".", "project directory")
	cmd.Flags().Int64Var(&featureID, "feature", 0, "pre-assign a feature id")
	cmd.Flags().StringVar(&model, "model", "", "override the profile's model id")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "skip permission prompts in the worker")

	return cmd
}
