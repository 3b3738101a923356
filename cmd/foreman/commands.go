// Secondary CLI command constructors and the helpers they share.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/banner"
	"github.com/codefleet/foreman/internal/config"
	"github.com/codefleet/foreman/internal/lockfile"
	"github.com/codefleet/foreman/internal/orchestrator"
	"github.com/codefleet/foreman/internal/profiles"
)

// loadConfig reads the engine config from --config or the default path.
func loadConfig() (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openBacklog opens the project's feature store, creating the state
// directory on first use. Callers own Close.
func openBacklog(cfg *config.Config, projectDir string) (*backlog.Store, string, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolve project dir: %w", err)
	}
	if err := orchestrator.EnsureStateDir(dir); err != nil {
		return nil, "", err
	}

	var opts *backlog.Options
	if cfg.Backlog != nil && cfg.Backlog.MaxDependencies > 0 {
		opts = &backlog.Options{MaxDependencies: cfg.Backlog.MaxDependencies}
	}

	store, err := backlog.Open(orchestrator.BacklogPath(dir), opts)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open backlog: %w", err)
	}
	return store, dir, nil
}

// activeProfileName resolves the provider profile a run would use:
// config override first, then the store setting, then the default.
func activeProfileName(cfg *config.Config, store *backlog.Store) string {
	if cfg.Profiles != nil && cfg.Profiles.Active != "" {
		return cfg.Profiles.Active
	}
	name, err := store.GetSetting(profiles.ActiveSetting)
	if err != nil || name == "" {
		return profiles.DefaultName
	}
	return name
}

func newStatusCmd() *cobra.Command {
	var projectDir string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backlog progress and orchestrator state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, dir, err := openBacklog(cfg, projectDir)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.GetSummary()
			if err != nil {
				return fmt.Errorf("failed to read summary: %w", err)
			}
			ready, err := store.ReadyFeatures(0)
			if err != nil {
				return err
			}
			blocked, err := store.BlockedFeatures(0)
			if err != nil {
				return err
			}

			pid, alive, held := lockfile.Holder(orchestrator.LockPath(dir))
			running := held && alive
			profile := activeProfileName(cfg, store)

			if jsonOutput {
				status := map[string]interface{}{
					"project":     dir,
					"running":     running,
					"profile":     profile,
					"total":       summary.Total,
					"passing":     summary.Passing,
					"in_progress": summary.InProgress,
					"ready":       len(ready),
					"blocked":     len(blocked),
				}
				if running {
					status["orchestrator_pid"] = pid
				}

				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status: %w", err)
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Println("📊 Foreman Status")
			fmt.Println("───────────────────────────────────────")
			fmt.Printf("Project: %s\n", dir)
			if running {
				fmt.Printf("Orchestrator: running (pid %d)\n", pid)
			} else {
				fmt.Println("Orchestrator: not running")
			}
			fmt.Printf("Profile: %s\n", profile)
			fmt.Println()

			if summary.Total == 0 {
				fmt.Println("Backlog: empty")
				fmt.Println("Run 'foreman run' to bootstrap it with an initializer.")
				return nil
			}

			fmt.Printf("Features: %d/%d passing", summary.Passing, summary.Total)
			if summary.InProgress > 0 {
				fmt.Printf(", %d in progress", summary.InProgress)
			}
			fmt.Println()
			fmt.Printf("Ready: %d\n", len(ready))
			fmt.Printf("Blocked: %d\n", len(blocked))

			for i, b := range blocked {
				if i == 5 {
					fmt.Printf("  ... and %d more\n", len(blocked)-5)
					break
				}
				fmt.Printf("  ○ #%d %s (waiting on %s)\n", b.Feature.ID, b.Feature.Name, formatIDs(b.BlockedBy))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&projectDir, "project", ".", "project directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	return cmd
}

// formatIDs renders feature ids as "#1 #2 #3".
func formatIDs(ids []int64) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("#%d", id)
	}
	return out
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize Foreman configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := cfgFile
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}

			if _, err := os.Stat(configPath); err == nil {
				if !force {
					fmt.Printf("⚠️  Config already exists: %s\n\n", configPath)
					fmt.Println("   Options:")
					fmt.Printf("   • Edit:   $EDITOR %s\n", configPath)
					fmt.Println("   • Reset:  foreman init --force")
					return nil
				}

				backupPath := configPath + ".bak"
				if err := os.Rename(configPath, backupPath); err != nil {
					return fmt.Errorf("failed to backup config: %w", err)
				}
				fmt.Printf("   📦 Backed up existing config to %s\n\n", backupPath)
			}

			cfg := config.DefaultConfig()
			if err := config.Save(cfg, configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			banner.PrintWithVersion(version)

			fmt.Println("   ✅ Initialized!")
			fmt.Printf("   Config: %s\n", configPath)
			fmt.Println()
			fmt.Println("   Next steps:")
			fmt.Println("   1. Point worker.command at your agent binary")
			fmt.Println("   2. cd into a project")
			fmt.Println("   3. Run 'foreman run'")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize config (backs up existing to .bak)")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show Foreman version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Foreman %s\n", version)
		},
	}
}
