package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/resolver"
)

func newFeaturesCmd() *cobra.Command {
	var projectDir string

	cmd := &cobra.Command{
		Use:   "features",
		Short: "Inspect and edit the feature backlog",
	}

	cmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory")

	cmd.AddCommand(
		newFeaturesListCmd(&projectDir),
		newFeaturesShowCmd(&projectDir),
		newFeaturesSkipCmd(&projectDir),
		newFeaturesDepsCmd(&projectDir),
		newFeaturesGraphCmd(&projectDir),
	)

	return cmd
}

// withStore opens the backlog for a features subcommand and hands it
// to fn, closing it afterwards.
func withStore(projectDir string, fn func(store *backlog.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openBacklog(cfg, projectDir)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func parseFeatureID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid feature id %q", arg)
	}
	return id, nil
}

func newFeaturesListCmd(projectDir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all features with their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*projectDir, func(store *backlog.Store) error {
				features, err := store.ListFeatures()
				if err != nil {
					return err
				}

				if jsonOutput {
					data, err := json.MarshalIndent(features, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}

				if len(features) == 0 {
					fmt.Println("Backlog is empty.")
					return nil
				}

				snap, err := store.Snapshot()
				if err != nil {
					return err
				}

				for _, f := range features {
					icon := "○"
					note := ""
					switch {
					case f.Passes:
						icon = "✓"
					case f.InProgress:
						icon = "▸"
					case resolver.Blocked(snap, f.ID):
						note = " (waiting on " + formatIDs(blockingIDs(snap, f)) + ")"
					}
					if f.ReviewStatus == backlog.ReviewPending {
						note += " [pending review]"
					}
					fmt.Printf("  %s #%-4d %s: %s%s\n", icon, f.ID, f.Category, f.Name, note)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output features as JSON")
	return cmd
}

// blockingIDs lists the non-passing dependencies of f.
func blockingIDs(snap resolver.Snapshot, f *backlog.Feature) []int64 {
	var ids []int64
	for _, dep := range f.Dependencies {
		if n, ok := snap[dep]; ok && !n.Passes {
			ids = append(ids, dep)
		}
	}
	return ids
}

func newFeaturesShowCmd(projectDir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one feature in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFeatureID(args[0])
			if err != nil {
				return err
			}

			return withStore(*projectDir, func(store *backlog.Store) error {
				f, err := store.GetFeature(id)
				if err != nil {
					return err
				}

				if jsonOutput {
					data, err := json.MarshalIndent(f, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}

				fmt.Printf("📋 Feature #%d: %s\n", f.ID, f.Name)
				fmt.Println("───────────────────────────────────────")
				fmt.Printf("Category: %s\n", f.Category)
				fmt.Printf("Priority: %d\n", f.Priority)
				fmt.Printf("Status: %s\n", featureStatus(f))
				if f.ReviewStatus != backlog.ReviewNone {
					fmt.Printf("Review: %s\n", f.ReviewStatus)
					if f.ReviewNotes != "" {
						fmt.Printf("Notes: %s\n", f.ReviewNotes)
					}
				}
				if len(f.Dependencies) > 0 {
					fmt.Printf("Depends on: %s\n", formatIDs(f.Dependencies))
				}
				if f.Description != "" {
					fmt.Printf("\n%s\n", f.Description)
				}
				if len(f.Steps) > 0 {
					fmt.Println("\nSteps:")
					for i, step := range f.Steps {
						fmt.Printf("  %d. %s\n", i+1, step)
					}
				}

				if run, err := store.LastTestRun(f.ID); err == nil && run != nil {
					verdict := "failed"
					if run.Passed {
						verdict = "passed"
					}
					fmt.Printf("\nLast run: %s (%s agent, exit %d)\n", verdict, run.AgentType, run.ReturnCode)
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the feature as JSON")
	return cmd
}

func featureStatus(f *backlog.Feature) string {
	switch {
	case f.Passes:
		return "passing"
	case f.InProgress:
		return "in progress"
	default:
		return "pending"
	}
}

func newFeaturesSkipCmd(projectDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "skip <id>",
		Short: "Move a feature to the back of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFeatureID(args[0])
			if err != nil {
				return err
			}

			return withStore(*projectDir, func(store *backlog.Store) error {
				if err := store.Skip(id); err != nil {
					return err
				}
				fmt.Printf("⏭  Feature #%d moved to the back of the queue\n", id)
				return nil
			})
		},
	}
}

func newFeaturesDepsCmd(projectDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Edit feature dependencies",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <id> <dep>",
			Short: "Add a dependency edge",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseFeatureID(args[0])
				if err != nil {
					return err
				}
				dep, err := parseFeatureID(args[1])
				if err != nil {
					return err
				}
				return withStore(*projectDir, func(store *backlog.Store) error {
					if err := store.AddDependency(id, dep); err != nil {
						return err
					}
					fmt.Printf("🔗 Feature #%d now depends on #%d\n", id, dep)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <id> <dep>",
			Short: "Remove a dependency edge",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseFeatureID(args[0])
				if err != nil {
					return err
				}
				dep, err := parseFeatureID(args[1])
				if err != nil {
					return err
				}
				return withStore(*projectDir, func(store *backlog.Store) error {
					if err := store.RemoveDependency(id, dep); err != nil {
						return err
					}
					fmt.Printf("✂️  Feature #%d no longer depends on #%d\n", id, dep)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <id> [dep,dep,...]",
			Short: "Replace the dependency set (empty clears it)",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseFeatureID(args[0])
				if err != nil {
					return err
				}

				var deps []int64
				if len(args) == 2 && args[1] != "" {
					for _, part := range strings.Split(args[1], ",") {
						dep, err := parseFeatureID(strings.TrimSpace(part))
						if err != nil {
							return err
						}
						deps = append(deps, dep)
					}
				}

				return withStore(*projectDir, func(store *backlog.Store) error {
					if err := store.SetDependencies(id, deps); err != nil {
						return err
					}
					if len(deps) == 0 {
						fmt.Printf("🔗 Feature #%d dependencies cleared\n", id)
					} else {
						fmt.Printf("🔗 Feature #%d now depends on %s\n", id, formatIDs(deps))
					}
					return nil
				})
			},
		},
	)

	return cmd
}

func newFeaturesGraphCmd(projectDir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*projectDir, func(store *backlog.Store) error {
				view, err := store.Graph()
				if err != nil {
					return err
				}

				if jsonOutput {
					data, err := json.MarshalIndent(view, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}

				if len(view.Nodes) == 0 {
					fmt.Println("Backlog is empty.")
					return nil
				}

				deps := make(map[int64][]int64)
				for _, e := range view.Edges {
					deps[e.From] = append(deps[e.From], e.To)
				}

				for _, n := range view.Nodes {
					icon := "○"
					switch n.Status {
					case resolver.StatusDone:
						icon = "✓"
					case resolver.StatusInProgress:
						icon = "▸"
					case resolver.StatusBlocked:
						icon = "■"
					}
					line := fmt.Sprintf("  %s #%-4d %s", icon, n.ID, n.Status)
					if edges := deps[n.ID]; len(edges) > 0 {
						line += " → " + formatIDs(edges)
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the graph as JSON")
	return cmd
}
