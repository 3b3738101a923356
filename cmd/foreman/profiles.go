package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/profiles"
)

func newProfilesCmd() *cobra.Command {
	var projectDir string

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage provider profiles",
	}
	cmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			doc, err := profiles.Load(cfg.Profiles.Path)
			if err != nil {
				return err
			}

			return withStore(projectDir, func(store *backlog.Store) error {
				active := activeProfileName(cfg, store)

				fmt.Println("📋 Profiles")
				for _, name := range doc.Names() {
					p, _ := doc.Get(name)
					marker := " "
					if name == active {
						marker = "✓"
					}
					line := fmt.Sprintf("  %s %s", marker, name)
					if p.Description != "" {
						line += " - " + p.Description
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}

	useCmd := &cobra.Command{
		Use:   "use NAME",
		Short: "Switch the active profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			doc, err := profiles.Load(cfg.Profiles.Path)
			if err != nil {
				return err
			}
			if _, err := doc.Get(name); err != nil {
				return err
			}

			return withStore(projectDir, func(store *backlog.Store) error {
				if err := store.SetSetting(profiles.ActiveSetting, name); err != nil {
					return err
				}
				fmt.Printf("✅ Active profile: %s\n", name)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, useCmd)
	return cmd
}
