package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/foreman/internal/orchestrator"
	"github.com/codefleet/foreman/internal/transcript"
)

func newTranscriptsCmd() *cobra.Command {
	var projectDir string

	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "Browse recorded worker conversations",
		Long: "Transcripts are recorded when the orchestrator runs with\n" +
			"--record-transcripts. Sessions can be addressed by any unique\n" +
			"id prefix.",
	}
	cmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory")

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTranscripts(projectDir)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.RecentSessions(limit)
			if err != nil {
				return err
			}

			fmt.Println("📜 Transcript sessions")
			if len(sessions) == 0 {
				fmt.Println("  (none recorded yet)")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("  %s %-11s %s  %s\n",
					shortID(s.ID), s.Role,
					s.StartedAt.Local().Format("2006-01-02 15:04:05"),
					sessionLength(s))
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "sessions to show")

	showCmd := &cobra.Command{
		Use:   "show SESSION",
		Short: "Print one session's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTranscripts(projectDir)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := findSession(store, args[0])
			if err != nil {
				return err
			}
			messages, err := store.Messages(sess.ID)
			if err != nil {
				return err
			}

			fmt.Printf("📜 Session %s (%s worker %s, started %s)\n",
				shortID(sess.ID), sess.Role, shortID(sess.WorkerID),
				sess.StartedAt.Local().Format("2006-01-02 15:04:05"))
			if len(messages) == 0 {
				fmt.Println("  (empty session)")
				return nil
			}
			for _, m := range messages {
				fmt.Printf("  %s %s │ %s\n",
					m.CreatedAt.Local().Format("15:04:05"), m.Speaker, m.Content)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

// openTranscripts opens the project's transcript store, refusing to
// create one as a side effect of browsing.
func openTranscripts(projectDir string) (*transcript.Store, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	path := orchestrator.TranscriptsPath(dir)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no transcripts recorded in %s (run 'foreman run --record-transcripts')", dir)
	}
	return transcript.Open(path)
}

// findSession resolves a session by id prefix, requiring uniqueness.
func findSession(store *transcript.Store, prefix string) (*transcript.Session, error) {
	sessions, err := store.RecentSessions(200)
	if err != nil {
		return nil, err
	}
	var match *transcript.Session
	for _, s := range sessions {
		if !strings.HasPrefix(s.ID, prefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("session prefix %q is ambiguous", prefix)
		}
		match = s
	}
	if match == nil {
		return nil, fmt.Errorf("no session matches %q", prefix)
	}
	return match, nil
}

// sessionLength renders how long a session ran, or marks it open.
func sessionLength(s *transcript.Session) string {
	if s.EndedAt == nil {
		return "open"
	}
	return s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
}
