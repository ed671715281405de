package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/chatbridge/relay/internal/registry"
	"github.com/chatbridge/relay/logging"
	"github.com/chatbridge/relay/pkg/paths"
	"github.com/spf13/cobra"
)

// NewSessionsCmd lists the persisted session registry.
func NewSessionsCmd() *cobra.Command {
	var jsonOutput bool
	var all bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List supervised sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Open(paths.RegistryPath(), logging.NewLogger("sessions"))
			if err != nil {
				return err
			}

			sessions := reg.List(func(s registry.Session) bool {
				return all || !s.Status.Terminal()
			})
			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].StartedAt.Before(sessions[j].StartedAt)
			})

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions found")
				return nil
			}

			fmt.Printf("Sessions (%d total)\n", len(sessions))
			fmt.Println(strings.Repeat("=", 60))
			for _, s := range sessions {
				fmt.Printf("\n%s [%s]\n", s.Name, s.Status)
				fmt.Printf("  ID:      %s\n", s.ID)
				fmt.Printf("  CWD:     %s\n", s.Cwd)
				if s.Pid != 0 {
					fmt.Printf("  PID:     %d\n", s.Pid)
				}
				if s.ThreadID != "" {
					fmt.Printf("  Thread:  %s\n", s.ThreadID)
				}
				fmt.Printf("  Started: %s\n", s.StartedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include stopped and orphaned sessions")
	return cmd
}
