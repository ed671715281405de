package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/chatbridge/relay/pkg/paths"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

// NewLogsCmd prints or follows the daemon's own log file.
func NewLogsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath := paths.LogFilePath()
			if _, err := os.Stat(logPath); os.IsNotExist(err) {
				fmt.Println("No log file yet")
				return nil
			}

			if !follow {
				file, err := os.Open(logPath)
				if err != nil {
					return err
				}
				defer file.Close()
				_, err = io.Copy(os.Stdout, file)
				return err
			}

			t, err := tail.TailFile(logPath, tail.Config{
				Follow:    true,
				ReOpen:    true,
				MustExist: true,
				Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return err
			}
			defer t.Cleanup()

			for line := range t.Lines {
				if line.Err != nil {
					return line.Err
				}
				fmt.Println(line.Text)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	return cmd
}
