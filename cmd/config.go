package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chatbridge/relay/config"
	"github.com/chatbridge/relay/pkg/paths"
	"github.com/spf13/cobra"
)

// NewConfigCmd groups settings inspection and validation.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate relay configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigSchemaCmd())
	cmd.AddCommand(newConfigPathsCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(paths.SettingsPath())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate settings.json against the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(paths.SettingsPath())
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No settings file; defaults apply")
					return nil
				}
				return err
			}

			validator, err := config.NewValidator()
			if err != nil {
				return err
			}
			if err := validator.Validate(data); err != nil {
				return err
			}
			fmt.Println("Settings are valid")
			return nil
		},
	}
}

func newConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the settings JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.GenerateSettingsSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

// pathsOutput is the machine-readable shape of `config paths`.
type pathsOutput struct {
	ConfigDir  string `json:"config_dir"`
	StateDir   string `json:"state_dir"`
	RuntimeDir string `json:"runtime_dir"`
	Socket     string `json:"socket"`
	Registry   string `json:"registry"`
	Mappings   string `json:"mappings"`
	Settings   string `json:"settings"`
	LogFile    string `json:"log_file"`
}

func newConfigPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the XDG-compliant paths used by relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := pathsOutput{
				ConfigDir:  paths.ConfigDir(),
				StateDir:   paths.StateDir(),
				RuntimeDir: paths.RuntimeDir(),
				Socket:     paths.SocketPath(),
				Registry:   paths.RegistryPath(),
				Mappings:   paths.MappingsPath(),
				Settings:   paths.SettingsPath(),
				LogFile:    paths.LogFilePath(),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(output)
		},
	}
}
