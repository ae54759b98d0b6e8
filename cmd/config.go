package cmd

import (
	"fmt"
	"os"

	"github.com/alecthomas/chroma/quick"
	"github.com/spf13/cobra"

	"lanshare/config"
)

func init() {
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configResetCmd)
}

var configCmd = &cobra.Command{
	Use:       "config",
	Short:     "View and reset options",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{configPathCmd.Name(), configViewCmd.Name(), configResetCmd.Name()},
	Run:       func(cmd *cobra.Command, args []string) {},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Output the path of the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath(dataDir))
		return nil
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the configured options",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfgPath, err := config.LoadOrCreate(nil)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("config file (%s) could not be read: %w", cfgPath, err)
		}
		out := cmd.OutOrStdout()
		if err := quick.Highlight(out, string(raw), "json", "terminal256", "onedark"); err != nil {
			fmt.Fprint(out, string(raw))
		}
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset to the default configuration, keeping the device ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfgPath, err := config.LoadOrCreate(nil)
		if err != nil {
			return err
		}
		if err := config.Reset(cfgPath); err != nil {
			return fmt.Errorf("config file (%s) could not be reset: %w", cfgPath, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", cfgPath)
		return nil
	},
}
