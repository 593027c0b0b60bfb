package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/helpdesk/internal/version"
)

var (
	configFileFlag string
	verboseFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "helpdesk",
	Short: "Helpdesk - email driven support ticketing",
	Long: `Helpdesk Command Line Interface

Turns mail sent to the support mailbox into tickets and follow-up comments,
tracks SLA deadlines and serves the agent API.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFileFlag, "config", "", "Path to helpdesk.yaml (default: ./, ./config, /etc/helpdesk)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose console logging")

	rootCmd.AddCommand(processEmailsCmd)
	rootCmd.AddCommand(imapTestCmd)
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(slaReportCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		newUI(os.Stdout, os.Stderr).Error("%v", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "helpdesk %s\n", info.Full())
		fmt.Fprintf(cmd.OutOrStdout(), "branch: %s\n", info.GitBranch)
	},
}
