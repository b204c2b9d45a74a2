// Command hypervisor inspects hypervisor configuration and the audit
// commitments it has persisted.
//
// Exit codes:
//
//	0 = success
//	1 = verification failed
//	2 = usage or runtime error
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/config"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// errMismatch marks a verification failure as opposed to a runtime error.
var errMismatch = errors.New("verification failed")

type app struct {
	configPath string
	cfg        *config.Config
	stdout     io.Writer
	stderr     io.Writer
}

// Run executes the CLI and returns its exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errMismatch):
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hypervisor",
		Short:         "Governance runtime for multi-agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			slog.SetDefault(cfg.NewLogger(a.stderr))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("HYPERVISOR_CONFIG"), "Path to the YAML configuration file")

	root.AddCommand(a.configCmd(), a.commitmentsCmd(), a.verifyCmd())
	return root
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(out)
			return err
		},
	}
}
