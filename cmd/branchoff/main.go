package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return ExitSuccess
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return ExitConfigError
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "branchoff",
		Short: "Deploy every branch of a repository on its own port",
		Long: `branchoff clones branches pushed to a repository, runs their test hooks
in a staging checkout and promotes passing branches to a release process.

Events arrive on /github/postreceive or through the control API.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	loadConfig := func() (*Config, error) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, &exitError{code: ExitConfigError, err: fmt.Errorf("configuration error: %w", err)}
		}
		return cfg, nil
	}

	root.AddCommand(newServeCommand(loadConfig))
	root.AddCommand(newIgniteCommand(loadConfig))
	root.AddCommand(newRegistryCommand(loadConfig))
	root.AddCommand(newVersionCommand())

	return root
}

type configLoader func() (*Config, error)

// =============================================================================
// serve
// =============================================================================

func newServeCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := SetupLogger(cfg)
			logger.Info("starting branchoff",
				"version", Version,
				"data_dir", cfg.Data.Dir,
				"backend", cfg.Process.Backend,
			)

			server, err := NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return serverExit(err)
			}
			if err := server.Start(cmd.Context()); err != nil {
				return serverExit(err)
			}
			return nil
		},
	}
}

func serverExit(err error) error {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return &exitError{code: sErr.ExitCode, err: err}
	}
	return &exitError{code: ExitConfigError, err: err}
}

// =============================================================================
// version
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "branchoff %s (built %s)\n", Version, BuildTime)
		},
	}
}
