package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/shell/executor"
	"github.com/branchoff/branchoff/internal/shell/registry"
	"github.com/branchoff/branchoff/internal/shell/resolver"
	"github.com/branchoff/branchoff/internal/shell/vcs"
)

// ErrNoMainScript is returned by ignite when the branch config names
// neither main nor pm2.script.
var ErrNoMainScript = errors.New("main script is not defined in the branch config")

// =============================================================================
// ignite
// =============================================================================

// newIgniteCommand runs the checkout in the working directory in the
// foreground, with the same environment a deployed process would get.
func newIgniteCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "ignite",
		Short: "Run the current checkout in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := SetupLogger(cfg)

			dir, err := os.Getwd()
			if err != nil {
				return &exitError{code: ExitIgniteError, err: err}
			}

			shell := executor.NewShell(cfg.Shell.Path, logger)
			git := vcs.NewGit(shell, cfg.VCS.GitPath, logger)

			uri, branch, err := git.Origin(cmd.Context(), dir)
			if err != nil {
				return &exitError{code: ExitIgniteError, err: fmt.Errorf("not a git checkout: %w", err)}
			}

			reg := newRegistry(cfg, logger)
			c, err := igniteContext(reg, uri, branch, dir)
			if err != nil {
				return &exitError{code: ExitIgniteError, err: err}
			}

			res := resolver.New(reg, resolver.Config{Files: cfg.Deploy.ConfigFiles}, logger)
			script, err := igniteScript(res, c)
			if err != nil {
				return &exitError{code: ExitIgniteError, err: err}
			}

			logger.Info("igniting", "id", c.ID, "port", c.Port, "dir", dir, "script", script)
			result, err := shell.Run(cmd.Context(), executor.Command{
				Line:   script,
				Dir:    dir,
				Env:    res.Env(c, "start", nil),
				Quiet:  true,
				Stream: cmd.OutOrStdout(),
			})
			if err != nil {
				return &exitError{code: ExitIgniteError, err: err}
			}

			logger.Info("ignite exited", "code", result.Code)
			if result.Code != 0 {
				return &exitError{code: result.Code}
			}
			return nil
		},
	}
}

// igniteContext registers the working checkout under its own local id. The
// release context of the same branch is left untouched, and restore and
// teardown never act on a local context's directory.
func igniteContext(reg *registry.Registry, uri, branch, dir string) (*domain.Context, error) {
	c, err := reg.Resolve(uri, branch, registry.ResolveOptions{Mode: domain.ModeLocal})
	if err != nil {
		return nil, err
	}
	if c.Dir != dir {
		c.Dir = dir
		c.Cwd = filepath.Dir(dir)
		c.Folder = filepath.Base(dir)
		reg.Save(c)
	}
	return c, nil
}

// igniteScript picks the foreground command: main, falling back to the
// process script.
func igniteScript(res *resolver.Resolver, c *domain.Context) (string, error) {
	bc := res.Configuration(c)
	if bc.Main != "" {
		return bc.Main, nil
	}
	if bc.Process.Script != "" {
		return bc.Process.Script, nil
	}
	return "", ErrNoMainScript
}

// =============================================================================
// registry
// =============================================================================

func newRegistryCommand(loadConfig configLoader) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "List the deployment contexts on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := newRegistry(cfg, SetupLogger(cfg))
			return printContexts(cmd.OutOrStdout(), reg.List(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func printContexts(w io.Writer, contexts []*domain.Context, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(contexts)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPORT\tMODE\tSCALE\tBRANCH\tURI")
	for _, c := range contexts {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n", c.ID, c.Port, c.Mode, c.Scale, c.Branch, c.URI)
	}
	return tw.Flush()
}
