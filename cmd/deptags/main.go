package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acheong08/deptags/internal/app"
	"github.com/acheong08/deptags/internal/config"
	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/metadata"
)

var version = "0.1.0-dev"

// buildFlags holds the flags of the root command.
type buildFlags struct {
	force      bool
	source     string
	graph      string
	outputKind string
	jobs       int
	quiet      bool
	verbose    bool
	logFormat  string
	configPath string
	json       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &buildFlags{}

	rootCmd := &cobra.Command{
		Use:   "deptags [dir]",
		Short: "Create ctags for a project and all of its dependencies",
		Long: `deptags builds a tags file for every package of a project's dependency
graph. Each package's tags file also contains the tags of its dependencies,
so an editor can jump to any symbol the package can reach.

The graph comes from cargo metadata, package-lock.json or a graph file.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, args, flags)
		},
	}

	f := rootCmd.Flags()
	f.BoolVarP(&flags.force, "force-recreate", "f", false, "Forces the recreation of the tags of all dependencies")
	f.StringVarP(&flags.source, "source", "s", string(metadata.KindAuto), "Dependency graph source: auto|cargo|npm|file")
	f.StringVarP(&flags.graph, "graph", "g", "", "Path or URL of a dependency graph file (JSON or YAML)")
	f.StringVarP(&flags.outputKind, "output-kind", "o", "", "The kind of the created tags: vi|emacs (default from config)")
	f.IntVarP(&flags.jobs, "jobs", "j", 0, "Number of threads used for building the tags (default: number of CPUs)")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "Don't print anything but errors and warnings")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose output about all operations")
	f.StringVar(&flags.logFormat, "log-format", "", "Log output format: text|json (default from config)")
	f.BoolVar(&flags.json, "json", false, "Print machine-readable run summary")
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default: <user config dir>/deptags/config.yaml)")
	rootCmd.MarkFlagsMutuallyExclusive("quiet", "verbose")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deptags %s\n", version)
		},
	}

	rootCmd.AddCommand(newLocksCmd(flags), versionCmd)
	return rootCmd
}

func runBuild(cmd *cobra.Command, args []string, flags *buildFlags) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve path %q: %w", dir, err)
	}
	if info, err := os.Stat(dir); err != nil {
		return fmt.Errorf("failed to access path %q: %w", dir, err)
	} else if !info.IsDir() {
		return fmt.Errorf("path %q is not a directory", dir)
	}

	source, err := metadata.ParseKind(flags.source)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger := ctxlog.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	ctx := ctxlog.WithLogger(cmd.Context(), logger)

	report, err := app.New(cfg).Run(ctx, app.Request{
		Dir:    dir,
		Force:  flags.force,
		Source: source,
		Graph:  flags.graph,
	}, nil)
	if err != nil {
		return err
	}

	for _, n := range report.Failed() {
		logger.Warn("tags not created", "node", n.Name, "error", n.Error)
	}

	if flags.json {
		return printJSON(cmd, report)
	}
	return nil
}

// loadConfig reads the configuration and applies the command-line flags
// that override it.
func loadConfig(cmd *cobra.Command, flags *buildFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("output-kind") {
		cfg.TagsKind = flags.outputKind
	}
	if changed("jobs") {
		cfg.Jobs = flags.jobs
	}
	if changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	switch {
	case flags.quiet:
		cfg.LogLevel = "warn"
	case flags.verbose:
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
