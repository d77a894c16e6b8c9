package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command line options shared by every sub-command
type AppOptions struct {
	ConfigFile   string
	BundleFile   string
	OutputFile   string
	RenderFile   string
	RenderFormat string
	HttpPort     int
	Workers      int
	LogLevel     string
	LogFormat    string
}

// Runner is the behavior the CLI dispatches to
type Runner interface {
	ApplyOptions(opts AppOptions) error
	RunPipeline() error
	RunRender() error
	RunServe() error
	RunConfigDump() error
}

func newRootCmd(app Runner) *cobra.Command {
	var opts AppOptions
	// Each sub-command has its own --out default.
	var runOut, renderOut, configOut string

	root := &cobra.Command{
		Use:   "ks4post",
		Short: "Spike sorting post-processing: duplicate removal, spike positions, PC feature export",
		Long: `ks4post turns the spike times, templates, clusters and PC features of a
template-matching run into a deduplicated spike train, per-spike position
estimates and cluster-relative PC features in the layout Phy expects.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file (defaults are used when empty)")
	pf.StringVar(&opts.BundleFile, "bundle", "bundle.json", "Path to the JSON run bundle")
	pf.IntVar(&opts.Workers, "workers", 0, "Worker goroutines (0 keeps the configured value)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "Log level override: debug, info, warn, error")
	pf.StringVar(&opts.LogFormat, "log-format", "", "Log format override: text or json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run post-processing and write the result JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OutputFile = runOut
			if err := app.ApplyOptions(opts); err != nil {
				return err
			}
			return app.RunPipeline()
		},
	}
	runCmd.Flags().StringVar(&runOut, "out", "postproc-result.json", "Output file for the result JSON")
	runCmd.Flags().StringVar(&opts.RenderFile, "render", "", "Also render the position map to this file (.svg or .png)")

	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Run post-processing and render the spike position map",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OutputFile = renderOut
			if err := app.ApplyOptions(opts); err != nil {
				return err
			}
			return app.RunRender()
		},
	}
	renderCmd.Flags().StringVar(&renderOut, "out", "positions.svg", "Output file for the position map")
	renderCmd.Flags().StringVar(&opts.RenderFormat, "format", "", "Render format: svg or png (default from file extension)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run post-processing once and serve the result over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.ApplyOptions(opts); err != nil {
				return err
			}
			return app.RunServe()
		},
	}
	serveCmd.Flags().IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Write the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OutputFile = configOut
			if err := app.ApplyOptions(opts); err != nil {
				return err
			}
			return app.RunConfigDump()
		},
	}
	configCmd.Flags().StringVar(&configOut, "out", "ks4post.yaml", "Output file for the configuration")

	root.AddCommand(runCmd, renderCmd, serveCmd, configCmd)
	return root
}

func main() {
	if err := newRootCmd(NewApp()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ks4post: %v\n", err)
		os.Exit(1)
	}
}
