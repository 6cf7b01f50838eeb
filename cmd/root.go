package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/app"
	"github.com/JakeFAU/blog-archiver/internal/config"
)

// App is the slice of the application the commands drive. It is an interface
// so tests can inject a fake.
type App interface {
	Run(ctx context.Context) error
	Close() error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "blog-archiver",
		Short: "Claims blogs from a tracker, archives them to WARC and uploads the result.",
		Long: `blog-archiver is a downloader for distributed archiving projects.
It repeatedly claims an item from the tracker, mirrors it with the fetch tool,
uploads the resulting WARC container and reports completion.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed ARCHIVER_ override it)")

	cmd.AddCommand(newRunCmd(&cfgFile))
	cmd.AddCommand(newPathsCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
