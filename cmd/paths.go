package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/blog-archiver/internal/layout"
	"github.com/JakeFAU/blog-archiver/internal/tracker"
)

func newPathsCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "paths <item>",
		Short: "Print the prefix and item directories for an item name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !tracker.ValidItemName(name) {
				return fmt.Errorf("invalid item name %q", name)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "prefix_dir=%s\n", layout.PrefixDir(dataDir, name))
			fmt.Fprintf(out, "item_dir=%s\n", layout.ItemDir(dataDir, name))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "data", "root of the per-item scratch tree")
	return cmd
}
