package cli

import (
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"swimalign/internal/config"
	"swimalign/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	var projectPath string

	rootCmd := &cobra.Command{
		Use:   "swimalign",
		Short: "swimalign aligns serial-section image stacks",
		Long: `swimalign registers each section of a serial-section stack to its reference
with the swim correlator and mir matrix composer, then composes the local
affines into cumulative affines for the whole stack.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", "", "project file (default paths.default_project)")

	rootCmd.AddCommand(newInitCmd(root))
	rootCmd.AddCommand(newAlignCmd(root, &projectPath))
	rootCmd.AddCommand(newCafmCmd(root, &projectPath))
	rootCmd.AddCommand(newStatusCmd(root, &projectPath))
	rootCmd.AddCommand(newServeCmd(root, &projectPath))
	rootCmd.AddCommand(newWatchCmd(root, &projectPath))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newInitCmd(root *Root) *cobra.Command {
	var (
		name   string
		levels []string
		scale  bool
	)

	cmd := &cobra.Command{
		Use:   "init <image_directory> <project_file>",
		Short: "Create a project from a directory of section images",
		Long: `Create a project with one section per image in the directory, ordered by
natural filename order. Every section is included and references the
previous one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdInit(args[0], args[1], name, levels, scale)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "project name (default directory name)")
	cmd.Flags().StringSliceVar(&levels, "levels", []string{"s4", "s2", "s1"}, "resolution levels")
	cmd.Flags().BoolVar(&scale, "scale", false, "generate downsampled images for every level")
	return cmd
}

func newAlignCmd(root *Root, projectPath *string) *cobra.Command {
	var (
		level     string
		sections  []int
		propagate string
	)

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Align sections and recompose the stack",
		Long: `Align the sections of a project at one level, reusing cached results for
unchanged settings, then recompute the cumulative affines.

Examples:
  # Align every section at the coarsest level
  swimalign align -p stack.json

  # Refine at s2 seeded from the s4 results
  swimalign align -p stack.json --level s2 --propagate-from s4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdAlign(cmd.Context(), *projectPath, level, sections, propagate)
		},
	}

	cmd.Flags().StringVarP(&level, "level", "l", "", "level to align (default coarsest)")
	cmd.Flags().IntSliceVarP(&sections, "sections", "s", nil, "section indices (default all)")
	cmd.Flags().StringVar(&propagate, "propagate-from", "", "seed initial affines from a coarser level")
	return cmd
}

func newCafmCmd(root *Root, projectPath *string) *cobra.Command {
	var (
		level     string
		polyOrder int
		noBias    bool
	)

	cmd := &cobra.Command{
		Use:   "cafm",
		Short: "Recompose cumulative affines from stored local affines",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			var order *int
			if cmd.Flags().Changed("poly-order") {
				order = &polyOrder
			}
			return root.cmdCafm(*projectPath, level, order, noBias)
		},
	}

	cmd.Flags().StringVarP(&level, "level", "l", "", "level to compose (default coarsest)")
	cmd.Flags().IntVar(&polyOrder, "poly-order", 0, "fit and remove a drift polynomial of this order")
	cmd.Flags().BoolVar(&noBias, "no-bias", false, "disable drift correction")
	return cmd
}

func newStatusCmd(root *Root, projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show alignment progress per level",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdStatus(*projectPath)
		},
	}
}

func newServeCmd(root *Root, projectPath *string) *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for a project",
		Long: `Start an HTTP server exposing sections, cumulative affines and run history,
with live progress over server-sent events (/stream) and websockets (/ws).

Examples:
  swimalign serve -p stack.json --addr :8080
  swimalign serve -p stack.json --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "watch", watch)
			return root.cmdServe(cmd.Context(), *projectPath, addr, watch)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload and recompose when the project changes")
	return cmd
}

func newWatchCmd(root *Root, projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Recompose cumulative affines whenever the project file changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdWatch(cmd.Context(), *projectPath)
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the swim and mir executables",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdTools()
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("swimalign v%s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
