package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"swimalign/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or write the swimalign configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			cmd.Println("Configuration is valid")
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in defaults to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Save(config.Default())
			if err != nil {
				return err
			}
			cmd.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func (r *Root) configShow() error {
	path, err := config.Path()
	if err != nil {
		return err
	}
	c := r.cfg
	fmt.Fprintf(r.out, "Configuration:\n\n")
	fmt.Fprintf(r.out, "Config file: %s\n", path)
	fmt.Fprintf(r.out, "Database Path: %s\n", c.Paths.DatabasePath)
	fmt.Fprintf(r.out, "Default Project: %s\n", c.Paths.DefaultProject)
	fmt.Fprintf(r.out, "Temp Directory: %s\n", c.Processing.TempDir)
	fmt.Fprintf(r.out, "Workers: %d (for 1000 sections)\n", c.WorkerCount(1000))
	fmt.Fprintf(r.out, "Log Level: %s\n", c.Logging.Level)
	fmt.Fprintf(r.out, "Log Format: %s\n", c.Logging.Format)
	fmt.Fprintf(r.out, "Log Directory: %s\n", c.Logging.LogDir)

	fmt.Fprintf(r.out, "\nTools:\n")
	fmt.Fprintf(r.out, "  swim: %s\n", orDefault(c.Swim.SwimPath, "(PATH lookup)"))
	fmt.Fprintf(r.out, "  mir: %s\n", orDefault(c.Swim.MirPath, "(PATH lookup)"))

	fmt.Fprintf(r.out, "\nRecipes:\n")
	fmt.Fprintf(r.out, "  Method: %s\n", c.Defaults.Method)
	fmt.Fprintf(r.out, "  Windows: 1x1 %d, 2x2 %d, manual fraction %.3f\n", c.Defaults.WindowFull, c.Defaults.WindowQuad, c.Defaults.ManualWindowFraction)
	fmt.Fprintf(r.out, "  Iterations: %d, whitening %.2f\n", c.Defaults.Iterations, c.Defaults.Whitening)
	fmt.Fprintf(r.out, "  Keep signals: %t, keep matches: %t\n", c.Swim.KeepSignals, c.Swim.KeepMatches)
	fmt.Fprintf(r.out, "  Thumbnails: %t (%s bounding rectangle)\n", c.Swim.GenerateThumbnails, c.Swim.BoundingRect)
	if c.Defaults.PolyOrder != nil {
		fmt.Fprintf(r.out, "  Bias polynomial order: %d\n", *c.Defaults.PolyOrder)
	} else {
		fmt.Fprintf(r.out, "  Bias polynomial order: none\n")
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
