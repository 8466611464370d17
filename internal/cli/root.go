// Package cli implements the maskregistration command line.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"maskregistration/internal/logging"
	"maskregistration/pkg/config"
)

var (
	// Global flags
	jsonOutput bool
	configPath string
	verbose    bool
	logFile    string

	// cfg is loaded before every command runs
	cfg      *config.Config
	closeLog = func() {}

	sectionTitleColor = color.New(color.FgBlue, color.Bold)
)

// rootCmd is the root command for maskregistration.
var rootCmd = &cobra.Command{
	Use:     "maskregistration",
	Version: "dev",
	Short:   "Carry a segmentation mask over to another MRI acquisition",
	Long: `maskregistration resamples a label mask drawn on one DICOM acquisition onto
the voxel grid of another acquisition of the same subject, detecting the
slice order of the target automatically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("verbose") {
			loaded.Logging.Verbose = verbose
		}
		if cmd.Flags().Changed("log-file") {
			loaded.Logging.File = logFile
		}
		cfg = loaded
		closeLog = logging.Setup(cfg.Logging)
		return nil
	},
}

// SetVersion sets the version printed by --version and the version command
func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	defer func() { closeLog() }()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "maskregistration.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the maskregistration version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	})
}
