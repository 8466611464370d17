package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"maskregistration/pkg/registration"
)

var previewFlags struct {
	source, target, mask   string
	sourceEcho, targetEcho int
	reverse                bool
	grid                   string
	index                  int
	rotate, translate      []float64
	scale                  []float64
	interpolation          string
	alpha                  float64
	output                 string
	all                    string
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render the target resampled onto the source or target grid as PNG",
	Long: `Render one slice of the target acquisition resampled onto the source grid
(or its own grid) with an optional rigid transform about the target center,
overlaying a registered target mask when given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := &previewFlags
		params := registration.PreviewParams{
			SourceFolder:   f.source,
			TargetFolder:   f.target,
			SourceEcho:     f.sourceEcho,
			TargetEcho:     f.targetEcho,
			TargetMaskFile: f.mask,
			Reverse:        f.reverse,
			Output:         registration.Grid(f.grid),
			Index:          f.index,
			Interpolation:  cfg.Preview.Interpolation,
			Alpha:          cfg.Preview.Alpha,
			NumCores:       cfg.Registration.NumCores,
		}
		if cmd.Flags().Changed("interp") {
			params.Interpolation = f.interpolation
		}
		if cmd.Flags().Changed("alpha") {
			params.Alpha = f.alpha
		}

		var err error
		if params.Rotation, err = vector3("rotate", f.rotate); err != nil {
			return err
		}
		if params.Translation, err = vector3("translate", f.translate); err != nil {
			return err
		}
		if params.Scale, err = vector3("scale", f.scale); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if f.all != "" {
			files, err := registration.PreviewSequence(cmd.Context(), params, f.all)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(w, map[string]interface{}{"output": f.all, "files": files})
			}
			printSuccess(w, fmt.Sprintf("%d slices saved to %s", len(files), f.all))
			return nil
		}

		png, err := registration.Preview(cmd.Context(), params)
		if err != nil {
			return err
		}
		if err := os.WriteFile(f.output, png, 0644); err != nil {
			return fmt.Errorf("failed to write preview: %w", err)
		}

		if jsonOutput {
			return outputJSON(w, map[string]interface{}{"output": f.output, "bytes": len(png)})
		}
		printSuccess(w, "Preview saved to "+f.output)
		return nil
	},
}

// vector3 converts an optional x,y,z flag value
func vector3(name string, values []float64) ([3]float64, error) {
	var v [3]float64
	switch len(values) {
	case 0:
		return v, nil
	case 3:
		copy(v[:], values)
		return v, nil
	}
	return v, fmt.Errorf("--%s needs three comma separated values, got %d", name, len(values))
}

func init() {
	f := &previewFlags
	previewCmd.Flags().StringVar(&f.source, "source", "", "Source DICOM folder")
	previewCmd.Flags().StringVar(&f.target, "target", "", "Target DICOM folder")
	previewCmd.Flags().StringVar(&f.mask, "mask", "", "Registered target mask to overlay")
	previewCmd.Flags().IntVar(&f.sourceEcho, "source-echo", 0, "Echo of the source series")
	previewCmd.Flags().IntVar(&f.targetEcho, "target-echo", 0, "Echo of the target series")
	previewCmd.Flags().BoolVar(&f.reverse, "reverse", false, "Reverse the target slice order")
	previewCmd.Flags().StringVar(&f.grid, "grid", "source", "Grid to render on: source or target")
	previewCmd.Flags().IntVar(&f.index, "index", 0, "Slice to render")
	previewCmd.Flags().Float64SliceVar(&f.rotate, "rotate", nil, "Rotation x,y,z in degrees")
	previewCmd.Flags().Float64SliceVar(&f.translate, "translate", nil, "Translation x,y,z in mm")
	previewCmd.Flags().Float64SliceVar(&f.scale, "scale", nil, "Scale x,y,z (0 leaves an axis unscaled)")
	previewCmd.Flags().StringVar(&f.interpolation, "interp", "linear", "Intensity interpolation: nearest or linear")
	previewCmd.Flags().Float64Var(&f.alpha, "alpha", 0.4, "Overlay opacity")
	previewCmd.Flags().StringVarP(&f.output, "output", "o", "preview.png", "Output PNG file")
	previewCmd.Flags().StringVar(&f.all, "all", "", "Write every slice into this directory instead of one PNG")
	_ = previewCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(previewCmd)
}
