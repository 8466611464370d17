package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"maskregistration/pkg/session"
	"maskregistration/pkg/spatial"
)

var relationFlags struct {
	source, target         string
	sourceEcho, targetEcho int
}

var relationCmd = &cobra.Command{
	Use:   "relation",
	Short: "Compare the physical placement of two acquisitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := &relationFlags
		s := session.New(cfg)
		if _, err := s.LoadSeries(session.Source, f.source); err != nil {
			return fmt.Errorf("failed to load source: %w", err)
		}
		if _, err := s.LoadSeries(session.Target, f.target); err != nil {
			return fmt.Errorf("failed to load target: %w", err)
		}
		if err := s.SetEcho(session.Source, f.sourceEcho); err != nil {
			return err
		}
		if err := s.SetEcho(session.Target, f.targetEcho); err != nil {
			return err
		}

		rel, err := s.Relation()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(w, rel)
		}
		printRelation(w, rel)
		return nil
	},
}

func printRelation(w io.Writer, rel spatial.Relation) {
	for _, side := range []struct {
		name string
		b    spatial.Bounds
	}{{"Source", rel.Source}, {"Target", rel.Target}} {
		printSection(w, side.name)
		printLabelValue(w, "Min (mm)", formatVector(side.b.Min))
		printLabelValue(w, "Max (mm)", formatVector(side.b.Max))
		printLabelValue(w, "Size (mm)", formatVector(side.b.SizeMM))
		printLabelValue(w, "Voxels", side.b.Size)
		printLabelValue(w, "Spacing (mm)", formatVector(side.b.Spacing))
	}

	printSection(w, "Relation")
	printLabelValue(w, "Offset (mm)", formatVector(rel.OffsetMM))
	printLabelValue(w, "Rotation difference (deg)", fmt.Sprintf("(%.2f, %.2f, %.2f)", rel.RotationDiff.X, rel.RotationDiff.Y, rel.RotationDiff.Z))
	printLabelValue(w, "Spacing ratio", fmt.Sprintf("(%.3f, %.3f, %.3f)", rel.SpacingRatio[0], rel.SpacingRatio[1], rel.SpacingRatio[2]))
	printLabelValue(w, "Overlap (mm)", formatVector(rel.Extent))
	printLabelValue(w, "Overlap of source", fmt.Sprintf("%.1f%%", rel.PctA))
	printLabelValue(w, "Overlap of target", fmt.Sprintf("%.1f%%", rel.PctB))

	switch {
	case rel.Error:
		printError(w, "The acquisitions do not overlap")
	case rel.Warning:
		printWarning(w, "Less than half of one acquisition overlaps the other")
	default:
		printSuccess(w, "The acquisitions overlap")
	}
}

func init() {
	f := &relationFlags
	relationCmd.Flags().StringVar(&f.source, "source", "", "Source DICOM folder")
	relationCmd.Flags().StringVar(&f.target, "target", "", "Target DICOM folder")
	relationCmd.Flags().IntVar(&f.sourceEcho, "source-echo", 0, "Echo of the source series")
	relationCmd.Flags().IntVar(&f.targetEcho, "target-echo", 0, "Echo of the target series")
	_ = relationCmd.MarkFlagRequired("source")
	_ = relationCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(relationCmd)
}
