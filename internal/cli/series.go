package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"maskregistration/pkg/dicomio"
	"maskregistration/pkg/series"
)

// seriesSummary is the JSON form of the series command output
type seriesSummary struct {
	Folder string     `json:"folder"`
	Echoes [][]string `json:"echoes"`
	Report struct {
		series.Report
		Unrepairable bool `json:"unrepairable"`
	} `json:"report"`
}

var seriesCmd = &cobra.Command{
	Use:   "series <folder>",
	Short: "Show how the files of a DICOM folder are grouped into echoes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec := dicomio.NewCodec()
		files, err := codec.ListFiles(args[0])
		if err != nil {
			return err
		}
		echoes, report, err := series.Organize(files, codec)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			summary := seriesSummary{Folder: args[0]}
			for _, echo := range echoes {
				summary.Echoes = append(summary.Echoes, echo)
			}
			summary.Report.Report = report
			summary.Report.Unrepairable = report.Unrepairable()
			return outputJSON(w, summary)
		}

		printSection(w, args[0])
		printLabelValue(w, "Files", report.Files)
		printLabelValue(w, "Unreadable files", report.Dropped)
		printLabelValue(w, "Slice locations", report.Buckets)
		printLabelValue(w, "Echoes", len(echoes))
		for i, echo := range echoes {
			printLabelValue(w, fmt.Sprintf("Echo %d", i), fmt.Sprintf("%d slices", len(echo)))
		}
		switch {
		case report.Repaired:
			printWarning(w, "Two slice locations with an odd file count were merged")
		case report.Unrepairable():
			printWarning(w, fmt.Sprintf("%d slice locations differ from the median file count %.1f", report.Anomalies, report.Median))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seriesCmd)
}
