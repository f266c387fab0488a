package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/log"
)

type detectionReport struct {
	Kind     string `json:"kind"`
	Provider string `json:"provider"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
	Method   string `json:"method,omitempty"`
	URL      string `json:"url,omitempty"`
	Healthy  bool   `json:"healthy"`
	Reason   string `json:"reason,omitempty"`
}

func newDetectCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Probe the environment for every known provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			detectors, release := a.detectors(ctx)
			defer release()

			reports := make([]detectionReport, 0, len(detectors))

			for _, d := range detectors {
				report := detectionReport{
					Kind:     string(d.Kind()),
					Provider: d.ProviderName(),
					Priority: d.Priority(),
					Status:   string(detection.StatusUnavailable),
				}

				if result, ok := d.Detect(ctx); ok {
					report.Status = string(result.Status)
					report.Method = string(result.Method)
					report.URL = log.RedactURL(result.ConnectionURL)

					health := d.HealthCheck(ctx, result)
					report.Healthy = health.Healthy
					report.Reason = health.Reason
				}

				reports = append(reports, report)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(reports)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tPROVIDER\tPRIORITY\tSTATUS\tMETHOD\tHEALTHY\tURL")

			for _, r := range reports {
				healthy := "-"
				if r.Method != "" {
					healthy = fmt.Sprintf("%t", r.Healthy)
					if r.Reason != "" {
						healthy += " (" + r.Reason + ")"
					}
				}

				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					r.Kind, r.Provider, r.Priority, r.Status, r.Method, healthy, r.URL)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	return cmd
}
