package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bactdb/internal/demo"
)

func newGenerateCommand() *cobra.Command {
	opts := demo.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "generate [file]",
		Short: "Write a synthetic demo export (.csv or .xlsx).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "demo.xlsx"
			if len(args) == 1 {
				path = args[0]
			}
			exp := demo.Generate(opts)
			if err := exp.Write(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", len(exp.Rows), path)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.Patients, "patients", opts.Patients, "Number of patients (one sample each).")
	flags.IntVar(&opts.MaxAntibiotics, "max-antibiotics", opts.MaxAntibiotics, "Most antibiotic results per sample.")
	flags.Uint64Var(&opts.Seed, "seed", opts.Seed, "Random seed.")
	flags.IntVar(&opts.Days, "days", opts.Days, "Days the order times are spread over.")
	return cmd
}
