package cli

import (
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingestion runs against the table.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.Ingest().ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			writeRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show.")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Print the table's columns, row count, locations and date range.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ov, err := s.Ingest().Overview(cmd.Context())
			if err != nil {
				return err
			}
			writeOverview(cmd.OutOrStdout(), ov)
			return nil
		},
	}
}
