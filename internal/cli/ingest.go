package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"bactdb/internal/service"
)

func newIngestCommand() *cobra.Command {
	var metricsFile string
	cmd := &cobra.Command{
		Use:   "ingest [source...]",
		Short: "Load export files into the store.",
		Long: `Load one or more exports. A source is a local .csv/.xlsx path, an
http(s):// URL or an s3://bucket/key object. Without arguments the
configured ingest.source is loaded.

Every source is attempted; the exit status reflects the first failure:
2 for a schema mismatch, 3 for a rolled-back write, 1 otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			srcs := args
			if len(srcs) == 0 && s.Config.Ingest.Source != "" {
				srcs = []string{s.Config.Ingest.Source}
			}
			if len(srcs) == 0 {
				return errors.New("no source: pass a file or set ingest.source")
			}

			opts := service.RunOptions{Force: s.Config.Ingest.Force, DryRun: s.Config.Ingest.DryRun}
			results, runErr := s.Ingest().IngestAll(cmd.Context(), srcs, opts)
			for _, res := range results {
				writeResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
			}
			if metricsFile != "" {
				if err := s.Metrics.WriteTextfile(metricsFile); err != nil {
					s.Log.WithError(err).Warn("write metrics file")
				}
			}
			return runErr
		},
	}
	flags := cmd.Flags()
	flags.String("sheet", "", "Worksheet to read from .xlsx exports (default: first sheet).")
	flags.String("delimiter", "", "CSV field delimiter (default: sniffed from .csv/.tsv).")
	flags.String("encoding", "", "CSV text encoding: utf-8, gbk or gb18030.")
	flags.Bool("force", false, "Reload files that were already loaded.")
	flags.Bool("dry-run", false, "Validate and derive without writing.")
	flags.StringVar(&metricsFile, "metrics-file", "", "Write run metrics to this node_exporter textfile.")
	return cmd
}

func newPullCommand() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Load the configured LIS database query into the store.",
		Long: `Run lis.query against the configured LIS database and load the result.
The password is read from BACTDB_<NAME>_PASSWORD or the keychain, where
<NAME> is lis.name (default "lis").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			conn := s.Config.LISConnection()
			if conn == nil {
				return errors.New("no LIS database configured: set lis.driver")
			}
			if query == "" {
				query = s.Config.LIS.Query
			}
			if err := s.LIS().Ping(cmd.Context(), conn.ID()); err != nil {
				return errors.Wrap(err, "LIS unreachable")
			}
			opts := service.RunOptions{DryRun: s.Config.Ingest.DryRun}
			res, err := s.Ingest().IngestLIS(cmd.Context(), conn.ID(), query, s.Config.LIS.FetchSize, opts)
			writeResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
			return err
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Query to run instead of lis.query.")
	cmd.Flags().Bool("dry-run", false, "Validate and derive without writing.")
	return cmd
}
