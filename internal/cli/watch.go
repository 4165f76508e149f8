package cli

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"bactdb/internal/logger"
	"bactdb/internal/service"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load exports as they arrive in the inbox directory.",
		Long: `Watch watch.inbox for new or rewritten exports and load each one once
its writes settle. With watch.schedule set the inbox is also rescanned on
that cron schedule. With watch.metrics_addr set, Prometheus metrics are
served on /metrics. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			cfg := s.Config

			var wg sync.WaitGroup
			if cfg.Watch.MetricsAddr != "" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.ServeMetrics(ctx, cfg.Watch.MetricsAddr, nil); err != nil {
						s.Log.WithError(err).Error("metrics server stopped")
					}
				}()
			}

			var mu sync.Mutex
			w := &service.Watcher{
				Service:  s.Ingest(),
				Inbox:    cfg.Watch.Inbox,
				Schedule: cfg.Watch.Schedule,
				Debounce: cfg.Watch.Debounce,
				Options:  service.RunOptions{Force: cfg.Ingest.Force},
				Log:      logger.Component(s.Log, "watch"),
				OnResult: func(src string, res *service.Result, err error) {
					if res.Skipped() {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					writeResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
					if err != nil && res == nil {
						cmd.PrintErrln("Error:", filepath.Base(src)+":", err)
					}
				},
			}
			err = w.Run(ctx)
			// The metrics server stops with the watcher, whichever way it ended.
			cancel()
			wg.Wait()
			return err
		},
	}
	flags := cmd.Flags()
	flags.String("inbox", "", "Directory to watch for exports.")
	flags.String("schedule", "", `Cron schedule for inbox rescans, e.g. "@every 10m".`)
	flags.String("metrics-addr", "", `Serve Prometheus metrics on this address, e.g. ":9108".`)
	flags.Bool("force", false, "Reload files that were already loaded.")
	return cmd
}
