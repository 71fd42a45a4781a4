package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/harshul/devsup/internal/api"
	"github.com/harshul/devsup/internal/metrics"
	"github.com/harshul/devsup/internal/registry"
	"github.com/harshul/devsup/internal/repair"
	"github.com/harshul/devsup/internal/supervisor"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the supervisor over HTTP",
	Long: `The serve command runs a long-lived supervisor behind a local HTTP
API: JSON endpoints to resolve, start, stop and inspect projects,
observer (tab) bindings, repair session tracking, a server-sent event
stream at /v1/events and Prometheus metrics at /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:7420", "Listen address")
	serveCmd.Flags().Int("repair-history", repair.DefaultHistory, "Finished repair sessions to keep")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	history, _ := cmd.Flags().GetInt("repair-history")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()
	sup := supervisor.New(cfg, supervisor.WithRecorder(rec))
	rec.WatchProjects(sup.Snapshot)

	tracker := repair.NewTracker(history)
	go tracker.Follow(ctx, sup.Subscribe(""))

	reg := registry.New()
	go reg.Follow(ctx, sup.Subscribe(""))

	srv := api.NewServer(addr, sup, api.WithRepairs(tracker), api.WithMetrics(rec), api.WithRegistry(reg))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			_ = sup.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	return shutdown(sup, srv)
}

// shutdown stops the dev servers before the HTTP server so subscriptions
// close and streams end. Each phase has its own deadline: an expired
// context would turn the graceful stop into an immediate kill.
func shutdown(sup *supervisor.Supervisor, srv *api.Server) error {
	supCtx, cancelSup := context.WithTimeout(context.Background(), cfg.KillTimeout()+cfg.ForceKillGrace()+5*time.Second)
	defer cancelSup()
	supErr := sup.Shutdown(supCtx)

	srvCtx, cancelSrv := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSrv()
	if err := srv.Stop(srvCtx); err != nil {
		log.WithError(err).Warn("API server did not stop cleanly")
	}
	if supErr != nil {
		return fmt.Errorf("failed to stop dev servers: %w", supErr)
	}
	return nil
}
