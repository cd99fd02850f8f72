package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
)

var (
	cfgPath     string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "dispatch-consumer",
	Short: "Consume ride change events and driver positions from Kafka",
	RunE:  run,

	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("CONFIG_FILE"), "configuration file (yaml)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve metrics and health checks on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required for the consumer")
	}
	logger := logging.NewLogger(cfg.Log.Level, "dispatch-consumer")

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: httpapi.NewOpsServer(logger, a.Checks...)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	events := ingest.NewEventReader(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, cfg.Kafka.Group, logger)
	defer events.Close()
	g.Go(func() error {
		logger.Info("consuming ride events", "topic", cfg.Kafka.EventTopic, "brokers", cfg.Kafka.Brokers, "group", cfg.Kafka.Group)
		return events.Run(ctx, a.Service.HandleRideEvent)
	})

	if a.GeoIndex != nil && cfg.Kafka.LocationTopic != "" {
		locations := ingest.NewLocationReader(cfg.Kafka.Brokers, cfg.Kafka.LocationTopic, cfg.Kafka.Group+"-locations", a.GeoIndex, logger)
		defer locations.Close()
		g.Go(func() error {
			logger.Info("consuming driver positions", "topic", cfg.Kafka.LocationTopic)
			return locations.Run(ctx)
		})
	}

	return g.Wait()
}
