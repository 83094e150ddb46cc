package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/traingrid/traingrid/internal/common"
	"github.com/traingrid/traingrid/internal/worker"
	"github.com/traingrid/traingrid/internal/worker/configuration"
	"github.com/traingrid/traingrid/internal/worker/engine"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.WorkerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/worker", userSpecifiedConfig)

	log.Info("Starting...")

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	ctx, cancel := context.WithCancel(context.Background())
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		log.Info("shutting down")
		cancel()
	}()

	app, err := worker.NewApplication(config, buildEngine(config))
	if err != nil {
		log.WithError(err).Error("could not start worker")
		os.Exit(-1)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func buildEngine(config configuration.WorkerConfig) engine.Engine {
	if !config.Engine.Simulated {
		// TODO: wire in an external search-binary engine.
		log.Warn("external engines are not supported yet, using the simulated engine")
	}
	return engine.NewSimulatedEngine(config.MaxCodec, config.Engine.Seed)
}
