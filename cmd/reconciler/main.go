package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/traingrid/traingrid/internal/common"
	"github.com/traingrid/traingrid/internal/common/task"
	"github.com/traingrid/traingrid/internal/reconciler"
	"github.com/traingrid/traingrid/internal/reconciler/configuration"
	"github.com/traingrid/traingrid/internal/server/objectstore"
	"github.com/traingrid/traingrid/internal/server/repository"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.ReconcilerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/reconciler", userSpecifiedConfig)

	log.Info("Starting...")

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	if config.Postgres.ConnectionString == "" {
		log.Error("the reconciler needs a postgres connection; an in-memory index has nothing to reconcile against")
		os.Exit(-1)
	}
	db, err := pgxpool.Connect(context.Background(), config.Postgres.ConnectionString)
	if err != nil {
		log.WithError(err).Error("could not connect to postgres")
		os.Exit(-1)
	}
	defer db.Close()

	index, err := repository.NewPostgresIndexRepository(db)
	if err != nil {
		log.WithError(err).Error("could not open chunk index")
		os.Exit(-1)
	}
	store, err := objectstore.NewFilesystemStore(config.ObjectStoreDir)
	if err != nil {
		log.WithError(err).Error("could not open object store")
		os.Exit(-1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	rec := reconciler.New(index, store, config.Reconcile)
	taskManager := task.NewBackgroundTaskManager("traingrid_reconciler_")
	taskManager.Register(func() { rec.RunOnce(ctx) }, config.Reconcile.Interval, "reconcile")

	<-stopSignal
	log.Info("shutting down")
	cancel()
	if !taskManager.StopAll(10 * time.Second) {
		log.Warn("background tasks did not stop within the timeout")
	}
}
