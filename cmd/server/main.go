package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/traingrid/traingrid/internal/common"
	"github.com/traingrid/traingrid/internal/server"
	"github.com/traingrid/traingrid/internal/server/configuration"
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

	var config configuration.ServerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/server", userSpecifiedConfig)

	log.Info("Starting...")

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	index, closeIndex, err := openIndex(config)
	if err != nil {
		log.WithError(err).Error("could not open chunk index")
		os.Exit(-1)
	}
	defer closeIndex()

	srv, err := server.New(config, index)
	if err != nil {
		log.WithError(err).Error("could not create server")
		os.Exit(-1)
	}

	_, shutdown := srv.ListenAndServe()
	defer shutdown()
	log.Infof("serving on port %d", config.Port)

	<-stopSignal
	log.Info("shutting down")
}

func openIndex(config configuration.ServerConfig) (repository.IndexRepository, func(), error) {
	if config.Postgres.ConnectionString == "" {
		log.Warn("no postgres connection configured, using in-memory chunk index")
		return repository.NewInMemoryIndexRepository(), func() {}, nil
	}

	db, err := pgxpool.Connect(context.Background(), config.Postgres.ConnectionString)
	if err != nil {
		return nil, nil, err
	}
	index, err := repository.NewPostgresIndexRepository(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return index, db.Close, nil
}
