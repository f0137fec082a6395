package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/backend"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/bot"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/config"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/database"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/presence"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/status"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/ts3"
)

func main() {
	var (
		configDir  string
		dataDir    string
		statusAddr string
		backendAPI string
		backendWeb string
		debug      bool
	)

	pflag.StringVar(&configDir, "config-dir", ".", "Directory holding keko_bot.json and database_config.json")
	pflag.StringVar(&dataDir, "data-dir", "", "Directory for the presence database (defaults to the config dir)")
	pflag.StringVar(&statusAddr, "status-addr", "", "Listen address of the status HTTP server (disabled when empty)")
	pflag.StringVar(&backendAPI, "backend-api", backend.DefaultAPIBase, "Base URL of the kellerkompanie backend")
	pflag.StringVar(&backendWeb, "backend-web", backend.DefaultWebBase, "Base URL of the kellerkompanie website")
	pflag.BoolVar(&debug, "debug", false, "Enable debug logging")
	pflag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	serverCfg, err := config.LoadServerConfig(configDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load server config")
	}
	dbCfg, err := config.LoadDatabaseConfig(configDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load database config")
	}

	if err := serverCfg.Validate(); err != nil {
		logger.WithError(err).Fatalf("Invalid %s", config.ServerConfigFile)
	}
	if err := dbCfg.Validate(); err != nil {
		logger.WithError(err).Fatalf("Invalid %s", config.DatabaseConfigFile)
	}

	db, err := database.Open(dbCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if dataDir == "" {
		dataDir = configDir
	}
	presenceStore, err := presence.Open(filepath.Join(dataDir, "presence.db"), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open presence store")
	}
	defer presenceStore.Close()

	backendClient := backend.New(backendAPI, backendWeb, logger)

	conn, err := ts3.Dial(serverCfg.Host, serverCfg.Port, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to TeamSpeak server")
	}

	kekoBot := bot.New(serverCfg, conn, db, backendClient, presenceStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if statusAddr != "" {
		statusServer := status.New(statusAddr, kekoBot, presenceStore, logger)
		go func() {
			if err := statusServer.Start(ctx); err != nil {
				logger.WithError(err).Error("Status server failed")
			}
		}()
	}

	if err := kekoBot.Run(ctx.Done()); err != nil {
		// Non-zero exit so the service supervisor restarts us.
		logger.WithError(err).Fatal("Bot terminated")
	}

	logger.Info("Bot shutdown complete")
}
