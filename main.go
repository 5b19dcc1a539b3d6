package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Hoard/internal"
	"github.com/hbomb79/Hoard/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main() is the entry point to the program, from here we
// load the configuration (from the file provided, and the
// environment) and start Hoard. Hoard runs until it receives
// an interrupt or one of its services crashes.
func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (omit to configure from the environment alone)")
	logLevel := flag.String("log-level", "", "minimum log level to emit (overrides the configured level)")
	flag.Parse()

	config := internal.HoardConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if level, ok := logger.ParseLevel(config.LogLevel); ok {
		logger.SetMinLoggingLevel(level.Level())
	} else {
		log.Emit(logger.WARNING, "Unknown log level '%s', ignoring\n", config.LogLevel)
	}

	if err := config.Validate(); err != nil {
		log.Emit(logger.FATAL, "Configuration is invalid: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Hoard failed to start: %v\n", err)
		cancel()
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Hoard has shut down\n")
}
