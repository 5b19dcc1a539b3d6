package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/hbomb79/Hoard/internal/api"
	"github.com/hbomb79/Hoard/internal/database"
	"github.com/hbomb79/Hoard/internal/download"
	"github.com/hbomb79/Hoard/internal/event"
	"github.com/hbomb79/Hoard/internal/fetch"
	"github.com/hbomb79/Hoard/internal/fix"
	"github.com/hbomb79/Hoard/internal/link"
	"github.com/hbomb79/Hoard/internal/pipeline"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/safety"
	"github.com/hbomb79/Hoard/internal/tool"
	"github.com/hbomb79/Hoard/pkg/logger"
)

var log = logger.Get("Core")

type RunnableService interface {
	Run(context.Context) error
}

// hoardImpl represents the top-level object for the server, and is responsible
// for initialising the stores, services and event handling.
type hoardImpl struct {
	eventBus event.EventCoordinator
	config   HoardConfig
}

func New(config HoardConfig) *hoardImpl {
	return &hoardImpl{
		eventBus: event.New(),
		config:   config,
	}
}

// Run will start all of Hoard by bringing up all required services and connections, such as:
// - Database connection
// - Stores
// - External tools
// - Service instances
//
// This function will not return until Hoard is stopped.
// To stop Hoard, the provided context must be cancelled. Errors from which Hoard cannot recover
// will also cause Hoard to stop.
func (hoard *hoardImpl) Run(parent context.Context) error {
	config := hoard.config
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	masterSecret := []byte(config.Link.MasterSecret)
	linkKey, err := link.DeriveKey(masterSecret, link.PurposeLinkSigning)
	if err != nil {
		return fmt.Errorf("failed to derive link signing key: %w", err)
	}
	digestKey, err := link.DeriveKey(masterSecret, link.PurposeAPIKeyDigest)
	if err != nil {
		return fmt.Errorf("failed to derive API key digest key: %w", err)
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	db := database.New()
	if err := db.Connect(config.Database); err != nil {
		return err
	}
	defer db.Close()

	store, err := NewDataOrchestrator(db, digestKey)
	if err != nil {
		return err
	}

	invoker, err := tool.New(config.Tools)
	if err != nil {
		return err
	}

	validator, err := safety.NewValidator(config.Safety, nil)
	if err != nil {
		return fmt.Errorf("failed to construct destination validator: %w", err)
	}

	orchestrator := pipeline.New(
		config.Pipeline,
		store,
		validator,
		fetch.New(config.Fetch, invoker, validator),
		fix.New(config.Fix, invoker),
		retry.NewPolicy(config.Retry),
	)

	downloadService, err := download.New(config.Download, store, orchestrator, validator, link.NewSigner(linkKey), config.Link, hoard.eventBus)
	if err != nil {
		return fmt.Errorf("failed to construct download service: %w", err)
	}

	restGateway := api.NewRestGateway(&config.RestConfig, downloadService, store)
	activityService := newActivityService(restGateway, hoard.eventBus)

	wg := &sync.WaitGroup{}
	hoard.spawnAsyncService(ctx, wg, downloadService, "download-service", crashHandler)
	hoard.spawnAsyncService(ctx, wg, activityService, "activity-service", crashHandler)
	hoard.spawnAsyncService(ctx, wg, restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Hoard services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Hoard service waitgroup is updated correctly
func (hoard *hoardImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
