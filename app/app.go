package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fediforge/apfedcore/activitypub"
	"github.com/fediforge/apfedcore/db"
	"github.com/fediforge/apfedcore/util"
	"github.com/fediforge/apfedcore/web"
)

// App represents the main application with all its servers and dependencies
type App struct {
	config     *util.AppConfig
	httpServer *http.Server
	delivery   *activitypub.DeliveryWorker
	actorCache *activitypub.ActorCache
	done       chan os.Signal
}

// New creates a new App instance with the given configuration
func New(conf *util.AppConfig) (*App, error) {
	return &App{
		config: conf,
		done:   make(chan os.Signal, 1),
	}, nil
}

// Initialize opens the database, wires the ActivityPub components
// together, and builds the HTTP server. It does not start anything.
func (a *App) Initialize() error {
	database := db.GetDB(a.config.Conf.DBPath)

	activitypub.SetClockSkewTolerance(a.config.SignatureClockSkew())

	httpClient := &http.Client{Timeout: a.config.HTTPClientTimeout()}
	userAgent := fmt.Sprintf("%s/%s (+https://%s)", util.Name, util.GetVersion(), a.config.Conf.SslDomain)

	sys := activitypub.NewSystemActor(database, a.config.Conf.SslDomain)
	if a.config.Conf.WithAp {
		if _, err := sys.Get(context.Background()); err != nil {
			log.Printf("app: system actor provisioning deferred: %v", err)
		}
	}

	cache := activitypub.NewActorCache(database, httpClient, sys, a.config.ActorCacheTTL(), a.config.ActorCacheTTL(), userAgent)
	a.actorCache = cache

	inbox := activitypub.NewInbox(
		database, database, database, cache,
		a.config.Conf.SslDomain,
		a.config.Conf.MaxInboxBodyBytes,
		a.config.Conf.InboxRateLimitPerMinute,
	)

	outbox := activitypub.NewOutbox(database, database, database, a.config.Conf.SslDomain, 0)

	collections := activitypub.NewCollections(
		database, database,
		a.config.Conf.SslDomain,
		a.config.Conf.CollectionPageSize,
		a.config.Conf.MaxCollectionPageSize,
	)

	a.delivery = activitypub.NewDeliveryWorker(database, database, httpClient, activitypub.DeliveryConfig{
		Workers:        a.config.Conf.DeliveryWorkers,
		BatchSize:      a.config.Conf.DeliveryBatchSize,
		PerHostLimit:   a.config.Conf.DeliveryPerHostLimit,
		UserAgent:      userAgent,
		RequestTimeout: a.config.HTTPClientTimeout(),
		ReaperInterval: a.config.ReaperInterval(),
		ReapDelivered:  a.config.ReapDeliveredAfter(),
		ReapDead:       a.config.ReapDeadAfter(),
	})

	router, err := web.Router(a.config, &web.Deps{
		DB:         database,
		Actors:     database,
		Activities: database,
		Inbox:      inbox,
		Outbox:     outbox,
		Collect:    collections,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP router: %w", err)
	}

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Conf.HttpPort),
		Handler: router,
	}

	return nil
}

// Start starts the delivery worker and HTTP server and blocks until a
// shutdown signal is received.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.actorCache.Start()
	if a.config.Conf.WithAp {
		a.delivery.Start(ctx)
	}

	signal.Notify(a.done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting HTTP server on %s:%d", a.config.Conf.Host, a.config.Conf.HttpPort)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-a.done
	log.Println("Shutdown signal received")

	return a.Shutdown()
}

// Shutdown gracefully stops the HTTP server and delivery worker with a
// 30 second grace period.
func (a *App) Shutdown() error {
	log.Println("Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error

	log.Println("Stopping HTTP server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		shutdownErr = err
	} else {
		log.Println("HTTP server stopped gracefully")
	}

	if a.config.Conf.WithAp {
		log.Println("Stopping delivery worker...")
		a.delivery.Stop(30 * time.Second)
	}
	a.actorCache.Stop()

	log.Println("All servers stopped")
	return shutdownErr
}
