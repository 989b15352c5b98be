package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/mergestore"
	"github.com/soporte-collab/informes-sub003/middlewares"
	"github.com/soporte-collab/informes-sub003/models"
	"github.com/soporte-collab/informes-sub003/possync"
	"github.com/soporte-collab/informes-sub003/tunnel"
	"github.com/soporte-collab/informes-sub003/upstream"
	"github.com/soporte-collab/informes-sub003/utils"
	"gorm.io/gorm"
)

const defaultPort = "8080"

func main() {
	port := utils.EnvString("SYNC_SERVICE_PORT", utils.EnvString("PORT", defaultPort))
	logger := config.GetLogger()

	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var ready atomic.Bool
	api := &possync.API{}

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.ReadinessMiddleware(&ready))
	r.Use(middlewares.CORS())
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	api.Routes(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	var db *gorm.DB
	if strings.TrimSpace(os.Getenv("DB_HOST")) != "" || settings.Collections.Store == "mysql" {
		config.ConnectDatabaseWithRetry()
		db = config.GetDB()
		sqlDB, _ := db.DB()
		defer func() {
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		}()
		if !utils.EnvBool("SKIP_MIGRATIONS", false) {
			if err := models.MigrateTable(db); err != nil {
				logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
	}
	if settings.Tunnel.Store == "redis" || settings.Collections.Store == "redis" || os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}

	merger, err := mergestore.OpenMerger(sigCtx, settings.Collections)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "mergestore"}).Fatal(err)
	}
	client, err := upstream.NewClient(upstream.OptionsFromSettings(settings.Upstream))
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "upstream"}).Fatal(err)
	}
	service := possync.New(client, merger, db, settings)

	var store tunnel.Store
	switch settings.Tunnel.Store {
	case "redis":
		store = tunnel.NewRedisStore(config.GetRedisDB(), "tunnel", settings.Tunnel.Timeout+time.Minute, settings.Tunnel.ResponseTTL)
	default:
		store = tunnel.NewMemoryStore(settings.Tunnel.ResponseTTL)
	}

	worker := tunnel.NewWorker(store, settings.Tunnel.Workers, logger)
	service.Register(worker)

	callerOpts := []tunnel.CallerOption{tunnel.WithCallerLogger(logger)}
	if settings.Tunnel.PubSubTopic != "" {
		notifier := tunnel.NewPubSubNotifier(settings.Tunnel.PubSubTopic, utils.EnvBool("TUNNEL_PUBSUB_CREATE_TOPIC", false))
		defer notifier.Stop()
		callerOpts = append(callerOpts, tunnel.WithNotifier(notifier))
	}

	api.Caller = tunnel.NewCaller(store, settings.Tunnel.Timeout, callerOpts...)
	api.Store = store
	api.Worker = worker
	api.Service = service
	ready.Store(true)

	workerDone := make(chan struct{})
	if utils.EnvBool("TUNNEL_IN_PROCESS_WORKER", true) {
		go func() {
			defer close(workerDone)
			if err := worker.Run(sigCtx); err != nil && err != context.Canceled {
				logger.WithFields(logrus.Fields{"field": "tunnel"}).Error(err)
			}
		}()
	} else {
		close(workerDone)
	}

	logger.WithFields(logrus.Fields{
		"field":            "server",
		"port":             port,
		"tunnel_store":     settings.Tunnel.Store,
		"collection_store": settings.Collections.Store,
		"kinds":            worker.Kinds(),
	}).Info("sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-workerDone
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}
