package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dougsko/aurad/pkg/config"
	"github.com/dougsko/aurad/pkg/engine"
	"github.com/dougsko/aurad/pkg/logging"
	"github.com/gin-gonic/gin"
)

// Daemon ties the core engine to the web interface.
type Daemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	coreEngine *engine.CoreEngine
	webServer  *http.Server
}

// NewDaemon creates a new daemon instance
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	daemon := &Daemon{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	core, err := engine.NewCoreEngine(cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create core engine: %w", err)
	}
	daemon.coreEngine = core

	if err := daemon.setupWebServer(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to setup web server: %w", err)
	}

	return daemon, nil
}

// Start starts the daemon
func (d *Daemon) Start() error {
	logging.Info("daemon", "starting aurad daemon...")

	if err := d.coreEngine.Start(); err != nil {
		return fmt.Errorf("failed to start core engine: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		addr := fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port)
		logging.Infof("daemon", "starting web server on %s", addr)
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("daemon", "web server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the daemon gracefully
func (d *Daemon) Stop() error {
	logging.Info("daemon", "stopping daemon...")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warnf("daemon", "web server shutdown error: %v", err)
		}
	}

	if d.coreEngine != nil {
		if err := d.coreEngine.Stop(); err != nil {
			logging.Warnf("daemon", "core engine shutdown error: %v", err)
		}
	}

	d.wg.Wait()

	logging.Info("daemon", "daemon stopped")
	return nil
}

// setupWebServer initializes the web server and routes
func (d *Daemon) setupWebServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/devices", d.handleGetDevices)
		api.GET("/audio", d.handleGetAudioStatus)
		api.POST("/audio/flags", d.handleSetChannelFlags)
		api.POST("/audio/gain", d.handleSetGain)
		api.GET("/midi", d.handleGetMIDI)
		api.GET("/surface", d.handleGetSurface)
		api.POST("/surface/fader", d.handleSurfaceFader)
		api.GET("/events", d.handleGetEvents)
	}

	// WebSocket endpoints
	router.GET("/ws/meters", d.handleMeterWebSocket)

	addr := fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port)
	d.webServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return nil
}
