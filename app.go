package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mirzakhalili/KS4/postproc"
)

// App encapsulates the application state and dependencies
type App struct {
	Config    *postproc.Config
	Logger    *logrus.Logger
	Store     *postproc.ResultStore
	Publisher *postproc.Publisher

	opts AppOptions
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Config: postproc.DefaultConfig(),
		Logger: logrus.New(),
		Store:  postproc.NewResultStore(),
	}
}

// ApplyOptions loads the configuration and applies CLI overrides
func (a *App) ApplyOptions(opts AppOptions) error {
	a.opts = opts

	config := postproc.DefaultConfig()
	if opts.ConfigFile != "" {
		loaded, err := postproc.LoadConfig(opts.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		config = loaded
	}
	config.ApplyEnv()
	if opts.Workers > 0 {
		config.Workers = opts.Workers
	}
	if opts.LogLevel != "" {
		config.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		config.Log.Format = opts.LogFormat
	}
	a.Config = config

	logger, err := newLogger(config.Log)
	if err != nil {
		return err
	}
	a.Logger = logger
	return nil
}

// newLogger builds the process logger from the log configuration
func newLogger(cfg postproc.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return logger, nil
}

// execute loads the bundle, runs the pipeline and stores the result
func (a *App) execute(ctx context.Context) (string, *postproc.Result, *postproc.Inputs, error) {
	bundle, err := postproc.LoadBundle(a.opts.BundleFile)
	if err != nil {
		return "", nil, nil, err
	}
	in, err := bundle.Inputs(a.Config)
	if err != nil {
		return "", nil, nil, fmt.Errorf("building inputs from %s: %w", a.opts.BundleFile, err)
	}

	runID := uuid.NewString()
	logger := a.Logger.WithField("run", runID)
	logger.WithFields(logrus.Fields{
		"action":   "postproc_start",
		"bundle":   a.opts.BundleFile,
		"spikes":   in.Train.Len(),
		"channels": in.Geometry.NumChannels(),
	}).Info("starting post-processing")

	pipeline := postproc.NewPipeline(a.Config, in.Probe, in.Geometry, logger)
	res, err := pipeline.Run(ctx, in.Train, in.Features)
	if err != nil {
		return "", nil, nil, err
	}
	a.Store.Update(runID, res, in.Geometry)

	logger.WithFields(logrus.Fields{
		"action":    "postproc_done",
		"kept":      res.Train.Len(),
		"anomalies": res.Diagnostics.Len(),
		"duration":  res.Duration,
	}).Info("post-processing finished")
	return runID, res, in, nil
}

// RunPipeline runs post-processing, writes the result JSON and publishes a summary
func (a *App) RunPipeline() error {
	runID, res, in, err := a.execute(context.Background())
	if err != nil {
		return err
	}

	if err := postproc.SaveResult(a.opts.OutputFile, res); err != nil {
		return err
	}
	a.Logger.WithFields(logrus.Fields{
		"action": "postproc_write",
		"file":   a.opts.OutputFile,
	}).Info("wrote result")

	if a.opts.RenderFile != "" {
		if err := a.renderTo(a.opts.RenderFile, "", res, in.Geometry); err != nil {
			return err
		}
	}

	a.publish(runID, res)
	return nil
}

// publish sends the run summary to MQTT when a broker is configured.
// Failures are logged; the run result on disk is what matters.
func (a *App) publish(runID string, res *postproc.Result) {
	publisher := a.Publisher
	if publisher == nil {
		client, err := postproc.ConnectMQTT(a.Config.MQTT, 10*time.Second, a.Logger)
		if err != nil {
			a.Logger.WithField("action", "mqtt_connect").WithError(err).Warn("run summary not published")
			return
		}
		if client == nil {
			return
		}
		defer client.Disconnect(250)
		publisher = postproc.NewPublisher(client, a.Config.MQTT, a.Logger)
	}

	if err := publisher.PublishSummary(postproc.Summarize(runID, res)); err != nil {
		a.Logger.WithField("action", "mqtt_publish_summary").WithError(err).Warn("run summary not published")
	}
}

// RunRender runs post-processing and renders the position map
func (a *App) RunRender() error {
	_, res, in, err := a.execute(context.Background())
	if err != nil {
		return err
	}
	return a.renderTo(a.opts.OutputFile, a.opts.RenderFormat, res, in.Geometry)
}

// RunConfigDump writes the effective configuration, after file, environment
// and CLI overrides, without the MQTT password.
func (a *App) RunConfigDump() error {
	cfg := *a.Config
	cfg.MQTT.Password = ""
	if err := postproc.SaveConfig(a.opts.OutputFile, &cfg); err != nil {
		return err
	}
	a.Logger.WithFields(logrus.Fields{
		"action": "config_dump",
		"file":   a.opts.OutputFile,
	}).Info("wrote configuration")
	return nil
}

func (a *App) renderTo(path, format string, res *postproc.Result, geom *postproc.ChannelGeometry) error {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if format != "svg" && format != "png" {
		return fmt.Errorf("unsupported render format %q (use svg or png)", format)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	renderer := postproc.NewPositionRenderer(geom, res.Positions, res.Train.Clusters, a.Config.Render)
	if format == "png" {
		err = renderer.RenderToPNG(f)
	} else {
		err = renderer.RenderToSVG(f)
	}
	if err != nil {
		return fmt.Errorf("rendering position map: %w", err)
	}

	a.Logger.WithFields(logrus.Fields{
		"action": "render",
		"file":   path,
		"format": format,
	}).Info("rendered position map")
	return nil
}

// RunServe runs post-processing once and serves the result until interrupted
func (a *App) RunServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, res, _, err := a.execute(ctx)
	if err != nil {
		return err
	}
	a.publish(runID, res)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.opts.HttpPort),
		Handler:           newHTTPServer(a.Store, a.Config, a.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.WithFields(logrus.Fields{
			"action": "http_listen",
			"addr":   srv.Addr,
		}).Info("serving post-processing result")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.Logger.WithField("action", "http_shutdown").Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
