package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/acremap/acreage"
)

const defaultConfigFile = "config.yaml"

// App encapsulates the application state and dependencies
type App struct {
	Config     *acreage.Config
	Dataset    *acreage.Dataset
	Sessions   *acreage.SessionStore
	Previews   *acreage.PreviewCache
	MQTTClient *acreage.MQTTClient
	Publisher  *acreage.Publisher

	// Out receives user-facing output
	Out io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile string
	DataFile   string
	DataURL    string
	OutputFile string
	Format     string
	Disable    string
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Out:        os.Stdout,
		ConfigFile: defaultConfigFile,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataFile = opts.DataFile
	a.DataURL = opts.DataURL
	a.OutputFile = opts.OutputFile
	a.Format = opts.Format
	a.Disable = opts.Disable
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file. A missing default config.yaml is not an
// error; the built-in defaults are used instead.
func (a *App) loadConfig() error {
	path := a.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}

	config, err := acreage.LoadConfig(path)
	if err != nil {
		if _, statErr := os.Stat(path); path != defaultConfigFile || !os.IsNotExist(statErr) {
			return fmt.Errorf("loading config %s: %w", path, err)
		}
		log.Printf("[config] %s not found, using defaults", path)
		config = acreage.DefaultConfig()
		config.ApplyEnv()
	} else {
		log.Printf("[config] Loaded config from %s", path)
	}

	// Flags win over the file.
	if a.DataFile != "" {
		config.Data = acreage.DataConfig{File: a.DataFile}
	}
	if a.DataURL != "" {
		config.Data = acreage.DataConfig{URL: a.DataURL, Cache: config.Data.Cache}
	}
	if a.HttpPort != 0 {
		config.HTTP.Port = a.HttpPort
	}
	if err := config.Validate(); err != nil {
		return err
	}

	a.Config = config
	return nil
}

// loadDataset reads the fields document and normalizes it
func (a *App) loadDataset(ctx context.Context) error {
	var (
		records []acreage.FieldRecord
		err     error
	)
	switch {
	case a.Config.Data.File != "":
		records, err = acreage.ParseFieldsFile(a.Config.Data.File)
	case a.Config.Data.URL != "":
		var opts []acreage.FetchOption
		if a.Config.Data.Cache != "" {
			opts = append(opts, acreage.WithCacheFile(a.Config.Data.Cache))
		}
		var res *acreage.FetchResult
		res, err = acreage.FetchFieldsFromAPIWithContext(ctx, a.Config.Data.URL, opts...)
		if err == nil {
			records = res.Records
		}
	default:
		return fmt.Errorf("no fields source: set data.file or data.url in the config, or pass --data / --data-url")
	}
	if err != nil {
		return fmt.Errorf("loading fields: %w", err)
	}

	dataset, err := acreage.LoadDataset(records)
	if err != nil {
		return fmt.Errorf("normalizing fields: %w", err)
	}
	a.Dataset = dataset
	log.Printf("[data] Loaded %d fields, %d features", dataset.FieldCount, len(dataset.Features))
	return nil
}

func (a *App) load(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	return a.loadDataset(ctx)
}

// RunSummary normalizes the fields and prints counts per bucket
func (a *App) RunSummary() error {
	if err := a.load(context.Background()); err != nil {
		return err
	}

	style := a.Config.Style()
	s := acreage.Summarize(a.Dataset, style.Buckets)

	_, _ = fmt.Fprintf(a.Out, "Fields:   %d\n", s.Fields)
	_, _ = fmt.Fprintf(a.Out, "Features: %d\n", s.Features)
	_, _ = fmt.Fprintln(a.Out, "\nBuckets:")
	for _, b := range style.Buckets {
		_, _ = fmt.Fprintf(a.Out, "  %-16s %s %6d\n", b.DisplayText, b.Color, s.PerBucket[b.ID])
	}
	if s.Unmatched > 0 {
		_, _ = fmt.Fprintf(a.Out, "  %-16s %s %6d\n", "(unmatched)", style.Fallback, s.Unmatched)
	}

	var reported, measured float64
	for _, f := range a.Dataset.Features {
		if v, ok := acreage.Acres(f); ok {
			reported += v
		}
		measured += acreage.GeodesicAcres(f)
	}
	_, _ = fmt.Fprintf(a.Out, "\nReported area: %.1f acres\n", reported)
	_, _ = fmt.Fprintf(a.Out, "Measured area: %.1f acres\n", measured)

	if s.Features > 0 {
		_, _ = fmt.Fprintf(a.Out, "Extent: [%.6f, %.6f] - [%.6f, %.6f]\n",
			s.Bound.Min.Lon(), s.Bound.Min.Lat(), s.Bound.Max.Lon(), s.Bound.Max.Lat())
	}
	return nil
}

// RunPreview renders the filtered fields to OutputFile
func (a *App) RunPreview() error {
	if err := a.load(context.Background()); err != nil {
		return err
	}

	state, err := a.previewState()
	if err != nil {
		return err
	}

	format := a.Format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(a.OutputFile)), ".")
	}

	cache := acreage.NewPreviewCache(a.Dataset, a.Config.Style(), 1)
	data, err := cache.Render(state, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("writing preview: %w", err)
	}

	res := a.Dataset.Filter(state)
	_, _ = fmt.Fprintf(a.Out, "Wrote %s (%d of %d features, buckets %s)\n",
		a.OutputFile, len(res.Features), len(a.Dataset.Features), state.Mask())
	return nil
}

// previewState starts from all buckets selected and switches off --disable
func (a *App) previewState() (acreage.FilterState, error) {
	state := acreage.NewFilterState(a.Config.Buckets)
	if a.Disable == "" {
		return state, nil
	}
	for _, part := range strings.Split(a.Disable, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return state, fmt.Errorf("--disable: invalid bucket id %q", part)
		}
		if state, err = state.SetSelected(id, false); err != nil {
			return state, fmt.Errorf("--disable: %w", err)
		}
	}
	return state, nil
}

// RunInitConfig writes the default configuration to ConfigFile
func (a *App) RunInitConfig() error {
	if _, err := os.Stat(a.ConfigFile); err == nil {
		return fmt.Errorf("%s already exists", a.ConfigFile)
	}
	config := acreage.DefaultConfig()
	config.Data.File = "fields.json"
	if err := acreage.SaveConfig(a.ConfigFile, config); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.Out, "Wrote default configuration to %s\n", a.ConfigFile)
	return nil
}

// RunService serves the viewer over HTTP and/or MQTT until interrupted
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.load(ctx); err != nil {
		return err
	}

	a.Sessions = acreage.NewSessionStore(a.Config.Buckets)
	a.Sessions.OnChange(a.sessionChanged)
	a.Previews = acreage.NewPreviewCache(a.Dataset, a.Config.Style(), a.Config.PreviewCache)

	if a.MqttMode {
		mqttClient, err := acreage.InitMQTT(a.Config, a.handleCommand)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient == nil {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = mqttClient
		a.Publisher = acreage.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix, a.Config.Map.FilterSyntax)
		log.Println("[MQTT] Filter publisher initialized")
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.HttpMode {
		srv := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.Dataset, a.Sessions, a.Previews, a.Config),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		a.pruneSessions(ctx)
		return nil
	})

	a.printServiceInfo()

	err := g.Wait()

	_, _ = fmt.Fprintln(a.Out, "\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	_, _ = fmt.Fprintln(a.Out, "Service stopped")
	return err
}

func (a *App) printServiceInfo() {
	_, _ = fmt.Fprintln(a.Out, "\nService Running")
	_, _ = fmt.Fprintln(a.Out, "===============")

	if a.MqttMode {
		_, _ = fmt.Fprintln(a.Out, "\nMQTT:")
		_, _ = fmt.Fprintf(a.Out, "  Commands:   %s\n", a.MQTTClient.CommandTopic())
		_, _ = fmt.Fprintf(a.Out, "  Publishing: %s\n", a.Publisher.FilterTopic("{session}"))
	}

	if a.HttpMode {
		_, _ = fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		_, _ = fmt.Fprintln(a.Out, "  GET  /                                 - Map viewer")
		_, _ = fmt.Fprintln(a.Out, "  GET  /health                           - Health check")
		_, _ = fmt.Fprintln(a.Out, "  GET  /fields.geojson                   - Normalized features")
		_, _ = fmt.Fprintln(a.Out, "  GET  /style                            - Bucket colors and legend")
		_, _ = fmt.Fprintln(a.Out, "  POST /sessions                         - Start a viewer session")
		_, _ = fmt.Fprintln(a.Out, "  POST /sessions/{id}/buckets/{b}/toggle - Toggle a bucket")
		_, _ = fmt.Fprintln(a.Out, "  GET  /sessions/{id}/features           - Filtered features")
		_, _ = fmt.Fprintln(a.Out, "  GET  /sessions/{id}/preview.svg|.png   - Static preview")
	}

	_, _ = fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

// pruneSessions drops idle sessions until ctx is done
func (a *App) pruneSessions(ctx context.Context) {
	interval := a.Config.SessionTTL / 4
	if interval > time.Minute || interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := a.Sessions.Prune(a.Config.SessionTTL)
			if len(pruned) > 0 {
				log.Printf("[sessions] Pruned %d idle session(s), %d active", len(pruned), a.Sessions.Len())
			}
		}
	}
}

// handleCommand applies an MQTT bucket command to its session. Kiosks may
// pick their own session id; an unknown id starts a new session.
func (a *App) handleCommand(sessionID string, cmd acreage.Command, err error) {
	if err != nil {
		log.Printf("[MQTT] Ignoring command for %s: %v", sessionID, err)
		return
	}

	if _, err := a.Sessions.UpdateOrCreate(sessionID, cmd.Apply); err != nil {
		log.Printf("[MQTT] Command %s for %s failed: %v", cmd.Action, sessionID, err)
	}
}

// sessionChanged publishes a committed session change. Closed sessions
// have their retained filter cleared.
func (a *App) sessionChanged(ev acreage.SessionEvent) {
	if a.Publisher == nil {
		return
	}
	if ev.Closed {
		a.Publisher.ClearSession(ev.ID, ev.Revision)
		return
	}
	if _, err := a.Publisher.PublishFilter(ev.ID, ev.Revision, a.Dataset.Filter(ev.State)); err != nil {
		log.Printf("[MQTT] Error publishing filter for %s: %v", ev.ID, err)
	}
}
