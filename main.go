package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command-line flags
type AppOptions struct {
	ConfigFile string
	DataFile   string
	DataURL    string
	OutputFile string
	Format     string
	Disable    string
	HttpPort   int
	Summary    bool
	Preview    bool
	InitConfig bool
	MqttMode   bool
	HttpMode   bool
}

// Runner is the set of modes the CLI can dispatch to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSummary() error
	RunPreview() error
	RunInitConfig() error
	RunService() error
}

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to one mode of app
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("acremap", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	fs.StringVar(&opts.DataFile, "data", "", "Fields JSON document (overrides data.file)")
	fs.StringVar(&opts.DataURL, "data-url", "", "URL of the fields JSON document (overrides data.url)")
	fs.BoolVar(&opts.Summary, "summary", false, "Normalize the fields, print a per-bucket summary and exit")
	fs.BoolVar(&opts.Preview, "preview", false, "Render a static preview of the filtered fields and exit")
	fs.StringVar(&opts.OutputFile, "output", "fields-preview.svg", "Output file for --preview")
	fs.StringVar(&opts.Format, "format", "", "Preview format: svg or png (default: from --output extension)")
	fs.StringVar(&opts.Disable, "disable", "", "Comma-separated bucket ids to switch off for --preview")
	fs.BoolVar(&opts.InitConfig, "init-config", false, "Write a default configuration file and exit")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve the map viewer and filter API over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default: http.port from config)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "MQTT service mode: accept bucket commands and publish filters")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	switch {
	case opts.InitConfig:
		app.ApplyOptions(opts)
		return app.RunInitConfig()
	case opts.Summary:
		app.ApplyOptions(opts)
		return app.RunSummary()
	case opts.Preview:
		app.ApplyOptions(opts)
		return app.RunPreview()
	}

	// Service mode; HTTP is the default transport.
	if !opts.HttpMode && !opts.MqttMode {
		opts.HttpMode = true
	}
	_, _ = fmt.Fprintf(out, "acremap version: %s\n", Version)
	_, _ = fmt.Fprintln(out, "acremap service starting...")

	app.ApplyOptions(opts)
	return app.RunService()
}
