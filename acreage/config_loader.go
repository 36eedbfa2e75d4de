package acreage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPPort      = 8080
	defaultMapStyle      = "mapbox://styles/mapbox/streets-v11"
	defaultMapZoom       = 15
	defaultPublishPrefix = "acremap"
	defaultSessionTTL    = 2 * time.Hour
	defaultPreviewCache  = 64
)

// DefaultConfig returns a configuration with every optional field filled in
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = defaultHTTPPort
	}
	if c.Map.Style == "" {
		c.Map.Style = defaultMapStyle
	}
	if c.Map.Center == ([2]float64{}) {
		c.Map.Center = [2]float64{44.5059173, 40.1742073}
	}
	if c.Map.Zoom == 0 {
		c.Map.Zoom = defaultMapZoom
	}
	if c.Map.FilterSyntax == "" {
		c.Map.FilterSyntax = SyntaxLegacy
	}
	if len(c.Buckets) == 0 {
		c.Buckets = DefaultBuckets()
	}
	if c.FallbackColor == "" {
		c.FallbackColor = DefaultFallbackColor
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.PreviewCache == 0 {
		c.PreviewCache = defaultPreviewCache
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = defaultPublishPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "acremap"
	}
}

// ApplyEnv lets secrets and deployment-specific values come from the
// environment: MAPBOX_ACCESS_TOKEN and FIELDS_URL.
func (c *Config) ApplyEnv() {
	if token := os.Getenv("MAPBOX_ACCESS_TOKEN"); token != "" {
		c.Map.AccessToken = token
	}
	if url := os.Getenv("FIELDS_URL"); url != "" {
		c.Data.URL = url
		c.Data.File = ""
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if _, err := ParseSyntax(string(c.Map.FilterSyntax)); err != nil {
		return fmt.Errorf("map.filterSyntax: %w", err)
	}
	if c.Data.File != "" && c.Data.URL != "" {
		return fmt.Errorf("data.file and data.url are mutually exclusive")
	}
	if c.Data.Cache != "" && c.Data.URL == "" {
		return fmt.Errorf("data.cache only applies to data.url")
	}
	if err := ValidateBuckets(c.Buckets); err != nil {
		return fmt.Errorf("buckets: %w", err)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("sessionTTL must not be negative")
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file, fills in defaults,
// applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.applyDefaults()
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Style returns the color style described by the configuration
func (c *Config) Style() Style {
	return NewStyle(c.Buckets, c.FallbackColor)
}
