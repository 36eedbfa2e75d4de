package acreage

import "time"

// Property keys carried by every normalized feature.
const (
	AcresProperty  = "acres"
	StateProperty  = "state"
	GeomIDProperty = "geom_id"
)

// SquareMetersPerAcre converts geodesic areas to acres.
const SquareMetersPerAcre = 4046.8564224

// FieldRecord is one row of the source document. Geometry holds a
// JSON-encoded GeoJSON FeatureCollection.
type FieldRecord struct {
	State      string  `json:"state"`
	GeometryID int64   `json:"geometryId"`
	Geometry   string  `json:"geometry"`
	Acres      float64 `json:"acres"`
}

// FieldsDocument is the root of the input document
type FieldsDocument struct {
	Fields []FieldRecord `json:"fields"`
}

// SizeBucket is a named acreage range that can be switched on and off.
// A nil MaxArea means the bucket has no upper bound.
type SizeBucket struct {
	ID          int      `yaml:"id" json:"id"`
	MinArea     float64  `yaml:"min" json:"minArea"`
	MaxArea     *float64 `yaml:"max,omitempty" json:"maxArea,omitempty"`
	DisplayText string   `yaml:"label" json:"displayText"`
	Color       string   `yaml:"color,omitempty" json:"color,omitempty"`
	Selected    bool     `yaml:"-" json:"isSelected"`
}

// DataConfig points at the fields document
type DataConfig struct {
	File string `yaml:"file,omitempty" json:"file,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
	// Cache keeps the last document downloaded from URL
	Cache string `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// MapConfig is handed to the browser viewer as-is
type MapConfig struct {
	AccessToken  string     `yaml:"accessToken,omitempty" json:"-"`
	Style        string     `yaml:"style" json:"style"`
	Center       [2]float64 `yaml:"center" json:"center"`
	Zoom         float64    `yaml:"zoom" json:"zoom"`
	FilterSyntax Syntax     `yaml:"filterSyntax,omitempty" json:"filterSyntax,omitempty"`
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
}

// Config is the unified service configuration
type Config struct {
	Data          DataConfig    `yaml:"data"`
	HTTP          HTTPConfig    `yaml:"http"`
	Map           MapConfig     `yaml:"map"`
	Buckets       []SizeBucket  `yaml:"buckets,omitempty"`
	FallbackColor string        `yaml:"fallbackColor,omitempty"`
	SessionTTL    time.Duration `yaml:"sessionTTL,omitempty"`
	PreviewCache  int           `yaml:"previewCache,omitempty"`
	MQTT          MQTTConfig    `yaml:"mqtt"`
}
