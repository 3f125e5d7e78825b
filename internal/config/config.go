// Package config loads and validates crawl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/viper"

	"github.com/JakeFAU/mapharvest/internal/crawl"
	"github.com/JakeFAU/mapharvest/internal/extract/gmaps"
	"github.com/JakeFAU/mapharvest/internal/geo"
	"github.com/JakeFAU/mapharvest/internal/schedule"
	"github.com/JakeFAU/mapharvest/internal/state"
)

// Storage backends for checkpoint archives.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Delays     DelaysConfig     `mapstructure:"delays"`
	Results    ResultsConfig    `mapstructure:"results"`
	State      StateConfig      `mapstructure:"state"`
	Geocoder   GeocoderConfig   `mapstructure:"geocoder"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features and the log directory.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Dir         string `mapstructure:"dir"`
}

// LocationConfig is one configured place. Lat/Lng are optional hints; the
// resolved area supplies the centroid when they are zero.
type LocationConfig struct {
	Name   string  `mapstructure:"name"`
	Region string  `mapstructure:"region"`
	Lat    float64 `mapstructure:"lat"`
	Lng    float64 `mapstructure:"lng"`
}

// CrawlConfig lists what to crawl.
type CrawlConfig struct {
	Locations  []LocationConfig `mapstructure:"locations"`
	Categories []string         `mapstructure:"categories"`
	GridSize   int              `mapstructure:"grid_size"`
	Zoom       int              `mapstructure:"zoom"`
}

// CheckpointConfig controls when results are flushed to disk.
type CheckpointConfig struct {
	EveryRecords    int  `mapstructure:"every_records"`
	EveryTasks      int  `mapstructure:"every_tasks"`
	BeforeStateSave bool `mapstructure:"before_state_save"`
}

// DelaysConfig holds [min, max] second ranges per delay class.
type DelaysConfig struct {
	BetweenSegments   []float64 `mapstructure:"between_segments"`
	BetweenCategories []float64 `mapstructure:"between_categories"`
	AfterScroll       []float64 `mapstructure:"after_scroll"`
	InitialLoad       []float64 `mapstructure:"initial_load"`
	BetweenLocations  []float64 `mapstructure:"between_locations"`
	// Seed makes delay draws reproducible when non-zero.
	Seed uint64 `mapstructure:"seed"`
}

// ResultsConfig locates the result files.
type ResultsConfig struct {
	Dir      string `mapstructure:"dir"`
	BaseName string `mapstructure:"base_name"`
	Sheet    string `mapstructure:"sheet"`
}

// StateConfig locates the execution state file.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// GeocoderConfig configures the Nominatim resolver.
type GeocoderConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPS            float64 `mapstructure:"rps"`
}

// ExtractorConfig configures the browser-driven map search.
type ExtractorConfig struct {
	Headless          bool   `mapstructure:"headless"`
	MaxScrolls        int    `mapstructure:"max_scrolls"`
	IdleScrolls       int    `mapstructure:"idle_scrolls"`
	Locale            string `mapstructure:"locale"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	UserAgent         string `mapstructure:"user_agent"`
}

// EnrichConfig configures website contact enrichment.
type EnrichConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPS            float64 `mapstructure:"rps"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	MaxPerBatch    int     `mapstructure:"max_per_batch"`
	UserAgent      string  `mapstructure:"user_agent"`
}

// StorageConfig selects where checkpoint snapshots are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the optional Postgres mirror and run history.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	RecordsTable           string `mapstructure:"records_table"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	Enabled           bool                `mapstructure:"enabled"`
	LogEnabled        bool                `mapstructure:"log_enabled"`
	PrometheusEnabled bool                `mapstructure:"prometheus_enabled"`
	BufferSize        int                 `mapstructure:"buffer_size"`
	Batch             ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional file plus MAPHARVEST_* environment
// variables. Crawl inputs (locations, categories) are checked separately by
// ValidateCrawl so that read-only commands work without them.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAPHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("crawl.locations", []map[string]any{})
	v.SetDefault("crawl.categories", []string{})
	v.SetDefault("crawl.grid_size", 1)
	v.SetDefault("crawl.zoom", 11)
	v.SetDefault("checkpoint.every_records", 20)
	v.SetDefault("checkpoint.every_tasks", 0)
	v.SetDefault("checkpoint.before_state_save", true)
	v.SetDefault("delays.between_segments", []float64{8, 15})
	v.SetDefault("delays.between_categories", []float64{4, 8})
	v.SetDefault("delays.after_scroll", []float64{3, 5})
	v.SetDefault("delays.initial_load", []float64{4, 7})
	v.SetDefault("delays.between_locations", []float64{15, 30})
	v.SetDefault("delays.seed", 0)
	v.SetDefault("results.dir", "resultados")
	v.SetDefault("results.base_name", "google_maps_results")
	v.SetDefault("results.sheet", "Results")
	v.SetDefault("state.path", "estado_ejecucion.json")
	v.SetDefault("geocoder.base_url", geo.DefaultNominatimURL)
	v.SetDefault("geocoder.user_agent", "mapharvest/1.0 (+https://github.com/JakeFAU/mapharvest)")
	v.SetDefault("geocoder.timeout_seconds", 15)
	v.SetDefault("geocoder.rps", 1)
	v.SetDefault("extractor.headless", false)
	v.SetDefault("extractor.max_scrolls", 50)
	v.SetDefault("extractor.idle_scrolls", 5)
	v.SetDefault("extractor.locale", "es-419")
	v.SetDefault("extractor.nav_timeout_seconds", 45)
	v.SetDefault("extractor.user_agent", "")
	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.timeout_seconds", 10)
	v.SetDefault("enrich.rps", 0.5)
	v.SetDefault("enrich.respect_robots", true)
	v.SetDefault("enrich.max_per_batch", 0)
	v.SetDefault("enrich.user_agent", "mapharvest/1.0 (+https://github.com/JakeFAU/mapharvest)")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "backups")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "checkpoints")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.records_table", "business_records")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_seconds", 1800)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 200)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.GridSize < 1 {
		return fmt.Errorf("crawl.grid_size must be >= 1")
	}
	if c.Crawl.Zoom < 1 || c.Crawl.Zoom > 21 {
		return fmt.Errorf("crawl.zoom must be between 1 and 21")
	}
	if c.Checkpoint.EveryRecords < 0 {
		return fmt.Errorf("checkpoint.every_records must be >= 0")
	}
	if c.Checkpoint.EveryTasks < 0 {
		return fmt.Errorf("checkpoint.every_tasks must be >= 0")
	}
	if _, err := c.Delays.Ranges(); err != nil {
		return err
	}
	if c.Results.Dir == "" || c.Results.BaseName == "" {
		return fmt.Errorf("results.dir and results.base_name are required")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Geocoder.UserAgent == "" {
		return fmt.Errorf("geocoder.user_agent is required")
	}
	if c.Geocoder.TimeoutSeconds <= 0 {
		return fmt.Errorf("geocoder.timeout_seconds must be > 0")
	}
	if c.Extractor.MaxScrolls < 1 || c.Extractor.IdleScrolls < 1 {
		return fmt.Errorf("extractor.max_scrolls and extractor.idle_scrolls must be >= 1")
	}
	if c.Enrich.Enabled && c.Enrich.TimeoutSeconds <= 0 {
		return fmt.Errorf("enrich.timeout_seconds must be > 0 when enrich is enabled")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	case BackendMemory, BackendNone:
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory, none", c.Storage.Backend)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// ValidateCrawl checks the inputs a crawl run needs on top of Validate.
func (c Config) ValidateCrawl() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Crawl.Locations) == 0 {
		return fmt.Errorf("crawl.locations must list at least one location")
	}
	for i, loc := range c.Crawl.Locations {
		if strings.TrimSpace(loc.Name) == "" {
			return fmt.Errorf("crawl.locations[%d].name is required", i)
		}
	}
	if len(c.Crawl.Categories) == 0 {
		return fmt.Errorf("crawl.categories must list at least one category")
	}
	for i, cat := range c.Crawl.Categories {
		if strings.TrimSpace(cat) == "" {
			return fmt.Errorf("crawl.categories[%d] is empty", i)
		}
	}
	return nil
}

// Ranges converts the configured second ranges into scheduler ranges.
func (d DelaysConfig) Ranges() (map[schedule.Class]schedule.Range, error) {
	raw := map[schedule.Class][]float64{
		schedule.BetweenSegments:   d.BetweenSegments,
		schedule.BetweenCategories: d.BetweenCategories,
		schedule.AfterScroll:       d.AfterScroll,
		schedule.InitialLoad:       d.InitialLoad,
		schedule.BetweenLocations:  d.BetweenLocations,
	}
	out := make(map[schedule.Class]schedule.Range, len(raw))
	for class, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("delays.%s must be [min, max] seconds", class)
		}
		r := schedule.Range{Min: seconds(pair[0]), Max: seconds(pair[1])}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("delays.%s: %w", class, err)
		}
		out[class] = r
	}
	return out, nil
}

// LocationList converts the configured locations.
func (c CrawlConfig) LocationList() []geo.Location {
	out := make([]geo.Location, 0, len(c.Locations))
	for _, lc := range c.Locations {
		loc := geo.NewLocation(lc.Name, lc.Region)
		if lc.Lat != 0 || lc.Lng != 0 {
			loc.Centroid = orb.Point{lc.Lng, lc.Lat}
		}
		out = append(out, loc)
	}
	return out
}

// Targets lists the configured locations by state key.
func (c CrawlConfig) Targets() []state.Target {
	out := make([]state.Target, 0, len(c.Locations))
	for _, loc := range c.LocationList() {
		out = append(out, state.Target{Key: loc.Key, Name: loc.Name})
	}
	return out
}

// OrchestratorConfig assembles the orchestrator's settings.
func (c Config) OrchestratorConfig() crawl.Config {
	return crawl.Config{
		Locations:                 c.Crawl.LocationList(),
		Categories:                append([]string(nil), c.Crawl.Categories...),
		GridSize:                  c.Crawl.GridSize,
		CheckpointEveryRecords:    c.Checkpoint.EveryRecords,
		CheckpointEveryTasks:      c.Checkpoint.EveryTasks,
		CheckpointBeforeStateSave: c.Checkpoint.BeforeStateSave,
	}
}

// ExtractorSettings assembles the map extractor's settings.
func (c Config) ExtractorSettings() gmaps.Config {
	return gmaps.Config{
		Headless:          c.Extractor.Headless,
		UserAgent:         c.Extractor.UserAgent,
		NavigationTimeout: time.Duration(c.Extractor.NavTimeoutSeconds) * time.Second,
		Zoom:              c.Crawl.Zoom,
		Locale:            c.Extractor.Locale,
		MaxScrolls:        c.Extractor.MaxScrolls,
		IdleScrolls:       c.Extractor.IdleScrolls,
	}
}

// ApplyLocations replaces the configured locations with names given on the
// command line.
func (c *Config) ApplyLocations(names []string) {
	if len(names) == 0 {
		return
	}
	locs := make([]LocationConfig, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			locs = append(locs, LocationConfig{Name: n})
		}
	}
	c.Crawl.Locations = locs
}

// ParseCategories splits a comma-separated category list, dropping blanks.
func ParseCategories(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
