// Package config loads the loader configuration: a JSON or YAML file, then
// environment overrides (optionally seeded from a .env file).
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"snapwh/internal/normalize"
)

// Config is the full loader configuration.
type Config struct {
	Job       string    `json:"job" yaml:"job"`
	Storage   Storage   `json:"storage" yaml:"storage"`
	Input     Input     `json:"input" yaml:"input"`
	DateDim   DateDim   `json:"date_dim" yaml:"date_dim"`
	Normalize Normalize `json:"normalize" yaml:"normalize"`
	Ingest    Ingest    `json:"ingest" yaml:"ingest"`
	Merge     Merge     `json:"merge" yaml:"merge"`
	Log       Log       `json:"log" yaml:"log"`
	Metrics   Metrics   `json:"metrics" yaml:"metrics"`
}

type Storage struct {
	// Backend kind: "postgres" | "mssql" | "mysql" | "sqlite"
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// Input locates payload files when none are given on the command line.
type Input struct {
	Dir     string `json:"dir" yaml:"dir"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// DateDim seeds date_dim when today's row is missing: from the calendar CSV at
// Path, else by generating [GenerateFrom, GenerateTo] (YYYY-MM-DD).
type DateDim struct {
	Path         string `json:"path" yaml:"path"`
	GenerateFrom string `json:"generate_from" yaml:"generate_from"`
	GenerateTo   string `json:"generate_to" yaml:"generate_to"`
}

type Normalize struct {
	// Paths overrides the JMESPath candidates of individual fields.
	Paths        normalize.FieldPaths `json:"paths" yaml:"paths"`
	MaxTextRunes int                  `json:"max_text_runes" yaml:"max_text_runes"`
}

type Ingest struct {
	MaxItemsPerBatch int  `json:"max_items_per_batch" yaml:"max_items_per_batch"`
	RequireActor     bool `json:"require_actor" yaml:"require_actor"`
}

type Merge struct {
	RunName            string `json:"run_name" yaml:"run_name"`
	StrictInteractions bool   `json:"strict_interactions" yaml:"strict_interactions"`
	PreloadParallelism int    `json:"preload_parallelism" yaml:"preload_parallelism"`
}

type Log struct {
	Level string `json:"level" yaml:"level"`
}

type Metrics struct {
	// Backend: "pushgateway" | "datadog" | "none"
	Backend        string `json:"backend" yaml:"backend"`
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`
	Tags           string `json:"tags" yaml:"tags"`
}

// Defaults.
const (
	DefaultJob              = "snapload"
	DefaultPattern          = "*.json"
	DefaultMaxItemsPerBatch = 1000
	DefaultLogLevel         = "info"
	DefaultPushgatewayURL   = "http://localhost:9091"
)

// Default returns a config with every default applied and no storage.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Job == "" {
		c.Job = DefaultJob
	}
	if c.Input.Pattern == "" {
		c.Input.Pattern = DefaultPattern
	}
	if c.Ingest.MaxItemsPerBatch == 0 {
		c.Ingest.MaxItemsPerBatch = DefaultMaxItemsPerBatch
	}
	if c.Merge.PreloadParallelism == 0 {
		c.Merge.PreloadParallelism = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Metrics.PushgatewayURL == "" {
		c.Metrics.PushgatewayURL = DefaultPushgatewayURL
	}
}

// Load reads path (".yaml"/".yml" as YAML, anything else as JSON). Unknown
// fields are rejected. An empty path yields Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data in the format implied by ext and applies defaults.
func Parse(data []byte, ext string) (Config, error) {
	var c Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode json: %w", err)
		}
	}
	c.applyDefaults()
	return c, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c from the environment read through getenv.
//
// STORAGE_DSN wins over a DSN composed from MYSQL_HOST/PORT/USER/PASSWORD/
// DATABASE; the latter also selects the mysql kind when none is set.
func ApplyEnv(c Config, getenv func(string) string) (Config, error) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if host := strings.TrimSpace(getenv("MYSQL_HOST")); host != "" {
		port := strings.TrimSpace(getenv("MYSQL_PORT"))
		if port == "" {
			port = "3306"
		}
		m := mysql.NewConfig()
		m.Net = "tcp"
		m.Addr = net.JoinHostPort(host, port)
		m.User = getenv("MYSQL_USER")
		m.Passwd = getenv("MYSQL_PASSWORD")
		m.DBName = getenv("MYSQL_DATABASE")
		m.ParseTime = true
		c.Storage.DSN = m.FormatDSN()
		if c.Storage.Kind == "" {
			c.Storage.Kind = "mysql"
		}
	}

	str("STORAGE_KIND", &c.Storage.Kind)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("STORAGE_PATH", &c.Input.Dir)
	str("DATE_DIM_PATH", &c.DateDim.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("METRICS_BACKEND", &c.Metrics.Backend)
	str("PUSHGATEWAY_URL", &c.Metrics.PushgatewayURL)
	str("METRICS_TAGS", &c.Metrics.Tags)
	str("RUN_NAME", &c.Merge.RunName)

	if v := strings.TrimSpace(getenv("MAX_ITEMS_PER_BATCH")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: MAX_ITEMS_PER_BATCH=%q: %w", v, err)
		}
		c.Ingest.MaxItemsPerBatch = n
	}
	return c, nil
}
