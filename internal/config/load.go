package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the pipeline file.
const (
	EnvRowLimit       = "CIVICETL_ROW_LIMIT"
	EnvChunkSize      = "CIVICETL_CHUNK_SIZE"
	EnvDSN            = "CIVICETL_DSN"
	EnvSourceURL      = "CIVICETL_SOURCE_URL"
	EnvAppToken       = "CIVICETL_APP_TOKEN"
	EnvMetricsBackend = "METRICS_BACKEND"
	EnvPushgatewayURL = "PUSHGATEWAY_URL"
	EnvDatadogAddr    = "DD_AGENT_ADDR"
)

// Load reads the pipeline file at path, loads an optional .env file, applies
// environment overrides and fills defaults.
func Load(path string) (Pipeline, error) {
	if err := LoadDotEnv(); err != nil {
		return Pipeline{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	p, err := Decode(f)
	if err != nil {
		return Pipeline{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := ApplyEnv(&p, os.LookupEnv); err != nil {
		return Pipeline{}, err
	}
	ApplyDefaults(&p)
	return p, nil
}

// Decode parses a pipeline document without touching the environment.
func Decode(r io.Reader) (Pipeline, error) {
	var p Pipeline
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// LoadDotEnv loads KEY=VALUE pairs from files (".env" when none are given)
// into the process environment. Existing variables win, and a missing file
// is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto p. lookup is usually
// os.LookupEnv; tests pass a map-backed function.
func ApplyEnv(p *Pipeline, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvRowLimit); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRowLimit, err)
		}
		p.Runtime.RowLimit = n
	}
	if v, ok := get(EnvChunkSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvChunkSize, err)
		}
		p.Runtime.ChunkSize = n
	}
	if v, ok := get(EnvDSN); ok {
		p.Storage.DB.DSN = v
	}
	if v, ok := get(EnvSourceURL); ok {
		p.Source.HTTP.URL = v
	}
	if v, ok := get(EnvAppToken); ok {
		p.Source.HTTP.AppToken = v
	}
	if v, ok := get(EnvMetricsBackend); ok {
		p.Metrics.Backend = v
	}
	if v, ok := get(EnvPushgatewayURL); ok {
		p.Metrics.PushgatewayURL = v
	}
	if v, ok := get(EnvDatadogAddr); ok {
		p.Metrics.DatadogAddr = v
	}
	return nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(p *Pipeline) {
	if p.Job == "" {
		p.Job = "civicetl"
	}
	if p.Parser.Kind == "" {
		p.Parser.Kind = "csv"
	}
	if p.Parser.Options == nil {
		p.Parser.Options = Options{}
	}
	if p.Runtime.ChunkSize == 0 {
		p.Runtime.ChunkSize = DefaultChunkSize
	}
	if p.Normalize.KeyPolicy == "" {
		p.Normalize.KeyPolicy = "sentinel"
	}
	if p.Normalize.Sentinel == "" {
		p.Normalize.Sentinel = "None"
	}
	if p.Normalize.Dedup == "" {
		p.Normalize.Dedup = "keep-first"
	}
	if p.Storage.DB.ConflictMode == "" {
		p.Storage.DB.ConflictMode = "reject"
	}
	h := &p.Source.HTTP
	if h.LimitParam == "" {
		h.LimitParam = "$limit"
	}
	if h.OffsetParam == "" {
		h.OffsetParam = "$offset"
	}
	if h.MaxRetries == nil {
		n := DefaultMaxRetries
		h.MaxRetries = &n
	}
}
