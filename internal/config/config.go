// Package config defines the canonical, JSON-serializable configuration model
// for the civic incident ingest. Pipelines are loaded from disk, overlaid with
// environment variables (12-factor style), and passed through the program
// without additional glue code.
//
// Design goals:
//
//  1. Stability: changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: field names in Go mirror the JSON structure used in pipeline
//     files under configs/*.json.
//  3. Minimalism: decoding is performed by encoding/json, with a light
//     Options helper for typed access to parser-specific knobs.
//
// Example (trimmed):
//
//	{
//	  "job":       "nyc311",
//	  "source":    { "kind": "http", "http": { "url": "https://data.cityofnewyork.us/resource/erm2-nwe9.csv", "paginate": true } },
//	  "parser":    { "kind": "csv", "options": { "has_header": true } },
//	  "normalize": { "key_policy": "sentinel", "sentinel": "None", "dedup": "keep-first" },
//	  "storage":   { "kind": "postgres", "db": { "dsn": "postgres://..." } },
//	  "runtime":   { "row_limit": 100000, "chunk_size": 10000 }
//	}
package config

import "encoding/json"

// Pipeline describes the full ingest pipeline in JSON. It is the top-level
// object decoded from a pipeline file.
type Pipeline struct {
	// Job names the run for logs and metrics labels.
	Job string `json:"job"`

	// Source describes where raw chunks come from.
	Source Source `json:"source"`

	// Parser configures how raw bytes are turned into rows (CSV).
	Parser Parser `json:"parser"`

	// Normalize configures the row normalizer.
	Normalize Normalize `json:"normalize"`

	// Storage describes the sink the two tables are written to.
	Storage Storage       `json:"storage"`
	Runtime RuntimeConfig `json:"runtime"`
	Metrics Metrics       `json:"metrics"`
}

// RuntimeConfig holds the two tunables the core depends on.
type RuntimeConfig struct {
	// RowLimit caps the total number of raw rows across all chunks. 0 means
	// unlimited.
	RowLimit int `json:"row_limit"`

	// ChunkSize is the number of raw rows per chunk.
	ChunkSize int `json:"chunk_size"`
}

// DefaultChunkSize is used when runtime.chunk_size is unset.
const DefaultChunkSize = 10000

// DefaultMaxRetries is used when source.http.max_retries is absent.
const DefaultMaxRetries = 3

// Source identifies the data source.
type Source struct {
	// Kind selects the source implementation: "http" or "file".
	Kind string `json:"kind"`

	// File carries options for the "file" source kind.
	File SourceFile `json:"file"`

	// HTTP carries options for the "http" source kind.
	HTTP SourceHTTP `json:"http"`
}

// SourceFile holds configuration for the "file" source kind.
type SourceFile struct {
	// Path is the local filesystem path to the input file.
	Path string `json:"path"`
}

// SourceHTTP holds configuration for the "http" source kind. With Paginate
// set, each chunk is one request using Socrata-style $limit/$offset paging;
// otherwise a single response body is sliced into chunks.
type SourceHTTP struct {
	URL      string `json:"url"`
	Paginate bool   `json:"paginate"`

	// LimitParam/OffsetParam default to "$limit" and "$offset".
	LimitParam  string `json:"limit_param"`
	OffsetParam string `json:"offset_param"`

	// Order is sent as "$order" so that offset paging is stable.
	Order string `json:"order"`

	// Query holds extra query parameters (e.g. "$where").
	Query map[string]string `json:"query"`

	// AppToken is sent as the X-App-Token header when set.
	AppToken string            `json:"app_token"`
	Headers  map[string]string `json:"headers"`

	TimeoutSeconds int `json:"timeout_seconds"`

	// MaxRetries is the number of retries after the first attempt; 3 when
	// absent, and an explicit 0 disables retrying.
	MaxRetries         *int `json:"max_retries"`
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

// Retries returns max_retries, or DefaultMaxRetries when it is absent.
func (h SourceHTTP) Retries() int {
	if h.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *h.MaxRetries
}

// Parser selects how to parse the raw source into logical rows/columns.
type Parser struct {
	// Kind selects the parser implementation. Current value: "csv".
	Kind string `json:"kind"`

	// Options is a free-form map interpreted by the parser implementation.
	// For CSV, typical keys include:
	//   has_header (bool), comma (string), lazy_quotes (bool),
	//   header_map (object), encoding (string), date_layouts (array),
	//   scrub (object of literal replacements)
	Options Options `json:"options"`
}

// Normalize configures the row normalizer.
type Normalize struct {
	// KeyPolicy decides what happens to incidents whose zip or borough is
	// null: "sentinel" (default) substitutes Sentinel into the join key,
	// "drop" removes the incident.
	KeyPolicy string `json:"key_policy"`

	// Sentinel replaces a null key part; defaults to "None".
	Sentinel string `json:"sentinel"`

	// Dedup selects the in-chunk winner: keep-first (default), keep-last or
	// most-complete.
	Dedup string `json:"dedup"`
}

// Storage selects the sink used to persist the normalized tables.
type Storage struct {
	// Kind selects the storage backend: postgres, sqlite, mysql, mssql.
	Kind string `json:"kind"`

	DB DBConfig `json:"db"`
}

// DBConfig configures the DB sink.
type DBConfig struct {
	// DSN is the backend connection string.
	DSN string `json:"dsn"`

	// ConflictMode is "reject" (default: a duplicate key discards that
	// table's write for the chunk) or "ignore" (duplicate keys are skipped
	// row by row).
	ConflictMode string `json:"conflict_mode"`

	// MaxConns bounds the connection pool; 0 keeps the backend default.
	MaxConns int `json:"max_conns"`

	// AutoCreateTable creates both tables at startup when absent.
	AutoCreateTable bool `json:"auto_create_table"`

	// SchemaPerChunk re-runs the idempotent schema bootstrap before every
	// chunk, matching deployments that expect it.
	SchemaPerChunk bool `json:"schema_per_chunk"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "", "none", "prometheus" or "datadog".
	Backend        string `json:"backend"`
	PushgatewayURL string `json:"pushgateway_url"`
	DatadogAddr    string `json:"datadog_addr"`
}

// Options fetches typed values from a free-form JSON object. It performs
// only minimal coercion and returns the provided default when a key is absent
// or holds an unexpected type.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if s, ok := o[key].(string); ok {
		return s
	}
	return def
}

// Bool returns the bool value for key or def.
func (o Options) Bool(key string, def bool) bool {
	if b, ok := o[key].(bool); ok {
		return b
	}
	return def
}

// Int returns the int value for key or def. encoding/json decodes numbers as
// float64, so both float64 and int are accepted.
func (o Options) Int(key string, def int) int {
	switch n := o[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

// Rune returns the first rune of a string value for key, or def when the key
// is missing or empty. Used for single-character settings such as a CSV
// delimiter ("\t" works because JSON already decoded the escape).
func (o Options) Rune(key string, def rune) rune {
	if s, ok := o[key].(string); ok && s != "" {
		return []rune(s)[0]
	}
	return def
}

// StringMap returns the object at key as map[string]string, ignoring
// non-string values. The result is never nil.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	switch m := o[key].(type) {
	case map[string]any:
		for k, vv := range m {
			if s, ok := vv.(string); ok {
				res[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			res[k] = v
		}
	}
	return res
}

// StringSlice returns the array at key as []string, or nil when absent.
func (o Options) StringSlice(key string) []string {
	switch vv := o[key].(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	}
	return nil
}

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// UnmarshalJSON decodes a missing or null "options" object into a non-nil,
// empty Options map so call sites never nil-check.
func (o *Options) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
