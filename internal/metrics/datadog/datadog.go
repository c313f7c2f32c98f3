// Package datadog sends pipeline metrics to a DogStatsD agent.
//
// Metric names are shortened from their Prometheus form
// ("civicetl_unique_violations_total" becomes "unique_violations") and the
// configured Namespace is prepended by the client. The "job" label is dropped
// from per-metric tags; callers put it in GlobalTags once.
package datadog

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/DataDog/datadog-go/v5/statsd"

	"civicetl/internal/metrics"
)

// Config holds Datadog backend configuration.
type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///path/to/socket".
	Addr string

	// Namespace prefixes every metric, e.g. "civic.".
	Namespace string

	GlobalTags []string
}

// Backend implements metrics.Backend on top of a statsd.Client.
type Backend struct {
	client *statsd.Client
}

func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}

	opts := []statsd.Option{}
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: c}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	// Row counters are whole numbers; Count takes int64.
	_ = b.client.Count(metricName(name), int64(math.Round(delta)), labelsToTags(labels), 1)
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Histogram(metricName(name), value, labelsToTags(labels), 1)
}

// Flush closes the client, which drains its buffer to the agent. The backend
// is not usable afterwards; the CLI flushes once at exit.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// metricName maps "civicetl_rows_total" to "rows".
func metricName(name string) string {
	name = strings.TrimPrefix(name, "civicetl_")
	return strings.TrimSuffix(name, "_total")
}

// labelsToTags renders labels as sorted "key:value" tags, minus "job".
func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		if k == "job" {
			continue
		}
		out = append(out, k+":"+v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
