package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"civicetl/internal/config"
	"civicetl/internal/logging"
	"civicetl/internal/probe"
	"civicetl/internal/report"
	"civicetl/internal/schema"
	"civicetl/internal/source"
	"civicetl/internal/storage"
)

// errInvalidConfig is returned after the issues have already been printed.
var errInvalidConfig = errors.New("configuration is invalid")

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	rc := &cobra.Command{
		Use:   "civicetl",
		Short: "Chunked ingest of civic-incident CSV data into incident and locations tables.",
		Long: `civicetl pulls a civic-incident CSV export (a paged open-data endpoint or a
local file) in fixed-size chunks, normalizes every chunk into incident and
location rows, and appends both to a relational store. Duplicate keys that
were already persisted are logged per table and skipped; any other storage
error stops the run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rc.PersistentFlags().StringVarP(&g.configPath, "config", "c", "configs/pipelines/nyc311.json", "pipeline config JSON path")
	rc.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	rc.AddCommand(
		newRunCommand(g, stdout, stderr),
		newValidateCommand(g, stdout, stderr),
		newReportCommand(g, stdout, stderr),
		newSchemaCommand(g, stdout, stderr),
	)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

type runFlags struct {
	rowLimit       int
	chunkSize      int
	metricsBackend string
	report         bool
	chartWidth     int
}

func newRunCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingest pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			p, err := loadPipeline(g.configPath, stderr, func(p *config.Pipeline) {
				if flags.Changed("row-limit") {
					p.Runtime.RowLimit = f.rowLimit
				}
				if flags.Changed("chunk-size") {
					p.Runtime.ChunkSize = f.chunkSize
				}
				if flags.Changed("metrics-backend") {
					p.Metrics.Backend = f.metricsBackend
				}
			})
			if err != nil {
				return err
			}

			log, err := logging.New(g.verbose)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = log.Sync() }()
			log = withRun(log, p)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			flush := setupMetrics(p, log)
			defer flush()

			st, err := runIngest(ctx, p, log)
			logSummary(log, st)
			if err != nil {
				log.Error("ingest failed", zap.Error(err))
				return err
			}
			if f.report {
				return printReport(ctx, p, stdout, f.chartWidth)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&f.rowLimit, "row-limit", 0, "total row cap across all chunks, 0 = unlimited (overrides env CIVICETL_ROW_LIMIT)")
	flags.IntVar(&f.chunkSize, "chunk-size", config.DefaultChunkSize, "rows per chunk (overrides env CIVICETL_CHUNK_SIZE)")
	flags.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend: none, prometheus, datadog (overrides env METRICS_BACKEND)")
	flags.BoolVar(&f.report, "report", false, "print the report after a successful run")
	flags.IntVar(&f.chartWidth, "chart-width", report.DefaultChartWidth, "bar chart width in cells")
	return cmd
}

func newValidateCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var doProbe bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(g.configPath, stderr, nil)
			if err != nil {
				return err
			}
			if doProbe {
				if err := printProbe(cmd.Context(), p, stdout); err != nil {
					return err
				}
			}
			fmt.Fprintf(stdout, "Configuration is valid: %s\n", g.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&doProbe, "probe", false, "read the source header and a few rows")
	return cmd
}

func newReportCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var chartWidth int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Query the ingested tables and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(g.configPath, stderr, nil)
			if err != nil {
				return err
			}
			return printReport(cmd.Context(), p, stdout, chartWidth)
		},
	}
	cmd.Flags().IntVar(&chartWidth, "chart-width", report.DefaultChartWidth, "bar chart width in cells")
	return cmd
}

func newSchemaCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL for the configured storage backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(g.configPath, stderr, nil)
			if err != nil {
				return err
			}
			stmts, err := storage.DDL(p.Storage.Kind, schema.CivicSchema())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "%s;\n", strings.Join(stmts, ";\n\n"))
			return err
		},
	}
}

// loadPipeline loads the config, applies flag overrides, and prints every
// validation issue to stderr. Error issues make it return errInvalidConfig.
func loadPipeline(path string, stderr io.Writer, override func(*config.Pipeline)) (config.Pipeline, error) {
	p, err := config.Load(path)
	if err != nil {
		return config.Pipeline{}, err
	}
	if override != nil {
		override(&p)
	}
	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return config.Pipeline{}, fmt.Errorf("%w: %s", errInvalidConfig, path)
	}
	return p, nil
}

func printReport(ctx context.Context, p config.Pipeline, w io.Writer, chartWidth int) error {
	r, err := openReportFn(ctx, p.Storage.Kind, p.Storage.DB.DSN)
	if err != nil {
		return err
	}
	defer r.Close()
	rep, err := r.Build(ctx)
	if err != nil {
		return err
	}
	return report.Render(w, rep, chartWidth)
}

// printProbe samples the configured source and fails when its header lacks
// raw columns.
func printProbe(ctx context.Context, p config.Pipeline, w io.Writer) error {
	res, err := probe.Run(ctx, source.FromPipeline(p), probe.Options{})
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}
	if len(res.Ignored) > 0 {
		fmt.Fprintf(w, "source columns ignored: %s\n", strings.Join(res.Ignored, ", "))
	}
	if !res.OK() {
		return fmt.Errorf("probe source: missing required columns: %s", strings.Join(res.Missing, ", "))
	}
	fmt.Fprintf(w, "source header ok, read %d sample rows (%d malformed, %d values nulled)\n",
		res.Rows, res.Skipped, res.Nulled)
	return nil
}
