// Command wtfit fits a reservoir model to one well-test data set and prints
// the result.
//
//	wtfit -data drawdown.txt -model radial_semilog
//	wtfit -request fit.yaml -out analysis.wtfit -codec zstd
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/welltest-lab/fitting-core/internal/archive"
	"github.com/welltest-lab/fitting-core/internal/fitting"
	"github.com/welltest-lab/fitting-core/internal/ingest"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
	"github.com/welltest-lab/fitting-core/pkg/config"
	"github.com/welltest-lab/fitting-core/pkg/logger"
	"github.com/welltest-lab/fitting-core/pkg/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "wtfit:", err)
		}
		os.Exit(1)
	}
}

type cliOptions struct {
	requestPath string
	configPath  string
	dataPath    string
	model       string

	timeCol      int
	pressureCol  int
	derivCol     int
	skipRows     int
	pressureMode string
	smoothing    float64

	weight  float64
	maxIter int
	scheme  string

	outPath  string
	codec    string
	format   string
	logLevel string
}

func parseFlags(args []string, stderr io.Writer) (*cliOptions, error) {
	o := &cliOptions{}
	fs := flag.NewFlagSet("wtfit", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.requestPath, "request", "", "fit request file (YAML or JSON)")
	fs.StringVar(&o.configPath, "config", "", "service config whose fit defaults apply")
	fs.StringVar(&o.dataPath, "data", "", "delimited text file with samples (overrides request data)")
	fs.StringVar(&o.model, "model", "", "model type (overrides request model)")

	fs.IntVar(&o.timeCol, "time-col", 0, "zero-based time column")
	fs.IntVar(&o.pressureCol, "pressure-col", 1, "zero-based pressure column, -1 for none")
	fs.IntVar(&o.derivCol, "derivative-col", -1, "zero-based derivative column, -1 to compute it")
	fs.IntVar(&o.skipRows, "skip", 0, "header rows to skip")
	fs.StringVar(&o.pressureMode, "pressure-mode", string(ingest.Differential), "pressure column is raw or differential")
	fs.Float64Var(&o.smoothing, "smoothing", -1, "derivative smoothing window in ln(t) units (default from config)")

	fs.Float64Var(&o.weight, "weight", -1, "derivative weight in [0,1] (default from request or config)")
	fs.IntVar(&o.maxIter, "max-iter", 0, "maximum iterations (default from request or config)")
	fs.StringVar(&o.scheme, "scheme", "", "finite-difference scheme: forward or central")

	fs.StringVar(&o.outPath, "out", "", "write the fitted analysis document to this file")
	fs.StringVar(&o.codec, "codec", "none", "document codec: none, zstd or lz4")
	fs.StringVar(&o.format, "format", "text", "output format: text or json")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level for progress on stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.requestPath == "" && o.dataPath == "" {
		return nil, errors.New("one of -request or -data is required")
	}
	if o.format != "text" && o.format != "json" {
		return nil, fmt.Errorf("unknown -format %q", o.format)
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	log := logger.NewText(o.logLevel, stderr)

	cfg := config.DefaultConfig()
	if o.configPath != "" {
		if cfg, err = config.LoadConfig(o.configPath); err != nil {
			return err
		}
	}

	req, err := buildRequest(o, cfg, log)
	if err != nil {
		return err
	}

	registry := reservoir.NewDefaultRegistry()
	model, err := registry.Get(req.Model)
	if err != nil {
		return err
	}
	params, err := model.Resolve(req.Parameters)
	if err != nil {
		return err
	}
	req.Parameters = params
	if err := req.Validate(); err != nil {
		return err
	}

	opts := fitting.OptionsFromConfig(cfg.Fit).WithRequest(req)
	opts.IncludeCurve = false
	optimizer := fitting.NewOptimizer(opts).
		WithLogger(log).
		WithObserver(func(u models.IterationUpdate) {
			log.Debug("iteration", "iteration", u.Iteration, "sse", u.Error, "lambda", u.Lambda)
		})

	state, err := optimizer.Run(ctx, &req.Data, req.Parameters, model.Function)
	if err != nil {
		return err
	}

	if o.outPath != "" {
		if err := writeDocument(o, req, state); err != nil {
			return err
		}
	}
	if o.format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
	printState(stdout, req, state)
	return nil
}

// buildRequest merges the request file, the data file and the flag overrides.
func buildRequest(o *cliOptions, cfg *config.Config, log *slog.Logger) (*models.FitRequest, error) {
	req := &models.FitRequest{}
	if o.requestPath != "" {
		loaded, err := config.LoadFitRequest(o.requestPath)
		if err != nil {
			return nil, err
		}
		req = loaded
	}
	if o.model != "" {
		req.Model = o.model
	}
	if req.Model == "" {
		req.Model = reservoir.RadialSemilog
	}

	smoothing := cfg.Fit.SmoothingWindow
	if req.SmoothingWindow != nil {
		smoothing = *req.SmoothingWindow
	}
	if o.smoothing >= 0 {
		smoothing = o.smoothing
		req.SmoothingWindow = models.Float(o.smoothing)
	}

	if o.dataPath != "" {
		series, report, err := ingest.ParseFile(o.dataPath, ingest.Options{
			TimeColumn:       o.timeCol,
			PressureColumn:   o.pressureCol,
			DerivativeColumn: o.derivCol,
			SkipRows:         o.skipRows,
			Pressure:         ingest.PressureMode(o.pressureMode),
			SmoothingWindow:  smoothing,
		})
		if err != nil {
			return nil, err
		}
		if report.Dropped() > 0 {
			log.Warn("dropped rows", "rows", report.Rows, "malformed", report.Malformed,
				"non_positive_time", report.NonPositiveTime, "non_increasing_time", report.NonIncreasingTime)
		}
		req.Data = *series
	}

	if o.weight >= 0 {
		req.DerivativeWeight = models.Float(o.weight)
	}
	if o.maxIter > 0 {
		req.MaxIterations = o.maxIter
	}
	if o.scheme != "" {
		req.DifferenceScheme = o.scheme
	}
	return req, nil
}

func writeDocument(o *cliOptions, req *models.FitRequest, state *models.FitState) error {
	codec, err := archive.CodecByName(o.codec)
	if err != nil {
		return err
	}
	a := &archive.Analysis{
		Name:       req.AnalysisName,
		ModelType:  req.Model,
		Parameters: state.Params.Clone(),
		Observed:   req.Data.Clone(),
		Result:     state,
	}
	if req.DerivativeWeight != nil {
		a.DerivativeWeight = *req.DerivativeWeight
	}
	if req.SmoothingWindow != nil {
		a.SmoothingWindow = *req.SmoothingWindow
	}
	doc := archive.NewDocument()
	doc.Add(a)
	data, err := archive.EncodeDocument(doc, codec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.outPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", o.outPath, err)
	}
	return nil
}

func printState(w io.Writer, req *models.FitRequest, state *models.FitState) {
	fmt.Fprintf(w, "model:       %s (%d samples)\n", req.Model, req.Data.Len())
	fmt.Fprintf(w, "status:      %s\n", state.Status)
	if state.Reason != "" {
		fmt.Fprintf(w, "reason:      %s\n", state.Reason)
	}
	fmt.Fprintf(w, "iterations:  %d\n", state.Iteration)
	fmt.Fprintf(w, "sse:         %.6g\n", state.SSE)
	fmt.Fprintf(w, "evaluations: %d\n\n", state.Evaluations)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARAMETER\tVALUE\tFREE")
	for _, p := range state.Params {
		fmt.Fprintf(tw, "%s\t%.6g\t%v\n", p.Name, p.Value, p.Free)
	}
	tw.Flush()
}
