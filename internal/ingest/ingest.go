// Package ingest reads well-test samples from delimited text into a cleaned
// Series.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/welltest-lab/fitting-core/internal/derivative"
	"github.com/welltest-lab/fitting-core/pkg/models"
)

// PressureMode says how the pressure column is interpreted.
type PressureMode string

const (
	// Raw pressures are converted to |p - p_initial| where p_initial is the
	// first data row.
	Raw PressureMode = "raw"
	// Differential pressures are used as read.
	Differential PressureMode = "differential"
)

var fieldSep = regexp.MustCompile(`[,;\s]+`)

// Options maps file columns (zero-based) onto the series channels.
type Options struct {
	TimeColumn int
	// PressureColumn < 0 leaves pressure at zero.
	PressureColumn int
	// DerivativeColumn < 0 computes the derivative with Bourdet.
	DerivativeColumn int
	SkipRows         int
	Pressure         PressureMode
	SmoothingWindow  float64
}

// DefaultOptions reads time and differential pressure from the first two
// columns and computes the derivative.
func DefaultOptions() Options {
	return Options{
		TimeColumn:       0,
		PressureColumn:   1,
		DerivativeColumn: -1,
		Pressure:         Differential,
		SmoothingWindow:  derivative.DefaultSmoothing,
	}
}

// Report summarises what Parse kept and dropped.
type Report struct {
	Rows               int  `json:"rows"`
	Kept               int  `json:"kept"`
	Malformed          int  `json:"malformed"`
	NonPositiveTime    int  `json:"non_positive_time"`
	NonIncreasingTime  int  `json:"non_increasing_time"`
	DerivativeComputed bool `json:"derivative_computed"`
}

// Dropped returns the number of rows not kept.
func (r *Report) Dropped() int {
	return r.Rows - r.Kept
}

// ParseFile opens path and calls Parse.
func ParseFile(path string, opts Options) (*models.Series, *Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, opts)
}

// Parse reads rows separated by commas, semicolons or whitespace. Rows that do
// not parse, have non-positive time, or do not advance time are dropped. The
// result always satisfies Series.Validate unless fewer than three rows survive.
func Parse(r io.Reader, opts Options) (*models.Series, *Report, error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}

	series := &models.Series{}
	report := &Report{}
	var derivs []float64
	initial, haveInitial := 0.0, false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line <= opts.SkipRows {
			continue
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		report.Rows++
		fields := fieldSep.Split(text, -1)

		t, ok := column(fields, opts.TimeColumn)
		if !ok {
			report.Malformed++
			continue
		}

		p := 0.0
		if opts.PressureColumn >= 0 {
			v, ok := column(fields, opts.PressureColumn)
			if !ok {
				report.Malformed++
				continue
			}
			if opts.Pressure == Raw {
				if !haveInitial {
					initial, haveInitial = v, true
				}
				v = math.Abs(v - initial)
			}
			p = v
		}

		d := 0.0
		if opts.DerivativeColumn >= 0 {
			v, ok := column(fields, opts.DerivativeColumn)
			if !ok {
				report.Malformed++
				continue
			}
			d = v
		}

		if t <= 0 {
			report.NonPositiveTime++
			continue
		}
		if n := len(series.Time); n > 0 && t <= series.Time[n-1] {
			report.NonIncreasingTime++
			continue
		}

		series.Time = append(series.Time, t)
		series.Pressure = append(series.Pressure, p)
		derivs = append(derivs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, report, fmt.Errorf("failed to read samples: %w", err)
	}

	report.Kept = series.Len()
	if opts.DerivativeColumn >= 0 {
		series.Derivative = derivs
	} else {
		series.Derivative = derivative.New(opts.SmoothingWindow).Estimate(series.Time, series.Pressure)
		report.DerivativeComputed = true
	}

	if series.Len() < models.MinSamples {
		return series, report, fmt.Errorf("%w: %d usable rows", models.ErrInsufficientData, series.Len())
	}
	return series, report, nil
}

func column(fields []string, idx int) (float64, bool) {
	if idx < 0 || idx >= len(fields) {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[idx], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (o Options) validate() error {
	if o.TimeColumn < 0 {
		return fmt.Errorf("time column must be non-negative, got %d", o.TimeColumn)
	}
	if o.SkipRows < 0 {
		return fmt.Errorf("skip rows cannot be negative")
	}
	if o.Pressure != Raw && o.Pressure != Differential {
		return fmt.Errorf("pressure mode must be %q or %q, got %q", Raw, Differential, o.Pressure)
	}
	if o.PressureColumn >= 0 && o.PressureColumn == o.TimeColumn {
		return fmt.Errorf("time and pressure cannot share column %d", o.TimeColumn)
	}
	return nil
}
