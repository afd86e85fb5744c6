package utils

import (
	"math"
	"testing"
)

func TestClampFloat64(t *testing.T) {
	tests := []struct {
		value, min, max, expected float64
	}{
		{5.5, 0, 10, 5.5},
		{-1.5, 0, 10, 0},
		{15.5, 0, 10, 10},
		{10, 0, 10, 10},
	}

	for _, tt := range tests {
		if got := ClampFloat64(tt.value, tt.min, tt.max); got != tt.expected {
			t.Errorf("ClampFloat64(%v, %v, %v) = %v, expected %v", tt.value, tt.min, tt.max, got, tt.expected)
		}
	}
}

func TestIsFinite(t *testing.T) {
	if !IsFinite(1.0) {
		t.Error("1.0 should be finite")
	}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if IsFinite(v) {
			t.Errorf("%v should not be finite", v)
		}
	}
}

func TestSumSquares(t *testing.T) {
	if got := SumSquares([]float64{3, -4}); got != 25 {
		t.Errorf("SumSquares = %v, expected 25", got)
	}
	if got := SumSquares(nil); got != 0 {
		t.Errorf("SumSquares(nil) = %v, expected 0", got)
	}
}

func TestMean(t *testing.T) {
	if got := Mean([]float64{1, 2, 3, 4}); got != 2.5 {
		t.Errorf("Mean = %v, expected 2.5", got)
	}
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean(nil) = %v, expected 0", got)
	}
}

func TestLogSpace(t *testing.T) {
	pts := LogSpace(-2, 2, 5)
	expected := []float64{0.01, 0.1, 1, 10, 100}
	if len(pts) != len(expected) {
		t.Fatalf("expected %d points, got %d", len(expected), len(pts))
	}
	for i := range expected {
		if math.Abs(pts[i]-expected[i]) > 1e-12*expected[i] {
			t.Errorf("point %d = %v, expected %v", i, pts[i], expected[i])
		}
	}
	if LogSpace(0, 1, 0) != nil {
		t.Error("expected nil for n=0")
	}
}
