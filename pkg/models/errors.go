package models

import "errors"

// MinSamples is the smallest series a derivative or fit can work with.
const MinSamples = 3

var (
	ErrInsufficientData  = errors.New("insufficient data: at least 3 valid samples are required")
	ErrInvalidSeries     = errors.New("invalid sample series")
	ErrInvalidParameters = errors.New("invalid parameter set")
	ErrInvalidRequest    = errors.New("invalid fit request")
)
