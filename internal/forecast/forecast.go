// Package forecast estimates the output size and running duration of an
// execution from the size of its inputs. All forecasts are pure.
package forecast

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// multiplierPrefix marks a forecast expression as relative to the input size.
const multiplierPrefix = "*"

// ResultSizeForecast estimates the size of the produced files.
type ResultSizeForecast interface {
	ExpectedResultSizeInBytes(inputSizeInBytes int64) int64
}

// RunningDurationForecast estimates how long an execution will run.
type RunningDurationForecast interface {
	ExpectedRunningDuration(inputSizeInBytes int64) time.Duration
}

// AbsoluteResultSizeForecast always forecasts the same size.
type AbsoluteResultSizeForecast struct {
	Bytes int64
}

func (f AbsoluteResultSizeForecast) ExpectedResultSizeInBytes(int64) int64 {
	return f.Bytes
}

func (f AbsoluteResultSizeForecast) String() string {
	return humanize.Bytes(uint64(max(f.Bytes, 0)))
}

// MultiplierResultSizeForecast forecasts Factor times the input size.
type MultiplierResultSizeForecast struct {
	Factor float64
}

func (f MultiplierResultSizeForecast) ExpectedResultSizeInBytes(inputSizeInBytes int64) int64 {
	return int64(math.Ceil(f.Factor * float64(inputSizeInBytes)))
}

func (f MultiplierResultSizeForecast) String() string {
	return multiplierPrefix + strconv.FormatFloat(f.Factor, 'g', -1, 64)
}

// AbsoluteRunningDurationForecast always forecasts the same duration.
type AbsoluteRunningDurationForecast struct {
	Duration time.Duration
}

func (f AbsoluteRunningDurationForecast) ExpectedRunningDuration(int64) time.Duration {
	return f.Duration
}

func (f AbsoluteRunningDurationForecast) String() string {
	return f.Duration.String()
}

// MultiplierRunningDurationForecast forecasts MillisPerByte milliseconds for
// every input byte.
type MultiplierRunningDurationForecast struct {
	MillisPerByte float64
}

func (f MultiplierRunningDurationForecast) ExpectedRunningDuration(inputSizeInBytes int64) time.Duration {
	return time.Duration(f.MillisPerByte * float64(inputSizeInBytes) * float64(time.Millisecond))
}

func (f MultiplierRunningDurationForecast) String() string {
	return multiplierPrefix + strconv.FormatFloat(f.MillisPerByte, 'g', -1, 64)
}

// ParseResultSize parses "*2.5" as a multiplier and "10MB" (or a plain byte
// count) as an absolute size.
func ParseResultSize(expr string) (ResultSizeForecast, error) {
	expr = strings.TrimSpace(expr)
	if factor, ok, err := parseMultiplier(expr); ok {
		if err != nil {
			return nil, err
		}
		return MultiplierResultSizeForecast{Factor: factor}, nil
	}
	n, err := humanize.ParseBytes(expr)
	if err != nil {
		return nil, fmt.Errorf("parse result size forecast %q: %w", expr, err)
	}
	if n > math.MaxInt64 {
		return nil, fmt.Errorf("parse result size forecast %q: too large", expr)
	}
	return AbsoluteResultSizeForecast{Bytes: int64(n)}, nil
}

// ParseRunningDuration parses "*2" as milliseconds per input byte and "5m"
// as an absolute duration.
func ParseRunningDuration(expr string) (RunningDurationForecast, error) {
	expr = strings.TrimSpace(expr)
	if factor, ok, err := parseMultiplier(expr); ok {
		if err != nil {
			return nil, err
		}
		return MultiplierRunningDurationForecast{MillisPerByte: factor}, nil
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return nil, fmt.Errorf("parse running duration forecast %q: %w", expr, err)
	}
	if d < 0 {
		return nil, fmt.Errorf("parse running duration forecast %q: negative duration", expr)
	}
	return AbsoluteRunningDurationForecast{Duration: d}, nil
}

func parseMultiplier(expr string) (float64, bool, error) {
	rest, ok := strings.CutPrefix(expr, multiplierPrefix)
	if !ok {
		return 0, false, nil
	}
	factor, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return 0, true, fmt.Errorf("parse multiplier %q: %w", expr, err)
	}
	if factor < 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return 0, true, fmt.Errorf("parse multiplier %q: must be a finite positive number", expr)
	}
	return factor, true, nil
}
