package exportrisk

import (
	"fmt"
	"time"
)

// Thresholds configures every evaluator and the response ladder.
type Thresholds struct {
	MaxExportsPerHour         int
	MaxExportsPerDay          int
	MaxExportsPerWeek         int
	MaxRecordsPerHour         int
	MaxRecordsPerDay          int
	RapidExportThreshold      int
	RapidExportWindow         time.Duration
	DifferentFormatsThreshold int

	WarningThreshold float64
	BlockThreshold   float64
	LockThreshold    float64
	LockDuration     time.Duration

	// Lookback bounds the history fetched per evaluation.
	Lookback time.Duration

	// Exports with a local hour strictly before OffHoursStart or strictly
	// after OffHoursEnd count as off-hours.
	OffHoursStart int
	OffHoursEnd   int
	Location      *time.Location
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxExportsPerHour:         3,
		MaxExportsPerDay:          5,
		MaxExportsPerWeek:         10,
		MaxRecordsPerHour:         100,
		MaxRecordsPerDay:          250,
		RapidExportThreshold:      2,
		RapidExportWindow:         time.Minute,
		DifferentFormatsThreshold: 2,
		WarningThreshold:          0.7,
		BlockThreshold:            0.8,
		LockThreshold:             1.0,
		LockDuration:              24 * time.Hour,
		Lookback:                  7 * 24 * time.Hour,
		OffHoursStart:             6,
		OffHoursEnd:               22,
		Location:                  time.Local,
	}
}

// Validate checks that every cap is positive and the ladder is ordered.
func (t Thresholds) Validate() error {
	caps := []struct {
		name  string
		value int
	}{
		{"maxExportsPerHour", t.MaxExportsPerHour},
		{"maxExportsPerDay", t.MaxExportsPerDay},
		{"maxExportsPerWeek", t.MaxExportsPerWeek},
		{"maxRecordsPerHour", t.MaxRecordsPerHour},
		{"maxRecordsPerDay", t.MaxRecordsPerDay},
		{"rapidExportThreshold", t.RapidExportThreshold},
		{"differentFormatsThreshold", t.DifferentFormatsThreshold},
	}
	for _, c := range caps {
		if c.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidThresholds, c.name, c.value)
		}
	}
	if t.RapidExportWindow <= 0 || t.LockDuration <= 0 || t.Lookback <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidThresholds)
	}
	if t.Lookback < 24*time.Hour {
		return fmt.Errorf("%w: lookback must cover at least one day, got %s", ErrInvalidThresholds, t.Lookback)
	}
	if t.WarningThreshold <= 0 || t.WarningThreshold > t.BlockThreshold || t.BlockThreshold > t.LockThreshold || t.LockThreshold > 1 {
		return fmt.Errorf("%w: need 0 < warning (%.2f) <= block (%.2f) <= lock (%.2f) <= 1",
			ErrInvalidThresholds, t.WarningThreshold, t.BlockThreshold, t.LockThreshold)
	}
	if t.OffHoursStart < 0 || t.OffHoursStart > 23 || t.OffHoursEnd < 0 || t.OffHoursEnd > 23 {
		return fmt.Errorf("%w: off-hours bounds must be within 0-23", ErrInvalidThresholds)
	}
	return nil
}

func (t Thresholds) location() *time.Location {
	if t.Location == nil {
		return time.Local
	}
	return t.Location
}
