package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/mbd888/exportguard/internal/exportrisk"
)

// PolicyEnvPrefix prefixes environment overrides for policy keys, e.g.
// EXPORTGUARD_POLICY_MAX_EXPORTS_PER_HOUR=5.
const PolicyEnvPrefix = "EXPORTGUARD_POLICY_"

// Policy is the operator-facing form of the export risk thresholds.
type Policy struct {
	MaxExportsPerHour         int           `koanf:"max_exports_per_hour"`
	MaxExportsPerDay          int           `koanf:"max_exports_per_day"`
	MaxExportsPerWeek         int           `koanf:"max_exports_per_week"`
	MaxRecordsPerHour         int           `koanf:"max_records_per_hour"`
	MaxRecordsPerDay          int           `koanf:"max_records_per_day"`
	RapidExportThreshold      int           `koanf:"rapid_export_threshold"`
	RapidExportWindow         time.Duration `koanf:"rapid_export_window"`
	DifferentFormatsThreshold int           `koanf:"different_formats_threshold"`
	WarningThreshold          float64       `koanf:"warning_threshold"`
	BlockThreshold            float64       `koanf:"block_threshold"`
	LockThreshold             float64       `koanf:"lock_threshold"`
	LockDuration              time.Duration `koanf:"lock_duration"`
	Lookback                  time.Duration `koanf:"lookback"`
	OffHoursStart             int           `koanf:"off_hours_start"`
	OffHoursEnd               int           `koanf:"off_hours_end"`
	Timezone                  string        `koanf:"timezone"`
}

// DefaultPolicy mirrors exportrisk.DefaultThresholds in the server's local zone.
func DefaultPolicy() Policy {
	t := exportrisk.DefaultThresholds()
	return Policy{
		MaxExportsPerHour:         t.MaxExportsPerHour,
		MaxExportsPerDay:          t.MaxExportsPerDay,
		MaxExportsPerWeek:         t.MaxExportsPerWeek,
		MaxRecordsPerHour:         t.MaxRecordsPerHour,
		MaxRecordsPerDay:          t.MaxRecordsPerDay,
		RapidExportThreshold:      t.RapidExportThreshold,
		RapidExportWindow:         t.RapidExportWindow,
		DifferentFormatsThreshold: t.DifferentFormatsThreshold,
		WarningThreshold:          t.WarningThreshold,
		BlockThreshold:            t.BlockThreshold,
		LockThreshold:             t.LockThreshold,
		LockDuration:              t.LockDuration,
		Lookback:                  t.Lookback,
		OffHoursStart:             t.OffHoursStart,
		OffHoursEnd:               t.OffHoursEnd,
	}
}

// Thresholds converts the policy into validated engine thresholds.
func (p Policy) Thresholds() (exportrisk.Thresholds, error) {
	loc := time.Local
	if p.Timezone != "" {
		l, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return exportrisk.Thresholds{}, fmt.Errorf("invalid policy timezone %q: %w", p.Timezone, err)
		}
		loc = l
	}

	t := exportrisk.Thresholds{
		MaxExportsPerHour:         p.MaxExportsPerHour,
		MaxExportsPerDay:          p.MaxExportsPerDay,
		MaxExportsPerWeek:         p.MaxExportsPerWeek,
		MaxRecordsPerHour:         p.MaxRecordsPerHour,
		MaxRecordsPerDay:          p.MaxRecordsPerDay,
		RapidExportThreshold:      p.RapidExportThreshold,
		RapidExportWindow:         p.RapidExportWindow,
		DifferentFormatsThreshold: p.DifferentFormatsThreshold,
		WarningThreshold:          p.WarningThreshold,
		BlockThreshold:            p.BlockThreshold,
		LockThreshold:             p.LockThreshold,
		LockDuration:              p.LockDuration,
		Lookback:                  p.Lookback,
		OffHoursStart:             p.OffHoursStart,
		OffHoursEnd:               p.OffHoursEnd,
		Location:                  loc,
	}
	if err := t.Validate(); err != nil {
		return exportrisk.Thresholds{}, err
	}
	return t, nil
}

// LoadPolicy layers built-in defaults, the optional YAML file at path, and
// EXPORTGUARD_POLICY_* environment overrides, in that order.
func LoadPolicy(path string) (Policy, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultPolicy(), "koanf"), nil); err != nil {
		return Policy{}, fmt.Errorf("loading policy defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Policy{}, fmt.Errorf("loading policy file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(PolicyEnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, PolicyEnvPrefix))
	}), nil); err != nil {
		return Policy{}, fmt.Errorf("loading policy environment: %w", err)
	}

	var p Policy
	if err := k.Unmarshal("", &p); err != nil {
		return Policy{}, fmt.Errorf("unmarshaling policy: %w", err)
	}
	return p, nil
}

// WatchPolicy reloads the policy file whenever it changes and hands the new
// thresholds to apply. Invalid edits are logged and skipped, leaving the
// previous thresholds in force. It returns once watching has started; the
// watch stops when ctx is done.
func WatchPolicy(ctx context.Context, path string, logger *slog.Logger, apply func(exportrisk.Thresholds) error) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("policy file: %w", err)
	}

	f := file.Provider(path)
	err := f.Watch(func(_ interface{}, err error) {
		if err != nil {
			logger.Error("policy watch failed", "path", path, "error", err)
			return
		}

		p, err := LoadPolicy(path)
		if err != nil {
			logger.Error("policy reload failed", "path", path, "error", err)
			return
		}
		t, err := p.Thresholds()
		if err != nil {
			logger.Error("reloaded policy rejected", "path", path, "error", err)
			return
		}
		if err := apply(t); err != nil {
			logger.Error("reloaded policy not applied", "path", path, "error", err)
			return
		}
		logger.Info("export policy reloaded", "path", path)
	})
	if err != nil {
		return fmt.Errorf("watch policy file: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = f.Unwatch()
	}()
	return nil
}
