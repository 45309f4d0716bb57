package exportrisk

import (
	"strings"
	"time"
)

// Kind enumerates the closed set of risk evaluators.
type Kind int

const (
	KindFrequency Kind = iota + 1
	KindVolume
	KindBurst
	KindFormatVariation
	KindOffHours
	KindOriginNovelty
)

var kindNames = map[Kind]string{
	KindFrequency:       "frequency",
	KindVolume:          "volume",
	KindBurst:           "burst",
	KindFormatVariation: "format_variation",
	KindOffHours:        "off_hours",
	KindOriginNovelty:   "origin_novelty",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// History is the per-user context every evaluator reads. It is fetched once
// per evaluation and must not be mutated by evaluators.
type History struct {
	Events   []ExportEvent
	KnownIPs map[string]struct{}
}

// Result is the output of one evaluator.
type Result struct {
	Kind       Kind
	Score      float64
	Suspicious bool
	Pattern    string
}

// Evaluator scores one risk signal. Implementations are pure: the same
// history and candidate always produce the same Result. The candidate's
// Timestamp is the reference "now".
type Evaluator interface {
	Kind() Kind
	Evaluate(h History, candidate ExportEvent) Result
}

// DefaultEvaluators returns the six evaluators in their canonical order.
// Pattern order in a Decision follows this order.
func DefaultEvaluators(t Thresholds) []Evaluator {
	return []Evaluator{
		Frequency{MaxPerHour: t.MaxExportsPerHour, MaxPerDay: t.MaxExportsPerDay},
		Volume{MaxRecordsPerHour: t.MaxRecordsPerHour, MaxRecordsPerDay: t.MaxRecordsPerDay},
		Burst{Threshold: t.RapidExportThreshold, Window: t.RapidExportWindow},
		FormatVariation{Threshold: t.DifferentFormatsThreshold},
		OffHours{Start: t.OffHoursStart, End: t.OffHoursEnd, Location: t.location()},
		OriginNovelty{},
	}
}

// Frequency flags users exporting too often.
type Frequency struct {
	MaxPerHour int
	MaxPerDay  int
}

func (Frequency) Kind() Kind { return KindFrequency }

func (f Frequency) Evaluate(h History, c ExportEvent) Result {
	hourly := countSince(h.Events, c.Timestamp.Add(-time.Hour)) + 1
	daily := countSince(h.Events, c.Timestamp.Add(-24*time.Hour)) + 1

	switch {
	case hourly >= f.MaxPerHour:
		return flagged(KindFrequency, 1.0, PatternExcessivePerHour)
	case daily >= f.MaxPerDay:
		return flagged(KindFrequency, 0.8, PatternExcessivePerDay)
	}
	return Result{Kind: KindFrequency, Score: max(ratio(hourly, f.MaxPerHour), ratio(daily, f.MaxPerDay)) * 0.5}
}

// Volume flags users pulling too many records.
type Volume struct {
	MaxRecordsPerHour int
	MaxRecordsPerDay  int
}

func (Volume) Kind() Kind { return KindVolume }

func (v Volume) Evaluate(h History, c ExportEvent) Result {
	current := max(c.RecordCount, 0)
	hourly := recordsSince(h.Events, c.Timestamp.Add(-time.Hour)) + current
	daily := recordsSince(h.Events, c.Timestamp.Add(-24*time.Hour)) + current

	switch {
	case hourly >= v.MaxRecordsPerHour:
		return flagged(KindVolume, 1.0, PatternExcessiveRecordsPerHour)
	case daily >= v.MaxRecordsPerDay:
		return flagged(KindVolume, 0.8, PatternExcessiveRecordsPerDay)
	}
	return Result{Kind: KindVolume, Score: max(ratio(hourly, v.MaxRecordsPerHour), ratio(daily, v.MaxRecordsPerDay)) * 0.6}
}

// Burst flags several exports within a short window.
type Burst struct {
	Threshold int
	Window    time.Duration
}

func (Burst) Kind() Kind { return KindBurst }

func (b Burst) Evaluate(h History, c ExportEvent) Result {
	count := countSince(h.Events, c.Timestamp.Add(-b.Window)) + 1
	if count >= b.Threshold {
		return flagged(KindBurst, 0.9, PatternRapidSequential)
	}
	return Result{Kind: KindBurst, Score: ratio(count, b.Threshold) * 0.3}
}

// FormatVariation flags many distinct output formats within an hour.
type FormatVariation struct {
	Threshold int
}

func (FormatVariation) Kind() Kind { return KindFormatVariation }

func (f FormatVariation) Evaluate(h History, c ExportEvent) Result {
	since := c.Timestamp.Add(-time.Hour)
	formats := make(map[string]struct{})
	for _, e := range h.Events {
		if !e.Timestamp.Before(since) {
			if name := NormalizeFormat(e.Format); name != "" {
				formats[name] = struct{}{}
			}
		}
	}
	if name := NormalizeFormat(c.Format); name != "" {
		formats[name] = struct{}{}
	}

	if len(formats) >= f.Threshold {
		return flagged(KindFormatVariation, 0.7, PatternMultipleFormats)
	}
	return Result{Kind: KindFormatVariation, Score: min(ratio(len(formats), f.Threshold)*0.2, 0.2)}
}

// OffHours flags exports outside the working window, but only for users with
// some history, so a brand-new user exporting at night is not penalised.
type OffHours struct {
	Start    int
	End      int
	Location *time.Location
}

func (OffHours) Kind() Kind { return KindOffHours }

func (o OffHours) Evaluate(h History, c ExportEvent) Result {
	loc := o.Location
	if loc == nil {
		loc = time.Local
	}
	hour := c.Timestamp.In(loc).Hour()
	if (hour < o.Start || hour > o.End) && len(h.Events) > 2 {
		return flagged(KindOffHours, 0.4, PatternUnusualHour)
	}
	return Result{Kind: KindOffHours}
}

// OriginNovelty flags an export from an IP never seen for the user.
// A user with no known IPs is not flagged.
type OriginNovelty struct{}

func (OriginNovelty) Kind() Kind { return KindOriginNovelty }

func (OriginNovelty) Evaluate(h History, c ExportEvent) Result {
	if c.IPAddress == "" || len(h.KnownIPs) == 0 {
		return Result{Kind: KindOriginNovelty}
	}
	if _, ok := h.KnownIPs[c.IPAddress]; ok {
		return Result{Kind: KindOriginNovelty}
	}
	return flagged(KindOriginNovelty, 0.5, PatternNewIPLocation)
}

// NormalizeFormat lowercases and trims an export format name.
func NormalizeFormat(format string) string {
	return strings.ToLower(strings.TrimSpace(format))
}

func flagged(kind Kind, score float64, pattern string) Result {
	return Result{Kind: kind, Score: score, Suspicious: true, Pattern: pattern}
}

func ratio(n, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(n) / float64(limit)
}

func countSince(events []ExportEvent, since time.Time) int {
	n := 0
	for _, e := range events {
		if !e.Timestamp.Before(since) {
			n++
		}
	}
	return n
}

func recordsSince(events []ExportEvent, since time.Time) int {
	n := 0
	for _, e := range events {
		if !e.Timestamp.Before(since) {
			n += max(e.RecordCount, 0)
		}
	}
	return n
}
