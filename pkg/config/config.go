// Package config loads and validates the daemon's settings: a strict YAML
// file overlaid with a ".env" file and WATCHD_*-prefixed process environment
// variables, with programmer errors (bad interval, unknown scheduler kind,
// unknown parser format) failing fast at load time rather than at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/inocore/inocore/pkg/encoding"
	"github.com/inocore/inocore/pkg/environment"
	"github.com/inocore/inocore/pkg/logging"
	"github.com/inocore/inocore/pkg/watcherrors"
)

// envPrefix is the prefix recognized for process-environment overrides,
// e.g. WATCHD_LOG_LEVEL, WATCHD_HOLD.
const envPrefix = "WATCHD_"

// Duration wraps time.Duration with a YAML scalar decoder accepting either a
// Go duration string ("500ms") or a bare integer of nanoseconds, since
// yaml.v3 has no built-in notion of time.Duration.
type Duration time.Duration

// String renders d the way time.Duration does ("500ms", "1h2m3s").
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var nanos int64
	if err := value.Decode(&nanos); err == nil {
		*d = Duration(nanos)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string or an integer number of nanoseconds")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// RouteSpec is the on-disk shape of one route tuple, matching the external
// surface's `tag/pattern/events/format/scheduler` description verbatim
// before compilation into *route.Route.
type RouteSpec struct {
	Tag       string `yaml:"tag"`
	Pattern   string `yaml:"pattern"`
	Events    string `yaml:"events"`
	Format    string `yaml:"format"`
	Scheduler string `yaml:"scheduler"`
}

// TrackerPatternSpec is the on-disk shape of one tracker pattern.
type TrackerPatternSpec struct {
	Pattern string `yaml:"pattern"`
	Format  string `yaml:"format"`
}

// Settings is the immutable, validated daemon configuration. Construct it
// only via Load.
type Settings struct {
	Paths []string `yaml:"paths"`

	Hold     Duration `yaml:"hold"`
	LogLevel string   `yaml:"log_level"`

	Routes []RouteSpec `yaml:"routes"`

	TrackerPatterns []TrackerPatternSpec `yaml:"tracker_patterns"`
	TrackerMaxDepth int                  `yaml:"tracker_max_depth"`

	ObserverMinInterval Duration `yaml:"observer_min_interval"`
	ObserverMaxInterval Duration `yaml:"observer_max_interval"`
	ObserverThreshold   float64  `yaml:"observer_threshold"`

	EventLogPath    string `yaml:"event_log_path"`
	EventLogAuxPath string `yaml:"event_log_aux_path"`
}

// defaults returns the zero-value Settings with every field that is allowed
// to be absent from the YAML file populated with its operational default.
func defaults() Settings {
	return Settings{
		Hold:                Duration(500 * time.Millisecond),
		LogLevel:            "info",
		TrackerMaxDepth:     -1,
		ObserverMinInterval: Duration(time.Second),
		ObserverMaxInterval: Duration(30 * time.Second),
		ObserverThreshold:   0.1,
	}
}

// Load reads settings from the strict YAML file at path, then overlays a
// ".env" file (if present at envPath) and WATCHD_*-prefixed process
// environment variables, then validates the result.
func Load(path, envPath string) (Settings, error) {
	settings := defaults()
	if err := encoding.LoadAndUnmarshalYAML(path, &settings); err != nil {
		return Settings{}, fmt.Errorf("load %s: %w", path, err)
	}

	overlay, err := loadEnvOverlay(envPath)
	if err != nil {
		return Settings{}, err
	}
	applyOverlay(&settings, overlay)

	if err := settings.validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// loadEnvOverlay merges the process environment with an optional ".env"
// file (the file's entries losing to the process environment on conflict),
// then narrows the result to WATCHD_-prefixed keys with the prefix
// stripped.
func loadEnvOverlay(envPath string) (map[string]string, error) {
	merged := make(map[string]string)

	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			fileVars, err := godotenv.Read(envPath)
			if err != nil {
				return nil, fmt.Errorf("%w: read env file %s: %v", watcherrors.ErrProgrammer, envPath, err)
			}
			for k, v := range fileVars {
				merged[k] = v
			}
		}
	}

	for k, v := range environment.ToMap(os.Environ()) {
		merged[k] = v
	}

	overlay := make(map[string]string)
	for k, v := range merged {
		if strings.HasPrefix(k, envPrefix) {
			overlay[strings.TrimPrefix(k, envPrefix)] = v
		}
	}
	return overlay, nil
}

func applyOverlay(s *Settings, overlay map[string]string) {
	if v, ok := overlay["LOG_LEVEL"]; ok {
		s.LogLevel = v
	}
	if v, ok := overlay["HOLD"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			s.Hold = Duration(d)
		}
	}
	if v, ok := overlay["TRACKER_MAX_DEPTH"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.TrackerMaxDepth = n
		}
	}
	if v, ok := overlay["OBSERVER_MIN_INTERVAL"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			s.ObserverMinInterval = Duration(d)
		}
	}
	if v, ok := overlay["OBSERVER_MAX_INTERVAL"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			s.ObserverMaxInterval = Duration(d)
		}
	}
	if v, ok := overlay["OBSERVER_THRESHOLD"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.ObserverThreshold = f
		}
	}
	if v, ok := overlay["EVENT_LOG_PATH"]; ok {
		s.EventLogPath = v
	}
}

// validate fails fast on every programmer error the external interface
// names: an unknown log level, a non-positive hold/interval, an inverted
// observer interval range, or an unrecognized route scheduler kind or
// tracker parser format.
func (s Settings) validate() error {
	if _, ok := logging.NameToLevel(s.LogLevel); !ok {
		return fmt.Errorf("%w: unknown log level %q", watcherrors.ErrProgrammer, s.LogLevel)
	}
	if s.Hold <= 0 {
		return fmt.Errorf("%w: hold must be positive, got %s", watcherrors.ErrProgrammer, s.Hold)
	}
	if s.ObserverMinInterval <= 0 || s.ObserverMaxInterval <= 0 {
		return fmt.Errorf("%w: observer intervals must be positive", watcherrors.ErrProgrammer)
	}
	if s.ObserverMaxInterval < s.ObserverMinInterval {
		return fmt.Errorf("%w: observer max interval %s below min interval %s", watcherrors.ErrProgrammer, s.ObserverMaxInterval, s.ObserverMinInterval)
	}

	for _, r := range s.Routes {
		kind := r.Scheduler
		if idx := strings.IndexByte(kind, ' '); idx >= 0 {
			kind = kind[:idx]
		}
		if kind != "direct" && kind != "hist" {
			return fmt.Errorf("%w: unknown scheduler kind %q for route %q", watcherrors.ErrProgrammer, r.Scheduler, r.Tag)
		}
	}

	for _, p := range s.TrackerPatterns {
		switch p.Format {
		case "ini", "json", "generic":
		default:
			return fmt.Errorf("%w: unknown tracker parser format %q", watcherrors.ErrProgrammer, p.Format)
		}
	}

	return nil
}
