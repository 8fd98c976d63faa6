package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// lookupFunc matches os.LookupEnv so tests can pass a map-backed lookup.
type lookupFunc func(key string) (string, bool)

// applyEnv overrides fields from environment variables. Unset and empty variables
// leave the current value alone.
func (c *Config) applyEnv(lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	strs := map[string]*string{
		"CSV_WATCH_FOLDER":    &c.CSVWatchFolder,
		"POST_TIME_START":     &c.PostTimeStart,
		"POST_TIME_END":       &c.PostTimeEnd,
		"TIMEZONE":            &c.Timezone,
		"GEMINI_API_KEY":      &c.GeminiAPIKey,
		"GEMINI_MODEL":        &c.GeminiModel,
		"BUFFER_ACCESS_TOKEN": &c.BufferAccessToken,
		"BUFFER_PROFILE_ID":   &c.BufferProfileID,
		"BUFFER_BASE_URL":     &c.BufferBaseURL,
		"DATABASE_URL":        &c.DatabaseURL,
		"DATABASE_PATH":       &c.DatabasePath,
		"LOG_LEVEL":           &c.LogLevel,
		"LOG_FORMAT":          &c.LogFormat,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"POST_INTERVAL_MINUTES":      &c.PostIntervalMinutes,
		"DAILY_POST_LIMIT":           &c.DailyPostLimit,
		"SCRAPING_INTERVAL_HOURS":    &c.ScrapingIntervalHours,
		"TOP_N":                      &c.TopN,
		"SCHEDULE_TICK_MINUTES":      &c.ScheduleTickMinutes,
		"SCHEDULE_BATCH_SIZE":        &c.ScheduleBatchSize,
		"SCHEDULE_LOOKAHEAD_MINUTES": &c.ScheduleLookaheadMinutes,
		"GENERATION_RPM":             &c.GenerationRPM,
		"PORT":                       &c.Port,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %v", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"ADAPTER_TIMEOUT": &c.AdapterTimeout,
		"WATCH_STABILITY": &c.WatchStability,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s: %v", key, err)
			}
		}
	}

	if v, ok := get("SCRAPING_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SCRAPING_ENABLED: %v", err)
		}
		c.ScrapingEnabled = enabled
	}

	if v, ok := get("SCRAPING_TARGETS"); ok {
		// JSON array of {"source", "keywords", "limit"} objects
		if err := json.Unmarshal([]byte(v), &c.ScrapingTargets); err != nil {
			return fmt.Errorf("invalid SCRAPING_TARGETS: %v", err)
		}
	}

	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, err := parseHour(fl.Field().String())
		return err == nil
	})
	return v
}

// parseHour returns the hour of an HH:MM value. Minutes are validated but not used.
func parseHour(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return t.Hour(), nil
}
