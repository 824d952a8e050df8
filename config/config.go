// Package config loads supplier settings from the environment and sets up
// logging.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Version is stamped at build time with -ldflags "-X ...config.Version=...".
var Version = "dev"

// Config holds every setting of a run. CLI flags override loaded values.
type Config struct {
	// Registry
	APIEndpoint string
	APIKey      string
	DeclarerID  string
	SchemaURL   string
	ContextURL  string

	// Keys and credentials
	MemberCredentialsFile string
	PrivateKeyFile        string
	PublicKeyFile         string

	// Services
	JournalURL         string
	TSAURL             string
	CommonsAPIURL      string
	FingerprintCommand string
	RedisURL           string
	EvidenceConfig     string
	MetricsFile        string
	TracesFile         string
	HTTPTimeout        time.Duration

	// Run behaviour
	RateLimit   time.Duration
	Limit       int
	QuitOnError bool

	LogLevel  slog.Level
	LogFormat string
}

// Load reads the environment. Malformed values are errs.KindConfig;
// missing required values are reported by Validate.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads settings through getenv.
func LoadFrom(getenv func(string) string) (*Config, error) {
	env := envReader{getenv: getenv}
	cfg := &Config{
		APIEndpoint:           env.str("API_ENDPOINT", ""),
		APIKey:                env.str("API_KEY", ""),
		DeclarerID:            env.str("DECLARER_ID", ""),
		SchemaURL:             env.str("SCHEMA_URL", ""),
		ContextURL:            env.str("CONTEXT_URL", ""),
		MemberCredentialsFile: env.str("MEMBER_CREDENTIALS_FILE", ""),
		PrivateKeyFile:        env.str("PRIVATE_KEY_FILE", ""),
		PublicKeyFile:         env.str("PUBLIC_KEY_FILE", ""),
		JournalURL:            env.str("DECLARATION_JOURNAL_URL", ""),
		TSAURL:                env.str("TSA_URL", "https://freetsa.org/tsr"),
		CommonsAPIURL:         env.str("COMMONS_API_URL", "https://commons.wikimedia.org/w/api.php"),
		FingerprintCommand:    env.str("FINGERPRINT_COMMAND", ""),
		RedisURL:              env.str("REDIS_URL", ""),
		EvidenceConfig:        env.str("EVIDENCE_CONFIG", ""),
		MetricsFile:           env.str("METRICS_FILE", ""),
		TracesFile:            env.str("TRACES_FILE", ""),
		HTTPTimeout:           env.duration("HTTP_TIMEOUT", 60*time.Second),
		RateLimit:             env.seconds("RATE_LIMIT", 0),
		Limit:                 env.integer("LIMIT", 0),
		QuitOnError:           env.boolean("QUIT_ON_ERROR", false),
		LogLevel:              env.level("LOG_LEVEL", slog.LevelInfo),
		LogFormat:             strings.ToLower(env.str("LOG_FORMAT", "text")),
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		env.fail("LOG_FORMAT", fmt.Errorf("invalid value %q, want json or text", cfg.LogFormat))
	}
	if len(env.problems) > 0 {
		return nil, errs.New(errs.KindConfig, "load config", strings.Join(env.problems, "; "))
	}
	return cfg, nil
}

// Validate reports the settings a run cannot do without. Dry runs need
// neither the registry nor the TSA.
func (c *Config) Validate(dry bool) error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	require("MEMBER_CREDENTIALS_FILE", c.MemberCredentialsFile)
	require("PRIVATE_KEY_FILE", c.PrivateKeyFile)
	require("DECLARATION_JOURNAL_URL", c.JournalURL)
	if !dry {
		require("API_ENDPOINT", c.APIEndpoint)
		require("API_KEY", c.APIKey)
		require("TSA_URL", c.TSAURL)
	}
	if c.Limit < 0 {
		return errs.Newf(errs.KindConfig, "validate config", "LIMIT must not be negative, got %d", c.Limit)
	}
	if c.RateLimit < 0 {
		return errs.Newf(errs.KindConfig, "validate config", "RATE_LIMIT must not be negative, got %s", c.RateLimit)
	}
	if len(missing) > 0 {
		return errs.Newf(errs.KindConfig, "validate config", "required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// UserAgent is the product token sent to every remote service.
func UserAgent() string {
	return "commonsdb-commons-supplier/" + Version
}

// SetupLogger returns a JSON or text logger writing to w at level.
func SetupLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps debug, info, warn/warning and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, want debug, info, warn or error", s)
	}
}

// envReader collects every malformed value instead of stopping at the first.
type envReader struct {
	getenv   func(string) string
	problems []string
}

func (e *envReader) fail(key string, err error) {
	e.problems = append(e.problems, fmt.Sprintf("%s: %v", key, err))
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, fmt.Errorf("invalid integer %q", v))
		return def
	}
	return n
}

func (e *envReader) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, fmt.Errorf("invalid boolean %q", v))
		return def
	}
	return b
}

// seconds accepts a plain number of seconds ("1.5") or a Go duration.
func (e *envReader) seconds(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := ParseSeconds(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, fmt.Errorf("invalid duration %q (use 30s, 1m)", v))
		return def
	}
	return d
}

func (e *envReader) level(key string, def slog.Level) slog.Level {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	l, err := ParseLevel(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return l
}

// ParseSeconds accepts "2", "0.5" or a Go duration such as "1500ms".
func ParseSeconds(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid seconds %q", v)
	}
	return d, nil
}
