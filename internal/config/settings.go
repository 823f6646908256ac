package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/cruciblehq/smapd/internal/logging"
)

// Prefix of environment variables overriding settings. SMAPD_IDLE_TIMEOUT
// sets idle-timeout.
const EnvPrefix = "SMAPD_"

// Worker modes.
const (
	WorkerExec      = "exec"      // Re-executed child process per connection.
	WorkerGoroutine = "goroutine" // Goroutine per connection.
)

// Scalar daemon settings.
type Settings struct {
	InetdMode       bool     `koanf:"inetd-mode"`
	Pidfile         string   `koanf:"pidfile"`
	Foreground      bool     `koanf:"foreground"`
	IdleTimeout     int      `koanf:"idle-timeout" validate:"gte=0"` // Seconds.
	LogToStderr     bool     `koanf:"log-to-stderr,omitempty"`
	LogToSyslog     bool     `koanf:"log-to-syslog,omitempty"`
	LogTag          string   `koanf:"log-tag"`
	LogFacility     string   `koanf:"log-facility" validate:"facility"`
	LogFormat       string   `koanf:"log-format" validate:"oneof=auto text json"`
	Trace           bool     `koanf:"trace"`
	TracePatterns   []string `koanf:"trace-pattern"`
	SocketMode      int      `koanf:"socket-mode" validate:"gte=0,lte=511"`
	ShutdownTimeout int      `koanf:"shutdown-timeout" validate:"gte=0"` // Seconds.
	Backlog         int      `koanf:"backlog" validate:"gte=0"`
	ReuseAddr       bool     `koanf:"reuseaddr"`
	MaxChildren     int      `koanf:"max-children" validate:"gte=0"`
	SingleProcess   bool     `koanf:"single-process"`
	WorkerMode      string   `koanf:"worker-mode" validate:"oneof=exec goroutine"`
	MetricsListen   string   `koanf:"metrics-listen" validate:"omitempty,hostname_port"`
	WatchConfig     bool     `koanf:"watch-config"`

	// Whether a log destination was chosen explicitly. When not, the daemon
	// logs to stderr in the foreground and to syslog otherwise.
	LogExplicit bool `koanf:"-"`
}

// Returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		IdleTimeout:     600,
		LogFacility:     logging.DefaultFacility,
		LogFormat:       logging.FormatAuto,
		SocketMode:      0o600,
		ShutdownTimeout: 5,
		MaxChildren:     128,
		WorkerMode:      WorkerExec,
	}
}

// Returns the idle timeout as a duration.
func (s *Settings) Idle() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// Returns the shutdown timeout as a duration.
func (s *Settings) Shutdown() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// Creates a koanf instance holding the defaults.
func newKoanf() *koanf.Koanf {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultSettings(), "koanf"), nil); err != nil {
		panic(fmt.Sprintf("loading default settings: %v", err))
	}
	return k
}

// Maps SMAPD_IDLE_TIMEOUT to idle-timeout.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", "-")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("facility", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseFacility(fl.Field().String())
		return err == nil
	})
	return v
}

// Resolves the settings: defaults, then the configuration file, then
// SMAPD_* environment variables when useEnv is set, then overrides.
//
// Overrides are keyed by setting name, as in the configuration file.
func (c *Config) Resolve(useEnv bool, overrides map[string]any) (*Settings, error) {
	k := c.k.Copy()
	if useEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("loading environment: %w", err)
		}
	}
	for name, v := range overrides {
		if err := k.Set(name, v); err != nil {
			return nil, fmt.Errorf("setting %s: %w", name, err)
		}
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.LogExplicit = k.Exists("log-to-stderr") || k.Exists("log-to-syslog")
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s: failed %q check", ErrInvalid, verrs[0].Field(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s, nil
}
