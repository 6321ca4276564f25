package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid config")

// ErrNeverExpiryUnsupported is returned for an expiry of "never".
var ErrNeverExpiryUnsupported = errors.New(`expiry "never" is not supported`)

// Services the bridge can subscribe to.
var supportedServices = map[string]bool{
	"AUS": true,
}

// Subscription is one configured subscription request.
type Subscription struct {
	Service string    `yaml:"service" validate:"required"`
	Expires time.Time `yaml:"-"`
	// RawExpires is the textual expiry as configured, see ParseExpiry.
	RawExpires string `yaml:"expires"`
}

type NATS struct {
	URL            string        `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222" validate:"required,url"`
	User           string        `envconfig:"NATS_USER"`
	Password       string        `envconfig:"NATS_PASSWORD"`
	ClientName     string        `envconfig:"NATS_CLIENT_NAME" default:"vdv-nats-bridge"`
	ConnectTimeout time.Duration `envconfig:"NATS_CONNECT_TIMEOUT" default:"5s" validate:"gt=0"`
	MaxReconnects  int           `envconfig:"NATS_MAX_RECONNECTS" default:"-1" validate:"gte=-1"`
	ReconnectWait  time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s" validate:"gt=0"`
}

// Options tune the collaborators of the bridge.
type Options struct {
	RequestTimeout            time.Duration `envconfig:"VDV_453_REQUEST_TIMEOUT" default:"10s" validate:"gt=0"`
	SubscribeMaxElapsed       time.Duration `envconfig:"VDV_453_SUBSCRIBE_MAX_ELAPSED" default:"30s" validate:"gt=0"`
	CheckServerStatusInterval time.Duration `envconfig:"CHECK_SERVER_STATUS_INTERVAL" default:"5s" validate:"gt=0"`
	AusManualFetchInterval    time.Duration `envconfig:"AUS_MANUAL_FETCH_INTERVAL" default:"30s" validate:"gte=0"`
	NATS                      NATS
}

type Config struct {
	Leitstelle      string `envconfig:"VDV_453_LEITSTELLE" validate:"required"`
	TheirLeitstelle string `envconfig:"VDV_453_THEIR_LEITSTELLE" validate:"required"`
	Endpoint        string `envconfig:"VDV_453_ENDPOINT" validate:"required,url"`
	Port            int    `envconfig:"PORT" default:"3000" validate:"gt=0,lt=65536"`

	// Service and Expires describe a single subscription; SubscriptionsFile
	// may list several instead.
	Service           string `envconfig:"VDV_453_SERVICE"`
	Expires           string `envconfig:"VDV_453_EXPIRES"`
	SubscriptionsFile string `envconfig:"SUBSCRIPTIONS_FILE"`

	Subscriptions []Subscription `ignored:"true" validate:"required,min=1,dive"`

	Options Options

	MetricsAddr     string `envconfig:"METRICS_ADDR" default:":9102"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	JSONLog         bool   `envconfig:"LOG_AS_JSON"`
	LogNATSSubjects bool   `envconfig:"LOG_NATS_SUBJECTS"`
	Debug           bool   `envconfig:"VDV_453_DEBUG"`
}

// Load reads the configuration from .env and the environment. Subscriptions
// are not resolved yet, see ResolveSubscriptions.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ResolveSubscriptions fills Subscriptions from SubscriptionsFile, or from
// Service/Expires. A missing expiry defaults to now + 1h.
func (c *Config) ResolveSubscriptions(now time.Time) error {
	if c.SubscriptionsFile != "" {
		subs, err := LoadSubscriptionsFile(c.SubscriptionsFile, now)
		if err != nil {
			return err
		}
		c.Subscriptions = subs
		return nil
	}
	if c.Service == "" {
		return fmt.Errorf("%w: missing/empty service", ErrInvalidConfig)
	}
	sub := Subscription{Service: c.Service, RawExpires: c.Expires}
	if err := sub.resolveExpires(now); err != nil {
		return err
	}
	c.Subscriptions = []Subscription{sub}
	return nil
}

func (s *Subscription) resolveExpires(now time.Time) error {
	if strings.TrimSpace(s.RawExpires) == "" {
		s.Expires = now.Add(time.Hour)
		return nil
	}
	t, err := ParseExpiry(s.RawExpires)
	if err != nil {
		return err
	}
	s.Expires = t
	return nil
}

type subscriptionsFile struct {
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// LoadSubscriptionsFile reads a YAML document of the form
//
//	subscriptions:
//	  - service: AUS
//	    expires: "2030-01-01T00:00:00+01:00"
func LoadSubscriptionsFile(path string, now time.Time) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read subscriptions file: %v", ErrInvalidConfig, err)
	}
	var f subscriptionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse subscriptions file: %v", ErrInvalidConfig, err)
	}
	for i := range f.Subscriptions {
		if err := f.Subscriptions[i].resolveExpires(now); err != nil {
			return nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}
	return f.Subscriptions, nil
}

// ParseExpiry accepts a UNIX epoch in seconds or an ISO 8601 date+time with
// an explicit offset.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "never") {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNeverExpiryUnsupported)
	}
	if isDigits(s) {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid UNIX epoch %q: %v", ErrInvalidConfig, s, err)
		}
		return time.Unix(sec, 0), nil
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range localExpiryLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return time.Time{}, fmt.Errorf("%w: expiry %q must specify a time zone (offset)", ErrInvalidConfig, s)
		}
	}
	return time.Time{}, fmt.Errorf("%w: expiry %q must be an ISO 8601 date+time with offset or a UNIX epoch", ErrInvalidConfig, s)
}

// ISO 8601 date+time forms accepted for an expiry, extended and basic.
var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z0700",
	"20060102T150405.999999999Z0700",
	"20060102T1504Z0700",
}

// The same forms without an offset, recognised only to explain the error.
var localExpiryLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"20060102T150405.999999999",
	"20060102T1504",
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate checks the configuration before anything is started.
func (c *Config) Validate(now time.Time) error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for i, s := range c.Subscriptions {
		if !supportedServices[s.Service] {
			return fmt.Errorf("%w: subscriptions[%d]: invalid/unsupported service %q", ErrInvalidConfig, i, s.Service)
		}
		if !s.Expires.After(now) {
			return fmt.Errorf("%w: subscriptions[%d]: expiry %s is not in the future", ErrInvalidConfig, i, s.Expires.Format(time.RFC3339))
		}
	}
	return nil
}

// IsSupportedService reports whether the bridge knows how to handle svc.
func IsSupportedService(svc string) bool {
	return supportedServices[svc]
}
