package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	TURNURL    string
	TURNSecret string
	TURNTTL    time.Duration
	STUNURLs   []string

	PendingTimeout  time.Duration
	AcceptedTimeout time.Duration
	ActiveTimeout   time.Duration
	SweepInterval   time.Duration

	ProvisionTokenTTL time.Duration
	RequestRateLimit  int
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              5000,
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
		TURNTTL:           24 * time.Hour,
		PendingTimeout:    60 * time.Second,
		AcceptedTimeout:   2 * time.Minute,
		ActiveTimeout:     10 * time.Minute,
		SweepInterval:     5 * time.Second,
		ProvisionTokenTTL: 10 * time.Minute,
		RequestRateLimit:  30,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, errors.New("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, errors.New("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	cfg.TURNURL = strings.TrimSpace(env.Getenv("TURN_URL"))
	cfg.TURNSecret = env.Getenv("TURN_SECRET")
	if raw := env.Getenv("STUN_URLS"); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.STUNURLs = append(cfg.STUNURLs, u)
			}
		}
	}

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_EXPIRY_SECONDS", &cfg.TokenExpiry},
		{"TURN_TTL_SECONDS", &cfg.TURNTTL},
		{"PENDING_TIMEOUT_SECONDS", &cfg.PendingTimeout},
		{"ACCEPTED_TIMEOUT_SECONDS", &cfg.AcceptedTimeout},
		{"ACTIVE_TIMEOUT_SECONDS", &cfg.ActiveTimeout},
		{"SWEEP_INTERVAL_SECONDS", &cfg.SweepInterval},
		{"PROVISION_TOKEN_TTL_SECONDS", &cfg.ProvisionTokenTTL},
	}
	for _, s := range seconds {
		raw := env.Getenv(s.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return Config{}, errors.Newf("invalid %s", s.key)
		}
		*s.dst = time.Duration(v) * time.Second
	}

	if raw := env.Getenv("REQUEST_RATE_LIMIT"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return Config{}, errors.New("invalid REQUEST_RATE_LIMIT")
		}
		cfg.RequestRateLimit = v
	}

	return cfg, nil
}
