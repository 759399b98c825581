package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/noteriver/tagvault/internal/kdf"
	"github.com/noteriver/tagvault/internal/session"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	DBPath      string
	ListenAddr  string
	CORSOrigins []string
	AuditPath   string

	// TimingFloor is the minimum wall-clock duration of every auth
	// endpoint response, success or failure.
	TimingFloor time.Duration

	SessionTTL       time.Duration
	SessionUserLimit int

	// KDFProfile is advertised to clients so key derivation cost matches
	// across both ends.
	KDFProfile kdf.Profile

	// AuthRatePerSec / AuthRateBurst bound per-IP traffic on the auth and
	// registration endpoints.
	AuthRatePerSec float64
	AuthRateBurst  int
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:           "tagvault.db",
		ListenAddr:       ":8080",
		TimingFloor:      5 * time.Millisecond,
		SessionTTL:       session.DefaultTTL,
		SessionUserLimit: session.DefaultUserLimit,
		KDFProfile:       kdf.ProfileProduction,
		AuthRatePerSec:   5,
		AuthRateBurst:    10,
	}

	if v := os.Getenv("TAGVAULT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TAGVAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	cfg.AuditPath = os.Getenv("TAGVAULT_AUDIT_PATH")

	if v := os.Getenv("TAGVAULT_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if v := os.Getenv("TAGVAULT_TIMING_FLOOR_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("TAGVAULT_TIMING_FLOOR_MS must be a non-negative integer")
		}
		cfg.TimingFloor = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("TAGVAULT_SESSION_TTL_HOURS"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("TAGVAULT_SESSION_TTL_HOURS must be a positive integer")
		}
		cfg.SessionTTL = time.Duration(h) * time.Hour
	}

	if v := os.Getenv("TAGVAULT_SESSION_USER_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("TAGVAULT_SESSION_USER_LIMIT must be a positive integer")
		}
		cfg.SessionUserLimit = n
	}

	if v := os.Getenv("TAGVAULT_KDF_PROFILE"); v != "" {
		p, err := kdf.ParseProfile(v)
		if err != nil {
			return nil, fmt.Errorf("TAGVAULT_KDF_PROFILE: %v", err)
		}
		cfg.KDFProfile = p
	}

	if v := os.Getenv("TAGVAULT_AUTH_RATE_PER_SEC"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("TAGVAULT_AUTH_RATE_PER_SEC must be a positive number")
		}
		cfg.AuthRatePerSec = r
	}
	if v := os.Getenv("TAGVAULT_AUTH_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("TAGVAULT_AUTH_RATE_BURST must be a positive integer")
		}
		cfg.AuthRateBurst = n
	}

	return cfg, nil
}
