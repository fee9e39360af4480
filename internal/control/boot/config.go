package boot

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aaron031291/grace-controlplane/internal/control/errs"
)

// Config is the boot orchestrator's phase-1 load: every GRACE_*/HTM_*
// tunable named in spec.md §6 ("Configuration surface"). Grounded on
// cmd/pulse/config.go's flat env-driven Config struct with godotenv
// pre-loading.
type Config struct {
	Port                    int
	OfflineMode             bool
	CIMode                  bool
	LogDir                  string
	AllowDegradedStart      bool
	HTMMaxWorkers           int64
	HTMDefaultSLAms         int64
	HTMMaxAttempts          int
	GuardianScanInterval    time.Duration
	MetaLoopInterval        time.Duration
	GovernanceDefaultTier   string
	GovernanceApprovalMs    int64
}

// LoadConfig reads the process environment (optionally preloaded from a
// .env file in the working directory, as cmd/pulse does for local/dev
// runs) into a Config. A malformed numeric value is a configuration
// error (spec.md §7, "exit code 2").
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:                  0,
		OfflineMode:           envBool("OFFLINE_MODE", false),
		CIMode:                envBool("CI_MODE", false),
		LogDir:                envOr("GRACE_LOG_DIR", "./grace-data"),
		AllowDegradedStart:    envBool("ALLOW_DEGRADED_START", false),
		HTMMaxWorkers:         8,
		HTMDefaultSLAms:       30_000,
		HTMMaxAttempts:        3,
		GuardianScanInterval:  30 * time.Second,
		MetaLoopInterval:      5 * time.Minute,
		GovernanceDefaultTier: envOr("GOVERNANCE_DEFAULT_TIER", "T2"),
		GovernanceApprovalMs:  300_000,
	}
	if cfg.CIMode {
		cfg.OfflineMode = true
	}

	var err error
	if cfg.Port, err = envInt("GRACE_PORT", 0); err != nil {
		return Config{}, err
	}
	if cfg.HTMMaxWorkers, err = envInt64("HTM_MAX_WORKERS", cfg.HTMMaxWorkers); err != nil {
		return Config{}, err
	}
	if cfg.HTMDefaultSLAms, err = envInt64("HTM_DEFAULT_SLA_MS", cfg.HTMDefaultSLAms); err != nil {
		return Config{}, err
	}
	if attempts, err := envInt("HTM_MAX_ATTEMPTS", cfg.HTMMaxAttempts); err != nil {
		return Config{}, err
	} else {
		cfg.HTMMaxAttempts = attempts
	}
	if ms, err := envInt64("GUARDIAN_SCAN_INTERVAL_MS", cfg.GuardianScanInterval.Milliseconds()); err != nil {
		return Config{}, err
	} else {
		cfg.GuardianScanInterval = time.Duration(ms) * time.Millisecond
	}
	if ms, err := envInt64("META_LOOP_INTERVAL_MS", cfg.MetaLoopInterval.Milliseconds()); err != nil {
		return Config{}, err
	} else {
		cfg.MetaLoopInterval = time.Duration(ms) * time.Millisecond
	}
	if cfg.GovernanceApprovalMs, err = envInt64("GOVERNANCE_APPROVAL_TIMEOUT_MS", cfg.GovernanceApprovalMs); err != nil {
		return Config{}, err
	}

	if cfg.HTMMaxWorkers <= 0 {
		return Config{}, errs.New(errs.KindConfiguration, fmt.Errorf("HTM_MAX_WORKERS must be positive, got %d", cfg.HTMMaxWorkers))
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.New(errs.KindConfiguration, fmt.Errorf("invalid %s=%q: %w", key, v, err))
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.New(errs.KindConfiguration, fmt.Errorf("invalid %s=%q: %w", key, v, err))
	}
	return n, nil
}
