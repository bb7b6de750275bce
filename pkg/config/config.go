// Package config loads the operator's configuration, grounded on the
// teacher's topology file loader in shape (parse, apply defaults,
// validate). Environment variables are the primary source per the
// spec's external interface table; an optional YAML file, in the
// teacher's pkg/topology style, can supply defaults that env vars then
// override, for operators who prefer a checked-in base config over a
// pile of env vars in their Swarm service definition.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zph/rsopctl/pkg/rserrors"
)

// fileOverlay mirrors the subset of Config an operator may want to pin
// in a checked-in file rather than an env var, using the teacher's
// yaml-tagged-struct convention.
type fileOverlay struct {
	OverlayNetworkName  string `yaml:"overlay_network_name"`
	MongoServiceName    string `yaml:"mongo_service_name"`
	ReplicaSetName      string `yaml:"replicaset_name"`
	MongoPort           uint16 `yaml:"mongo_port"`
	CycleIntervalSec    int    `yaml:"cycle_interval_sec"`
	ElectionTimeoutSec  int    `yaml:"election_timeout_sec"`
	CycleSchedule       string `yaml:"cycle_schedule"`
	ScaleDownHysteresis int    `yaml:"scale_down_hysteresis_cycles"`
	MetricsAddr         string `yaml:"metrics_addr"`
	MongoTLSCAFile      string `yaml:"mongo_tls_ca_file"`
}

func loadFileOverlay(path string) (fileOverlay, error) {
	var ov fileOverlay
	data, err := os.ReadFile(path)
	if err != nil {
		return ov, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return ov, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ov, nil
}

// Config is the fully-resolved operator configuration for one process
// lifetime. Nothing in here changes across reconciliation cycles.
type Config struct {
	OverlayNetworkName string
	MongoServiceName   string
	ReplicaSetName     string
	MongoPort          uint16

	MongoRootUsername string
	MongoRootPassword string

	InitDBDatabase string
	InitDBUser     string
	InitDBPassword string

	Debug bool

	CycleInterval         time.Duration
	ElectionTimeout        time.Duration
	CycleSchedule          string // optional cron expression, overrides CycleInterval cadence
	ScaleDownHysteresis    int
	MetricsAddr            string
	MongoTLSCAFile         string
}

// Load reads configuration from the process environment, applying the
// defaults from the spec's configuration table and validating required
// fields. Any problem here is a ConfigError: fatal at startup.
func Load() (*Config, error) {
	cfg := &Config{
		MongoPort:           27017,
		CycleInterval:       30 * time.Second,
		ElectionTimeout:      60 * time.Second,
		ScaleDownHysteresis: 1,
	}

	if path := os.Getenv("RSOPCTL_CONFIG_FILE"); path != "" {
		ov, err := loadFileOverlay(path)
		if err != nil {
			return nil, &rserrors.ConfigError{Cause: err}
		}
		applyFileOverlay(cfg, ov)
	}

	required := map[string]*string{
		"OVERLAY_NETWORK_NAME": &cfg.OverlayNetworkName,
		"MONGO_SERVICE_NAME":   &cfg.MongoServiceName,
		"REPLICASET_NAME":      &cfg.ReplicaSetName,
		"MONGO_ROOT_USERNAME":  &cfg.MongoRootUsername,
		"MONGO_ROOT_PASSWORD":  &cfg.MongoRootPassword,
		"INITDB_DATABASE":      &cfg.InitDBDatabase,
		"INITDB_USER":          &cfg.InitDBUser,
		"INITDB_PASSWORD":      &cfg.InitDBPassword,
	}
	for name, dst := range required {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
			continue
		}
		if *dst == "" {
			return nil, &rserrors.ConfigError{Cause: fmt.Errorf("%s is required", name)}
		}
	}

	if v := os.Getenv("MONGO_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, &rserrors.ConfigError{Cause: fmt.Errorf("MONGO_PORT: %w", err)}
		}
		cfg.MongoPort = uint16(port)
	}

	if v := os.Getenv("DEBUG"); v == "1" {
		cfg.Debug = true
	}

	if v := os.Getenv("CYCLE_INTERVAL_SEC"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, &rserrors.ConfigError{Cause: fmt.Errorf("CYCLE_INTERVAL_SEC: %w", err)}
		}
		cfg.CycleInterval = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("ELECTION_TIMEOUT_SEC"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, &rserrors.ConfigError{Cause: fmt.Errorf("ELECTION_TIMEOUT_SEC: %w", err)}
		}
		cfg.ElectionTimeout = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("SCALE_DOWN_HYSTERESIS_CYCLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &rserrors.ConfigError{Cause: fmt.Errorf("SCALE_DOWN_HYSTERESIS_CYCLES: %w", err)}
		}
		cfg.ScaleDownHysteresis = n
	}

	if v := os.Getenv("CYCLE_SCHEDULE"); v != "" {
		cfg.CycleSchedule = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("MONGO_TLS_CA_FILE"); v != "" {
		cfg.MongoTLSCAFile = v
	}

	return cfg, nil
}

// applyFileOverlay seeds cfg from a checked-in YAML file; env vars read
// afterward in Load take precedence over anything set here.
func applyFileOverlay(cfg *Config, ov fileOverlay) {
	if ov.OverlayNetworkName != "" {
		cfg.OverlayNetworkName = ov.OverlayNetworkName
	}
	if ov.MongoServiceName != "" {
		cfg.MongoServiceName = ov.MongoServiceName
	}
	if ov.ReplicaSetName != "" {
		cfg.ReplicaSetName = ov.ReplicaSetName
	}
	if ov.MongoPort != 0 {
		cfg.MongoPort = ov.MongoPort
	}
	if ov.CycleIntervalSec != 0 {
		cfg.CycleInterval = time.Duration(ov.CycleIntervalSec) * time.Second
	}
	if ov.ElectionTimeoutSec != 0 {
		cfg.ElectionTimeout = time.Duration(ov.ElectionTimeoutSec) * time.Second
	}
	if ov.CycleSchedule != "" {
		cfg.CycleSchedule = ov.CycleSchedule
	}
	if ov.ScaleDownHysteresis != 0 {
		cfg.ScaleDownHysteresis = ov.ScaleDownHysteresis
	}
	if ov.MetricsAddr != "" {
		cfg.MetricsAddr = ov.MetricsAddr
	}
	if ov.MongoTLSCAFile != "" {
		cfg.MongoTLSCAFile = ov.MongoTLSCAFile
	}
}

// CycleDeadline is the overall per-cycle deadline: 3x the cycle interval,
// per the concurrency model.
func (c *Config) CycleDeadline() time.Duration {
	return 3 * c.CycleInterval
}
