package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

// EnvPrefix namespaces environment overrides, e.g. OMEGAWIRE_PUBSUB_SYSTEM.
const EnvPrefix = "OMEGAWIRE"

// Load reads configuration from path (YAML, JSON or TOML, chosen by
// extension) and the environment, applies defaults and validates the result.
// An empty path reads the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, rterrors.NewConfigValidationError(err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pubsub_system", "channel")
	v.SetDefault("default_timeout", DefaultTimeout)
	v.SetDefault("circuit.failure_threshold", DefaultFailureThreshold)
	v.SetDefault("circuit.recovery_time", DefaultRecoveryTime)
	v.SetDefault("circuit.success_threshold", DefaultSuccessThreshold)
	v.SetDefault("circuit.half_open_max_probes", DefaultHalfOpenMaxProbes)
	v.SetDefault("circuit.idle_eviction", DefaultCircuitIdleEviction)
	v.SetDefault("circuit.max_idle", DefaultCircuitMaxIdle)
	v.SetDefault("consume_topic", DefaultConsumeTopic)
	v.SetDefault("result_topic", DefaultResultTopic)
	v.SetDefault("replay_strategy", DefaultReplayStrategy)
	v.SetDefault("replay_ttl", DefaultReplayTTL)
	v.SetDefault("chronicle_backend", DefaultChronicleBackendName)
	v.SetDefault("chronicle_max_records", DefaultChronicleMaxRecords)
	v.SetDefault("admin_port", DefaultAdminPort)
	v.SetDefault("log_level", "info")
}
