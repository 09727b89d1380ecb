package config

import "fmt"

var (
	MinHeartbeatSeconds = uint64(1)
	MaxHeartbeatSeconds = uint64(7 * 24 * 3600)
)

func ValidateConfig(cfg *Config) error {
	switch cfg.StorageBackend {
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("storage: unsupported backend %q", cfg.StorageBackend)
	}
	if _, err := cfg.Lending.OwnerAddress(); err != nil {
		return err
	}
	if _, err := cfg.Lending.CustodyAddress(); err != nil {
		return err
	}
	if cfg.Lending.HeartbeatSeconds < MinHeartbeatSeconds || cfg.Lending.HeartbeatSeconds > MaxHeartbeatSeconds {
		return fmt.Errorf("lending: heartbeat_seconds out of range")
	}
	if err := cfg.Lending.Params().Validate(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	return nil
}
