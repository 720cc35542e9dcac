// Package config loads hsmcore's process-wide tunables.
//
// Torua's binaries read a handful of settings from environment
// variables with small getEnv/getEnvDuration helpers (see
// cmd/node/main.go in the teacher). hsmcore keeps that override
// mechanism for individual fields but loads the base configuration
// from a YAML file, since the spec names enough tunables (PBKDF2
// iteration count and floor, dispatcher pool size, packet size limit,
// cache sizes, the flash-KEK-backup flag) that a handful of env vars
// would be unwieldy. gopkg.in/yaml.v3 is already present in the
// teacher's own go.mod (as an indirect dependency) and directly in the
// wider retrieved pack.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable named or implied by the spec.
type Config struct {
	// Dispatcher is the number of concurrent dispatcher tasks pulling
	// requests off the ready queue (spec §4.7: "default 1, up to ~10").
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// MaxPacketSize is the SLIP-framed XDR packet size limit
	// (spec §6.1: "Maximum packet size: 16,384 bytes (configurable)").
	// It is loaded and env-overridable but not passed on: cmd/hsmd's
	// links and dispatchers use slip.DefaultMaxPacket.
	MaxPacketSize int `yaml:"max_packet_size"`

	// PBKDF2 holds the PIN-hashing tunables (spec §4.2.9, §9 Open
	// Question: "PBKDF2 iteration count is intentionally low (2000)
	// by default... appropriate for the HSM's weak CPU but should be
	// documented, not silently kept" — this is that documentation).
	PBKDF2 PBKDF2Config `yaml:"pbkdf2"`

	// Keystore holds the keystore block counts, from which cmd/hsmd
	// sizes the block index and free list, and a cache-slot count.
	Keystore KeystoreConfig `yaml:"keystore"`

	// EnableFlashKEKBackup gates the "flash-backup-KEK kludge" (spec
	// §4.2.9, §9 Open Question: "explicitly declared 'do not use in
	// production'... gate behind a feature flag and document the
	// degraded security model"). Default false.
	EnableFlashKEKBackup bool `yaml:"enable_flash_kek_backup"`
}

// DispatcherConfig sizes the transport worker pool (spec §4.7).
type DispatcherConfig struct {
	// PoolSize is the number of concurrent dispatcher goroutines.
	// Spec default is 1; the spec allows up to ~10.
	PoolSize int `yaml:"pool_size"`
}

// PBKDF2Config documents and bounds the PIN KDF (spec §4.2.9).
//
// The default Iterations (2000) is low by modern standards — this
// value matches the original firmware's default, chosen for a weak
// embedded CPU, not for password-storage best practice. IterationFloor
// bounds only the HSMCORE_PBKDF2_ITERATIONS override, which is ignored
// when below it. The keystore's PIN path does not read these fields;
// it always uses its own fixed 2000-iteration default.
type PBKDF2Config struct {
	Iterations     int `yaml:"iterations"`
	IterationFloor int `yaml:"iteration_floor"`
}

// KeystoreConfig sizes the block-structured store (spec §3, §4.2).
type KeystoreConfig struct {
	// TokenBlocks is the number of 8 KiB blocks in the persistent
	// (flash-backed) keystore.
	TokenBlocks int `yaml:"token_blocks"`

	// VolatileBlocks is the number of blocks set aside for volatile
	// use. There is no separate RAM-backed keystore: cmd/hsmd adds this
	// to TokenBlocks and opens one flash-backed store of the combined size.
	VolatileBlocks int `yaml:"volatile_blocks"`

	// CacheSlots is a block cache size setting (spec §3 "Block cache").
	// The keystore does not read it; its block cache is fixed at 4 slots.
	CacheSlots int `yaml:"cache_slots"`
}

// Default returns the configuration the spec describes as the
// firmware's own defaults.
func Default() *Config {
	return &Config{
		Dispatcher:    DispatcherConfig{PoolSize: 1},
		MaxPacketSize: 16384,
		PBKDF2: PBKDF2Config{
			Iterations:     2000,
			IterationFloor: 1000,
		},
		Keystore: KeystoreConfig{
			TokenBlocks:    256,
			VolatileBlocks: 256,
			CacheSlots:     16,
		},
		EnableFlashKEKBackup: false,
	}
}

// Load reads a YAML configuration file and layers environment
// variable overrides on top of it, mirroring the teacher's
// override-by-env pattern for the handful of settings operators are
// most likely to tweak per deployment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HSMCORE_DISPATCHER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.PoolSize = n
		}
	}
	if v := os.Getenv("HSMCORE_MAX_PACKET_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPacketSize = n
		}
	}
	if v := os.Getenv("HSMCORE_PBKDF2_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= cfg.PBKDF2.IterationFloor {
			cfg.PBKDF2.Iterations = n
		}
	}
	if v := os.Getenv("HSMCORE_ENABLE_FLASH_KEK_BACKUP"); v != "" {
		cfg.EnableFlashKEKBackup = v == "1" || v == "true"
	}
}
