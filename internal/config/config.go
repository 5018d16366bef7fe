// Package config loads the CORE server's configuration from YAML, following
// the DefaultXxx()+LoadXxx(path) convention used throughout the teacher repo's
// internal/config package.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HandlerMode selects which middlewares MiddlewarePipeline.Build enables
// (spec §6, §4.7).
type HandlerMode string

const (
	ModeDevelopment    HandlerMode = "development"
	ModeProduction     HandlerMode = "production"
	ModeHighPerformance HandlerMode = "high_performance"
	ModeTesting        HandlerMode = "testing"
)

// DHParameters holds the process-wide Diffie-Hellman P and G constants
// (spec §4.2): P as a hexadecimal string, G as a decimal string.
type DHParameters struct {
	P string `yaml:"p"`
	G string `yaml:"g"`
}

// Core holds all configuration recognized by the CORE (spec §6).
type Core struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	ListenPort  int    `yaml:"listen_port"`

	// MaxPlayers is a soft cap logged at milestones; enforcement is a
	// handler-layer concern outside the core.
	MaxPlayers int `yaml:"max_players"`

	// HandlerMode selects the enabled middleware subset.
	HandlerMode HandlerMode `yaml:"handler_mode"`

	// DHParameters are the process-wide DH constants.
	DHParameters DHParameters `yaml:"dh_parameters"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// SendQueueSize overrides the per-connection outbound queue capacity.
	SendQueueSize int `yaml:"send_queue_size"`
}

// Default1024P is a 1024-bit safe-prime-style constant used as the default
// DH modulus when no dh_parameters are configured. It is process-wide, not
// secret, matching spec §4.2's "chosen at initialization" requirement.
const Default1024P = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"

// Default1024G is the default DH generator.
const Default1024G = "2"

// DefaultCore returns sensible defaults for the CORE server.
func DefaultCore() Core {
	return Core{
		BindAddress: "0.0.0.0",
		ListenPort:  5816,
		MaxPlayers:  3000,
		HandlerMode: ModeProduction,
		DHParameters: DHParameters{
			P: Default1024P,
			G: Default1024G,
		},
		LogLevel:      "info",
		SendQueueSize: 100,
	}
}

// LoadCore loads core config from a YAML file, overlaying onto defaults.
// If the file does not exist, defaults are returned unchanged.
func LoadCore(path string) (Core, error) {
	cfg := DefaultCore()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
