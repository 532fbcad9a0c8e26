// Package config loads the §6 configuration surface from YAML, the
// thin file-format adapter SPEC_FULL.md's AMBIENT STACK section
// specifies: file discovery, flag parsing, and service-wrapper
// concerns stay external collaborators per spec §1, but the struct the
// core reads is defined and versioned here.
package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinkerforge/brickd/internal/mesh"
	"github.com/tinkerforge/brickd/internal/spitfp"
)

// Listen holds the listener surface of spec §6.
type Listen struct {
	Address          string `yaml:"address"`
	PlainPort        uint16 `yaml:"plain_port"`
	WebSocketPort    uint16 `yaml:"websocket_port"`
	MeshGatewayPort  uint16 `yaml:"mesh_gateway_port"`
	DualStack        bool   `yaml:"dual_stack"`
}

// Authentication holds spec §6's authentication surface.
type Authentication struct {
	Secret string `yaml:"secret"`
}

// LogLevel is spec §6's log.level enum.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
)

// Log holds the logging surface of spec §6.
type Log struct {
	Level LogLevel `yaml:"level"`
}

// ChipSelect is one bricklet.groupN.csM entry (spec §6).
type ChipSelect struct {
	Driver spitfp.ChipSelectDriver `yaml:"driver"`
	Name   string                  `yaml:"name"`
	Num    uint16                  `yaml:"num"`
}

// Group is one bricklet.groupN entry: the spidev template shared by
// its chip-select lines (spec §6 "spidev (string template with %d for
// CS)").
type Group struct {
	SPIDev string       `yaml:"spidev"`
	CS     []ChipSelect `yaml:"cs"`
}

// Port is one bricklet.portX entry (spec §6).
type Port struct {
	SleepBetweenReads time.Duration `yaml:"sleep_between_reads"`
}

// Bricklet holds the §6 bricklet.* configuration surface. The
// mesh.root_policy knob lives in Mesh below.
type Bricklet struct {
	Groups []Group `yaml:"groups"`
	Ports  []Port  `yaml:"ports"`
}

// Mesh holds the mesh-session policy knob SPEC_FULL.md adds.
// RootPolicyName is the raw YAML string ("single-root" or "multi-root", spec §4.8);
// RootPolicy() below resolves it to mesh.RootPolicy.
type Mesh struct {
	RootPolicyName string `yaml:"root_policy"`
}

// RootPolicy resolves the configured policy name to mesh.RootPolicy,
// defaulting to single-root to match
// original_source/src/brickd/mesh_stack.c's observed behavior (see
// SPEC_FULL.md C8 and DESIGN.md).
func (m Mesh) RootPolicy() mesh.RootPolicy {
	if m.RootPolicyName == "multi-root" {
		return mesh.RootPolicyMultiRoot
	}
	return mesh.RootPolicySingleRoot
}

// Config is the full §6 configuration surface the core consumes.
// Discovery (env vars, -c flags, service wrappers) is the caller's job
// per spec §1; Load only parses an already-opened reader.
type Config struct {
	Listen         Listen         `yaml:"listen"`
	Authentication Authentication `yaml:"authentication"`
	Log            Log            `yaml:"log"`
	Bricklet       Bricklet       `yaml:"bricklet"`
	Mesh           Mesh           `yaml:"mesh"`
}

// Default returns the configuration surface's documented defaults
// (spec §6).
func Default() Config {
	return Config{
		Listen: Listen{
			Address:         "127.0.0.1",
			PlainPort:       4223,
			MeshGatewayPort: 4240,
		},
		Log: Log{Level: LogLevelInfo},
	}
}

// Load reads and parses YAML configuration from r, starting from
// Default() so unspecified fields keep their documented defaults.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}
