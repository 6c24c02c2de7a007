// Package vmconfig defines the VM configuration schema, its strict
// validator, the restart-required diff, and deep-merge patch semantics.
package vmconfig

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	MinMemoryBytes = 134217728 // 128 MiB
	MinDiskSizeMiB = 64
	MinGraphicsDim = 64
)

// BootConfig describes how the VM boots.
type BootConfig struct {
	Loader      string  `json:"loader"`
	KernelPath  *string `json:"kernelPath"`
	InitrdPath  *string `json:"initrdPath"`
	CommandLine *string `json:"commandLine"`
}

// DiskConfig describes the VM's primary disk.
type DiskConfig struct {
	Path    string `json:"path"`
	SizeMiB *int   `json:"sizeMiB"`
}

// NetworkConfig describes the VM's network mode.
type NetworkConfig struct {
	Mode string `json:"mode"`
}

// GraphicsConfig describes the VM's display.
type GraphicsConfig struct {
	Enabled bool `json:"enabled"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
}

// Config is the full six-field VM configuration.
type Config struct {
	CPU      int            `json:"cpu"`
	Memory   int64          `json:"memory"`
	Boot     BootConfig     `json:"boot"`
	Disk     DiskConfig     `json:"disk"`
	Network  NetworkConfig  `json:"network"`
	Graphics GraphicsConfig `json:"graphics"`
}

// Default returns the hard-coded default configuration used when no
// current config file exists.
func Default() Config {
	return Config{
		CPU:    2,
		Memory: 2 * 1024 * 1024 * 1024,
		Boot: BootConfig{
			Loader:      "linux",
			KernelPath:  nil,
			InitrdPath:  nil,
			CommandLine: nil,
		},
		Disk: DiskConfig{
			Path:    "",
			SizeMiB: intPtr(8192),
		},
		Network: NetworkConfig{Mode: "shared"},
		Graphics: GraphicsConfig{
			Enabled: true,
			Width:   1280,
			Height:  800,
		},
	}
}

func intPtr(n int) *int { return &n }

// ValidationError names the first offending field found during
// validation, making Validate a total function on arbitrary JSON input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func fieldErr(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var topLevelKeys = []string{"cpu", "memory", "boot", "disk", "network", "graphics"}
var bootKeys = []string{"loader", "kernelPath", "initrdPath", "commandLine"}
var diskKeys = []string{"path", "sizeMiB"}
var networkKeys = []string{"mode"}
var graphicsKeys = []string{"enabled", "width", "height"}

// Validate parses and validates raw as a complete VM configuration. It
// accepts only the exact six-key top-level shape and the exact nested
// shapes described in the schema; any unknown key, missing key, wrong
// type, or out-of-bounds value is rejected with a ValidationError naming
// the first offending field in a fixed, deterministic traversal order.
func Validate(raw json.RawMessage) (*Config, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fieldErr("", "config must be a JSON object: %v", err)
	}
	if err := checkKeys("", top, topLevelKeys); err != nil {
		return nil, err
	}

	cfg := &Config{}

	cpuRaw, ok := top["cpu"]
	if !ok {
		return nil, fieldErr("cpu", "cpu is required")
	}
	cpu, err := validateCPULeaf(cpuRaw)
	if err != nil {
		return nil, err
	}
	cfg.CPU = cpu

	memRaw, ok := top["memory"]
	if !ok {
		return nil, fieldErr("memory", "memory is required")
	}
	mem, err := validateMemoryLeaf(memRaw)
	if err != nil {
		return nil, err
	}
	cfg.Memory = mem

	bootRaw, ok := top["boot"]
	if !ok {
		return nil, fieldErr("boot", "boot is required")
	}
	boot, err := validateBoot(bootRaw)
	if err != nil {
		return nil, err
	}
	cfg.Boot = *boot

	diskRaw, ok := top["disk"]
	if !ok {
		return nil, fieldErr("disk", "disk is required")
	}
	disk, err := validateDisk(diskRaw)
	if err != nil {
		return nil, err
	}
	cfg.Disk = *disk

	netRaw, ok := top["network"]
	if !ok {
		return nil, fieldErr("network", "network is required")
	}
	net, err := validateNetwork(netRaw)
	if err != nil {
		return nil, err
	}
	cfg.Network = *net

	gfxRaw, ok := top["graphics"]
	if !ok {
		return nil, fieldErr("graphics", "graphics is required")
	}
	gfx, err := validateGraphics(gfxRaw)
	if err != nil {
		return nil, err
	}
	cfg.Graphics = *gfx

	return cfg, nil
}

func validateBoot(raw json.RawMessage) (*BootConfig, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fieldErr("boot", "boot must be an object")
	}
	if err := checkKeys("boot", m, bootKeys); err != nil {
		return nil, err
	}
	b := &BootConfig{}
	loaderRaw, ok := m["loader"]
	if !ok {
		return nil, fieldErr("boot.loader", "boot.loader is required")
	}
	loader, err := validateLoaderLeaf(loaderRaw)
	if err != nil {
		return nil, err
	}
	b.Loader = loader
	if b.KernelPath, err = validateNullableString(m, "boot.kernelPath", "kernelPath"); err != nil {
		return nil, err
	}
	if b.InitrdPath, err = validateNullableString(m, "boot.initrdPath", "initrdPath"); err != nil {
		return nil, err
	}
	if b.CommandLine, err = validateNullableString(m, "boot.commandLine", "commandLine"); err != nil {
		return nil, err
	}
	return b, nil
}

func validateDisk(raw json.RawMessage) (*DiskConfig, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fieldErr("disk", "disk must be an object")
	}
	if err := checkKeys("disk", m, diskKeys); err != nil {
		return nil, err
	}
	d := &DiskConfig{}
	pathRaw, ok := m["path"]
	if !ok {
		return nil, fieldErr("disk.path", "disk.path is required")
	}
	path, err := validateDiskPathLeaf(pathRaw)
	if err != nil {
		return nil, err
	}
	d.Path = path

	sizeRaw, ok := m["sizeMiB"]
	if !ok {
		return nil, fieldErr("disk.sizeMiB", "disk.sizeMiB is required (may be null)")
	}
	size, err := validateDiskSizeLeaf(sizeRaw)
	if err != nil {
		return nil, err
	}
	d.SizeMiB = size
	return d, nil
}

func validateNetwork(raw json.RawMessage) (*NetworkConfig, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fieldErr("network", "network must be an object")
	}
	if err := checkKeys("network", m, networkKeys); err != nil {
		return nil, err
	}
	n := &NetworkConfig{}
	modeRaw, ok := m["mode"]
	if !ok {
		return nil, fieldErr("network.mode", "network.mode is required")
	}
	mode, err := validateNetworkModeLeaf(modeRaw)
	if err != nil {
		return nil, err
	}
	n.Mode = mode
	return n, nil
}

func validateGraphics(raw json.RawMessage) (*GraphicsConfig, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fieldErr("graphics", "graphics must be an object")
	}
	if err := checkKeys("graphics", m, graphicsKeys); err != nil {
		return nil, err
	}
	g := &GraphicsConfig{}
	enabledRaw, ok := m["enabled"]
	if !ok {
		return nil, fieldErr("graphics.enabled", "graphics.enabled is required")
	}
	enabled, err := validateGraphicsEnabledLeaf(enabledRaw)
	if err != nil {
		return nil, err
	}
	g.Enabled = enabled

	widthRaw, ok := m["width"]
	if !ok {
		return nil, fieldErr("graphics.width", "graphics.width is required")
	}
	width, err := validateGraphicsDimLeaf("graphics.width", widthRaw)
	if err != nil {
		return nil, err
	}
	g.Width = width

	heightRaw, ok := m["height"]
	if !ok {
		return nil, fieldErr("graphics.height", "graphics.height is required")
	}
	height, err := validateGraphicsDimLeaf("graphics.height", heightRaw)
	if err != nil {
		return nil, err
	}
	g.Height = height
	return g, nil
}

func validateNullableString(m map[string]json.RawMessage, field, key string) (*string, error) {
	raw, ok := m[key]
	if !ok {
		return nil, fieldErr(field, "%s is required (may be null)", field)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fieldErr(field, "%s must be a string or null", field)
	}
	return &s, nil
}

// checkKeys rejects any key in m that isn't in allowed, and any allowed
// key that's entirely absent is left to the caller (callers check
// required-ness themselves since some are conditionally required).
// Unknown keys are reported in sorted order for determinism.
func checkKeys(prefix string, m map[string]json.RawMessage, allowed []string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = true
	}
	var unknown []string
	for k := range m {
		if !allowedSet[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		field := unknown[0]
		if prefix != "" {
			field = prefix + "." + field
		}
		return fieldErr(field, "unknown field %q", field)
	}
	return nil
}

// ToRaw round-trips a validated Config back to its canonical JSON
// representation.
func (c Config) ToRaw() json.RawMessage {
	b, _ := json.Marshal(c)
	return b
}
