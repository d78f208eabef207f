// Package bootcfg parses the key=value boot.cfg the original spec
// treats as out of scope. Only two effects are load-bearing for the
// core: the primary and fallback image paths. Everything else here is
// advisory and orchestration is free to ignore it.
package bootcfg

import (
	"strconv"
	"strings"
)

const (
	defaultImage    = "/boot/kernel.elf"
	defaultFallback = "/boot/fallback.elf"
	defaultTimeout  = 5000
)

// Config is the decoded boot.cfg. Its only load-bearing fields per
// the core spec are ImagePath and FallbackPath; the rest are
// pass-through knobs a real deployment finds useful.
type Config struct {
	ImagePath     string
	HasFallback   bool
	FallbackPath  string
	BootDelayMs   uint32
	TimeoutMs     uint32
	Verbose       bool
	Quiet         bool
	Verify        bool
	ZeroBSS       bool
	ResetOnFail   bool
	MaxRetries    int
}

// Default returns the configuration used when no boot.cfg is present
// on the volume, matching the original driver's defaults.
func Default() Config {
	return Config{
		ImagePath:    defaultImage,
		HasFallback:  true,
		FallbackPath: defaultFallback,
		TimeoutMs:    defaultTimeout,
		ZeroBSS:      true,
		ResetOnFail:  true,
		MaxRetries:   3,
	}
}

// Parse reads a line-oriented key=value document over Default(),
// overriding only the keys it recognizes. Blank lines and lines
// starting with '#' are ignored, as is any line without a bare '='.
func Parse(data []byte) Config {
	cfg := Default()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		applyKey(&cfg, key, value)
	}
	return cfg
}

func applyKey(cfg *Config, key, value string) {
	switch key {
	case "image":
		cfg.ImagePath = value
	case "fallback":
		cfg.FallbackPath = value
		cfg.HasFallback = value != ""
	case "boot_delay_ms":
		cfg.BootDelayMs = parseUint(value)
	case "timeout_ms":
		cfg.TimeoutMs = parseUint(value)
	case "verbose":
		cfg.Verbose = parseBool(value)
	case "quiet":
		cfg.Quiet = parseBool(value)
	case "verify":
		cfg.Verify = parseBool(value)
	case "zero_bss":
		cfg.ZeroBSS = parseBool(value)
	case "reset_on_fail":
		cfg.ResetOnFail = parseBool(value)
	case "max_retries":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxRetries = n
		}
	}
}

func parseUint(s string) uint32 {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func parseBool(s string) bool {
	switch s {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
