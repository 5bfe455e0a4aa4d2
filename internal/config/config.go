// Package config implements firebuild's configuration surface: a TOML
// file, "-o key=val" overrides, and the environment variables spec.md §6
// says the supervisor consumes. Grounded on the teacher's cmd/root.go
// persistent-flag/env wiring pattern, generalized from flags-only to a
// layered file+override+env model.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/firebuild-go/firebuild/errors"
)

// Config holds every tunable the supervisor reads at startup.
type Config struct {
	SocketPath string   `toml:"socket_path"`
	CacheDir   string   `toml:"cache_dir"`
	EnvAllow   []string `toml:"env_allow"`
	EnvDeny    []string `toml:"env_deny"`
	DebugFlags []string `toml:"debug_flags"`

	// PolicyVersion is folded into every fingerprint so that changing the
	// env allow/deny policy invalidates previously cached entries instead
	// of silently replaying a decision made under a different policy.
	PolicyVersion string `toml:"policy_version"`

	// CleanCache, ReportPath are CLI-only, never sourced from a file.
	CleanCache bool   `toml:"-"`
	ReportPath string `toml:"-"`
}

// Default returns the policy baked in when no file or override overrides
// it: a conservative environment allowlist (the build-relevant variables
// a compiler toolchain actually consults) so secrets don't leak into
// fingerprints by default.
func Default() Config {
	return Config{
		SocketPath: "",
		CacheDir:   "",
		EnvAllow: []string{
			"PATH", "HOME", "LANG", "LC_ALL", "TERM",
			"CC", "CXX", "CFLAGS", "CXXFLAGS", "LDFLAGS",
			"MAKEFLAGS", "MAKELEVEL",
		},
		EnvDeny:       nil,
		PolicyVersion: "v1",
	}
}

// LoadFile merges a TOML config file's fields over base.
func LoadFile(base Config, path string) (Config, error) {
	cfg := base
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return base, errors.WrapWithPath(err, errors.ErrInvalidConfig, "config.LoadFile", path)
	}
	return cfg, nil
}

// ApplyOverride parses one "-o key=val" CLI override onto cfg.
func (c *Config) ApplyOverride(kv string) error {
	name, val, found := strings.Cut(kv, "=")
	if !found {
		return errors.WrapWithDetail(errors.ErrInvalidConfigValue, errors.ErrInvalidConfig, "config.ApplyOverride", "missing '=' in "+kv)
	}

	switch name {
	case "socket_path":
		c.SocketPath = val
	case "cache_dir":
		c.CacheDir = val
	case "env_allow":
		c.EnvAllow = splitList(val)
	case "env_deny":
		c.EnvDeny = splitList(val)
	case "debug_flags":
		c.DebugFlags = splitList(val)
	case "policy_version":
		c.PolicyVersion = val
	case "clean_cache":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapWithDetail(errors.ErrInvalidConfigValue, errors.ErrInvalidConfig, "config.ApplyOverride", "clean_cache must be a bool")
		}
		c.CleanCache = b
	default:
		return errors.WrapWithDetail(errors.ErrInvalidConfigValue, errors.ErrInvalidConfig, "config.ApplyOverride", "unknown key "+name)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyEnv folds in FB_SOCKET and FIREBUILD_CACHE_DIR, each only when the
// corresponding field is still unset after file/override resolution. The
// interceptor-loading variable is handled separately by InjectedEnv.
func (c *Config) ApplyEnv() {
	if c.SocketPath == "" {
		c.SocketPath = os.Getenv("FB_SOCKET")
	}
	if c.CacheDir == "" {
		c.CacheDir = os.Getenv("FIREBUILD_CACHE_DIR")
	}
}

// Validate reports an error when required fields are still unset after
// file/override/env resolution.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.ErrInvalidSocketPath
	}
	if c.CacheDir == "" {
		return errors.ErrInvalidCacheDir
	}
	return nil
}

// EnvAllowed reports whether an environment variable name passes this
// config's allow/deny policy for fingerprint inclusion (spec.md §4.7
// point 3). Deny is checked first and wins over allow, letting an
// operator carve out an exception to a broad allow entry.
func (c *Config) EnvAllowed(name string) bool {
	for _, d := range c.EnvDeny {
		if d == name {
			return false
		}
	}
	for _, a := range c.EnvAllow {
		if a == name {
			return true
		}
	}
	return false
}

// InjectedEnv returns the process environment augmented with the
// interceptor-loading variable appropriate for the current platform
// (spec.md §6 "LD_LIBRARY_PATH / DYLD_INSERT_LIBRARIES").
func InjectedEnv(base []string, interceptorPath, ldLibraryPathVar string) []string {
	out := make([]string, 0, len(base)+1)
	found := false
	prefix := ldLibraryPathVar + "="
	for _, kv := range base {
		if strings.HasPrefix(kv, prefix) {
			out = append(out, kv+":"+interceptorPath)
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, prefix+interceptorPath)
	}
	return out
}
