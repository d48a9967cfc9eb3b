// Package config loads the bridge configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"datapack-rpc/loadbalance"
	"datapack-rpc/registry"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns the configuration used when no file is given: watch world/datapacks next
// to a vanilla server jar and chat through a local Ollama.
func Default() *Config {
	return applyDefaults(&Config{})
}

// Load reads path, expands ${VAR} references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML %s: %w", absPath, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; Validate reports it where it matters.
		return match
	})
}

func applyDefaults(cfg *Config) *Config {
	if cfg.Watch.Root == "" {
		cfg.Watch.Root = "world/datapacks"
	}
	if cfg.Watch.Marker == "" {
		cfg.Watch.Marker = "pack.mcmeta"
	}
	if cfg.Watch.Workers == 0 {
		cfg.Watch.Workers = 1
	}
	if cfg.Watch.ShutdownTimeout == 0 {
		cfg.Watch.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Child.Command == "" {
		cfg.Child.Command = "java"
		if cfg.Child.Args == nil {
			cfg.Child.Args = []string{"-jar", "server.jar", "--nogui"}
		}
	}
	if cfg.Child.StopCommand == "" {
		cfg.Child.StopCommand = "stop"
	}
	if cfg.Child.StopTimeout == 0 {
		cfg.Child.StopTimeout = 30 * time.Second
	}

	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = 2 * time.Minute
	}
	if cfg.Dispatch.RateLimit > 0 && cfg.Dispatch.RateBurst == 0 {
		cfg.Dispatch.RateBurst = 1
	}
	if cfg.Dispatch.RetryDelay == 0 {
		cfg.Dispatch.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Dispatch.BroadcastTarget == "" {
		cfg.Dispatch.BroadcastTarget = "@a"
	}

	if cfg.Chat.Service == "" {
		cfg.Chat.Service = "ollama"
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = "gemma3:27b"
	}
	if cfg.Chat.Balancer == "" {
		cfg.Chat.Balancer = loadbalance.RoundRobin
	}
	if len(cfg.Chat.Backends) == 0 && len(cfg.Chat.Etcd.Endpoints) == 0 {
		cfg.Chat.Backends = []registry.Instance{{Addr: "http://127.0.0.1:11434", Weight: 1}}
	}
	for i := range cfg.Chat.Backends {
		if cfg.Chat.Backends[i].Weight == 0 {
			cfg.Chat.Backends[i].Weight = 1
		}
	}
	if cfg.Chat.Etcd.DialTimeout == 0 {
		cfg.Chat.Etcd.DialTimeout = 5 * time.Second
	}
	if cfg.Chat.Etcd.LeaseTTL == 0 {
		cfg.Chat.Etcd.LeaseTTL = 10
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	return cfg
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Watch.Root == "" {
		return fmt.Errorf("watch.root must be set")
	}
	if strings.ContainsAny(c.Watch.Marker, `/\`) {
		return fmt.Errorf("watch.marker must be a file name, got %q", c.Watch.Marker)
	}
	if c.Watch.Workers < 1 {
		return fmt.Errorf("watch.workers must be at least 1 (got %d)", c.Watch.Workers)
	}

	if !c.Child.Disabled && c.Child.Command == "" {
		return fmt.Errorf("child.command must be set unless child.disabled")
	}
	if strings.ContainsAny(c.Child.StopCommand, "\r\n") {
		return fmt.Errorf("child.stop_command must be a single line")
	}

	if c.Dispatch.Timeout < 0 || c.Dispatch.RetryDelay < 0 {
		return fmt.Errorf("dispatch durations must not be negative")
	}
	if c.Dispatch.RateLimit < 0 {
		return fmt.Errorf("dispatch.rate_limit must not be negative")
	}
	if c.Dispatch.Retries < 0 {
		return fmt.Errorf("dispatch.retries must not be negative")
	}
	if strings.ContainsAny(c.Dispatch.BroadcastTarget, " \r\n") {
		return fmt.Errorf("dispatch.broadcast_target must be a single selector, got %q", c.Dispatch.BroadcastTarget)
	}

	if !c.Chat.Disabled {
		if _, err := loadbalance.New(c.Chat.Balancer); err != nil {
			return fmt.Errorf("chat.balancer: %w", err)
		}
		for i, backend := range c.Chat.Backends {
			if envVarPattern.MatchString(backend.Addr) {
				return fmt.Errorf("chat.backends[%d].addr: environment variable %s is not set",
					i, envVarPattern.FindString(backend.Addr))
			}
			if !strings.HasPrefix(backend.Addr, "http://") && !strings.HasPrefix(backend.Addr, "https://") {
				return fmt.Errorf("chat.backends[%d].addr must be an http(s) URL, got %q", i, backend.Addr)
			}
		}
		if len(c.Chat.Etcd.Endpoints) > 0 && c.Chat.Etcd.LeaseTTL < 1 {
			return fmt.Errorf("chat.etcd.lease_ttl must be at least 1 second")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}
	return nil
}
