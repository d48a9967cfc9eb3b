package config

import (
	"time"

	"datapack-rpc/registry"
)

// Config represents the complete datapack-rpc configuration.
type Config struct {
	Watch    WatchConfig    `yaml:"watch"`
	Child    ChildConfig    `yaml:"child"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Chat     ChatConfig     `yaml:"chat"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

// WatchConfig defines where carriers are picked up.
type WatchConfig struct {
	Root            string        `yaml:"root"`
	Marker          string        `yaml:"marker"`
	Rescan          bool          `yaml:"rescan"` // dispatch carriers left over from a previous run
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ChildConfig defines the supervised game server process.
type ChildConfig struct {
	Disabled    bool          `yaml:"disabled"` // write commands to stdout instead
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Dir         string        `yaml:"dir"`
	StopCommand string        `yaml:"stop_command"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	Console     bool          `yaml:"console"` // forward our stdin to the child
}

// DispatchConfig bounds handler execution.
type DispatchConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	Retries         int           `yaml:"retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	BroadcastTarget string        `yaml:"broadcast_target"`
}

// ChatConfig defines the text-generation backends used by the chat method.
type ChatConfig struct {
	Disabled    bool                `yaml:"disabled"`
	Service     string              `yaml:"service"`
	Model       string              `yaml:"model"`
	System      string              `yaml:"system"`
	Temperature *float64            `yaml:"temperature,omitempty"`
	Timeout     time.Duration       `yaml:"timeout"`
	Balancer    string              `yaml:"balancer"`
	Backends    []registry.Instance `yaml:"backends"`
	Etcd        EtcdConfig          `yaml:"etcd"`
}

// EtcdConfig enables etcd discovery when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    int64         `yaml:"lease_ttl"` // seconds
}

// StatusConfig enables the HTTP health endpoint when Listen is set.
type StatusConfig struct {
	Listen string `yaml:"listen"` // e.g. "127.0.0.1:8765"
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}
