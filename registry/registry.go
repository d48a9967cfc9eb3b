// Package registry tells the chat client where its backends live.
//
// Backends are either listed in the config file (StaticRegistry) or discovered from etcd
// (EtcdRegistry), where other hosts may publish them too.
package registry

import "context"

// Instance is one chat backend endpoint.
type Instance struct {
	Addr   string `json:"addr" yaml:"addr"`     // Base URL, e.g. "http://127.0.0.1:11434"
	Weight int    `json:"weight" yaml:"weight"` // Weight for load balancing
	Model  string `json:"model,omitempty" yaml:"model,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
}
