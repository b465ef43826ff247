package mcp

import (
	"context"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

// StaticProvider serves the same configured tool-server list to every
// request. Deployments with per-user registries replace it with a
// store-backed implementation.
type StaticProvider struct {
	servers []ServerConfig
}

// NewStaticProvider creates a provider over a fixed server list.
func NewStaticProvider(servers []ServerConfig) *StaticProvider {
	return &StaticProvider{servers: servers}
}

// ServersFor returns the configured servers.
func (p *StaticProvider) ServersFor(ctx context.Context, principal *entity.Principal) ([]ServerConfig, error) {
	out := make([]ServerConfig, len(p.servers))
	copy(out, p.servers)
	return out, nil
}
