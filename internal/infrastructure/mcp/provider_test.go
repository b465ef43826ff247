package mcp

import (
	"context"
	"testing"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

func TestStaticProvider_ServesConfiguredServers(t *testing.T) {
	p := NewStaticProvider([]ServerConfig{
		{Name: "jira", Endpoint: "http://jira.internal/mcp"},
		{Name: "wiki", Endpoint: "http://wiki.internal/mcp"},
	})

	servers, err := p.ServersFor(context.Background(), &entity.Principal{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 2 || servers[0].Name != "jira" {
		t.Fatalf("unexpected servers: %+v", servers)
	}

	// Callers get a copy; mutating it must not leak back.
	servers[0].Name = "mutated"
	again, _ := p.ServersFor(context.Background(), &entity.Principal{UserID: "bob"})
	if again[0].Name != "jira" {
		t.Fatal("provider state should be immutable to callers")
	}
}
