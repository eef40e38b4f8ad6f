package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tymbal/tymbal/internal/common/config"
)

func TestRewriteDisabledPassesThrough(t *testing.T) {
	r := NewURLRewriter(config.EngineConfig{RewriteHostURLs: false, HostAlias: "host.docker.internal"})
	assert.Equal(t, "http://localhost:3000/mcp", r.Rewrite("http://localhost:3000/mcp"))
}

func TestRewriteLocalhostOnly(t *testing.T) {
	r := NewURLRewriter(config.EngineConfig{RewriteHostURLs: true, HostAlias: "host.docker.internal"})

	assert.Equal(t, "http://host.docker.internal:3000/mcp", r.Rewrite("http://localhost:3000/mcp"))
	assert.Equal(t, "ws://host.docker.internal:8080/ws", r.Rewrite("ws://127.0.0.1:8080/ws"))

	// bare host names without a scheme are not URLs and stay untouched
	assert.Equal(t, "localhost", r.Rewrite("localhost"))
	assert.Equal(t, "http://example.com/localhost-page", r.Rewrite("http://example.com/localhost-page"))
}

func TestRewriteEnv(t *testing.T) {
	r := NewURLRewriter(config.EngineConfig{RewriteHostURLs: true, HostAlias: "host.docker.internal"})
	env := map[string]string{
		"API_URL": "http://localhost:9999",
		"NAME":    "fox",
	}
	out := r.RewriteEnv(env)
	assert.Equal(t, "http://host.docker.internal:9999", out["API_URL"])
	assert.Equal(t, "fox", out["NAME"])
	// original untouched
	assert.Equal(t, "http://localhost:9999", env["API_URL"])
}

func TestRewriteMCPServers(t *testing.T) {
	r := NewURLRewriter(config.EngineConfig{RewriteHostURLs: true, HostAlias: "host.docker.internal"})
	servers := map[string]interface{}{
		"search": map[string]interface{}{
			"url":  "http://localhost:4000/sse",
			"type": "sse",
		},
		"blob": "opaque",
	}
	out := r.RewriteMCPServers(servers)
	search := out["search"].(map[string]interface{})
	assert.Equal(t, "http://host.docker.internal:4000/sse", search["url"])
	assert.Equal(t, "sse", search["type"])
	assert.Equal(t, "opaque", out["blob"])
}
