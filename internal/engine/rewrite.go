package engine

import (
	"strings"

	"github.com/tymbal/tymbal/internal/common/config"
)

// URLRewriter substitutes localhost with the configured host alias in MCP
// server URLs and environment values for containerized deployments. This is
// the only rewrite performed; everything else passes through untouched.
type URLRewriter struct {
	enabled   bool
	hostAlias string
}

// NewURLRewriter creates a rewriter from engine configuration.
func NewURLRewriter(cfg config.EngineConfig) *URLRewriter {
	return &URLRewriter{enabled: cfg.RewriteHostURLs, hostAlias: cfg.HostAlias}
}

// Rewrite substitutes the loopback host in a single value.
func (r *URLRewriter) Rewrite(s string) string {
	if !r.enabled || r.hostAlias == "" {
		return s
	}
	s = strings.ReplaceAll(s, "://localhost", "://"+r.hostAlias)
	s = strings.ReplaceAll(s, "://127.0.0.1", "://"+r.hostAlias)
	return s
}

// RewriteEnv returns a copy of env with URL values rewritten.
func (r *URLRewriter) RewriteEnv(env map[string]string) map[string]string {
	if !r.enabled || len(env) == 0 {
		return env
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = r.Rewrite(v)
	}
	return out
}

// RewriteMCPServers returns a copy of the MCP server config with every
// string "url" field rewritten. The structure is otherwise opaque.
func (r *URLRewriter) RewriteMCPServers(servers map[string]interface{}) map[string]interface{} {
	if !r.enabled || len(servers) == 0 {
		return servers
	}
	out := make(map[string]interface{}, len(servers))
	for name, raw := range servers {
		server, ok := raw.(map[string]interface{})
		if !ok {
			out[name] = raw
			continue
		}
		copied := make(map[string]interface{}, len(server))
		for k, v := range server {
			if k == "url" {
				if u, ok := v.(string); ok {
					copied[k] = r.Rewrite(u)
					continue
				}
			}
			copied[k] = v
		}
		out[name] = copied
	}
	return out
}
