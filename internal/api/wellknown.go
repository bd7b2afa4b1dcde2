package api

import "net/http"

type manifest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	APIBase     string            `json:"api_base"`
	Auth        manifestAuth      `json:"auth"`
	Endpoints   map[string]string `json:"endpoints"`
	Health      string            `json:"health"`
}

type manifestAuth struct {
	Headers       []string `json:"headers"`
	BearerSchemes []string `json:"bearer_schemes"`
}

// Version is reported in the manifest; cmd sets it from build flags.
var Version = "dev"

// wellKnownHandler describes the gateway routes for agent clients.
func wellKnownHandler(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, manifest{
			Name:        "agent-bridge",
			Description: "Access gateway between AI agents and host application functions",
			Version:     Version,
			APIBase:     prefix,
			Auth: manifestAuth{
				Headers:       []string{"X-Agent-API-Key", "X-Agent-Service-Id", "X-Agent-Service-Key", "X-Agent-App", "X-Agent-Instance-Token"},
				BearerSchemes: []string{"ait_live_ instance token", "user JWT (attribution only)"},
			},
			Endpoints: map[string]string{
				"execute":   prefix + "/execute",
				"functions": prefix + "/functions",
				"provision": prefix + "/provision",
				"refresh":   prefix + "/refresh",
			},
			Health: prefix + "/health",
		})
	}
}
