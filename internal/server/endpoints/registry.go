package endpoints

import (
	"github.com/jackzampolin/newsreel/internal/api"
	"github.com/jackzampolin/newsreel/internal/pgdocker"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	PostgresManager *pgdocker.Manager
	SwaggerSpecPath string
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{PostgresManager: cfg.PostgresManager},

		// Webhooks
		&EpisodeLimitCheckEndpoint{},
		&RefineTextEndpoint{},

		// Per-user endpoints
		&SetExpectedEndpoint{},
		&ProgressEndpoint{},
		&ListEpisodesEndpoint{},

		// Swagger/OpenAPI endpoints
		&SwaggerEndpoint{SpecPath: cfg.SwaggerSpecPath},
		&SwaggerUIEndpoint{},
	}
}
