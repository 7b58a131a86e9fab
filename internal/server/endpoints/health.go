package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/api"
	"github.com/jackzampolin/newsreel/internal/coordinator"
	"github.com/jackzampolin/newsreel/internal/pgdocker"
	"github.com/jackzampolin/newsreel/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Liveness check
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/health [get]
func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Readiness check
//	@Description	OK only when the store answers and the coordinator is running
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Failure		503	{object}	HealthResponse
//	@Router			/ready [get]
func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}

	st := svcctx.StoreFrom(r.Context())
	if st == nil || svcctx.CoordinatorFrom(r.Context()) == nil {
		resp.Status = "degraded"
		resp.Store = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := st.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			if resp.Store != "" {
				fmt.Printf("Store:  %s\n", resp.Store)
			}
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server      string              `json:"server"`
	Store       StoreStatus         `json:"store"`
	Postgres    *PostgresStatus     `json:"postgres,omitempty"`
	Coordinator *coordinator.Status `json:"coordinator,omitempty"`
}

// StoreStatus shows the backend driver and its health.
type StoreStatus struct {
	Driver string `json:"driver"`
	Health string `json:"health"`
}

// PostgresStatus shows the managed container, when there is one.
type PostgresStatus struct {
	Container string `json:"container"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct {
	// PostgresManager is set by server when Postgres runs in a managed container.
	PostgresManager *pgdocker.Manager
}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Server status
//	@Description	Store health, managed container state, thresholds, pool and lease snapshot
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Router			/status [get]
func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Server: "running"}

	if st := svcctx.StoreFrom(r.Context()); st != nil {
		resp.Store.Driver = st.Driver()
		if err := st.Ping(r.Context()); err != nil {
			resp.Store.Health = "unhealthy"
		} else {
			resp.Store.Health = "healthy"
		}
	} else {
		resp.Store.Health = "not_initialized"
	}

	if e.PostgresManager != nil {
		resp.Postgres = &PostgresStatus{}
		status, err := e.PostgresManager.Status(r.Context())
		if err != nil {
			resp.Postgres.Container = "error"
		} else {
			resp.Postgres.Container = string(status)
		}
	}

	if c := svcctx.CoordinatorFrom(r.Context()); c != nil {
		status := c.Status()
		resp.Coordinator = &status
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
