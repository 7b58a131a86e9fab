package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/api"
	"github.com/jackzampolin/newsreel/internal/coordinator"
	"github.com/jackzampolin/newsreel/internal/store"
	"github.com/jackzampolin/newsreel/internal/svcctx"
)

// SetExpectedRequest announces how many webhooks a user's cycle will produce.
type SetExpectedRequest struct {
	Count int `json:"count"`
}

// SetExpectedEndpoint handles PUT /users/{user_id}/expected.
type SetExpectedEndpoint struct{}

func (e *SetExpectedEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/users/{user_id}/expected", e.handler
}

func (e *SetExpectedEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Record expected volume
//	@Description	Opens a cycle expecting count webhooks and clears the completion flag
//	@Tags			users
//	@Accept			json
//	@Produce		json
//	@Param			user_id	path		string				true	"User ID"
//	@Param			request	body		SetExpectedRequest	true	"Expected count"
//	@Success		200		{object}	coordinator.Progress
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/users/{user_id}/expected [put]
func (e *SetExpectedEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	var req SetExpectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	c := svcctx.CoordinatorFrom(r.Context())
	if err := c.RecordExpected(r.Context(), userID, req.Count); err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to record expected count: %v", err))
		return
	}

	progress, err := c.Progress(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read progress: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (e *SetExpectedEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "expect <user_id> <count>",
		Short: "Record how many webhooks a user's cycle expects",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid count %q: %w", args[1], err)
			}
			client := api.NewClient(getServerURL())
			var resp coordinator.Progress
			if err := client.Put(cmd.Context(), "/users/"+url.PathEscape(args[0])+"/expected", SetExpectedRequest{Count: count}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ProgressEndpoint handles GET /users/{user_id}/progress.
type ProgressEndpoint struct{}

func (e *ProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/users/{user_id}/progress", e.handler
}

func (e *ProgressEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary	Cycle progress
//	@Tags		users
//	@Produce	json
//	@Param		user_id	path		string	true	"User ID"
//	@Success	200		{object}	coordinator.Progress
//	@Failure	500		{object}	ErrorResponse
//	@Failure	503		{object}	ErrorResponse
//	@Router		/users/{user_id}/progress [get]
func (e *ProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	progress, err := svcctx.CoordinatorFrom(r.Context()).Progress(r.Context(), r.PathValue("user_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read progress: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (e *ProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <user_id>",
		Short: "Show a user's cycle progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp coordinator.Progress
			if err := client.Get(cmd.Context(), "/users/"+url.PathEscape(args[0])+"/progress", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
