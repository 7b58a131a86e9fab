package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/api"
	"github.com/jackzampolin/newsreel/internal/store"
	"github.com/jackzampolin/newsreel/internal/svcctx"
)

// EpisodeLimitCheckRequest is the record-store webhook fired when a user's
// newsletters are ready for batching.
type EpisodeLimitCheckRequest struct {
	UserID  string            `json:"user_id"`
	Records []store.RecordRef `json:"records"`
}

// ProcessingResponse acknowledges a webhook whose work continues in the background.
type ProcessingResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// EpisodeLimitCheckEndpoint handles POST /ai/episodeLimitCheck.
type EpisodeLimitCheckEndpoint struct{}

func (e *EpisodeLimitCheckEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/ai/episodeLimitCheck", e.handler
}

func (e *EpisodeLimitCheckEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Enqueue an episode check
//	@Description	Counts the webhook toward the user's cycle and schedules a batch attempt. Never reports the outcome of the attempt.
//	@Tags			ai
//	@Accept			json
//	@Produce		json
//	@Param			request	body		EpisodeLimitCheckRequest	true	"Webhook payload"
//	@Success		200		{object}	ProcessingResponse			"No records provided"
//	@Success		202		{object}	ProcessingResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/ai/episodeLimitCheck [post]
func (e *EpisodeLimitCheckEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req EpisodeLimitCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	svcctx.CoordinatorFrom(r.Context()).Enqueue(req.Records, req.UserID)

	if len(req.Records) == 0 {
		writeJSON(w, http.StatusOK, ProcessingResponse{Message: "No records provided"})
		return
	}
	writeJSON(w, http.StatusAccepted, ProcessingResponse{
		Status:  "processing",
		Message: "Episode limit check started in background",
	})
}

func (e *EpisodeLimitCheckEndpoint) Command(getServerURL func() string) *cobra.Command {
	var records []string
	cmd := &cobra.Command{
		Use:   "episode-check <user_id>",
		Short: "Send an episode limit check webhook",
		Long: `Send an episode limit check webhook for a user.

Each --record is a record id, optionally followed by :email_address.

Example:
  newsreel api episode-check u1 --record r1:news@example.com --record r2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := EpisodeLimitCheckRequest{
				UserID:  args[0],
				Records: parseRecordRefs(records),
			}
			client := api.NewClient(getServerURL())
			var resp ProcessingResponse
			if err := client.Post(cmd.Context(), "/ai/episodeLimitCheck", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringSliceVar(&records, "record", nil, "Record id[:email_address] (repeatable)")
	return cmd
}

func parseRecordRefs(values []string) []store.RecordRef {
	refs := make([]store.RecordRef, 0, len(values))
	for _, v := range values {
		id, email, _ := strings.Cut(v, ":")
		if id == "" {
			continue
		}
		refs = append(refs, store.RecordRef{ID: id, EmailAddress: email})
	}
	return refs
}

// ListEpisodesResponse lists a user's generated episodes.
type ListEpisodesResponse struct {
	Episodes []store.Episode `json:"episodes"`
	Total    int             `json:"total"`
}

// ListEpisodesEndpoint handles GET /users/{user_id}/episodes.
type ListEpisodesEndpoint struct{}

func (e *ListEpisodesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/users/{user_id}/episodes", e.handler
}

func (e *ListEpisodesEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary	List episodes
//	@Tags		users
//	@Produce	json
//	@Param		user_id	path		string	true	"User ID"
//	@Success	200		{object}	ListEpisodesResponse
//	@Failure	500		{object}	ErrorResponse
//	@Failure	503		{object}	ErrorResponse
//	@Router		/users/{user_id}/episodes [get]
func (e *ListEpisodesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	episodes, err := svcctx.StoreFrom(r.Context()).ListEpisodes(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list episodes: %v", err))
		return
	}
	if episodes == nil {
		episodes = []store.Episode{}
	}
	writeJSON(w, http.StatusOK, ListEpisodesResponse{Episodes: episodes, Total: len(episodes)})
}

func (e *ListEpisodesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "episodes <user_id>",
		Short: "List a user's episodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListEpisodesResponse
			if err := client.Get(cmd.Context(), "/users/"+url.PathEscape(args[0])+"/episodes", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
