package endpoints

import (
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/api"
	"github.com/jackzampolin/newsreel/internal/refine"
	"github.com/jackzampolin/newsreel/internal/svcctx"
)

// RefineTextEndpoint handles POST /ai/refineText.
type RefineTextEndpoint struct{}

func (e *RefineTextEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/ai/refineText", e.handler
}

func (e *RefineTextEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Refine parsed newsletter text
//	@Description	Schedules removal of ads and boilerplate from a stored record, then stores the refined content and its token count.
//	@Tags			ai
//	@Accept			json
//	@Produce		json
//	@Param			request	body		refine.Request	true	"Webhook payload"
//	@Success		202		{object}	ProcessingResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/ai/refineText [post]
func (e *RefineTextEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req refine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RecordID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing required fields: id or parsed_text")
		return
	}

	svcctx.CoordinatorFrom(r.Context()).Refine(req)

	writeJSON(w, http.StatusAccepted, ProcessingResponse{
		Status:  "processing",
		Message: "Text refinement started in background",
	})
}

func (e *RefineTextEndpoint) Command(getServerURL func() string) *cobra.Command {
	var userID, file string
	cmd := &cobra.Command{
		Use:   "refine <record_id>",
		Short: "Send a text refinement webhook",
		Long: `Send a text refinement webhook for a stored record.

The parsed text is read from --file, or from stdin when --file is "-".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text []byte
			var err error
			if file == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}

			req := refine.Request{RecordID: args[0], UserID: userID, Text: string(text)}
			client := api.NewClient(getServerURL())
			var resp ProcessingResponse
			if err := client.Post(cmd.Context(), "/ai/refineText", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "File holding the parsed text")
	return cmd
}
