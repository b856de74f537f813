package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/gatekeeper/internal/resume"
	"github.com/opencode-ai/gatekeeper/internal/server"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var (
	pendingJSON bool

	respondDeny     bool
	respondType     string
	respondRemember bool
	respondWait     bool
	respondMessage  string
)

var pendingCmd = &cobra.Command{
	Use:   "pending <conversation-id>",
	Short: "List permission requests waiting for a decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runPending,
}

var respondCmd = &cobra.Command{
	Use:   "respond <conversation-id> <tool-call-id>",
	Short: "Grant or deny a pending permission request",
	Long: `Grant or deny a pending permission request.

Examples:
  gatekeeper respond conv_123 call_1
  gatekeeper respond conv_123 call_1 --type all --remember
  gatekeeper respond conv_123 call_1 --deny`,
	Args: cobra.ExactArgs(2),
	RunE: runRespond,
}

func init() {
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "Print raw JSON")

	respondCmd.Flags().BoolVar(&respondDeny, "deny", false, "Deny the request")
	respondCmd.Flags().StringVar(&respondType, "type", "", "Granted permission type (read|write|all|command), default is what was requested")
	respondCmd.Flags().BoolVar(&respondRemember, "remember", false, "Remember the grant for the rest of the conversation")
	respondCmd.Flags().BoolVar(&respondWait, "wait", false, "Wait for the resumed tool calls to finish")
	respondCmd.Flags().StringVar(&respondMessage, "message", "", "Message ID, default is looked up from pending requests")
}

// apiClient talks to a running gatekeeper server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e server.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Message != "" {
			return resp.StatusCode, fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
		}
		return resp.StatusCode, fmt.Errorf("server returned %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) pending(ctx context.Context, conversationID string) ([]types.PendingPermission, error) {
	var out []types.PendingPermission
	_, err := c.do(ctx, http.MethodGet, "/conversation/"+url.PathEscape(conversationID)+"/permission", nil, &out)
	return out, err
}

func (c *apiClient) respond(ctx context.Context, conversationID string, req server.RespondRequest) (*server.RespondResponse, error) {
	var out server.RespondResponse
	_, err := c.do(ctx, http.MethodPost, "/conversation/"+url.PathEscape(conversationID)+"/permission", req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func runPending(cmd *cobra.Command, args []string) error {
	client := newAPIClient(serverURL)
	pending, err := client.pending(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if pendingJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pending)
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending permission requests.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL CALL\tMESSAGE\tTOOL\tTYPE\tDESCRIPTION")
	for _, p := range pending {
		name := p.ToolName
		if p.ServerName != "" {
			name = p.ServerName + "/" + p.ToolName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ToolCallID, p.MessageID, name, p.PermissionType, p.Description)
	}
	return tw.Flush()
}

func runRespond(cmd *cobra.Command, args []string) error {
	conversationID, toolCallID := args[0], args[1]
	client := newAPIClient(serverURL)
	ctx := cmd.Context()

	messageID := respondMessage
	if messageID == "" {
		pending, err := client.pending(ctx, conversationID)
		if err != nil {
			return err
		}
		for _, p := range pending {
			if p.ToolCallID == toolCallID {
				messageID = p.MessageID
				break
			}
		}
		if messageID == "" {
			return fmt.Errorf("no pending permission request for tool call %s", toolCallID)
		}
	}

	req := server.RespondRequest{
		PermissionResponse: resume.PermissionResponse{
			MessageID:      messageID,
			ToolCallID:     toolCallID,
			Granted:        !respondDeny,
			PermissionType: types.PermissionType(respondType),
			Remember:       respondRemember,
		},
		Wait: respondWait,
	}
	resp, err := client.respond(ctx, conversationID, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verb := "granted"
	if respondDeny {
		verb = "denied"
	}
	fmt.Fprintf(out, "%s %s (%d request(s) resolved)\n", verb, toolCallID, resp.UpdatedCount)
	switch {
	case resp.Running:
		fmt.Fprintln(out, "resume running")
	case resp.Result != nil:
		fmt.Fprintf(out, "resume %s: executed %d tool call(s)\n", resp.Result.Reason, resp.Result.Executed)
		if p := resp.Result.Pending; p != nil {
			fmt.Fprintf(out, "next request: %s needs %s\n", p.ToolCallID, p.PermissionType)
		}
	}
	return nil
}
