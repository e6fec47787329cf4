package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/attest/internal/conversation"
	"github.com/ssd-technologies/attest/internal/model"
)

const requestTimeout = 30 * time.Second

var (
	submitCmd = &cobra.Command{
		Use:   "submit [work-id]",
		Short: "Submit work for verification",
		Args:  cobra.ExactArgs(1),
		RunE:  submitWork,
	}

	statusCmd = &cobra.Command{
		Use:   "status [request-id]",
		Short: "Show the status of a verification request",
		Args:  cobra.ExactArgs(1),
		RunE:  showStatus,
	}

	workersCmd = &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE:  listWorkers,
	}

	feedbackCmd = &cobra.Command{
		Use:   "feedback [conversation-id]",
		Short: "Send client feedback on a verified conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  sendFeedback,
	}

	submission model.Submission
	feedback   conversation.Feedback
)

func init() {
	f := submitCmd.Flags()
	f.Int64Var(&submission.ContractID, "contract", 0, "escrow contract id")
	f.StringVar(&submission.Category, "category", "", "work category (required)")
	f.StringVar(&submission.ClientID, "client", "", "client id (required)")
	f.StringVar(&submission.Description, "description", "", "description of the work")
	f.StringSliceVar(&submission.Deliverables, "deliverable", nil, "deliverable reference (repeatable)")
	f.StringSliceVar(&submission.Requirements, "requirement", nil, "requirement to check (repeatable)")
	f.StringVar(&submission.Notes, "notes", "", "free-form notes")
	_ = submitCmd.MarkFlagRequired("category")
	_ = submitCmd.MarkFlagRequired("client")

	ff := feedbackCmd.Flags()
	ff.BoolVar(&feedback.Approved, "approve", false, "approve the work and release the remaining payment")
	ff.IntVar(&feedback.Rating, "rating", 0, "rating from 1 to 5")
	ff.StringVar(&feedback.Comments, "comments", "", "feedback comments")
	ff.StringSliceVar(&feedback.RequestedChanges, "change", nil, "requested change (repeatable)")
	ff.StringVar(&feedback.Deadline, "deadline", "", "revision deadline")
}

func submitWork(cmd *cobra.Command, args []string) error {
	sub := submission
	sub.WorkID = args[0]
	return call(cmd.Context(), http.MethodPost, "/api/verifications", sub)
}

func showStatus(cmd *cobra.Command, args []string) error {
	return call(cmd.Context(), http.MethodGet, "/api/verifications/"+url.PathEscape(args[0]), nil)
}

func listWorkers(cmd *cobra.Command, _ []string) error {
	return call(cmd.Context(), http.MethodGet, "/api/workers", nil)
}

func sendFeedback(cmd *cobra.Command, args []string) error {
	return call(cmd.Context(), http.MethodPost, "/api/conversations/"+url.PathEscape(args[0])+"/feedback", feedback)
}

// call sends one request to the coordinator and pretty-prints the JSON reply.
func call(ctx context.Context, method, path string, body any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}
