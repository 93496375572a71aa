package main

import (
	"bufio"
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

	"courier/internal/notify"
	"courier/internal/orchestrator"
)

var (
	sendWait    bool
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <user> <message...>",
	Short: "Queue a message for a user",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := args[0]
		text := strings.Join(args[1:], " ")

		ctx := cmd.Context()
		var events *bufio.Scanner
		if sendWait {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			// Subscribe first so the reply cannot slip past.
			body, err := openEvents(ctx, user)
			if err != nil {
				return err
			}
			defer body.Close()
			events = bufio.NewScanner(body)
			events.Buffer(make([]byte, 64<<10), 4<<20)
		}

		var accepted struct {
			RequestID string `json:"request_id"`
		}
		if err := doRequest(ctx, http.MethodPost, userPath(user, "messages"), map[string]string{"text": text}, &accepted); err != nil {
			return err
		}
		fmt.Printf("queued %s\n", accepted.RequestID)
		if !sendWait {
			return nil
		}
		return waitReply(events, accepted.RequestID)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <user>",
	Short: "Clear a user's conversation and cancel their background tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := doRequest(cmd.Context(), http.MethodPost, userPath(args[0], "reset"), nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show a user's session, queue and active tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := doRequest(cmd.Context(), http.MethodGet, userPath(args[0], "status"), nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <user>",
	Short: "Show a user's message, dispatch and token counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := doRequest(cmd.Context(), http.MethodGet, userPath(args[0], "usage"), nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "wait for the reply to this message")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Minute, "how long --wait waits")
}

func userPath(user, action string) string {
	return "/api/users/" + url.PathEscape(user) + "/" + action
}

func doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, reader)
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
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func openEvents(ctx context.Context, user string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+userPath(user, "events"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open event stream: %s", resp.Status)
	}
	return resp.Body, nil
}

// waitReply prints replies for requestID until one that does not start a
// background task arrives.
func waitReply(events *bufio.Scanner, requestID string) error {
	for events.Scan() {
		line := events.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var r notify.Reply
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &r); err != nil {
			continue
		}
		if r.RequestID != requestID {
			continue
		}
		fmt.Println(r.Text)
		if r.Kind == orchestrator.ReplyStarted {
			continue
		}
		if r.Failure {
			return fmt.Errorf("request %s failed", requestID)
		}
		return nil
	}
	if err := events.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return fmt.Errorf("event stream closed before a reply arrived")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
