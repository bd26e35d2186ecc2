package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// EventReport is the southbound payload for one instance-events PATCH.
type EventReport struct {
	Kind             string `json:"kind"` // alarm | service | action
	Hostname         string `json:"hostname"`
	InstanceUUID     string `json:"instance_uuid,omitempty"`
	EventType        string `json:"event_type,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	VoteResult       string `json:"vote_result,omitempty"`
	Reason           string `json:"reason,omitempty"`
	CorrectiveAction string `json:"corrective_action,omitempty"`
}

// Client sends southbound reports to the orchestrator, with bounded
// retries and fresh token acquisition on auth failure.
type Client struct {
	HTTP     *http.Client
	Tokens   TokenSource
	Retries  int
}

// NewClient builds a Client with the given retry bound and token
// source.
func NewClient(tokens TokenSource, retries int) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Tokens:  tokens,
		Retries: retries,
	}
}

// ReportEvent PATCHes report to <platformURL>/v1/instance-events,
// retrying transient failures with backoff and re-authenticating once
// on a 401/403.
func (c *Client) ReportEvent(ctx context.Context, report EventReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("orchestrator client: encode report: %w", err)
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.Retries))
	reauthed := false

	return backoff.Retry(func() error {
		token, platformURL, err := c.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator client: token: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, platformURL+"/v1/instance-events", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("orchestrator client: send: %w", err) // transient, retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode/100 == 2:
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if !reauthed {
				reauthed = true
				c.Tokens.Invalidate()
				return fmt.Errorf("orchestrator client: auth failure, retrying with fresh token")
			}
			return backoff.Permanent(fmt.Errorf("orchestrator client: auth failure after re-authentication"))
		case resp.StatusCode/100 == 4:
			return backoff.Permanent(fmt.Errorf("orchestrator client: rejected with status %d", resp.StatusCode))
		default:
			return fmt.Errorf("orchestrator client: status %d", resp.StatusCode) // transient
		}
	}, b)
}
