package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
)

// Client talks to the approval HTTP surface and satisfies breakpoint.Service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Create(ctx context.Context, req breakpoint.CreateRequest) (*breakpoint.Approval, error) {
	var a breakpoint.Approval
	if err := c.do(ctx, http.MethodPost, "/v1/approvals", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Get(ctx context.Context, id string) (*breakpoint.Approval, error) {
	var a breakpoint.Approval
	if err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Decide(ctx context.Context, id string, d breakpoint.Decision) (*breakpoint.Approval, error) {
	body := DecideRequest{Decision: "reject", Comment: d.Comment, DecidedBy: d.DecidedBy}
	if d.Approved {
		body.Decision = "approve"
	}
	var a breakpoint.Approval
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/decide", body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) List(ctx context.Context, status breakpoint.Status) ([]*breakpoint.Approval, error) {
	path := "/v1/approvals"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		Approvals []*breakpoint.Approval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("approval request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.Unmarshal(data, &e)
		switch e.Code {
		case codeNotFound:
			return breakpoint.ErrNotFound
		case codeAlreadyDecided:
			return breakpoint.ErrAlreadyDecided
		}
		return fmt.Errorf("approval service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
