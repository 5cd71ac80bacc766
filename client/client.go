package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the registry (e.g. "http://localhost:11000").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// It does not apply to Events.
	Timeout time.Duration
}

// Client is an HTTP client for the QCrBox registry.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// New creates a Client from the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("qcrbox: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("qcrbox: invalid BaseURL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		timeout: timeout,
	}, nil
}

// InvokeCommand starts a calculation and returns its id. The command runs
// asynchronously; poll GetCalculation or watch Events for progress.
func (c *Client) InvokeCommand(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	var resp InvokeResponse
	if err := c.post(ctx, "/commands/invoke", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCalculation returns the current status of a calculation.
func (c *Client) GetCalculation(ctx context.Context, calculationID string) (*CalculationStatus, error) {
	var resp CalculationStatus
	if err := c.get(ctx, "/calculations/"+url.PathEscape(calculationID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListCalculations returns a page of calculations, newest first.
func (c *Client) ListCalculations(ctx context.Context, limit, offset int) (*CalculationList, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/calculations"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp CalculationList
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinaliseCalculation ends an interactive session and runs its finalise
// step on the executing client.
func (c *Client) FinaliseCalculation(ctx context.Context, calculationID string) (*StatusDetails, error) {
	var resp StatusDetails
	if err := c.post(ctx, "/calculations/"+url.PathEscape(calculationID)+"/finalise", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelCalculation terminates a calculation.
func (c *Client) CancelCalculation(ctx context.Context, calculationID string) (*StatusDetails, error) {
	var resp StatusDetails
	if err := c.post(ctx, "/calculations/"+url.PathEscape(calculationID)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForCalculation polls until the calculation reaches a terminal status
// or ctx is done.
func (c *Client) WaitForCalculation(ctx context.Context, calculationID string, interval time.Duration) (*CalculationStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.GetCalculation(ctx, calculationID)
		if err != nil {
			return nil, err
		}
		if IsTerminal(status.Status) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListApplications returns every registered application.
func (c *Client) ListApplications(ctx context.Context) ([]Application, error) {
	var resp []Application
	if err := c.get(ctx, "/applications", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListCommands returns the registered commands that pass filter.
func (c *Client) ListCommands(ctx context.Context, filter CommandFilter) ([]Command, error) {
	params := url.Values{}
	if filter.ApplicationSlug != "" {
		params.Set("application_slug", filter.ApplicationSlug)
	}
	if filter.ApplicationVersion != "" {
		params.Set("application_version", filter.ApplicationVersion)
	}
	if filter.Name != "" {
		params.Set("name", filter.Name)
	}
	path := "/commands"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Command
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health returns the registry's health. An unhealthy registry answers 503,
// which is returned as an *Error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/healthcheck", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events streams calculation status changes to fn until ctx is done, the
// server closes the stream or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(StatusChange) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/calculations/events", nil)
	if err != nil {
		return fmt.Errorf("qcrbox: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("qcrbox: GET /calculations/events: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var change StatusChange
		if err := json.Unmarshal([]byte(data), &change); err != nil {
			return fmt.Errorf("qcrbox: decode event: %w", err)
		}
		if err := fn(change); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("qcrbox: read event stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qcrbox: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("qcrbox: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("qcrbox: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("qcrbox: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("qcrbox: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("qcrbox: decode response envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Payload, dest); err != nil {
		return fmt.Errorf("qcrbox: decode response payload: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	e := &Error{StatusCode: statusCode, Code: http.StatusText(statusCode), Message: strings.TrimSpace(string(body))}
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		e.Code = envelope.Error.Code
		e.Message = envelope.Error.Message
	}
	return e
}
