// Package tracker provides a client for the query tracker HTTP API.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whhaicheng/QTBench/internal/domain/execution"
)

const apiPrefix = "/api/v4"

// ErrNoToken is returned when a client is created without a token.
var ErrNoToken = errors.New("tracker token is empty")

// Config configures a Client.
type Config struct {
	Proxy      string       // Cluster proxy, "hahn" or "http://localhost:8000"
	Token      string       // OAuth token
	Stage      string       // Query tracker stage sent with every call, tracker default when empty
	UIBase     string       // UI base URL used by Link
	UserAgent  string       // Optional
	HTTPClient *http.Client // Optional, http.DefaultClient-like when nil
}

// Client talks to the query tracker. It implements usecase.QueryClient.
type Client struct {
	baseURL    string
	proxyName  string
	token      string
	stage      string
	uiBase     string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new query tracker client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	if cfg.Proxy == "" {
		return nil, fmt.Errorf("tracker proxy is empty")
	}

	baseURL := cfg.Proxy
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", cfg.Proxy, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		proxyName:  proxyName(cfg.Proxy),
		token:      cfg.Token,
		stage:      cfg.Stage,
		uiBase:     strings.TrimRight(cfg.UIBase, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
	}, nil
}

// proxyName returns the cluster name used in UI links.
func proxyName(proxy string) string {
	name := proxy
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	name = strings.TrimRight(name, "/")
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}

// Link returns the UI link of a query, or "" when no UI base is configured.
func (c *Client) Link(id execution.QueryID) string {
	if c.uiBase == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/queries/%s", c.uiBase, c.proxyName, url.PathEscape(id.String()))
}

type startQueryRequest struct {
	Engine      string            `json:"engine"`
	Query       string            `json:"query"`
	Settings    map[string]any    `json:"settings,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Stage       string            `json:"stage,omitempty"`
}

type startQueryResponse struct {
	QueryID string `json:"query_id"`
}

// StartQuery submits a query.
func (c *Client) StartQuery(ctx context.Context, req execution.StartRequest) (execution.QueryID, error) {
	body := startQueryRequest{
		Engine:      req.Engine,
		Query:       req.Query,
		Settings:    req.Settings,
		Annotations: req.Annotations,
		Stage:       c.stage,
	}

	var resp startQueryResponse
	if err := c.do(ctx, http.MethodPost, "start_query", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.QueryID == "" {
		return "", fmt.Errorf("start_query: empty query_id in response")
	}
	return execution.QueryID(resp.QueryID), nil
}

// GetQuery returns the state and metadata of a query. The full response is
// kept in QueryInfo.Raw.
func (c *Client) GetQuery(ctx context.Context, id execution.QueryID) (*execution.QueryInfo, error) {
	params := url.Values{"query_id": {id.String()}}
	if c.stage != "" {
		params.Set("stage", c.stage)
	}

	var raw map[string]any
	if err := c.do(ctx, http.MethodGet, "get_query", params, nil, &raw); err != nil {
		return nil, err
	}
	return decodeQueryInfo(id, raw)
}

type abortQueryRequest struct {
	QueryID string `json:"query_id"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// AbortQuery asks the tracker to abort a query.
func (c *Client) AbortQuery(ctx context.Context, id execution.QueryID) error {
	body := abortQueryRequest{
		QueryID: id.String(),
		Stage:   c.stage,
		Message: "aborted by qtbench",
	}
	return c.do(ctx, http.MethodPost, "abort_query", nil, body, nil)
}

// do performs one API call. A nil result discards the response body.
func (c *Client) do(ctx context.Context, method, command string, params url.Values, body, result any) error {
	endpoint := c.baseURL + apiPrefix + "/" + command
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", command, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", command, err)
	}
	req.Header.Set("Authorization", "OAuth "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", command, err)
	}
	defer resp.Body.Close()

	slog.DebugContext(ctx, "Tracker: call finished",
		"command", command,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", command, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %w", command, newResponseError(resp.StatusCode, data))
	}

	if result == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("%s: decode response: %w", command, err)
	}
	return nil
}
