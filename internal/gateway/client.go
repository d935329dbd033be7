package gateway

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

	lru "github.com/hashicorp/golang-lru/v2"
)

// ClientConfig configures the HTTP gateway client.
type ClientConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"reconcile_cache_size"`
}

// Client talks to the gateway over HTTP/JSON.
//
// Approved-equivalent reconcile results are final on the gateway side, so they
// are memoized per transaction id.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	classifier *Classifier
	approved   *lru.Cache[string, Response]
}

var _ Gateway = (*Client)(nil)

// NewClient creates a gateway client.
func NewClient(cfg ClientConfig, classifier *Classifier) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if classifier == nil {
		classifier = NewClassifier()
	}
	cache, err := lru.New[string, Response](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("reconcile cache: %w", err)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		classifier: classifier,
		approved:   cache,
	}, nil
}

// Submit sends one payment instruction. A non-2xx answer that still carries a
// JSON body is returned as a negative Response, not as an error.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal submit: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", req.TransactionID, err)
	}
	return resp, nil
}

// Reconcile fetches the gateway's current record for a transaction id.
func (c *Client) Reconcile(ctx context.Context, transactionID string) (*Response, error) {
	if cached, ok := c.approved.Get(transactionID); ok {
		r := cached
		return &r, nil
	}
	resp, err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", transactionID, err)
	}
	if resp.OK && ClassifyStatus(resp.Status) == BucketApproved {
		c.approved.Add(transactionID, *resp)
	}
	return resp, nil
}

// ReconcileRange fetches every transaction and chargeback recorded between
// from and to, inclusive.
func (c *Client) ReconcileRange(ctx context.Context, from, to time.Time) (*RangeResult, error) {
	q := url.Values{}
	q.Set("from", from.Format("2006-01-02"))
	q.Set("to", to.Format("2006-01-02"))

	httpReq, err := c.newRequest(ctx, http.MethodGet, "/reconcile?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reconcile range: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("reconcile range: status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out RangeResult
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode reconcile range: %w", err)
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		if httpResp.StatusCode/100 == 2 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		out = Response{
			Message:          http.StatusText(httpResp.StatusCode),
			TechnicalMessage: strings.TrimSpace(string(raw)),
		}
	}
	if httpResp.StatusCode/100 != 2 {
		out.OK = false
		if httpResp.StatusCode >= 500 && out.TechnicalMessage == "" {
			out.TechnicalMessage = fmt.Sprintf("gateway status %d", httpResp.StatusCode)
		}
	}
	c.classifier.Annotate(&out, nil)
	return &out, nil
}
