package storelysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"bitbucket.org/mmdatafocus/finsync_backend/utils"
)

// Client talks to the Storely commerce API for one tenant. Every request,
// regardless of fetch strategy, passes the same rate limiter so the tenant's
// request budget is enforced uniformly.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClient(cfg models.TenantConfig) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("STORELY_API_BASE_URL"))
	if baseURL == "" {
		domain := strings.TrimSpace(cfg.StoreDomain)
		if domain == "" {
			return nil, errors.New("storely base url is empty")
		}
		baseURL = "https://" + domain
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("STORELY_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(cfg.ApiKeyRef) == "" {
		return nil, errors.New("storely api key is empty")
	}

	rateLimitPerMin := cfg.RateLimitPerMin
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = utils.IntFromEnv("STORELY_RATE_LIMIT_PER_MIN", 10)
	}
	// The env override can itself be zero or negative; one request per
	// minute is the floor.
	if rateLimitPerMin < 1 {
		rateLimitPerMin = 1
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    cfg.ApiKeyRef,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dest interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, dest interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

// download streams a bulk export result. The result URL may be a signed
// location off the API host, but it still counts against the rate limit.
func (c *Client) download(ctx context.Context, fileURL string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.limiter:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(fileURL, c.baseURL) {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}

func (c *Client) do(req *http.Request, dest interface{}) error {
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-c.limiter:
	}

	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if dest == nil {
		return nil
	}
	return json.Unmarshal(body, dest)
}
