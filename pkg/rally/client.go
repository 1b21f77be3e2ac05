// Package rally is the client for the upstream work-tracking web service.
// The bulk loader uses it to fetch full entity datasets page by page.
package rally

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/models"
)

const apiPath = "/slm/webservice/v2.0"

// sessionHeader carries the API key on every request.
const sessionHeader = "zsessionid"

// Config holds client settings.
type Config struct {
	// BaseURL is the service root, e.g. https://rally1.rallydev.com.
	BaseURL string
	// APIKey authenticates every request.
	APIKey string
	// Timeout bounds one page request. Defaults to 30s.
	Timeout time.Duration
}

// Client is a paged fetcher for upstream entity records. It satisfies the
// bulk loader's Fetcher interface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// queryResult is the wire shape of one query response page.
type queryResult struct {
	QueryResult struct {
		Errors           []string        `json:"Errors"`
		Warnings         []string        `json:"Warnings"`
		TotalResultCount int             `json:"TotalResultCount"`
		StartIndex       int             `json:"StartIndex"`
		PageSize         int             `json:"PageSize"`
		Results          []models.Record `json:"Results"`
	} `json:"QueryResult"`
}

// NewClient creates a client with a pooled, HTTP/2-enabled transport.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "rally base url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "rally api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to configure http2 transport")
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: logger.With(zap.String("component", "rally_client")),
	}, nil
}

// FetchAll retrieves up to limit records for one entity type, paging
// through the query endpoint. Progress is logged per page since full
// pulls of large entities can take a while.
func (c *Client) FetchAll(ctx context.Context, entity string, pageSize, limit int) ([]models.Record, error) {
	if pageSize <= 0 || limit <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "page size and limit must be positive").
			WithDetail("page_size", pageSize).
			WithDetail("limit", limit)
	}

	records := make([]models.Record, 0, limit)
	start := 1
	total := -1
	for {
		page, err := c.fetchPage(ctx, entity, pageSize, start)
		if err != nil {
			return nil, err
		}
		if total < 0 {
			total = page.QueryResult.TotalResultCount
			if total > limit {
				total = limit
			}
		}

		records = append(records, page.QueryResult.Results...)
		if len(records) > limit {
			records = records[:limit]
		}

		c.logger.Info("loading entity records",
			zap.String("entity", entity),
			zap.Int("loaded", len(records)),
			zap.Int("total", total))

		if len(records) >= total || len(page.QueryResult.Results) == 0 {
			return records, nil
		}
		start += len(page.QueryResult.Results)
	}
}

// fetchPage requests one page of query results.
func (c *Client) fetchPage(ctx context.Context, entity string, pageSize, start int) (*queryResult, error) {
	q := url.Values{}
	q.Set("fetch", "true")
	q.Set("pagesize", fmt.Sprint(pageSize))
	q.Set("start", fmt.Sprint(start))
	q.Set("projectScopeUp", "true")
	q.Set("projectScopeDown", "true")

	endpoint := fmt.Sprintf("%s%s/%s?%s", c.baseURL, apiPath, url.PathEscape(entity), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set(sessionHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "query request failed").
			WithDetail("entity", entity)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.New(errors.ErrorTypeQuery, "query returned non-200 status").
			WithDetail("entity", entity).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(body))
	}

	var result queryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode query response").
			WithDetail("entity", entity)
	}
	if len(result.QueryResult.Errors) > 0 {
		return nil, errors.New(errors.ErrorTypeQuery, "query returned errors").
			WithDetail("entity", entity).
			WithDetail("errors", strings.Join(result.QueryResult.Errors, "; "))
	}
	return &result, nil
}
