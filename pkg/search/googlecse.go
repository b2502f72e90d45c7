package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the Google Custom Search JSON API.
	DefaultEndpoint = "https://www.googleapis.com/customsearch/v1"

	// pageSize is Google Custom Search's maximum results per call.
	pageSize = 10

	// maxTotalResults is the API's hard pagination ceiling.
	maxTotalResults = 100
)

// GoogleCSE queries the Google Custom Search JSON API.
type GoogleCSE struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	cxKey      string
}

// GoogleOption configures a GoogleCSE client.
type GoogleOption func(*GoogleCSE)

// WithEndpoint overrides the API endpoint, mainly for tests.
func WithEndpoint(endpoint string) GoogleOption {
	return func(c *GoogleCSE) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) GoogleOption {
	return func(c *GoogleCSE) {
		c.httpClient = client
	}
}

// NewGoogleCSE creates a client. Empty keys fall back to the
// GOOGLE_API_KEY and GOOGLE_CX_KEY environment variables.
func NewGoogleCSE(apiKey, cxKey string, opts ...GoogleOption) (*GoogleCSE, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if cxKey == "" {
		cxKey = os.Getenv("GOOGLE_CX_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required (provide via parameter or GOOGLE_API_KEY environment variable)")
	}
	if cxKey == "" {
		return nil, fmt.Errorf("google CX key is required (provide via parameter or GOOGLE_CX_KEY environment variable)")
	}

	c := &GoogleCSE{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		endpoint:   DefaultEndpoint,
		apiKey:     apiKey,
		cxKey:      cxKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type googleItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type googleResponse struct {
	Items []googleItem `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Search runs the query, paginating in pages of ten and deduplicating
// by link. Domain constraints become an OR-joined site: prefix on the
// query.
func (c *GoogleCSE) Search(ctx context.Context, query string, constraints Constraints) ([]Result, error) {
	maxResults := constraints.MaxResults
	if maxResults <= 0 {
		maxResults = pageSize
	}
	if maxResults > maxTotalResults {
		maxResults = maxTotalResults
	}

	if len(constraints.Domains) > 0 {
		sites := make([]string, len(constraints.Domains))
		for i, domain := range constraints.Domains {
			sites[i] = "site:" + domain
		}
		query = fmt.Sprintf("(%s) %s", strings.Join(sites, " OR "), query)
	}

	var (
		results []Result
		seen    = make(map[string]bool)
	)
	for start := 1; len(results) < maxResults && start <= maxTotalResults; start += pageSize {
		page, err := c.fetchPage(ctx, query, start)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, item := range page {
			if item.Link == "" || seen[item.Link] {
				continue
			}
			seen[item.Link] = true
			results = append(results, Result{
				URL:     item.Link,
				Title:   item.Title,
				Snippet: item.Snippet,
			})
			if len(results) >= maxResults {
				break
			}
		}
	}
	return results, nil
}

func (c *GoogleCSE) fetchPage(ctx context.Context, query string, start int) ([]googleItem, error) {
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("cx", c.cxKey)
	params.Set("q", query)
	params.Set("start", strconv.Itoa(start))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	var parsed googleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("search provider error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider returned status %d", resp.StatusCode)
	}
	return parsed.Items, nil
}
