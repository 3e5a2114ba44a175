// Package pclient is the HTTP JSON client for the prebooru server API.
package pclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"boorusync/internal/metrics"
	"boorusync/internal/model"

	"golang.org/x/time/rate"
)

// recordBatchSize is the maximum id count per search[id] request.
const recordBatchSize = 100

// Client defines the server operations the engine uses.
type Client interface {
	GetRecords(ctx context.Context, entity model.EntityType, ids []int) ([]model.RemoteRecord, error)
	SearchRecords(ctx context.Context, entity model.EntityType, filter url.Values) ([]model.RemoteRecord, error)
	CreateUpload(ctx context.Context, requestURL string, imageURLs []string, force bool) (*model.UploadStatusResult, error)
	GetUploads(ctx context.Context, ids []int) ([]model.UploadStatusResult, error)
	CreatePoolElement(ctx context.Context, poolID int, postID, illustID *int) (*model.PoolReference, error)
	GetPools(ctx context.Context, limit int) ([]model.PoolReference, error)
}

// APIError is a server-reported business error (data.error === true).
type APIError struct{ Message string }

func (e *APIError) Error() string { return "server error: " + e.Message }

// IsDuplicateUpload reports whether err is the server's duplicate-upload
// rejection, which callers turn into a reconciliation query instead of a
// plain notice.
func IsDuplicateUpload(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "Upload already exists")
}

// HTTPClient talks to a prebooru server over its JSON endpoints.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     newDefaultLimiter(),
		maxAttempts: 5,
		baseBackoff: 500 * time.Millisecond,
	}
}

// GetRecords fetches records of one entity type by id list, chunked to the
// server's batch limit.
func (c *HTTPClient) GetRecords(ctx context.Context, entity model.EntityType, ids []int) ([]model.RemoteRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.RemoteRecord
	for i := 0; i < len(ids); i += recordBatchSize {
		end := i + recordBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		params := url.Values{}
		params.Set("search[id]", joinInts(ids[i:end]))
		records, err := c.getRecords(ctx, entity.Plural(), params)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// SearchRecords fetches records matching an entity-specific filter. The
// filter keys are already bracketed search parameters.
func (c *HTTPClient) SearchRecords(ctx context.Context, entity model.EntityType, filter url.Values) ([]model.RemoteRecord, error) {
	return c.getRecords(ctx, entity.Plural(), filter)
}

func (c *HTTPClient) getRecords(ctx context.Context, plural string, params url.Values) ([]model.RemoteRecord, error) {
	var raw []map[string]any
	if err := c.getJSON(ctx, "/"+plural+".json", params, &raw); err != nil {
		return nil, err
	}
	out := make([]model.RemoteRecord, 0, len(raw))
	for _, doc := range raw {
		id, ok := numericID(doc["id"])
		if !ok {
			continue
		}
		out = append(out, model.RemoteRecord{ID: id, Data: doc})
	}
	return out, nil
}

type uploadResponse struct {
	Error   bool                      `json:"error"`
	Message string                    `json:"message"`
	Item    *model.UploadStatusResult `json:"item"`
}

// CreateUpload submits a new upload job for a timeline item's request URL.
func (c *HTTPClient) CreateUpload(ctx context.Context, requestURL string, imageURLs []string, force bool) (*model.UploadStatusResult, error) {
	body := map[string]any{
		"upload": map[string]any{"request_url": requestURL},
		"force":  force,
	}
	if len(imageURLs) > 0 {
		body["upload"].(map[string]any)["image_urls"] = imageURLs
	}
	var resp uploadResponse
	if err := c.postJSON(ctx, "/uploads.json", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error {
		return nil, &APIError{Message: resp.Message}
	}
	return resp.Item, nil
}

// GetUploads polls current status for the given upload job ids, chunked to
// the server's batch limit like GetRecords.
func (c *HTTPClient) GetUploads(ctx context.Context, ids []int) ([]model.UploadStatusResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.UploadStatusResult
	for i := 0; i < len(ids); i += recordBatchSize {
		end := i + recordBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		params := url.Values{}
		params.Set("search[id]", joinInts(ids[i:end]))
		var page []model.UploadStatusResult
		if err := c.getJSON(ctx, "/uploads.json", params, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

type poolElementResponse struct {
	Error   bool                 `json:"error"`
	Message string               `json:"message"`
	Pool    *model.PoolReference `json:"pool"`
}

// CreatePoolElement assigns a post or illust into a pool and returns the
// updated pool reference. Exactly one of postID/illustID should be set.
func (c *HTTPClient) CreatePoolElement(ctx context.Context, poolID int, postID, illustID *int) (*model.PoolReference, error) {
	element := map[string]any{"pool_id": poolID}
	if illustID != nil {
		element["illust_id"] = *illustID
	} else if postID != nil {
		element["post_id"] = *postID
	} else {
		return nil, errors.New("pool element needs a post or illust id")
	}
	var resp poolElementResponse
	if err := c.postJSON(ctx, "/pool_elements.json", map[string]any{"pool_element": element}, &resp); err != nil {
		return nil, err
	}
	if resp.Error {
		return nil, &APIError{Message: resp.Message}
	}
	return resp.Pool, nil
}

// GetPools lists pools for the selection dialog.
func (c *HTTPClient) GetPools(ctx context.Context, limit int) ([]model.PoolReference, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out []model.PoolReference
	if err := c.getJSON(ctx, "/pools.json", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type genericResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// CreateIllust creates an illust record directly from timeline metadata.
func (c *HTTPClient) CreateIllust(ctx context.Context, illust map[string]any) error {
	var resp genericResponse
	if err := c.postJSON(ctx, "/illusts.json", map[string]any{"illust": illust}, &resp); err != nil {
		return err
	}
	if resp.Error {
		return &APIError{Message: resp.Message}
	}
	return nil
}

// CreateNotation attaches a notation to an existing record.
func (c *HTTPClient) CreateNotation(ctx context.Context, notation map[string]any) error {
	var resp genericResponse
	if err := c.postJSON(ctx, "/notations.json", map[string]any{"notation": notation}, &resp); err != nil {
		return err
	}
	if resp.Error {
		return &APIError{Message: resp.Message}
	}
	return nil
}

// AppendTags appends tags to an existing post.
func (c *HTTPClient) AppendTags(ctx context.Context, postID int, tags []string) error {
	body := map[string]any{"tag": map[string]any{"post_id": postID, "names": tags}}
	var resp genericResponse
	if err := c.postJSON(ctx, "/tags/append.json", body, &resp); err != nil {
		return err
	}
	if resp.Error {
		return &APIError{Message: resp.Message}
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(ctx, req, path, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(ctx, req, path, out)
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, req, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("prebooru api status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
				ra := resp.Header.Get("Retry-After")
				_ = resp.Body.Close()
				wait := backoff
				if ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 {
							wait = d
						}
					}
				}
				metrics.IncAPIRetry(endpoint)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		metrics.IncAPIRetry(endpoint)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", c.maxAttempts, lastErr)
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func numericID(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
