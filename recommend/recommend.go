// Package recommend adapts an external embedding plus vector-search
// service into book recommendations over the local dataset.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-books-api/dataset"
)

// ErrUnavailable is returned when the vector service cannot be reached
// or answers with a server error.
var ErrUnavailable = errors.New("recommendation service unavailable")

const (
	defaultTopK      = 5
	defaultCacheSize = 256
	upsertBatchSize  = 100
)

// Client talks to the vector service and maps results back to dataset
// records. Query results are cached by normalized query text; the
// cache is small because queries repeat heavily in practice.
type Client struct {
	baseURL string
	apiKey  string
	topK    int
	http    *http.Client
	cache   *lru.Cache[string, []int]
}

// NewClient builds a client for the service at baseURL. topK <= 0
// selects the default of 5.
func NewClient(baseURL, apiKey string, topK int) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("recommendation service url is required")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	cache, err := lru.New[string, []int](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("build result cache: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		topK:    topK,
		http:    &http.Client{Timeout: 15 * time.Second},
		cache:   cache,
	}, nil
}

// Recommend embeds the query, asks the vector index for the top-k
// nearest book ids, and resolves them against the store in rank order.
// Ids unknown to the current dataset generation are dropped.
func (c *Client) Recommend(ctx context.Context, store *dataset.Store, query string) ([]*dataset.Record, error) {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if normalized == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	ids, ok := c.cache.Get(normalized)
	if !ok {
		vector, err := c.embed(ctx, normalized)
		if err != nil {
			return nil, err
		}
		ids, err = c.query(ctx, vector)
		if err != nil {
			return nil, err
		}
		c.cache.Add(normalized, ids)
	}

	out := make([]*dataset.Record, 0, len(ids))
	for _, id := range ids {
		record, err := store.Get(id)
		if err != nil {
			if errors.Is(err, dataset.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// IndexBooks pushes embeddings for every record so future queries can
// match them. Records are upserted in batches; the text fed to the
// embedder combines title and category.
func (c *Client) IndexBooks(ctx context.Context, records []*dataset.Record) error {
	batch := make([]upsertItem, 0, upsertBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.upsert(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, record := range records {
		text := fmt.Sprintf("Title: %s Category: %s", record.Title, record.Category)
		vector, err := c.embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed book %d: %w", record.ID, err)
		}
		batch = append(batch, upsertItem{
			ID:     strconv.Itoa(record.ID),
			Values: vector,
			Metadata: map[string]string{
				"title":    record.Title,
				"category": record.Category,
			},
		})
		if len(batch) >= upsertBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// InvalidateCache drops cached query results, for after a re-index.
func (c *Client) InvalidateCache() {
	c.cache.Purge()
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (c *Client) embed(ctx context.Context, text string) ([]float64, error) {
	var resp embedResponse
	if err := c.post(ctx, "/embeddings", embedRequest{Input: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding: %w", ErrUnavailable)
	}
	return resp.Embedding, nil
}

type queryRequest struct {
	Vector []float64 `json:"vector"`
	TopK   int       `json:"top_k"`
}

type queryResponse struct {
	Matches []struct {
		ID string `json:"id"`
	} `json:"matches"`
}

func (c *Client) query(ctx context.Context, vector []float64) ([]int, error) {
	var resp queryResponse
	if err := c.post(ctx, "/query", queryRequest{Vector: vector, TopK: c.topK}, &resp); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		id, err := strconv.Atoi(match.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type upsertItem struct {
	ID       string            `json:"id"`
	Values   []float64         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type upsertRequest struct {
	Vectors []upsertItem `json:"vectors"`
}

func (c *Client) upsert(ctx context.Context, items []upsertItem) error {
	return c.post(ctx, "/vectors/upsert", upsertRequest{Vectors: items}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
