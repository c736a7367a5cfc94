package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-books-api/dataset"
)

const fixtureCSV = `id,title,price,rating,avaliability,category,image_url
1,A Light in the Attic,51.77,3,22,Poetry,
2,Tipping the Velvet,53.74,1,20,Historical Fiction,
3,It's Only the Himalayas,45.17,2,19,Travel,
`

func fixtureStore(t *testing.T) *dataset.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "books.csv")
	if err := os.WriteFile(path, []byte(fixtureCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return dataset.NewStore(path)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient("http://vectors.test", "test-key", 5)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	httpmock.ActivateNonDefault(c.http)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func registerEmbed(t *testing.T) {
	t.Helper()
	httpmock.RegisterResponder(http.MethodPost, "http://vectors.test/embeddings",
		func(req *http.Request) (*http.Response, error) {
			if got := req.Header.Get("Api-Key"); got != "test-key" {
				t.Errorf("Api-Key header = %q, want test-key", got)
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"embedding": []float64{0.1, 0.2, 0.3},
			})
		})
}

func registerQuery(t *testing.T, ids ...string) {
	t.Helper()
	matches := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		matches = append(matches, map[string]string{"id": id})
	}
	httpmock.RegisterResponder(http.MethodPost, "http://vectors.test/query",
		func(req *http.Request) (*http.Response, error) {
			var body struct {
				Vector []float64 `json:"vector"`
				TopK   int       `json:"top_k"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				t.Errorf("decode query request: %v", err)
			}
			if body.TopK != 5 {
				t.Errorf("top_k = %d, want 5", body.TopK)
			}
			if len(body.Vector) == 0 {
				t.Error("query request missing vector")
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"matches": matches,
			})
		})
}

func TestRecommendPreservesRankOrder(t *testing.T) {
	c := newTestClient(t)
	store := fixtureStore(t)

	registerEmbed(t)
	registerQuery(t, "3", "1")

	records, err := c.Recommend(context.Background(), store, "mountain adventures")
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != 3 || records[1].ID != 1 {
		t.Errorf("rank order = [%d, %d], want [3, 1]", records[0].ID, records[1].ID)
	}
}

func TestRecommendDropsUnknownIDs(t *testing.T) {
	c := newTestClient(t)
	store := fixtureStore(t)

	registerEmbed(t)
	registerQuery(t, "2", "999", "not-a-number")

	records, err := c.Recommend(context.Background(), store, "velvet")
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ID != 2 {
		t.Errorf("record id = %d, want 2", records[0].ID)
	}
}

func TestRecommendCachesByNormalizedQuery(t *testing.T) {
	c := newTestClient(t)
	store := fixtureStore(t)

	registerEmbed(t)
	registerQuery(t, "1")

	if _, err := c.Recommend(context.Background(), store, "Poetry  Books"); err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	// Differs only in case and spacing; must hit the cache.
	if _, err := c.Recommend(context.Background(), store, "  poetry books "); err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}

	info := httpmock.GetCallCountInfo()
	if got := info["POST http://vectors.test/embeddings"]; got != 1 {
		t.Errorf("embeddings calls = %d, want 1", got)
	}
	if got := info["POST http://vectors.test/query"]; got != 1 {
		t.Errorf("query calls = %d, want 1", got)
	}
}

func TestRecommendServiceDown(t *testing.T) {
	c := newTestClient(t)
	store := fixtureStore(t)

	httpmock.RegisterResponder(http.MethodPost, "http://vectors.test/embeddings",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	if _, err := c.Recommend(context.Background(), store, "anything"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Recommend() error = %v, want ErrUnavailable", err)
	}
}

func TestRecommendServiceServerError(t *testing.T) {
	c := newTestClient(t)
	store := fixtureStore(t)

	registerEmbed(t)
	httpmock.RegisterResponder(http.MethodPost, "http://vectors.test/query",
		httpmock.NewStringResponder(http.StatusBadGateway, "oops"))

	if _, err := c.Recommend(context.Background(), store, "anything"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Recommend() error = %v, want ErrUnavailable", err)
	}
}

func TestRecommendEmptyQuery(t *testing.T) {
	c := newTestClient(t)
	store := fixtureStore(t)

	if _, err := c.Recommend(context.Background(), store, "   "); err == nil {
		t.Error("Recommend() with blank query should fail")
	}
}

func TestIndexBooksBatchesUpserts(t *testing.T) {
	c := newTestClient(t)

	registerEmbed(t)

	var mu sync.Mutex
	var batchSizes []int
	var firstID string
	httpmock.RegisterResponder(http.MethodPost, "http://vectors.test/vectors/upsert",
		func(req *http.Request) (*http.Response, error) {
			var body struct {
				Vectors []struct {
					ID       string            `json:"id"`
					Values   []float64         `json:"values"`
					Metadata map[string]string `json:"metadata"`
				} `json:"vectors"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				t.Errorf("decode upsert request: %v", err)
			}
			mu.Lock()
			batchSizes = append(batchSizes, len(body.Vectors))
			if firstID == "" && len(body.Vectors) > 0 {
				firstID = body.Vectors[0].ID
			}
			mu.Unlock()
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{})
		})

	records := make([]*dataset.Record, 0, 150)
	for i := 1; i <= 150; i++ {
		records = append(records, &dataset.Record{
			ID:       i,
			Title:    "Book",
			Category: "Fiction",
		})
	}

	if err := c.IndexBooks(context.Background(), records); err != nil {
		t.Fatalf("IndexBooks() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batchSizes) != 2 || batchSizes[0] != 100 || batchSizes[1] != 50 {
		t.Errorf("batch sizes = %v, want [100 50]", batchSizes)
	}
	if firstID != "1" {
		t.Errorf("first upserted id = %q, want 1", firstID)
	}
}
