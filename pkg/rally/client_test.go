package rally

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alagonterie/tabby/pkg/models"
)

// queryServer fakes the upstream query endpoint with a fixed dataset.
func queryServer(t *testing.T, total int, requireKey string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requireKey != "" && r.Header.Get(sessionHeader) != requireKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pagesize"))

		results := make([]models.Record, 0, pageSize)
		for i := start; i < start+pageSize && i <= total; i++ {
			results = append(results, models.Record{
				"ObjectUUID": fmt.Sprintf("d-%d", i),
				"Name":       fmt.Sprintf("Defect %d", i),
			})
		}

		resp := map[string]interface{}{
			"QueryResult": map[string]interface{}{
				"TotalResultCount": total,
				"StartIndex":       start,
				"PageSize":         pageSize,
				"Results":          results,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestFetchAllPagesThroughResults(t *testing.T) {
	srv := queryServer(t, 7, "key-1")
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key-1"})
	require.NoError(t, err)

	records, err := c.FetchAll(context.Background(), "Defect", 3, 100)
	require.NoError(t, err)
	require.Len(t, records, 7)
	assert.Equal(t, "d-1", records[0]["ObjectUUID"])
	assert.Equal(t, "d-7", records[6]["ObjectUUID"])
}

func TestFetchAllHonorsLimit(t *testing.T) {
	srv := queryServer(t, 50, "")
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key-1"})
	require.NoError(t, err)

	records, err := c.FetchAll(context.Background(), "Defect", 20, 5)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestFetchAllPropagatesHTTPErrors(t *testing.T) {
	srv := queryServer(t, 7, "right-key")
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "wrong-key"})
	require.NoError(t, err)

	_, err = c.FetchAll(context.Background(), "Defect", 3, 100)
	assert.Error(t, err)
}

func TestFetchAllPropagatesQueryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"QueryResult": {"Errors": ["Could not parse query"], "Results": []}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key-1"})
	require.NoError(t, err)

	_, err = c.FetchAll(context.Background(), "Defect", 3, 100)
	assert.Error(t, err)
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{APIKey: "key-1"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "https://example.com"})
	assert.Error(t, err)
}
