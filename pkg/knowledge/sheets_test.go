package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchTabsParsesBatchGet(t *testing.T) {
	var gotPath string
	var gotRanges []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRanges = r.URL.Query()["ranges"]
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"valueRanges": [
				{"range": "branches!A1:Z100", "values": [["id","name"],["b1","Centro"]]},
				{"range": "'canned'!A1:Z100", "values": [["trigger","response"],["hola","¡Hola!"]]},
				{"range": "products!A1:Z100"}
			]
		}`))
	}))
	defer server.Close()

	c := NewSheetsClient("sheet-1", "test-key", WithBaseURL(server.URL))
	tabs, err := c.FetchTabs(context.Background(), []string{"branches", "canned", "products"})
	require.NoError(t, err)

	assert.Equal(t, "/sheet-1/values:batchGet", gotPath)
	assert.Equal(t, []string{"branches", "canned", "products"}, gotRanges)

	require.Contains(t, tabs, "branches")
	assert.Equal(t, [][]string{{"id", "name"}, {"b1", "Centro"}}, tabs["branches"])
	// Quoted range titles are unquoted.
	require.Contains(t, tabs, "canned")
	// Tabs without values are absent.
	assert.NotContains(t, tabs, "products")
}

func TestFetchTabsRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"valueRanges": [{"range": "branches!A1:B2", "values": [["id"],["b1"]]}]}`))
	}))
	defer server.Close()

	c := NewSheetsClient("sheet-1", "test-key", WithBaseURL(server.URL))
	tabs, err := c.FetchTabs(context.Background(), []string{"branches"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, tabs, "branches")
}

func TestFetchTabsDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewSheetsClient("sheet-1", "test-key", WithBaseURL(server.URL))
	_, err := c.FetchTabs(context.Background(), []string{"branches"})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestFetchTabsRequiresCredentials(t *testing.T) {
	c := NewSheetsClient("", "")
	_, err := c.FetchTabs(context.Background(), []string{"branches"})
	require.Error(t, err)
}
