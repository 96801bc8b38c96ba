package vendors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgrid/price_reconciler/internal/fetch"
	"github.com/dealgrid/price_reconciler/internal/ratelimit"
	"github.com/dealgrid/price_reconciler/internal/testhelpers"
)

func newAdapter(t *testing.T, baseURL string) *HTTPJSONAdapter {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{DefaultRate: 1000, DefaultBurst: 100, MaxQueueDepth: 10}, nil, testhelpers.Logger())
	client := fetch.NewClient(fetch.ClientConfig{MaxAttempts: 1}, limiter, testhelpers.Logger())
	adapter, err := NewHTTPJSONAdapter(baseURL, client)
	require.NoError(t, err)
	return adapter
}

func TestLookup_BySKU(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/offers/SKU-123", r.URL.Path)
		w.Write([]byte(`{"url":"https://shop.example/p/123","sku":"SKU-123","name":"Rocket Skates","price":49.99}`)) //nolint:errcheck
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	offer, err := adapter.Lookup(context.Background(), "rocket skates", Hint{SourceSKU: "SKU-123"})
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, 49.99, offer.Price)
	assert.Equal(t, "SKU-123", offer.SourceSKU)
}

func TestLookup_BySKUNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	offer, err := adapter.Lookup(context.Background(), "rocket skates", Hint{SourceSKU: "SKU-404"})
	require.NoError(t, err)
	assert.Nil(t, offer)
}

func TestLookup_SearchWrappedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/search", r.URL.Path)
		assert.Equal(t, "rocket skates", r.URL.Query().Get("q"))
		w.Write([]byte(`{"offers":[{"url":"https://shop.example/p/1","sku":"S1","price":10},{"url":"https://shop.example/p/2","sku":"S2","price":12}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	offer, err := adapter.Lookup(context.Background(), "rocket skates", Hint{})
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, "S1", offer.SourceSKU)
}

func TestLookup_SearchBareArrayShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"url":"https://shop.example/p/9","sku":"S9","price":7.5}]`)) //nolint:errcheck
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	offer, err := adapter.Lookup(context.Background(), "anything", Hint{})
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, 7.5, offer.Price)
}

func TestLookup_SearchEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"offers":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	offer, err := adapter.Lookup(context.Background(), "nothing", Hint{})
	require.NoError(t, err)
	assert.Nil(t, offer)
}

func TestLookup_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>definitely not json</html>`)) //nolint:errcheck
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	_, err := adapter.Lookup(context.Background(), "anything", Hint{})
	assert.ErrorIs(t, err, ErrParse)
}

func TestNewHTTPJSONAdapter_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPJSONAdapter("", nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.VendorIDs())

	a := newAdapter(t, "https://a.example")
	b := newAdapter(t, "https://b.example")
	reg.Register("vendor-b", b)
	reg.Register("vendor-a", a)

	got, ok := reg.Get("vendor-a")
	assert.True(t, ok)
	assert.Same(t, a, got)

	_, ok = reg.Get("vendor-c")
	assert.False(t, ok)

	assert.Equal(t, []string{"vendor-a", "vendor-b"}, reg.VendorIDs())
}
