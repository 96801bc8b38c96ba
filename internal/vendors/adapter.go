// Package vendors defines the boundary to per-vendor data extraction. The
// reconciliation engine only depends on the Adapter interface; concrete
// connectors with site-specific logic live behind it. The bundled HTTP JSON
// adapter speaks a generic offers API and carries no retailer-specific rules.
package vendors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/dealgrid/price_reconciler/internal/fetch"
)

// ErrParse is returned when a vendor response cannot be decoded. Callers
// treat it like any other lookup failure: the vendor simply has no hit.
var ErrParse = errors.New("vendors: malformed response")

// Hint carries the remembered source coordinates for a vendor that was seen
// before, so the adapter can re-query directly instead of searching.
type Hint struct {
	SourceSKU string
	SourceURL string
}

// Offer is a normalized vendor lookup result.
type Offer struct {
	URL       string  `json:"url"`
	SourceSKU string  `json:"sku"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
}

// Adapter abstracts one vendor's lookup logic. A nil offer with nil error
// means the vendor has no listing for the identifier; an error means the
// lookup itself failed (transport, decode) and is treated as no-hit upstream.
type Adapter interface {
	Lookup(ctx context.Context, identifier string, hint Hint) (*Offer, error)
}

// ==================== Registry ====================

// Registry maps vendor ids to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for a vendor id
func (r *Registry) Register(vendorID string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[vendorID] = adapter
}

// Get returns the adapter for a vendor id
func (r *Registry) Get(vendorID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[vendorID]
	return adapter, ok
}

// VendorIDs returns all registered vendor ids, sorted
func (r *Registry) VendorIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ==================== HTTP JSON adapter ====================

// HTTPJSONAdapter expects a JSON offers API under a base URL:
//
//	GET {base}/api/offers/{sku}       -> {"url":..,"sku":..,"name":..,"price":..}
//	GET {base}/api/search?q={query}   -> {"offers":[{..}, ...]} or [{..}, ...]
//
// It rides on the rate-gated fetch client, so per-origin limits and
// throttling penalties apply to every call.
type HTTPJSONAdapter struct {
	baseURL string
	client  *fetch.Client
}

// NewHTTPJSONAdapter creates an adapter for one vendor's offers API
func NewHTTPJSONAdapter(baseURL string, client *fetch.Client) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, errors.New("vendors: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("vendors: invalid base url: %w", err)
	}
	return &HTTPJSONAdapter{
		baseURL: strings.TrimRight(base, "/"),
		client:  client,
	}, nil
}

// Lookup queries by remembered SKU when available, otherwise searches by the
// identifier and takes the first offer.
func (a *HTTPJSONAdapter) Lookup(ctx context.Context, identifier string, hint Hint) (*Offer, error) {
	if hint.SourceSKU != "" {
		return a.fetchBySKU(ctx, hint.SourceSKU)
	}
	return a.search(ctx, identifier)
}

func (a *HTTPJSONAdapter) fetchBySKU(ctx context.Context, sku string) (*Offer, error) {
	result, err := a.client.Get(ctx, a.baseURL+"/api/offers/"+url.PathEscape(sku))
	if err != nil {
		return nil, err
	}
	if result.Status == 404 {
		return nil, nil
	}
	if !result.Success {
		return nil, fmt.Errorf("vendors: offer fetch failed with status %d", result.Status)
	}

	var offer Offer
	if err := json.Unmarshal(result.Data, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &offer, nil
}

func (a *HTTPJSONAdapter) search(ctx context.Context, identifier string) (*Offer, error) {
	u := a.baseURL + "/api/search?q=" + url.QueryEscape(strings.TrimSpace(identifier))
	result, err := a.client.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("vendors: search failed with status %d", result.Status)
	}

	offers, err := decodeSearch(result.Data)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, nil
	}
	return &offers[0], nil
}

// decodeSearch accepts both the wrapped and the bare-array response shape
func decodeSearch(data []byte) ([]Offer, error) {
	var wrapped struct {
		Offers []Offer `json:"offers"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Offers != nil {
		return wrapped.Offers, nil
	}

	var bare []Offer
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return bare, nil
}
