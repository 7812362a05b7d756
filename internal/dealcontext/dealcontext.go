// Package dealcontext fetches deal metadata from the external context
// provider and caches it for a minutes-scale TTL.
package dealcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxhive/dialog-engine/internal/kvcache"
)

const cacheKeyPrefix = "dialog:dealctx:"

// DealContext describes the property a conversation is about. A nil context
// is a valid answer: the provider may simply not know the deal.
type DealContext struct {
	DealID      string  `json:"deal_id"`
	OwnerName   string  `json:"owner_name"`
	Address     string  `json:"address"`
	Price       string  `json:"price"`
	DealCount   int     `json:"deal_count"`
	Description string  `json:"description,omitempty"`
	Rooms       float64 `json:"rooms,omitempty"`
}

type Provider struct {
	baseURL  string
	client   *http.Client
	cache    kvcache.Store
	cacheTTL time.Duration
	logger   *slog.Logger
}

// New builds the provider client. An empty baseURL disables external lookups
// entirely; GetContext then always answers nil.
func New(baseURL string, timeout, cacheTTL time.Duration, cache kvcache.Store, logger *slog.Logger) *Provider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:   &http.Client{Timeout: timeout},
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.With("component", "dealcontext"),
	}
}

// GetContext resolves the deal context for contextID, serving from cache
// when possible. Unknown deals return (nil, nil); transport failures return
// an error so callers can decide whether the flow may proceed without
// context.
func (p *Provider) GetContext(ctx context.Context, contextID string) (*DealContext, error) {
	contextID = strings.TrimSpace(contextID)
	if contextID == "" || p.baseURL == "" {
		return nil, nil
	}

	if cached, hit, err := p.cache.Get(ctx, cacheKeyPrefix+contextID); err == nil && hit {
		var deal DealContext
		if err := json.Unmarshal([]byte(cached), &deal); err == nil {
			return &deal, nil
		}
		// Poisoned cache entry: fall through to a fresh fetch.
	}

	deal, err := p.fetch(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, nil
	}

	if encoded, err := json.Marshal(deal); err == nil {
		if err := p.cache.Set(ctx, cacheKeyPrefix+contextID, string(encoded), p.cacheTTL); err != nil {
			p.logger.Warn("deal context cache write failed", "error", err, "context_id", contextID)
		}
	}
	return deal, nil
}

func (p *Provider) fetch(ctx context.Context, contextID string) (*DealContext, error) {
	endpoint := p.baseURL + "/contexts/" + url.PathEscape(contextID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build context request: %w", err)
	}

	response, err := p.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetch deal context: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return nil, fmt.Errorf("context provider returned %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	var deal DealContext
	if err := json.NewDecoder(response.Body).Decode(&deal); err != nil {
		return nil, fmt.Errorf("decode deal context: %w", err)
	}
	if deal.DealID == "" {
		deal.DealID = contextID
	}
	return &deal, nil
}
