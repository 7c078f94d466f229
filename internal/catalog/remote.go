package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/clinovia/go-omb/internal/domain/order"
	"github.com/clinovia/go-omb/pkg/circuitbreaker"
)

// RemoteClient resolves catalog ids against an external catalog service.
// Calls go through a per-kind circuit breaker so a slow catalog backend
// cannot stall order composition.
type RemoteClient struct {
	baseURL  string
	http     *http.Client
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
}

// NewRemoteClient creates a new remote catalog client
func NewRemoteClient(baseURL string, breakers *circuitbreaker.Manager, logger *zap.Logger) *RemoteClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteClient{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 5 * time.Second},
		breakers: breakers,
		logger:   logger,
	}
}

type remoteEntry struct {
	CatalogID string `json:"catalog_id"`
	Name      string `json:"name"`
	Cost      int64  `json:"cost"`
}

// Resolve fetches a catalog entry from the remote service.
func (c *RemoteClient) Resolve(ctx context.Context, kind order.ItemKind, catalogID string) (*Entry, error) {
	cb, err := c.breakers.GetOrCreate("catalog-"+string(kind), circuitbreaker.DefaultConfig("catalog-"+string(kind)))
	if err != nil {
		return nil, err
	}

	result, err := cb.Execute(ctx, func() (interface{}, error) {
		return c.fetch(ctx, kind, catalogID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Entry), nil
}

func (c *RemoteClient) fetch(ctx context.Context, kind order.ItemKind, catalogID string) (*Entry, error) {
	endpoint := fmt.Sprintf("%s/catalogs/%s/%s", c.baseURL, url.PathEscape(string(kind)), url.PathEscape(catalogID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownCatalogID, kind, catalogID)
	default:
		return nil, fmt.Errorf("catalog service returned %d", resp.StatusCode)
	}

	var re remoteEntry
	if err := json.NewDecoder(resp.Body).Decode(&re); err != nil {
		return nil, fmt.Errorf("decode catalog entry: %w", err)
	}

	return &Entry{CatalogID: re.CatalogID, Name: re.Name, Cost: re.Cost}, nil
}
