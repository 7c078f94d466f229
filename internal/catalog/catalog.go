// Package catalog resolves catalog ids to display names and costs at
// order-build time. Catalog data is owned elsewhere; this package only reads.
package catalog

import (
	"context"
	"errors"

	"github.com/clinovia/go-omb/internal/domain/order"
)

// ErrUnknownCatalogID indicates the catalog id does not resolve.
var ErrUnknownCatalogID = errors.New("unknown catalog id")

// Entry is a resolved catalog item.
type Entry struct {
	CatalogID string
	Name      string
	Cost      int64
}

// Resolver resolves catalog ids per item kind.
type Resolver interface {
	Resolve(ctx context.Context, kind order.ItemKind, catalogID string) (*Entry, error)
}
