package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinovia/go-omb/internal/domain/order"
)

// PGStore reads the medication, procedure, and diagnostic aid catalogs from
// Postgres. One table per catalog, mirroring how the catalogs are loaded.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore creates a new catalog store
func NewPGStore(pool *pgxpool.Pool, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, logger: logger}
}

// Resolve looks up a catalog id in the table for the given item kind.
func (s *PGStore) Resolve(ctx context.Context, kind order.ItemKind, catalogID string) (*Entry, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT catalog_id, name, cost FROM %s WHERE catalog_id = $1", table)

	entry := &Entry{}
	err = s.pool.QueryRow(ctx, query, catalogID).Scan(&entry.CatalogID, &entry.Name, &entry.Cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownCatalogID, kind, catalogID)
		}
		return nil, fmt.Errorf("resolve %s/%s: %w", kind, catalogID, err)
	}
	return entry, nil
}

func tableFor(kind order.ItemKind) (string, error) {
	switch kind {
	case order.KindMedication:
		return "medication_catalog", nil
	case order.KindProcedure:
		return "procedure_catalog", nil
	case order.KindDiagnosticAid:
		return "diagnostic_aid_catalog", nil
	default:
		return "", fmt.Errorf("no catalog for item kind %q", kind)
	}
}
