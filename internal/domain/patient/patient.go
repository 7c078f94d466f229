// Package patient provides the patient read model consumed by billing.
package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinovia/go-omb/internal/domain/insurance"
)

// ErrNotFound indicates the patient id is unknown.
var ErrNotFound = errors.New("patient not found")

// Patient carries the identity snapshot and the insurance policy billing needs.
type Patient struct {
	ID     string
	Name   string
	Policy *insurance.Policy
}

// Repository looks patients up by id.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Patient, error)
}

// PGRepository is the pgx-backed patient repository.
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGRepository creates a new repository
func NewPGRepository(pool *pgxpool.Pool, logger *zap.Logger) *PGRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGRepository{pool: pool, logger: logger}
}

// FindByID retrieves a patient and the declared policy, if any.
func (r *PGRepository) FindByID(ctx context.Context, id string) (*Patient, error) {
	query := `
		SELECT p.patient_id, p.full_name,
		       i.company, i.policy_number, i.active, i.end_date
		FROM patients p
		LEFT JOIN insurance_policies i ON i.patient_id = p.patient_id
		WHERE p.patient_id = $1
	`

	var (
		pat          Patient
		company      *string
		policyNumber *string
		active       *bool
		endDate      *time.Time
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&pat.ID, &pat.Name, &company, &policyNumber, &active, &endDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find patient: %w", err)
	}

	if company != nil {
		pat.Policy = &insurance.Policy{
			Company:      *company,
			PolicyNumber: *policyNumber,
			Active:       active != nil && *active,
			EndDate:      endDate,
		}
	}
	return &pat, nil
}
