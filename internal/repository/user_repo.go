// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appback/billing/internal/models"
)

// UserRepository defines the interface for user billing record operations.
// Records are created by the identity store; this service only reads and
// mutates the billing-owned columns.
type UserRepository interface {
	// GetByID retrieves a user record, or nil when absent.
	GetByID(ctx context.Context, id string) (*models.UserRecord, error)

	// GetByCustomerID resolves a processor customer id to its user record
	// via the secondary index, or nil when no user maps to it.
	GetByCustomerID(ctx context.Context, customerID string) (*models.UserRecord, error)

	// ExistsByUsername reports whether a username is taken.
	ExistsByUsername(ctx context.Context, username string) (bool, error)

	// Create inserts a new user record.
	Create(ctx context.Context, record *models.UserRecord) error

	// Update persists the billing-owned fields of a record.
	Update(ctx context.Context, record *models.UserRecord) error
}

type userRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user record repository.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

const userColumns = `
	id, username, roles, customer_id, subscription_id, plan,
	tax_key, tax_rate, tax_region, tax_country_code, tax_number,
	tax_deducted, billing_country_code, created_at, updated_at`

// GetByID retrieves a user record by id.
func (r *userRepo) GetByID(ctx context.Context, id string) (*models.UserRecord, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

// GetByCustomerID resolves a processor customer id to its user record.
func (r *userRepo) GetByCustomerID(ctx context.Context, customerID string) (*models.UserRecord, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE customer_id = $1`
	return r.scanOne(ctx, query, customerID)
}

// ExistsByUsername reports whether a username is taken.
func (r *userRepo) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}

// Create inserts a new user record.
func (r *userRepo) Create(ctx context.Context, record *models.UserRecord) error {
	query := `
		INSERT INTO users (id, username, roles, customer_id, subscription_id, plan,
			tax_key, tax_rate, tax_region, tax_country_code, tax_number,
			tax_deducted, billing_country_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	tax := record.Tax
	if tax == nil {
		tax = &models.TaxRecord{}
	}
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.Username,
		record.Roles,
		nullable(record.Billing.CustomerID),
		nullable(record.Billing.SubscriptionID),
		models.NormalizePlan(record.Billing.Plan),
		nullable(tax.Key),
		tax.Rate,
		nullable(tax.Region),
		nullable(tax.CountryCode),
		tax.TaxNumber,
		tax.TaxDeducted,
		tax.BillingCountryCode,
	)
	if err != nil {
		return fmt.Errorf("failed to create user record: %w", err)
	}
	return nil
}

// Update persists the billing-owned fields of a record.
func (r *userRepo) Update(ctx context.Context, record *models.UserRecord) error {
	query := `
		UPDATE users SET
			roles = $2,
			customer_id = $3,
			subscription_id = $4,
			plan = $5,
			tax_key = $6,
			tax_rate = $7,
			tax_region = $8,
			tax_country_code = $9,
			tax_number = $10,
			tax_deducted = $11,
			billing_country_code = $12,
			updated_at = NOW()
		WHERE id = $1`

	tax := record.Tax
	if tax == nil {
		tax = &models.TaxRecord{}
	}
	tag, err := r.pool.Exec(ctx, query,
		record.ID,
		record.Roles,
		nullable(record.Billing.CustomerID),
		nullable(record.Billing.SubscriptionID),
		models.NormalizePlan(record.Billing.Plan),
		nullable(tax.Key),
		tax.Rate,
		nullable(tax.Region),
		nullable(tax.CountryCode),
		tax.TaxNumber,
		tax.TaxDeducted,
		tax.BillingCountryCode,
	)
	if err != nil {
		return fmt.Errorf("failed to update user record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user record %s does not exist", record.ID)
	}
	return nil
}

func (r *userRepo) scanOne(ctx context.Context, query string, arg any) (*models.UserRecord, error) {
	var (
		record         models.UserRecord
		tax            models.TaxRecord
		customerID     *string
		subscriptionID *string
		plan           string
		taxKey         *string
		taxRegion      *string
		taxCountry     *string
	)

	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&record.ID,
		&record.Username,
		&record.Roles,
		&customerID,
		&subscriptionID,
		&plan,
		&taxKey,
		&tax.Rate,
		&taxRegion,
		&taxCountry,
		&tax.TaxNumber,
		&tax.TaxDeducted,
		&tax.BillingCountryCode,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user record: %w", err)
	}

	record.Billing.CustomerID = deref(customerID)
	record.Billing.SubscriptionID = deref(subscriptionID)
	record.Billing.Plan = models.NormalizePlan(plan)
	if taxKey != nil && *taxKey != "" {
		tax.Key = *taxKey
		tax.Region = deref(taxRegion)
		tax.CountryCode = deref(taxCountry)
		record.Tax = &tax
	}
	return &record, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
