package customers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a customer does not exist or is deleted.
var ErrNotFound = errors.New("customer not found")

// ErrEmailTaken is returned when the email is already in use.
var ErrEmailTaken = errors.New("email already in use")

// ErrHasActiveSubscriptions is returned when deleting a customer who still
// has non-canceled subscriptions.
var ErrHasActiveSubscriptions = errors.New("customer has non-canceled subscriptions")

// Service defines customer operations
type Service interface {
	CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (*Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	UpdateCustomer(ctx context.Context, id string, req *UpdateCustomerRequest) (*Customer, error)
	DeleteCustomer(ctx context.Context, id string) error
	ListCustomers(ctx context.Context, limit, offset int) ([]*Customer, int64, error)
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

func newCustomerID() string {
	return "cus_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

const customerColumns = `id, email, name, currency, country, state, postal_code,
	default_payment_method, tax_exempt, metadata, created_at, updated_at, deleted_at`

// CreateCustomer creates a customer. Currency defaults to usd.
func (s *PostgresService) CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (*Customer, error) {
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = "usd"
	}

	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	customer := &Customer{
		ID:         newCustomerID(),
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		Name:       req.Name,
		Currency:   currency,
		Country:    strings.ToUpper(req.Country),
		State:      req.State,
		PostalCode: req.PostalCode,
		TaxExempt:  req.TaxExempt,
		Metadata:   req.Metadata,
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, email, name, currency, country, state, postal_code, tax_exempt, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		customer.ID, customer.Email, customer.Name, customer.Currency,
		customer.Country, customer.State, customer.PostalCode, customer.TaxExempt, metadata,
	).Scan(&customer.CreatedAt, &customer.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	return customer, nil
}

// GetCustomer retrieves a customer by ID. Deleted customers are not found.
func (s *PostgresService) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1 AND deleted_at IS NULL`,
		id)

	customer, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	return customer, nil
}

// UpdateCustomer applies a partial update. Nil fields are unchanged.
func (s *PostgresService) UpdateCustomer(ctx context.Context, id string, req *UpdateCustomerRequest) (*Customer, error) {
	setClauses := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argN := 1

	addSet := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}

	if req.Email != nil {
		addSet("email", strings.ToLower(strings.TrimSpace(*req.Email)))
	}
	if req.Name != nil {
		addSet("name", *req.Name)
	}
	if req.Country != nil {
		addSet("country", strings.ToUpper(*req.Country))
	}
	if req.State != nil {
		addSet("state", *req.State)
	}
	if req.PostalCode != nil {
		addSet("postal_code", *req.PostalCode)
	}
	if req.DefaultPaymentMethod != nil {
		addSet("default_payment_method", *req.DefaultPaymentMethod)
	}
	if req.TaxExempt != nil {
		addSet("tax_exempt", *req.TaxExempt)
	}
	if req.Metadata != nil {
		metadata, err := marshalMetadata(req.Metadata)
		if err != nil {
			return nil, err
		}
		addSet("metadata", metadata)
	}

	query := fmt.Sprintf(`
		UPDATE customers SET %s
		WHERE id = $%d AND deleted_at IS NULL`,
		strings.Join(setClauses, ", "), argN)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to update customer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return s.GetCustomer(ctx, id)
}

// DeleteCustomer soft-deletes a customer. All subscriptions must already be
// canceled; the check and the delete run in one transaction so a concurrent
// subscribe cannot slip between them.
func (s *PostgresService) DeleteCustomer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var live int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE customer_id = $1 AND status <> 'canceled'`,
		id).Scan(&live)
	if err != nil {
		return fmt.Errorf("failed to check subscriptions: %w", err)
	}
	if live > 0 {
		return ErrHasActiveSubscriptions
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE customers SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ListCustomers returns a page of customers, newest first, with the total
// count of non-deleted customers.
func (s *PostgresService) ListCustomers(ctx context.Context, limit, offset int) ([]*Customer, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM customers WHERE deleted_at IS NULL`,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count customers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var list []*Customer
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan customer: %w", err)
		}
		list = append(list, customer)
	}

	return list, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCustomer(row rowScanner) (*Customer, error) {
	customer := &Customer{}
	var metadataJSON []byte
	err := row.Scan(
		&customer.ID, &customer.Email, &customer.Name, &customer.Currency,
		&customer.Country, &customer.State, &customer.PostalCode,
		&customer.DefaultPaymentMethod, &customer.TaxExempt, &metadataJSON,
		&customer.CreatedAt, &customer.UpdatedAt, &customer.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &customer.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return customer, nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
