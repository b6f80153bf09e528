package checkout

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

var (
	// ErrNotFound is returned when no session matches the token.
	ErrNotFound = errors.New("checkout session not found")
	// ErrSessionExpired is returned when completing an expired session.
	ErrSessionExpired = errors.New("checkout session expired")
	// ErrPriceInactive is returned when the session's price is deactivated.
	ErrPriceInactive = errors.New("price is not active")
)

// sessionTTL is how long a session stays completable.
const sessionTTL = 24 * time.Hour

// Service manages checkout sessions
type Service interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error)
	GetByToken(ctx context.Context, token string) (*Session, error)
	CompleteSession(ctx context.Context, token string) (*Session, error)
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db            *sql.DB
	catalog       catalog.Service
	subscriptions subscriptions.Service
}

// NewPostgresService creates a checkout service.
func NewPostgresService(db *sql.DB, cat catalog.Service, subs subscriptions.Service) *PostgresService {
	return &PostgresService{db: db, catalog: cat, subscriptions: subs}
}

func newSessionID() string {
	return "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// newSessionToken returns an unguessable token; it is the only credential
// needed to complete the session.
func newSessionToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return "cst_" + hex.EncodeToString(buf), nil
}

const sessionColumns = `id, token, customer_id, price_id, status, subscription_id,
	success_url, cancel_url, expires_at, completed_at, created_at`

// CreateSession opens a session for a customer and price.
func (s *PostgresService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	price, err := s.catalog.GetPrice(ctx, req.PriceID)
	if err != nil {
		return nil, err
	}
	if !price.Active {
		return nil, ErrPriceInactive
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:         newSessionID(),
		Token:      token,
		CustomerID: req.CustomerID,
		PriceID:    price.ID,
		Status:     SessionOpen,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		ExpiresAt:  now.Add(sessionTTL),
		CreatedAt:  now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (id, token, customer_id, price_id, status,
			success_url, cancel_url, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID, session.Token, session.CustomerID, session.PriceID, session.Status,
		session.SuccessURL, session.CancelURL, session.ExpiresAt, session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetByToken retrieves a session.
func (s *PostgresService) GetByToken(ctx context.Context, token string) (*Session, error) {
	query := fmt.Sprintf("SELECT %s FROM checkout_sessions WHERE token = $1", sessionColumns)
	session, err := scanSession(s.db.QueryRowContext(ctx, query, token))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// CompleteSession claims the session and creates the subscription. The
// claim is a guarded update on status = open, so a replayed completion
// returns the already-completed session instead of subscribing twice.
func (s *PostgresService) CompleteSession(ctx context.Context, token string) (*Session, error) {
	now := time.Now().UTC()

	query := fmt.Sprintf(`
		UPDATE checkout_sessions
		SET status = $1, completed_at = $2
		WHERE token = $3 AND status = $4 AND expires_at > $2
		RETURNING %s`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query,
		SessionCompleted, now, token, SessionOpen))
	if err == sql.ErrNoRows {
		// Not claimable: completed already, expired, or unknown.
		existing, getErr := s.GetByToken(ctx, token)
		if getErr != nil {
			return nil, getErr
		}
		switch existing.Status {
		case SessionCompleted:
			return existing, nil
		default:
			return nil, ErrSessionExpired
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}

	sub, err := s.subscriptions.Create(ctx, &subscriptions.CreateSubscriptionRequest{
		CustomerID: session.CustomerID,
		PriceID:    session.PriceID,
	})
	if err != nil {
		// Reopen so the customer can retry.
		if _, revertErr := s.db.ExecContext(ctx, `
			UPDATE checkout_sessions SET status = $1, completed_at = NULL WHERE id = $2`,
			SessionOpen, session.ID); revertErr != nil {
			return nil, fmt.Errorf("failed to reopen session after %v: %w", err, revertErr)
		}
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE checkout_sessions SET subscription_id = $1 WHERE id = $2",
		sub.ID, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to link subscription: %w", err)
	}

	session.SubscriptionID = &sub.ID
	session.CompletedAt = &now
	return session, nil
}

// ExpireStale marks open sessions past their deadline as expired and
// returns how many were closed.
func (s *PostgresService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions
		SET status = $1
		WHERE status = $2 AND expires_at <= $3`,
		SessionExpired, SessionOpen, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check expiry result: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	session := &Session{}
	err := row.Scan(&session.ID, &session.Token, &session.CustomerID, &session.PriceID,
		&session.Status, &session.SubscriptionID, &session.SuccessURL, &session.CancelURL,
		&session.ExpiresAt, &session.CompletedAt, &session.CreatedAt)
	if err != nil {
		return nil, err
	}
	return session, nil
}
