package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// Order lifecycle. PENDING is the only non-terminal status; transitions
// are monotonic (PENDING -> terminal, never back).
const (
	OrderStatusPending   = "PENDING"
	OrderStatusExecuted  = "EXECUTED"
	OrderStatusFailed    = "FAILED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)

// Webhook log processing states.
const (
	LogStatusReceived = "RECEIVED"
	LogStatusSuccess  = "SUCCESS"
	LogStatusError    = "ERROR"
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	Mobile       string
	Name         string
	PasswordHash string
	IsVerified   bool
	OTPCode      string
	OTPExpiresAt sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BrokerConnection holds a user's encrypted broker credentials.
type BrokerConnection struct {
	ID                   string
	UserID               string
	Broker               string
	APIKeyEncrypted      string
	APISecretEncrypted   string
	KeyVersion           int
	AccessTokenEncrypted string
	PublicToken          string
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Order is a broker order created from a webhook alert.
type Order struct {
	ID            string
	UserID        string
	ConnectionID  string
	WebhookLogID  string
	BrokerOrderID string
	Symbol        string
	Side          string
	Qty           float64
	OrderType     string
	Price         float64
	ExecutedPrice float64
	Status        string
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Position is the net open holding per (user, symbol, product).
type Position struct {
	UserID    string
	Symbol    string
	Product   string
	Qty       float64
	AvgPrice  float64
	UpdatedAt time.Time
}

// Holding mirrors a broker demat holding for the dashboard.
type Holding struct {
	UserID    string
	Symbol    string
	Qty       float64
	AvgPrice  float64
	LastPrice float64
	UpdatedAt time.Time
}

// WebhookLog is the append-only audit record of an inbound alert.
type WebhookLog struct {
	ID        string
	UserID    string
	Payload   string
	Status    string
	Error     string
	CreatedAt time.Time
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, mobile, name, password_hash, is_verified, otp_code, otp_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.Mobile, u.Name, u.PasswordHash, u.IsVerified, u.OTPCode, u.OTPExpiresAt, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(mobile, ''), COALESCE(name, ''), password_hash,
		       is_verified, COALESCE(otp_code, ''), otp_expires_at, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	return scanUser(row)
}

// GetUserByID returns a user by id or nil if not found.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(mobile, ''), COALESCE(name, ''), password_hash,
		       is_verified, COALESCE(otp_code, ''), otp_expires_at, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Mobile, &u.Name, &u.PasswordHash,
		&u.IsVerified, &u.OTPCode, &u.OTPExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserOTP stores a fresh one-time code for email verification.
func (d *Database) SetUserOTP(ctx context.Context, userID, code string, expiresAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users SET otp_code = ?, otp_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, code, expiresAt, userID)
	return err
}

// MarkUserVerified clears the OTP and flags the account as verified.
func (d *Database) MarkUserVerified(ctx context.Context, userID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users SET is_verified = 1, otp_code = '', otp_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, userID)
	return err
}

// SetResetToken stores a password-reset token with its expiry.
func (d *Database) SetResetToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users SET reset_token = ?, reset_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, token, expiresAt, userID)
	return err
}

// ConsumeResetToken swaps the password hash if the token matches and has
// not expired, clearing the token either way it is used.
func (d *Database) ConsumeResetToken(ctx context.Context, token, newPasswordHash string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE users
		SET password_hash = ?, reset_token = '', reset_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE reset_token = ? AND reset_token != '' AND reset_expires_at > CURRENT_TIMESTAMP
	`, newPasswordHash, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
