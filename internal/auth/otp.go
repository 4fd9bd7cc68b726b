package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"collabsphere.org/internal/apperr"
	"collabsphere.org/internal/audit"
	"collabsphere.org/internal/ids"
	"collabsphere.org/internal/obs"
)

const (
	otpLength      = 6
	otpTTL         = 10 * time.Minute
	otpMaxAttempts = 5
	otpCooldown    = 60 * time.Second
)

// newOTPCode produces a zero-padded numeric code.
func newOTPCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpLength, n), nil
}

func hashOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// RequestEmailChange issues a one-time code to the requested new address.
// Only the hash of the code is stored; any previously pending code for the
// user is invalidated. If the mail send fails the stored code is deleted so
// the cooldown does not punish a delivery problem.
func (s *Service) RequestEmailChange(ctx context.Context, userID, newEmail string) error {
	newEmail = strings.TrimSpace(strings.ToLower(newEmail))
	if newEmail == "" || !strings.Contains(newEmail, "@") {
		return fmt.Errorf("%w: valid email is required", apperr.ErrBadRequest)
	}
	user, err := s.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Email == newEmail {
		return fmt.Errorf("%w: this is already your email", apperr.ErrBadRequest)
	}

	var taken bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from users where email = $1)`, newEmail).Scan(&taken); err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: user with this email already exists", apperr.ErrConflict)
	}

	var lastIssued sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`select max(created_at) from email_otps where user_id = $1`, userID).Scan(&lastIssued)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if lastIssued.Valid && s.now().Sub(lastIssued.Time) < otpCooldown {
		return fmt.Errorf("%w: please wait before requesting another code", apperr.ErrBadRequest)
	}

	code, err := newOTPCode()
	if err != nil {
		return err
	}
	otpID := ids.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`delete from email_otps where user_id = $1`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into email_otps (id, user_id, new_email, code_hash, expires_at)
		values ($1, $2, $3, $4, $5)
	`, otpID, userID, newEmail, hashOTP(code), s.now().Add(otpTTL)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.mailer == nil {
		return errors.New("auth: mailer is not configured")
	}
	if err := s.mailer.SendEmailOTP(ctx, newEmail, code); err != nil {
		// Compensate: a code the user never received must not block retries.
		if _, delErr := s.db.ExecContext(ctx,
			`delete from email_otps where id = $1`, otpID); delErr != nil {
			obs.Event("auth.otp.compensate_failed", map[string]any{"otp_id": otpID, "error": delErr.Error()})
		}
		return fmt.Errorf("failed to send verification code: %w", err)
	}
	return nil
}

// VerifyEmailOTP checks the submitted code against the pending one and, on
// match, applies the email change. Attempts are counted per code; the sixth
// try is rejected even with the right code.
func (s *Service) VerifyEmailOTP(ctx context.Context, userID, code string) (User, error) {
	var (
		otpID    string
		newEmail string
		codeHash string
		attempts int
		expires  time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		select id, new_email, code_hash, attempts, expires_at from email_otps
		where user_id = $1
		order by created_at desc
		limit 1
	`, userID).Scan(&otpID, &newEmail, &codeHash, &attempts, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: no pending verification code", apperr.ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}

	if s.now().After(expires) {
		_, _ = s.db.ExecContext(ctx, `delete from email_otps where id = $1`, otpID)
		return User{}, fmt.Errorf("%w: verification code has expired", apperr.ErrGone)
	}
	if attempts >= otpMaxAttempts {
		return User{}, fmt.Errorf("%w: too many attempts, request a new code", apperr.ErrBadRequest)
	}
	if hashOTP(strings.TrimSpace(code)) != codeHash {
		if _, err := s.db.ExecContext(ctx,
			`update email_otps set attempts = attempts + 1 where id = $1`, otpID); err != nil {
			return User{}, err
		}
		return User{}, fmt.Errorf("%w: invalid verification code", apperr.ErrBadRequest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`update users set email = $1, updated_at = now() where id = $2`,
		newEmail, userID); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return User{}, fmt.Errorf("%w: user with this email already exists", apperr.ErrConflict)
		}
		return User{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from email_otps where id = $1`, otpID); err != nil {
		return User{}, err
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:      userID,
			Action:      "email_changed",
			Description: "email changed via verification code",
		})
	}
	return s.FindUserByID(ctx, userID)
}
