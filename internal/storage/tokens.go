package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

// LoadToken returns the persisted session token for username. Expired rows
// are reported as missing.
func (r *Repository) LoadToken(ctx context.Context, username string) (northtracker.Token, bool, error) {
	var token, expiresAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT token, expires_at FROM session_tokens WHERE username = ?`,
		normalizeUsername(username),
	).Scan(&token, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return northtracker.Token{}, false, nil
	}
	if err != nil {
		return northtracker.Token{}, false, err
	}
	t := northtracker.Token{Value: token, ExpiresAt: parseTime(expiresAt)}
	if !t.Valid(r.now()) {
		return northtracker.Token{}, false, nil
	}
	return t, true, nil
}

func (r *Repository) SaveToken(ctx context.Context, username string, token northtracker.Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_tokens (username, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			token=excluded.token,
			expires_at=excluded.expires_at`,
		normalizeUsername(username), token.Value, formatTime(token.ExpiresAt))
	return err
}

func (r *Repository) ClearToken(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE username = ?`, normalizeUsername(username))
	return err
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
