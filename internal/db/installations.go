package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vernite/vernite/internal/apperror"
)

// Installation is a GitHub App installation owned by a local user. The id is
// the remote installation id; the bearer token and its expiry are refreshed
// by the token refresher.
type Installation struct {
	ID           int64
	UserID       string
	Token        string
	ExpiresAt    time.Time
	Suspended    bool
	AccountLogin string
	AccountType  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenExpired reports whether the installation token must be renewed before
// use.
func (i Installation) TokenExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Authorization is a user-level OAuth credential. The id is the remote
// account id.
type Authorization struct {
	ID               int64
	UserID           string
	Login            string
	AvatarURL        string
	AccessToken      string
	ExpiresAt        time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	TokenType        string
	Scope            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TokenExpired reports whether the access token must be renewed before use.
func (a Authorization) TokenExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

const installationCols = `id, user_id, token, expires_at, suspended, account_login, account_type, created_at, updated_at`

func scanInstallation(row interface{ Scan(...any) error }) (Installation, error) {
	var inst Installation
	var expires, created, updated string
	err := row.Scan(&inst.ID, &inst.UserID, &inst.Token, &expires, &inst.Suspended,
		&inst.AccountLogin, &inst.AccountType, &created, &updated)
	if err != nil {
		return Installation{}, err
	}
	inst.ExpiresAt = parseTime(expires)
	inst.CreatedAt = parseTime(created)
	inst.UpdatedAt = parseTime(updated)
	return inst, nil
}

// UpsertInstallation inserts the installation or, if a row with the same
// remote id exists, updates its display metadata and suspension flag while
// keeping the stored token and expiry.
func (db *DB) UpsertInstallation(inst Installation) (Installation, error) {
	now := time.Now().UTC()
	if inst.ExpiresAt.IsZero() {
		inst.ExpiresAt = time.Unix(1, 0).UTC()
	}
	_, err := db.conn.Exec(`
		INSERT INTO installations (id, user_id, token, expires_at, suspended, account_login, account_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			suspended = excluded.suspended,
			account_login = excluded.account_login,
			account_type = excluded.account_type,
			updated_at = excluded.updated_at`,
		inst.ID, inst.UserID, inst.Token, formatTime(inst.ExpiresAt), inst.Suspended,
		inst.AccountLogin, inst.AccountType, formatTime(now), formatTime(now),
	)
	if err != nil {
		return Installation{}, fmt.Errorf("upserting installation: %w", err)
	}
	return db.GetInstallation(inst.ID)
}

// GetInstallation returns the installation with the given remote id.
func (db *DB) GetInstallation(id int64) (Installation, error) {
	row := db.conn.QueryRow(`SELECT `+installationCols+` FROM installations WHERE id = ?`, id)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Installation{}, apperror.NotFound("installation", id)
	}
	if err != nil {
		return Installation{}, fmt.Errorf("getting installation: %w", err)
	}
	return inst, nil
}

// ListInstallationsByUser returns all installations owned by the given user.
func (db *DB) ListInstallationsByUser(userID string) ([]Installation, error) {
	rows, err := db.conn.Query(`SELECT `+installationCols+` FROM installations WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing installations: %w", err)
	}
	defer rows.Close()

	var insts []Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning installation: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

// UpdateInstallationToken persists a renewed bearer token and its expiry.
func (db *DB) UpdateInstallationToken(id int64, token string, expiresAt time.Time) error {
	res, err := db.conn.Exec(`
		UPDATE installations SET token = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		token, formatTime(expiresAt), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating installation token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("installation", id)
	}
	return nil
}

// SetInstallationSuspended flips the suspension flag.
func (db *DB) SetInstallationSuspended(id int64, suspended bool) error {
	res, err := db.conn.Exec(`
		UPDATE installations SET suspended = ?, updated_at = ? WHERE id = ?`,
		suspended, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating installation suspension: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("installation", id)
	}
	return nil
}

// DeleteInstallation hard-deletes the installation and cascades to its
// integrations and their task mappings, inside one transaction.
func (db *DB) DeleteInstallation(id int64) error {
	return db.tx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM integrations WHERE installation_id = ?`, id)
		if err != nil {
			return fmt.Errorf("listing installation integrations: %w", err)
		}
		var integrationIDs []string
		for rows.Next() {
			var iid string
			if err := rows.Scan(&iid); err != nil {
				rows.Close()
				return fmt.Errorf("scanning integration id: %w", err)
			}
			integrationIDs = append(integrationIDs, iid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, iid := range integrationIDs {
			if _, err := tx.Exec(`DELETE FROM task_integrations WHERE integration_id = ?`, iid); err != nil {
				return fmt.Errorf("deleting task integrations: %w", err)
			}
			if _, err := tx.Exec(`DELETE FROM integrations WHERE id = ?`, iid); err != nil {
				return fmt.Errorf("deleting integration: %w", err)
			}
		}

		res, err := tx.Exec(`DELETE FROM installations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting installation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.NotFound("installation", id)
		}
		return nil
	})
}

const authorizationCols = `id, user_id, login, avatar_url, access_token, expires_at, refresh_token, refresh_expires_at, token_type, scope, created_at, updated_at`

func scanAuthorization(row interface{ Scan(...any) error }) (Authorization, error) {
	var auth Authorization
	var expires, refreshExpires, created, updated string
	err := row.Scan(&auth.ID, &auth.UserID, &auth.Login, &auth.AvatarURL, &auth.AccessToken,
		&expires, &auth.RefreshToken, &refreshExpires, &auth.TokenType, &auth.Scope, &created, &updated)
	if err != nil {
		return Authorization{}, err
	}
	auth.ExpiresAt = parseTime(expires)
	auth.RefreshExpiresAt = parseTime(refreshExpires)
	auth.CreatedAt = parseTime(created)
	auth.UpdatedAt = parseTime(updated)
	return auth, nil
}

// UpsertAuthorization inserts or fully replaces the authorization for the
// given remote account id.
func (db *DB) UpsertAuthorization(auth Authorization) (Authorization, error) {
	now := time.Now().UTC()
	_, err := db.conn.Exec(`
		INSERT INTO authorizations (id, user_id, login, avatar_url, access_token, expires_at,
			refresh_token, refresh_expires_at, token_type, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			login = excluded.login,
			avatar_url = excluded.avatar_url,
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			refresh_token = excluded.refresh_token,
			refresh_expires_at = excluded.refresh_expires_at,
			token_type = excluded.token_type,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		auth.ID, auth.UserID, auth.Login, auth.AvatarURL, auth.AccessToken, formatTime(auth.ExpiresAt),
		auth.RefreshToken, formatTime(auth.RefreshExpiresAt), auth.TokenType, auth.Scope,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return Authorization{}, fmt.Errorf("upserting authorization: %w", err)
	}
	return db.GetAuthorization(auth.ID)
}

// GetAuthorization returns the authorization with the given remote account id.
func (db *DB) GetAuthorization(id int64) (Authorization, error) {
	row := db.conn.QueryRow(`SELECT `+authorizationCols+` FROM authorizations WHERE id = ?`, id)
	auth, err := scanAuthorization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Authorization{}, apperror.NotFound("authorization", id)
	}
	if err != nil {
		return Authorization{}, fmt.Errorf("getting authorization: %w", err)
	}
	return auth, nil
}

// ListAuthorizationsByUser returns all authorizations owned by the user.
func (db *DB) ListAuthorizationsByUser(userID string) ([]Authorization, error) {
	rows, err := db.conn.Query(`SELECT `+authorizationCols+` FROM authorizations WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing authorizations: %w", err)
	}
	defer rows.Close()

	var auths []Authorization
	for rows.Next() {
		auth, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning authorization: %w", err)
		}
		auths = append(auths, auth)
	}
	return auths, rows.Err()
}

// UpdateAuthorizationToken persists a renewed access token, refresh token and
// expiries.
func (db *DB) UpdateAuthorizationToken(id int64, accessToken string, expiresAt time.Time, refreshToken string, refreshExpiresAt time.Time) error {
	res, err := db.conn.Exec(`
		UPDATE authorizations SET access_token = ?, expires_at = ?, refresh_token = ?, refresh_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		accessToken, formatTime(expiresAt), refreshToken, formatTime(refreshExpiresAt),
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating authorization token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("authorization", id)
	}
	return nil
}

// DeleteAuthorization removes the authorization row. Installations created
// through it keep working; they carry their own credential.
func (db *DB) DeleteAuthorization(id int64) error {
	res, err := db.conn.Exec(`DELETE FROM authorizations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting authorization: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("authorization", id)
	}
	return nil
}
