package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

func (s *Store) Authenticate(ctx context.Context, username, password string) (models.Staff, error) {
	var staff models.Staff
	var passwordHash string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, username, display_name, role, password_hash
		FROM staff_users
		WHERE lower(username) = lower($1) AND active = TRUE
	`, strings.TrimSpace(username))
	if err := row.Scan(&staff.StaffID, &staff.Username, &staff.DisplayName, &staff.Role, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Staff{}, store.ErrInvalidCredentials
		}
		return models.Staff{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return models.Staff{}, store.ErrInvalidCredentials
	}
	return staff, nil
}

func (s *Store) CreateSession(ctx context.Context, staff models.Staff, counterID int, expiresAt time.Time) (models.Session, error) {
	sessionID := uuid.NewString()
	var counter interface{}
	if counterID > 0 {
		counter = counterID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staff_sessions (session_id, user_id, counter_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, staff.StaffID, counter, expiresAt)
	if err != nil {
		return models.Session{}, err
	}
	staff.SessionID = sessionID
	return models.Session{
		SessionID: sessionID,
		Staff:     staff,
		CounterID: counterID,
		ExpiresAt: expiresAt,
	}, nil
}

// GetSession returns only unexpired sessions of active staff.
func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return models.Session{}, store.ErrSessionNotFound
	}
	var session models.Session
	var counterNull sql.NullInt32
	row := s.pool.QueryRow(ctx, `
		SELECT s.session_id, s.counter_id, s.expires_at,
			u.user_id, u.username, u.display_name, u.role
		FROM staff_sessions s
		JOIN staff_users u ON u.user_id = s.user_id
		WHERE s.session_id = $1 AND s.expires_at > NOW() AND u.active = TRUE
	`, sessionID)
	if err := row.Scan(&session.SessionID, &counterNull, &session.ExpiresAt,
		&session.Staff.StaffID, &session.Staff.Username, &session.Staff.DisplayName, &session.Staff.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	if counterNull.Valid {
		session.CounterID = int(counterNull.Int32)
	}
	session.Staff.SessionID = session.SessionID
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return store.ErrSessionNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM staff_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// SeedStaff creates bootstrap accounts that do not exist yet. Existing
// accounts keep their stored password.
func (s *Store) SeedStaff(ctx context.Context, staff []store.BootstrapStaff) error {
	for _, member := range staff {
		hash, err := bcrypt.GenerateFromPassword([]byte(member.Password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		role := member.Role
		if role == "" {
			role = models.RoleStaff
		}
		name := member.DisplayName
		if name == "" {
			name = member.Username
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO staff_users (user_id, username, display_name, password_hash, role)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (username) DO NOTHING
		`, uuid.NewString(), member.Username, name, string(hash), role)
		if err != nil {
			return err
		}
	}
	return nil
}
