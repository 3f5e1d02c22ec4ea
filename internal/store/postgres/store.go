package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) MaxTicketNumber(ctx context.Context) (int64, error) {
	var max int64
	row := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(ticket_number), 0) FROM tickets`)
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (s *Store) CreateTicket(ctx context.Context, ticket models.Ticket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, ticket_number, customer_name, service, custom_service, language,
			counter_id, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ticket.TicketID, ticket.Number, ticket.CustomerName, ticket.Service, nullIfEmpty(ticket.CustomService),
		ticket.Language, ticket.CounterID, ticket.Status, ticket.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrDuplicateTicketNumber
		}
		return err
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// ListWaitingTickets returns waiting tickets in arrival order, the same order
// live issuance appends them in.
func (s *Store) ListWaitingTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'waiting'
		ORDER BY created_at ASC, ticket_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// SeedCounters inserts missing counters and applies configured name and
// service changes to existing ones. Status, current ticket, staff and
// statistics are left as stored.
func (s *Store) SeedCounters(ctx context.Context, counters []models.Counter) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, counter := range counters {
		_, err = tx.Exec(ctx, `
			INSERT INTO counters (counter_id, name, service, status)
			VALUES ($1, $2, $3, 'available')
			ON CONFLICT (counter_id) DO UPDATE
			SET name = EXCLUDED.name, service = EXCLUDED.service, updated_at = NOW()
			WHERE counters.name <> EXCLUDED.name OR counters.service <> EXCLUDED.service
		`, counter.CounterID, counter.Name, counter.Service)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, name, service, status, current_ticket_id,
			staff_id, staff_username, staff_name, staff_session_id,
			served_count, avg_service_time, updated_at
		FROM counters
		ORDER BY counter_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		var currentNull, staffIDNull, usernameNull, staffNameNull, sessionNull sql.NullString
		if err := rows.Scan(&counter.CounterID, &counter.Name, &counter.Service, &counter.Status, &currentNull,
			&staffIDNull, &usernameNull, &staffNameNull, &sessionNull,
			&counter.ServedCount, &counter.AvgServiceTime, &counter.UpdatedAt); err != nil {
			return nil, err
		}
		counter.CurrentTicketID = nullStringPtr(currentNull)
		if staffIDNull.Valid {
			counter.Staff = &models.Staff{
				StaffID:     staffIDNull.String,
				Username:    usernameNull.String,
				DisplayName: staffNameNull.String,
				SessionID:   sessionNull.String,
			}
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) CallTicket(ctx context.Context, input store.CallInput) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id = $1 FOR UPDATE`, input.TicketID)
	if err = row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return err
	}
	if !store.ValidTransition("call_next", status) {
		err = store.ErrInvalidState
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'serving',
			called_at = $2,
			wait_time = $3,
			counter_id = $4
		WHERE ticket_id = $1
	`, input.TicketID, input.CalledAt, input.WaitTime, input.CounterID)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE counters
		SET status = 'serving',
			current_ticket_id = $2,
			updated_at = $3
		WHERE counter_id = $1
	`, input.CounterID, input.TicketID, input.CalledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrCounterNotFound
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) CompleteTicket(ctx context.Context, input store.CompleteInput) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id = $1 FOR UPDATE`, input.TicketID)
	if err = row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return err
	}
	if !store.ValidTransition("complete", status) {
		err = store.ErrInvalidState
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'completed',
			completed_at = $2,
			service_time = $3
		WHERE ticket_id = $1
	`, input.TicketID, input.CompletedAt, input.ServiceTime)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE counters
		SET status = 'available',
			current_ticket_id = NULL,
			served_count = $2,
			avg_service_time = $3,
			updated_at = $4
		WHERE counter_id = $1
	`, input.CounterID, input.ServedCount, input.AvgServiceTime, input.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrCounterNotFound
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) UpdateCounterStatus(ctx context.Context, counterID int, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE counters
		SET status = $2, updated_at = NOW()
		WHERE counter_id = $1
	`, counterID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCounterNotFound
	}
	return nil
}

// AssignStaff records staff as the counter's operator; nil clears it.
func (s *Store) AssignStaff(ctx context.Context, counterID int, staff *models.Staff) error {
	var staffID, username, name, sessionID interface{}
	if staff != nil {
		staffID = staff.StaffID
		username = staff.Username
		name = staff.DisplayName
		sessionID = nullIfEmpty(staff.SessionID)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE counters
		SET staff_id = $2,
			staff_username = $3,
			staff_name = $4,
			staff_session_id = $5,
			updated_at = NOW()
		WHERE counter_id = $1
	`, counterID, staffID, username, name, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCounterNotFound
	}
	return nil
}

const ticketColumns = `ticket_id, ticket_number, customer_name, service, custom_service, language,
			counter_id, status, created_at, called_at, completed_at, wait_time, service_time`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var customNull sql.NullString
	var calledAtNull, completedAtNull sql.NullTime
	var waitNull, serviceNull sql.NullFloat64
	if err := row.Scan(&ticket.TicketID, &ticket.Number, &ticket.CustomerName, &ticket.Service, &customNull,
		&ticket.Language, &ticket.CounterID, &ticket.Status, &ticket.CreatedAt,
		&calledAtNull, &completedAtNull, &waitNull, &serviceNull); err != nil {
		return models.Ticket{}, err
	}
	if customNull.Valid {
		ticket.CustomService = customNull.String
	}
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	ticket.WaitTime = nullFloatPtr(waitNull)
	ticket.ServiceTime = nullFloatPtr(serviceNull)
	return ticket, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullFloatPtr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	return &value.Float64
}
