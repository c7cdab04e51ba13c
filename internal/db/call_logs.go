package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/btafoya/gocall/internal/models"
)

var ErrCallLogNotFound = errors.New("call log not found")

// CallLogRepository handles database operations for the local call history
type CallLogRepository struct {
	db *sql.DB
}

// NewCallLogRepository creates a new CallLogRepository
func NewCallLogRepository(db *sql.DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

const callLogColumns = `id, session_id, identity, direction, remote_identity, reservation_id, started_at, answered_at, ended_at, duration, disposition, error_message`

func scanCallLog(row interface{ Scan(...any) error }) (*models.CallRecord, error) {
	rec := &models.CallRecord{}
	var reservationID sql.NullInt64
	var answeredAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Identity, &rec.Direction, &rec.RemoteIdentity, &reservationID,
		&rec.StartedAt, &answeredAt, &rec.EndedAt, &rec.Duration, &rec.Disposition, &rec.ErrorMessage); err != nil {
		return nil, err
	}
	if reservationID.Valid {
		id := reservationID.Int64
		rec.ReservationID = &id
	}
	if answeredAt.Valid {
		t := answeredAt.Time
		rec.AnsweredAt = &t
	}
	return rec, nil
}

// Create inserts a new call record
func (r *CallLogRepository) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO call_logs (session_id, identity, direction, remote_identity, reservation_id, started_at, answered_at, ended_at, duration, disposition, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.Identity, rec.Direction, rec.RemoteIdentity, rec.ReservationID, rec.StartedAt, rec.AnsweredAt, rec.EndedAt, rec.Duration, rec.Disposition, rec.ErrorMessage)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// RecordCall stores a finished session. It satisfies phone.Journal.
func (r *CallLogRepository) RecordCall(ctx context.Context, rec models.CallRecord) error {
	return r.Create(ctx, &rec)
}

// GetByID retrieves a call record by ID
func (r *CallLogRepository) GetByID(ctx context.Context, id int64) (*models.CallRecord, error) {
	rec, err := scanCallLog(r.db.QueryRowContext(ctx, `SELECT `+callLogColumns+` FROM call_logs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrCallLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetBySessionID retrieves the record of a controller session
func (r *CallLogRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.CallRecord, error) {
	rec, err := scanCallLog(r.db.QueryRowContext(ctx, `SELECT `+callLogColumns+` FROM call_logs WHERE session_id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, ErrCallLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CallLogFilter holds filter options for listing call records
type CallLogFilter struct {
	Identity      string
	Direction     string
	Disposition   string
	ReservationID *int64
	StartDate     *time.Time
	EndDate       *time.Time
	Limit         int
	Offset        int
}

func (f CallLogFilter) where() (string, []any) {
	clause := " WHERE 1=1"
	args := []any{}

	if f.Identity != "" {
		clause += " AND identity = ?"
		args = append(args, f.Identity)
	}
	if f.Direction != "" {
		clause += " AND direction = ?"
		args = append(args, f.Direction)
	}
	if f.Disposition != "" {
		clause += " AND disposition = ?"
		args = append(args, f.Disposition)
	}
	if f.ReservationID != nil {
		clause += " AND reservation_id = ?"
		args = append(args, *f.ReservationID)
	}
	if f.StartDate != nil {
		clause += " AND started_at >= ?"
		args = append(args, *f.StartDate)
	}
	if f.EndDate != nil {
		clause += " AND started_at <= ?"
		args = append(args, *f.EndDate)
	}
	return clause, args
}

// List returns call records, newest first, with optional filtering and pagination
func (r *CallLogRepository) List(ctx context.Context, filter CallLogFilter) ([]*models.CallRecord, error) {
	where, args := filter.where()
	query := `SELECT ` + callLogColumns + ` FROM call_logs` + where + ` ORDER BY started_at DESC, id DESC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.CallRecord
	for rows.Next() {
		rec, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of records matching filter
func (r *CallLogRepository) Count(ctx context.Context, filter CallLogFilter) (int, error) {
	where, args := filter.where()
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_logs`+where, args...).Scan(&count)
	return count, err
}

// StatsByDisposition returns counts grouped by disposition for an identity
func (r *CallLogRepository) StatsByDisposition(ctx context.Context, identity string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT disposition, COUNT(*) as count
		FROM call_logs WHERE identity = ?
		GROUP BY disposition
	`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var disposition string
		var count int
		if err := rows.Scan(&disposition, &count); err != nil {
			return nil, err
		}
		stats[disposition] = count
	}
	return stats, rows.Err()
}

// DeleteBefore prunes records started before cutoff
func (r *CallLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM call_logs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
