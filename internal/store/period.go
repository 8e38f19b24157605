package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roritopra/sgirs/internal/model"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensurePeriod(ctx context.Context, db execer, periodID string) error {
	p, err := model.ParsePeriod(periodID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO periods (id, year, half) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		p.ID, p.Year, p.Half,
	)
	return err
}

// EnsurePeriod registers a reporting period.
func (s *Store) EnsurePeriod(ctx context.Context, periodID string) (model.Period, error) {
	if err := ensurePeriod(ctx, s.db, periodID); err != nil {
		return model.Period{}, err
	}
	p, _, err := s.GetPeriod(ctx, periodID)
	return p, err
}

// GetPeriod returns a period and when it was submitted (zero if it was not).
func (s *Store) GetPeriod(ctx context.Context, periodID string) (model.Period, time.Time, error) {
	var (
		p           model.Period
		submittedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, year, half, submitted_at FROM periods WHERE id = ?`, periodID,
	).Scan(&p.ID, &p.Year, &p.Half, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, time.Time{}, fmt.Errorf("period %s: %w", periodID, model.ErrNotFound)
	}
	if err != nil {
		return p, time.Time{}, err
	}
	return p, submittedAt.Time, nil
}

// ListPeriods returns all periods, newest first.
func (s *Store) ListPeriods(ctx context.Context) ([]model.Period, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, year, half FROM periods ORDER BY year DESC, half DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []model.Period
	for rows.Next() {
		var p model.Period
		if err := rows.Scan(&p.ID, &p.Year, &p.Half); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (s *Store) submitted(ctx context.Context, periodID string) (bool, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT submitted_at FROM periods WHERE id = ?`, periodID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return at.Valid, err
}
