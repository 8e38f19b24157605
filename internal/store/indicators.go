package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roritopra/sgirs/internal/model"
)

// ResolveIndicators returns the indicators activated by the given affirmative
// gate answers, ordered by indicator number.
func (s *Store) ResolveIndicators(ctx context.Context, gates []model.GateAnswer) ([]model.IndicatorDefinition, error) {
	if len(gates) == 0 {
		return nil, nil
	}
	conds := make([]string, len(gates))
	args := make([]any, 0, 2*len(gates))
	for i, g := range gates {
		conds[i] = `(r.question_id = ? AND r.option_id = ?)`
		args = append(args, g.QuestionID, g.OptionID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT i.id, i.name, i.number, i.kind FROM indicators i
		 JOIN indicator_rules r ON r.indicator_id = i.id
		 WHERE `+strings.Join(conds, " OR ")+` ORDER BY i.number`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []model.IndicatorDefinition
	for rows.Next() {
		var d model.IndicatorDefinition
		if err := rows.Scan(&d.ID, &d.Name, &d.Number, &d.Kind); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// IndicatorDraft returns the saved indicator draft of a period.
func (s *Store) IndicatorDraft(ctx context.Context, periodID string) (*model.IndicatorPayload, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM indicator_drafts WHERE period_id = ?`, periodID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("indicator draft %s: %w", periodID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p model.IndicatorPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode indicator draft: %w", err)
	}
	return &p, nil
}

// SaveIndicatorDraft merges p into the saved indicator draft. Entries are
// replaced by name; indicators missing from p are kept.
func (s *Store) SaveIndicatorDraft(ctx context.Context, p model.IndicatorPayload) error {
	current, err := s.IndicatorDraft(ctx, p.PeriodID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	merged := p
	if current != nil {
		merged = *current
		merged.PeriodID = p.PeriodID
		for _, e := range p.Indicators {
			replaced := false
			for i := range merged.Indicators {
				if merged.Indicators[i].Name == e.Name {
					merged.Indicators[i] = e
					replaced = true
				}
			}
			if !replaced {
				merged.Indicators = append(merged.Indicators, e)
			}
		}
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := ensurePeriod(ctx, s.db, p.PeriodID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO indicator_drafts (period_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(period_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		p.PeriodID, string(raw), time.Now(),
	)
	return err
}

// SubmitIndicators stores the final indicator payload of a period. It is the last
// write of a submission: the period is marked submitted and both drafts are
// discarded.
func (s *Store) SubmitIndicators(ctx context.Context, p model.IndicatorPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensurePeriod(ctx, tx, p.PeriodID); err != nil {
		return err
	}
	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE periods SET submitted_at = ? WHERE id = ? AND submitted_at IS NULL`, now, p.PeriodID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return model.ErrAlreadySubmitted
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO indicator_submissions (period_id, payload, submitted_at) VALUES (?, ?, ?)
		 ON CONFLICT(period_id) DO UPDATE SET payload = excluded.payload, submitted_at = excluded.submitted_at`,
		p.PeriodID, string(raw), now,
	); err != nil {
		return err
	}
	for _, table := range []string{"indicator_drafts", "draft_answers"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE period_id = ?`, p.PeriodID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("stored submission", "period", p.PeriodID, "indicators", len(p.Indicators))
	return nil
}

// SubmittedIndicators returns the final indicator payload of a period.
func (s *Store) SubmittedIndicators(ctx context.Context, periodID string) (*model.IndicatorPayload, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM indicator_submissions WHERE period_id = ?`, periodID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("indicators %s: %w", periodID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p model.IndicatorPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode indicators: %w", err)
	}
	return &p, nil
}
