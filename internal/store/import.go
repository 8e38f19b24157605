package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
	"github.com/roritopra/sgirs/internal/textnorm"
)

// ImportDefinition seeds the catalog from a survey definition. Existing rows are
// updated in place, so importing the same definition twice is harmless.
func (s *Store) ImportDefinition(ctx context.Context, def *survey.Definition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range []survey.Kind{survey.YesNo, survey.SingleSelect, survey.MultiSelect, survey.FreeText, survey.FileOnly} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO question_types (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
			int(k), k.String(),
		); err != nil {
			return fmt.Errorf("question type %s: %w", k, err)
		}
	}

	var walkErr error
	questions := 0
	def.Walk(func(q *survey.Question) {
		if walkErr != nil {
			return
		}
		questions++
		walkErr = importQuestion(ctx, tx, def, q)
	})
	if walkErr != nil {
		return walkErr
	}

	for _, slot := range def.Indicators {
		if err := importIndicator(ctx, tx, def, slot); err != nil {
			return fmt.Errorf("indicator %q: %w", slot.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("imported survey", "name", def.Name, "questions", questions, "indicators", len(def.Indicators))
	return nil
}

func importQuestion(ctx context.Context, tx *sql.Tx, def *survey.Definition, q *survey.Question) error {
	var parent sql.NullString
	if p, ok := def.Parent(q.ID); ok {
		parent = sql.NullString{String: p, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO questions (id, number, text, type_id, parent_id, step) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET number = excluded.number, text = excluded.text,
		 type_id = excluded.type_id, parent_id = excluded.parent_id, step = excluded.step`,
		q.ID, q.Number, q.Text, int(q.Kind), parent, def.StepOf(q.Number),
	); err != nil {
		return fmt.Errorf("question %s: %w", q.ID, err)
	}
	for i, o := range q.Options {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO options (id, question_id, position, label, requires_attachment) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET question_id = excluded.question_id, position = excluded.position,
			 label = excluded.label, requires_attachment = excluded.requires_attachment`,
			o.ID, q.ID, i, o.Label, o.RequiresAttachment,
		); err != nil {
			return fmt.Errorf("option %s: %w", o.ID, err)
		}
	}
	return nil
}

func importIndicator(ctx context.Context, tx *sql.Tx, def *survey.Definition, slot model.IndicatorSlot) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM indicators WHERE name = ?`, slot.Name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO indicators (id, name, number, kind) VALUES (?, ?, ?, ?)`,
			id, slot.Name, slot.Number, slot.Kind,
		); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE indicators SET number = ?, kind = ? WHERE id = ?`, slot.Number, slot.Kind, id,
		); err != nil {
			return err
		}
	}

	for _, table := range []string{"indicator_variables", "indicator_conditions", "indicator_rules"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE indicator_id = ?`, id); err != nil {
			return err
		}
	}
	for i, v := range slot.Variables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO indicator_variables (indicator_id, position, name) VALUES (?, ?, ?)`, id, i, v,
		); err != nil {
			return err
		}
	}
	for i, c := range slot.Conditions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO indicator_conditions (indicator_id, position, text) VALUES (?, ?, ?)`, id, i, c,
		); err != nil {
			return err
		}
	}
	if slot.Gate == 0 {
		return nil
	}
	gate, ok := def.QuestionByNumber(slot.Gate)
	if !ok {
		return fmt.Errorf("gate question %d: %w", slot.Gate, model.ErrNotFound)
	}
	for _, o := range gate.Options {
		if !textnorm.IsAffirmative(o.Label) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO indicator_rules (question_id, option_id, indicator_id) VALUES (?, ?, ?)`,
			gate.ID, o.ID, id,
		); err != nil {
			return err
		}
	}
	return nil
}
