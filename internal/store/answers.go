package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roritopra/sgirs/internal/model"
)

// DraftExists reports whether a draft was saved for the period.
func (s *Store) DraftExists(ctx context.Context, periodID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM draft_answers WHERE period_id = ?)`, periodID,
	).Scan(&exists)
	return exists, err
}

// DraftRecords returns the raw draft rows of a period. Uploaded attachments are
// reported on the first record of their question, or as an extra record when the
// question has no answer row.
func (s *Store) DraftRecords(ctx context.Context, periodID string) ([]model.DraftRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_number, question_id, option_id, answer, attachment_url, attachment_name
		 FROM draft_answers WHERE period_id = ? ORDER BY position`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.DraftRecord
	for rows.Next() {
		var (
			r      model.DraftRecord
			answer string
		)
		if err := rows.Scan(&r.QuestionNumber, &r.QuestionID, &r.OptionID, &answer, &r.AttachmentURL, &r.AttachmentName); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answer), &r.Answer); err != nil {
			return nil, fmt.Errorf("decode draft answer: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attachments, err := s.attachments(ctx, periodID)
	if err != nil {
		return nil, err
	}
	first := make(map[string]int)
	for i := len(records) - 1; i >= 0; i-- {
		if id := records[i].QuestionID; id != "" {
			first[id] = i
		}
	}
	for _, a := range attachments {
		i, ok := first[a.QuestionID]
		if !ok {
			records = append(records, model.DraftRecord{QuestionID: a.QuestionID, AttachmentURL: a.RemoteURL, AttachmentName: a.Name})
			continue
		}
		if records[i].AttachmentURL == "" {
			records[i].AttachmentURL = a.RemoteURL
			records[i].AttachmentName = a.Name
		}
	}
	return records, nil
}

// CreateDraft stores the first draft of a period.
func (s *Store) CreateDraft(ctx context.Context, periodID string, entries []model.PartialEntry) error {
	exists, err := s.DraftExists(ctx, periodID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("draft for %s already exists", periodID)
	}
	return s.replaceDraft(ctx, periodID, entries)
}

// UpdateDraft replaces the draft of a period.
func (s *Store) UpdateDraft(ctx context.Context, periodID string, entries []model.PartialEntry) error {
	return s.replaceDraft(ctx, periodID, entries)
}

func (s *Store) replaceDraft(ctx context.Context, periodID string, entries []model.PartialEntry) error {
	done, err := s.submitted(ctx, periodID)
	if err != nil {
		return err
	}
	if done {
		return model.ErrAlreadySubmitted
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensurePeriod(ctx, tx, periodID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_answers WHERE period_id = ?`, periodID); err != nil {
		return err
	}
	for i, e := range entries {
		answer := model.Null
		if e.Text != "" {
			answer = model.Text(e.Text)
		}
		if err := insertDraftRow(ctx, tx, periodID, i, model.DraftRecord{
			QuestionID: e.QuestionID,
			OptionID:   e.OptionID,
			Answer:     answer,
		}, e.Status, e.Timestamp); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("stored draft", "period", periodID, "entries", len(entries))
	return nil
}

func insertDraftRow(ctx context.Context, tx *sql.Tx, periodID string, position int, r model.DraftRecord, status string, at time.Time) error {
	answer, err := json.Marshal(r.Answer)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO draft_answers (id, period_id, position, question_number, question_id, option_id, answer,
		 attachment_url, attachment_name, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), periodID, position, r.QuestionNumber, r.QuestionID, r.OptionID, string(answer),
		r.AttachmentURL, r.AttachmentName, status, at,
	)
	return err
}

// ImportLegacyDraft replaces the draft of a period with records in the legacy
// ordinal-and-label shape.
func (s *Store) ImportLegacyDraft(ctx context.Context, periodID string, records []model.DraftRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensurePeriod(ctx, tx, periodID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_answers WHERE period_id = ?`, periodID); err != nil {
		return err
	}
	now := time.Now()
	for i, r := range records {
		if err := insertDraftRow(ctx, tx, periodID, i, r, model.StatusDraft, now); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SubmitAnswers stores the final answers of a period, replacing answers sent by an
// earlier attempt. The period only counts as submitted once its indicators are
// stored, so a failed finalize can be retried.
func (s *Store) SubmitAnswers(ctx context.Context, periodID string, entries []model.FinalEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensurePeriod(ctx, tx, periodID); err != nil {
		return err
	}
	var userID int64
	if len(entries) > 0 {
		userID = entries[0].UserID
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE periods SET submitted_by = ? WHERE id = ? AND submitted_at IS NULL`,
		userID, periodID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return model.ErrAlreadySubmitted
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE period_id = ?`, periodID); err != nil {
		return err
	}
	now := time.Now()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO submissions (id, period_id, question_id, option_id, text, user_id, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), periodID, e.QuestionID, e.OptionID, e.Text, e.UserID, now,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("stored submitted answers", "period", periodID, "entries", len(entries), "user_id", userID)
	return nil
}

// Submission returns the final answers of a period.
func (s *Store) Submission(ctx context.Context, periodID string) ([]model.FinalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.question_id, s.option_id, s.text, s.period_id, s.user_id
		 FROM submissions s JOIN questions q ON q.id = s.question_id
		 WHERE s.period_id = ? ORDER BY q.number, s.rowid`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.FinalEntry
	for rows.Next() {
		var e model.FinalEntry
		if err := rows.Scan(&e.QuestionID, &e.OptionID, &e.Text, &e.PeriodID, &e.UserID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
