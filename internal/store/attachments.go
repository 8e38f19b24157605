package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/roritopra/sgirs/internal/model"
)

type storedAttachment struct {
	QuestionID string
	Name       string
	RemoteURL  string
}

// FilesPrefix is the URL prefix under which uploaded attachments are served.
const FilesPrefix = "/files/"

// UploadAttachments moves staged files into the upload directory and records
// them against the period. A question keeps only its latest file.
func (s *Store) UploadAttachments(ctx context.Context, periodID string, uploads []model.Upload) ([]model.UploadedFile, error) {
	if s.uploadDir == "" {
		return nil, fmt.Errorf("no upload directory configured")
	}
	if err := ensurePeriod(ctx, s.db, periodID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.uploadDir, periodID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	var out []model.UploadedFile
	for _, u := range uploads {
		name := uuid.NewString() + "-" + filepath.Base(u.Name)
		size, err := copyFile(u.LocalPath, filepath.Join(dir, name))
		if err != nil {
			return out, fmt.Errorf("store %s for %s: %w", u.Name, u.QuestionID, err)
		}
		url := FilesPrefix + path.Join(periodID, name)
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO attachments (id, period_id, question_id, field, name, mime_type, size, url, uploaded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(period_id, question_id) DO UPDATE SET
			 field = excluded.field, name = excluded.name, mime_type = excluded.mime_type,
			 size = excluded.size, url = excluded.url, uploaded_at = excluded.uploaded_at`,
			uuid.NewString(), periodID, u.QuestionID, u.Field, u.Name, u.MimeType, size, url, time.Now(),
		)
		if err != nil {
			return out, err
		}
		if err := os.Remove(u.LocalPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove staged file", "path", u.LocalPath, "error", err)
		}
		slog.Info("stored attachment", "period", periodID, "question_id", u.QuestionID, "field", u.Field, "size", humanize.Bytes(uint64(size)))
		out = append(out, model.UploadedFile{QuestionID: u.QuestionID, URL: url})
	}
	return out, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *Store) attachments(ctx context.Context, periodID string) ([]storedAttachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, name, url FROM attachments WHERE period_id = ? ORDER BY uploaded_at`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storedAttachment
	for rows.Next() {
		var a storedAttachment
		if err := rows.Scan(&a.QuestionID, &a.Name, &a.RemoteURL); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
