package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roritopra/sgirs/internal/model"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed catalog, answer store and indicator service.
type Store struct {
	db        *sql.DB
	uploadDir string
}

var (
	_ model.Catalog          = (*Store)(nil)
	_ model.AnswerStore      = (*Store)(nil)
	_ model.IndicatorService = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath. Uploaded attachments are
// kept under uploadDir.
func New(dbPath, uploadDir string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if strings.HasPrefix(dbPath, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, uploadDir: uploadDir}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UploadDir is where uploaded attachments are stored.
func (s *Store) UploadDir() string { return s.uploadDir }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS question_types (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL UNIQUE,
		text TEXT NOT NULL,
		type_id INTEGER NOT NULL,
		parent_id TEXT,
		step INTEGER NOT NULL,
		FOREIGN KEY (type_id) REFERENCES question_types(id)
	);

	CREATE TABLE IF NOT EXISTS options (
		id TEXT PRIMARY KEY,
		question_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		label TEXT NOT NULL,
		requires_attachment INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS indicators (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		number INTEGER NOT NULL,
		kind TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS indicator_variables (
		indicator_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (indicator_id, position),
		FOREIGN KEY (indicator_id) REFERENCES indicators(id)
	);

	CREATE TABLE IF NOT EXISTS indicator_conditions (
		indicator_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		text TEXT NOT NULL,
		PRIMARY KEY (indicator_id, position),
		FOREIGN KEY (indicator_id) REFERENCES indicators(id)
	);

	CREATE TABLE IF NOT EXISTS indicator_rules (
		question_id TEXT NOT NULL,
		option_id TEXT NOT NULL,
		indicator_id TEXT NOT NULL,
		PRIMARY KEY (question_id, option_id, indicator_id),
		FOREIGN KEY (indicator_id) REFERENCES indicators(id)
	);

	CREATE TABLE IF NOT EXISTS periods (
		id TEXT PRIMARY KEY,
		year INTEGER NOT NULL,
		half INTEGER NOT NULL,
		submitted_at DATETIME,
		submitted_by INTEGER
	);

	CREATE TABLE IF NOT EXISTS draft_answers (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		question_number INTEGER NOT NULL DEFAULT 0,
		question_id TEXT NOT NULL DEFAULT '',
		option_id TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT 'null',
		attachment_url TEXT NOT NULL DEFAULT '',
		attachment_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (period_id) REFERENCES periods(id)
	);

	CREATE INDEX IF NOT EXISTS draft_answers_period ON draft_answers(period_id, position);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		field TEXT NOT NULL,
		name TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		url TEXT NOT NULL,
		uploaded_at DATETIME NOT NULL,
		UNIQUE (period_id, question_id),
		FOREIGN KEY (period_id) REFERENCES periods(id)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		option_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		FOREIGN KEY (period_id) REFERENCES periods(id)
	);

	CREATE TABLE IF NOT EXISTS indicator_drafts (
		period_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (period_id) REFERENCES periods(id)
	);

	CREATE TABLE IF NOT EXISTS indicator_submissions (
		period_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		FOREIGN KEY (period_id) REFERENCES periods(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// QuestionTypes returns the question kinds known to the catalog.
func (s *Store) QuestionTypes(ctx context.Context) ([]model.QuestionType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM question_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var types []model.QuestionType
	for rows.Next() {
		var t model.QuestionType
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

const optionColumns = `o.id, o.question_id, q.number, o.label, o.requires_attachment`

func scanOptions(rows *sql.Rows) ([]model.Option, error) {
	defer rows.Close()
	var options []model.Option
	for rows.Next() {
		var o model.Option
		if err := rows.Scan(&o.ID, &o.QuestionID, &o.QuestionNumber, &o.Label, &o.RequiresAttachment); err != nil {
			return nil, err
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

// Options returns the full option catalog in question order.
func (s *Store) Options(ctx context.Context) ([]model.Option, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+optionColumns+` FROM options o JOIN questions q ON q.id = o.question_id
		 ORDER BY q.number, o.position`)
	if err != nil {
		return nil, err
	}
	return scanOptions(rows)
}

// OptionsForQuestion returns the options of one question.
func (s *Store) OptionsForQuestion(ctx context.Context, questionID string) ([]model.Option, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+optionColumns+` FROM options o JOIN questions q ON q.id = o.question_id
		 WHERE o.question_id = ? ORDER BY o.position`, questionID)
	if err != nil {
		return nil, err
	}
	return scanOptions(rows)
}

// QuestionByNumber returns catalog metadata for a question ordinal.
func (s *Store) QuestionByNumber(ctx context.Context, number int) (model.QuestionMeta, error) {
	var q model.QuestionMeta
	err := s.db.QueryRowContext(ctx,
		`SELECT q.id, q.number, q.text, t.name FROM questions q
		 JOIN question_types t ON t.id = q.type_id WHERE q.number = ?`, number,
	).Scan(&q.ID, &q.Number, &q.Text, &q.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("question %d: %w", number, model.ErrNotFound)
	}
	return q, err
}

// QuestionCount returns the number of questions in the catalog.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}
