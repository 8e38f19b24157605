package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/roritopra/sgirs/internal/handler"
	appI18n "github.com/roritopra/sgirs/internal/i18n"
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/store"
	"github.com/roritopra/sgirs/internal/survey"
)

// embeddedSurveyKey identifies the built-in survey in the import bookkeeping table.
const embeddedSurveyKey = "embedded:sgirs.yaml"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sgirs",
		Short: "Semiannual waste-management survey service",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), importDraftCmd(), checkCmd(), addUserCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `sgirs --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "sgirs.db", "SQLite database path")
	f.String("survey", "", "Survey definition YAML (empty = built-in survey)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP survey API",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("upload-dir", "uploads", "Directory where uploaded evidence is stored and served from")
	f.String("staging-dir", "staging", "Directory for evidence files waiting to be uploaded")
	f.StringP("lang", "l", "es", "Message language (es, en)")
	f.Duration("upload-delay", 0, "Wait before uploading evidence after a final submission")
	f.String("username", "establecimiento", "Account created when the database has no users")
	f.String("password", "", "Password for the initial account (or set SGIRS_PASSWORD)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load the survey definition into the catalog database",
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	return cmd
}

func importDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-draft",
		Short: "Load a legacy draft (JSON array of records) for a period",
		RunE:  runImportDraft,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("period", "p", "", "Reporting period id, e.g. 2026-1 (required)")
	f.StringP("file", "f", "", "Draft records JSON file (required)")
	_ = cmd.MarkFlagRequired("period")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func addUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-user",
		Short: "Create an establishment account",
		RunE:  runAddUser,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("username", "u", "", "Login name (required)")
	f.String("display-name", "", "Establishment name")
	f.String("password", "", "Password (or set SGIRS_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SGIRS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("sgirs")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/sgirs")
	v.AddConfigPath("/etc/sgirs")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"), v.GetString("upload-dir"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	def, err := loadSurvey(ctx, db, v.GetString("survey"))
	if err != nil {
		return fmt.Errorf("load survey: %w", err)
	}

	if err := seedUser(ctx, db, v.GetString("username"), v.GetString("password")); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	cfg := model.ServerConfig{
		Lang:        lang,
		StagingDir:  v.GetString("staging-dir"),
		UploadDelay: v.GetDuration("upload-delay"),
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	h, err := handler.New(db, def, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"survey", def.Name,
		"lang", lang,
		"upload_dir", db.UploadDir(),
		"staging_dir", cfg.StagingDir,
		"upload_delay", cfg.UploadDelay,
	)
	return http.ListenAndServe(addr, r)
}

func runImport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"), "")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	def, err := loadSurvey(cmd.Context(), db, v.GetString("survey"))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "survey %q: %d steps, %d indicators\n", def.Name, def.StepCount(), len(def.Indicators))
	return nil
}

func runImportDraft(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	period, err := model.ParsePeriod(v.GetString("period"))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(v.GetString("file"))
	if err != nil {
		return fmt.Errorf("read draft: %w", err)
	}
	var records []model.DraftRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse draft: %w", err)
	}

	db, err := store.New(v.GetString("db"), "")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if _, err := loadSurvey(ctx, db, v.GetString("survey")); err != nil {
		return err
	}
	if err := db.ImportLegacyDraft(ctx, period.ID, records); err != nil {
		return fmt.Errorf("import draft: %w", err)
	}
	slog.Info("imported draft", "period", period.ID, "records", len(records))
	return nil
}

func runAddUser(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	password := v.GetString("password")
	if password == "" {
		return fmt.Errorf("password is required: set --password flag or SGIRS_PASSWORD env var")
	}

	db, err := store.New(v.GetString("db"), "")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return createUser(cmd.Context(), db, v.GetString("username"), v.GetString("display-name"), password)
}

// loadSurvey parses the survey definition and imports it into the catalog unless
// the same content was imported before.
func loadSurvey(ctx context.Context, db *store.Store, path string) (*survey.Definition, error) {
	var (
		data []byte
		key  = path
		err  error
	)
	if path == "" {
		data, key = survey.Source(), embeddedSurveyKey
	} else if data, err = os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	def, err := survey.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}

	hash := sha256sum(data)
	storedHash, err := db.GetImportedFileHash(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check import status for %s: %w", key, err)
	}
	if storedHash == hash {
		slog.Info("survey definition unchanged, skipping import", "path", key)
		return def, nil
	}
	if storedHash != "" {
		slog.Warn("survey definition changed since last import, updating catalog", "path", key)
	}

	if err := db.ImportDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("import %s: %w", key, err)
	}
	if err := db.SetImportedFileHash(ctx, key, hash); err != nil {
		return nil, fmt.Errorf("record import for %s: %w", key, err)
	}
	return def, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedUser(ctx context.Context, db *store.Store, username, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if password == "" {
		return fmt.Errorf("no accounts exist: set --password flag or SGIRS_PASSWORD env var, or run add-user")
	}
	return createUser(ctx, db, username, "", password)
}

func createUser(ctx context.Context, db *store.Store, username, displayName, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if displayName == "" {
		displayName = username
	}
	_, err = db.CreateUser(ctx, model.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	return nil
}
