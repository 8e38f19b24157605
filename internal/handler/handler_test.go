package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/roritopra/sgirs/internal/i18n"
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/store"
	"github.com/roritopra/sgirs/internal/survey"
)

const (
	period   = "2026-1"
	username = "hospital-norte"
	password = "s3cret"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type testEnv struct {
	store *store.Store
	def   *survey.Definition
	h     *Handler
	srv   http.Handler
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(":memory:", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	def, err := survey.Default()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.ImportDefinition(ctx, def))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, model.User{Username: username, DisplayName: "Hospital Norte", PasswordHash: string(hash), Active: true})
	require.NoError(t, err)

	env := &testEnv{store: s, def: def}
	env.reload(t)
	return env
}

// reload starts a fresh handler over the same database, as after a restart.
func (e *testEnv) reload(t *testing.T) {
	t.Helper()
	cfg := model.ServerConfig{Lang: "en", StagingDir: t.TempDir()}
	h, err := New(e.store, e.def, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Use(appI18n.Middleware(cfg.Lang))
	h.Routes(r)
	e.h, e.srv = h, r
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.SetBasicAuth(username, password)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) answer(t *testing.T, id string, v any) {
	t.Helper()
	rec := e.do(t, http.MethodPut, "/periods/"+period+"/answers/"+id, v)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// answerAll answers every top-level question negatively except yes.
func (e *testEnv) answerAll(t *testing.T, yes ...string) {
	t.Helper()
	for _, id := range []string{"q01", "q04", "q06", "q07", "q08", "q10", "q11", "q12", "q15", "q17", "q19", "q22", "q24", "q26", "q29", "q31"} {
		e.answer(t, id, "No")
	}
	for _, id := range yes {
		e.answer(t, id, "Sí")
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRequireAuth(t *testing.T) {
	env := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/periods/"+period+"/status", nil)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
	assert.Equal(t, "Please sign in.", decode[errorResponse](t, rec).Error)

	req = httptest.NewRequest(http.MethodGet, "/periods/"+period+"/status", nil)
	req.SetBasicAuth(username, "wrong")
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, env.store.SetUserActive(context.Background(), username, false))
	rec = env.do(t, http.MethodGet, "/periods/"+period+"/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStepVisibility(t *testing.T) {
	env := newEnv(t)

	rec := env.do(t, http.MethodGet, "/periods/"+period+"/steps/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	step := decode[stepResponse](t, rec)
	require.Len(t, step.Questions, 1)
	assert.Equal(t, "q01", step.Questions[0].ID)
	assert.False(t, step.Complete)

	env.answer(t, "q01", "Sí")
	rec = env.do(t, http.MethodGet, "/periods/"+period+"/steps/1", nil)
	step = decode[stepResponse](t, rec)
	ids := make([]string, 0, len(step.Questions))
	for _, q := range step.Questions {
		ids = append(ids, q.ID)
	}
	assert.Equal(t, []string{"q01", "q02", "q03"}, ids)
	assert.Equal(t, "q01", step.Questions[1].Parent)
	assert.False(t, step.Complete)

	env.answer(t, "q01", false)
	rec = env.do(t, http.MethodGet, "/periods/"+period+"/steps/1", nil)
	step = decode[stepResponse](t, rec)
	assert.Len(t, step.Questions, 1)
	assert.True(t, step.Complete)

	rec = env.do(t, http.MethodGet, "/periods/"+period+"/status", nil)
	status := decode[statusResponse](t, rec)
	assert.Equal(t, 1, status.Step)
	assert.NotContains(t, status.Incomplete, 1)
	assert.Contains(t, status.Incomplete, 2)
}

func TestRequestErrors(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad period", http.MethodGet, "/periods/2026-3/status", nil, http.StatusBadRequest},
		{"unknown step", http.MethodGet, "/periods/" + period + "/steps/14", nil, http.StatusNotFound},
		{"unknown question", http.MethodPut, "/periods/" + period + "/answers/q99", "No", http.StatusNotFound},
		{"bad option", http.MethodPut, "/periods/" + period + "/answers/q03", "q03-nunca", http.StatusBadRequest},
		{"unknown indicator", http.MethodPut, "/periods/" + period + "/indicators/nada/months/1", map[string]string{"x": "1"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestFinalizeIncomplete(t *testing.T) {
	env := newEnv(t)
	env.answerAll(t)
	env.answer(t, "q15", json.RawMessage("null"))

	rec := env.do(t, http.MethodPost, "/periods/"+period+"/finalize", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, []int{6}, resp.Incomplete)
	assert.Equal(t, 6, resp.Step)
	assert.Equal(t, "1 step is incomplete.", resp.Error)
	assert.Equal(t, "Please review step 6.", resp.Detail)

	status := decode[statusResponse](t, env.do(t, http.MethodGet, "/periods/"+period+"/status", nil))
	assert.Equal(t, 6, status.Step)
	assert.False(t, status.Submitted)
}

func TestFinalize(t *testing.T) {
	env := newEnv(t)
	env.answerAll(t, "q07")

	step := decode[stepResponse](t, env.do(t, http.MethodGet, "/periods/"+period+"/steps/13", nil))
	require.Len(t, step.Indicators, 1)
	name := step.Indicators[0].Name
	assert.Equal(t, "Cumplimiento de capacitaciones", name)
	assert.False(t, step.Complete)

	for m := 1; m <= 6; m++ {
		rec := env.do(t, http.MethodPut, "/periods/"+period+"/indicators/"+url.PathEscape(name)+"/months/"+strconv.Itoa(m),
			map[string]string{"Capacitaciones programadas": "4", "Capacitaciones ejecutadas": "3"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		step = decode[stepResponse](t, rec)
	}
	assert.True(t, step.Complete)
	assert.Equal(t, 75.0, step.Indicators[0].Result.Percentage)

	rec := env.do(t, http.MethodPost, "/periods/"+period+"/finalize", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	sess := env.h.sessions[period]
	require.NotNil(t, sess.upload)
	files, err := sess.upload.Wait()
	require.NoError(t, err)
	assert.Empty(t, files)

	ctx := context.Background()
	entries, err := env.store.Submission(ctx, period)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	ind, err := env.store.SubmittedIndicators(ctx, period)
	require.NoError(t, err)
	_, ok := ind.Find(name)
	assert.True(t, ok)

	rec = env.do(t, http.MethodPost, "/periods/"+period+"/finalize", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPut, "/periods/"+period+"/answers/q01", "Sí")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// A restarted server still knows the period was submitted.
	env.reload(t)
	status := decode[statusResponse](t, env.do(t, http.MethodGet, "/periods/"+period+"/status", nil))
	assert.True(t, status.Submitted)
}

func TestSaveAndResume(t *testing.T) {
	env := newEnv(t)
	env.answer(t, "q01", "No")
	env.answer(t, "q04", "Sí")
	env.answer(t, "q05", "Ana Gómez, coordinadora ambiental")
	env.answer(t, "q06", "No")

	rec := env.do(t, http.MethodPost, "/periods/"+period+"/save", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Draft saved.")

	env.reload(t)
	rec = env.do(t, http.MethodPost, "/periods/"+period+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, true, resp["found"])
	assert.Equal(t, true, resp["navigated"])
	assert.Equal(t, float64(3), resp["step"])
	assert.Equal(t, "Your draft was restored. Continue on step 3.", resp["message"])

	step := decode[stepResponse](t, env.do(t, http.MethodGet, "/periods/"+period+"/steps/2", nil))
	require.Len(t, step.Questions, 2)
	assert.Equal(t, model.Text("Ana Gómez, coordinadora ambiental"), step.Questions[1].Answer)

	// Resuming again is a no-op.
	resp = decode[map[string]any](t, env.do(t, http.MethodPost, "/periods/"+period+"/resume", nil))
	assert.Equal(t, false, resp["navigated"])
	assert.Equal(t, float64(2), resp["step"])
}

func TestAttachments(t *testing.T) {
	env := newEnv(t)
	env.answer(t, "q29", "Sí")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "rh1.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 registro"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/periods/"+period+"/attachments/q29", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(username, password)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := decode[fileView](t, rec)
	assert.Equal(t, "rh1.pdf", file.Name)
	assert.True(t, file.Pending)

	// Saving uploads the staged file.
	rec = env.do(t, http.MethodPost, "/periods/"+period+"/save", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	step := decode[stepResponse](t, env.do(t, http.MethodGet, "/periods/"+period+"/steps/12", nil))
	require.NotEmpty(t, step.Questions)
	require.NotNil(t, step.Questions[0].File)
	assert.False(t, step.Questions[0].File.Pending)
	fileURL := step.Questions[0].File.URL
	require.True(t, strings.HasPrefix(fileURL, store.FilesPrefix), fileURL)

	rec = env.do(t, http.MethodGet, fileURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.4 registro", rec.Body.String())

	// Questions without evidence reject files.
	req = httptest.NewRequest(http.MethodPost, "/periods/"+period+"/attachments/q31", strings.NewReader(""))
	req.SetBasicAuth(username, password)
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/periods/"+period+"/attachments/q29", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
