package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/roritopra/sgirs/internal/i18n"
	"github.com/roritopra/sgirs/internal/indicator"
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/resume"
	"github.com/roritopra/sgirs/internal/store"
	"github.com/roritopra/sgirs/internal/submit"
	"github.com/roritopra/sgirs/internal/survey"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	def     *survey.Definition
	matcher *indicator.Matcher
	submit  *submit.Orchestrator
	config  model.ServerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*periodSession
}

// periodSession is the in-memory working state of one reporting period.
type periodSession struct {
	// op serializes resume, save and finalize on the form.
	op     sync.Mutex
	form   *survey.Form
	resume *resume.Engine
	upload *submit.Upload
}

// New creates a new Handler.
func New(s *store.Store, def *survey.Definition, cfg model.ServerConfig, logger *slog.Logger) (*Handler, error) {
	if s.UploadDir() == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	matcher := indicator.NewMatcher(def, s, s, logger)
	orch := submit.New(def, s, s, s, matcher, logger)
	orch.UploadDelay = cfg.UploadDelay
	return &Handler{
		store:    s,
		def:      def,
		matcher:  matcher,
		submit:   orch,
		config:   cfg,
		logger:   logger,
		sessions: make(map[string]*periodSession),
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/periods", h.handleListPeriods)
		r.Route("/periods/{periodID}", func(r chi.Router) {
			r.Get("/status", h.handleStatus)
			r.Get("/steps/{step}", h.handleStep)
			r.Put("/answers/{questionID}", h.handleAnswer)
			r.Post("/attachments/{questionID}", h.handleAttachment)
			r.Delete("/attachments/{questionID}", h.handleRemoveAttachment)
			r.Put("/indicators/{indicator}/months/{month}", h.handleMetricValues)
			r.Put("/indicators/{indicator}/conditions/{index}", h.handleCondition)
			r.Post("/indicators/refresh", h.handleRefreshIndicators)
			r.Post("/resume", h.handleResume)
			r.Post("/save", h.handleSave)
			r.Post("/finalize", h.handleFinalize)
		})
		r.Handle(store.FilesPrefix+"*", http.StripPrefix(store.FilesPrefix, http.FileServer(http.Dir(h.store.UploadDir()))))
	})
}

// session returns the working state of the period in the URL, creating it on
// first use.
func (h *Handler) session(r *http.Request) (*periodSession, error) {
	period, err := model.ParsePeriod(chi.URLParam(r, "periodID"))
	if err != nil {
		return nil, errBadRequest{err}
	}
	id := period.ID

	h.mu.Lock()
	sess, ok := h.sessions[id]
	h.mu.Unlock()
	if ok {
		return sess, nil
	}

	if _, err := h.store.EnsurePeriod(r.Context(), id); err != nil {
		return nil, err
	}
	_, submittedAt, err := h.store.GetPeriod(r.Context(), id)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[id]; ok {
		return sess, nil
	}
	sess = &periodSession{
		form:   survey.NewForm(h.def, period),
		resume: resume.New(h.def, h.store, h.store, h.store, h.logger),
	}
	if !submittedAt.IsZero() {
		sess.form.MarkSubmitted()
	}
	h.sessions[id] = sess
	return sess, nil
}

func (h *Handler) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.store.ListPeriods(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

type stepStatus struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Complete bool   `json:"complete"`
}

type statusResponse struct {
	Period     model.Period       `json:"period"`
	Step       int                `json:"step"`
	Submitted  bool               `json:"submitted"`
	Steps      []stepStatus       `json:"steps"`
	Incomplete []int              `json:"incomplete"`
	Indicators []indicator.Result `json:"indicators"`
	Upload     string             `json:"upload,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap := sess.form.Snapshot()
	resp := statusResponse{
		Period:     snap.Period,
		Step:       snap.Step,
		Submitted:  snap.Submitted,
		Incomplete: []int{},
		Indicators: indicator.ComputeAll(snap.Active, snap.Indicators, snap.Period.Half),
	}
	for _, st := range h.def.Steps {
		complete := h.def.StepComplete(st.Number, snap.Answers, snap.Attachments, snap.IndicatorView())
		resp.Steps = append(resp.Steps, stepStatus{Number: st.Number, Title: st.Title, Complete: complete})
		if !complete {
			resp.Incomplete = append(resp.Incomplete, st.Number)
		}
	}
	h.mu.Lock()
	up := sess.upload
	h.mu.Unlock()
	if up != nil {
		resp.Upload = uploadState(up)
	}
	writeJSON(w, http.StatusOK, resp)
}

func uploadState(up *submit.Upload) string {
	select {
	case <-up.Done():
		if _, err := up.Wait(); err != nil {
			return "failed"
		}
		return "done"
	default:
		return "pending"
	}
}

type questionView struct {
	ID         string                  `json:"id"`
	Number     int                     `json:"number"`
	Text       string                  `json:"text"`
	Kind       survey.Kind             `json:"kind"`
	Options    []survey.Option         `json:"options,omitempty"`
	Optional   bool                    `json:"optional,omitempty"`
	Attachment survey.AttachmentPolicy `json:"attachment,omitempty"`
	Parent     string                  `json:"parent,omitempty"`
	Answer     model.Value             `json:"answer"`
	File       *fileView               `json:"file,omitempty"`
}

type fileView struct {
	Name     string `json:"name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Pending  bool   `json:"pending"`
}

func newFileView(a model.Attachment) *fileView {
	return &fileView{Name: a.Name, Size: a.Size, MimeType: a.MimeType, URL: a.RemoteURL, Pending: a.Pending()}
}

type activeView struct {
	Name       string              `json:"name"`
	Kind       model.IndicatorKind `json:"kind"`
	Variables  []string            `json:"variables,omitempty"`
	Conditions []string            `json:"conditions,omitempty"`
	Result     indicator.Result    `json:"result"`
	Pending    string              `json:"pending_label,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
}

type stepResponse struct {
	Number     int                   `json:"number"`
	Title      string                `json:"title"`
	Complete   bool                  `json:"complete"`
	Questions  []questionView        `json:"questions,omitempty"`
	Indicators []activeView          `json:"indicators,omitempty"`
	Months     []time.Month          `json:"months,omitempty"`
	State      *model.IndicatorState `json:"state,omitempty"`
}

// handleStep returns a step's visible questions and makes it the current step.
func (h *Handler) handleStep(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	st, ok := h.def.Step(n)
	if !ok {
		h.fail(w, r, fmt.Errorf("step %d: %w", n, model.ErrNotFound))
		return
	}
	if err := sess.form.GoTo(n); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.stepView(r.Context(), sess.form, st))
}

func (h *Handler) stepView(ctx context.Context, form *survey.Form, st survey.Step) stepResponse {
	snap := form.Snapshot()
	resp := stepResponse{
		Number:   st.Number,
		Title:    st.Title,
		Complete: h.def.StepComplete(st.Number, snap.Answers, snap.Attachments, snap.IndicatorView()),
	}
	if st.Indicators {
		resp.Months = snap.Period.Half.Months()
		resp.State = snap.Indicators
		for _, a := range snap.Active {
			res := indicator.Compute(a.Slot, snap.Indicators, snap.Period.Half)
			v := activeView{
				Name:       a.Slot.Name,
				Kind:       a.Slot.Kind,
				Variables:  a.Slot.Variables,
				Conditions: a.Slot.Conditions,
				Result:     res,
			}
			if res.Pending {
				v.Pending = appI18n.T(ctx, "IndicatorPending")
			}
			for _, wn := range res.Warnings {
				v.Warnings = append(v.Warnings, appI18n.Td(ctx, "IndicatorWarning", map[string]any{
					"Month":       int(wn.Month),
					"Numerator":   wn.Numerator,
					"Denominator": wn.Denominator,
					"Value":       wn.Value,
					"Limit":       wn.Limit,
				}))
			}
			resp.Indicators = append(resp.Indicators, v)
		}
		return resp
	}
	for _, q := range h.def.VisibleInStep(st.Number, snap.Answers) {
		qv := questionView{
			ID:         q.ID,
			Number:     q.Number,
			Text:       q.Text,
			Kind:       q.Kind,
			Options:    q.Options,
			Optional:   q.Optional,
			Attachment: q.Attachment,
			Answer:     snap.Answers.Get(q.ID),
		}
		qv.Parent, _ = h.def.Parent(q.ID)
		if att, ok := snap.Attachments[q.ID]; ok {
			qv.File = newFileView(att)
		}
		resp.Questions = append(resp.Questions, qv)
	}
	return resp
}

// handleAnswer stores one answer. Changing a gate answer re-resolves the active
// indicators. When resolution fails, only indicators whose gate no longer
// applies are dropped, and the failure is reported.
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sess.form.Submitted() {
		h.fail(w, r, model.ErrAlreadySubmitted)
		return
	}
	id := chi.URLParam(r, "questionID")
	var v model.Value
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	if err := sess.form.SetAnswer(id, v); err != nil {
		h.fail(w, r, asBadRequest(err))
		return
	}

	q, _ := h.def.Question(id)
	resp := map[string]any{"question_id": id, "answer": sess.form.Answer(id)}
	if h.isIndicatorGate(q.Number) {
		if _, err := h.matcher.Refresh(r.Context(), sess.form); err != nil {
			h.logger.Warn("indicators not refreshed", "period", sess.form.Period().ID, "question_id", id, "err", err)
			resp["indicator_error"] = h.message(r, err)
		}
	}
	st, _ := h.def.Step(h.def.StepOf(q.Number))
	resp["step"] = h.stepView(r.Context(), sess.form, st)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) isIndicatorGate(number int) bool {
	for _, n := range h.def.IndicatorGates {
		if n == number {
			return true
		}
	}
	return false
}

func (h *Handler) handleMetricValues(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "indicator"))
	if err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	for variable, value := range values {
		if err := sess.form.SetMetricValue(name, time.Month(month), variable, value); err != nil {
			h.fail(w, r, asBadRequest(err))
			return
		}
	}
	st, _ := h.def.Step(h.def.IndicatorStep())
	writeJSON(w, http.StatusOK, h.stepView(r.Context(), sess.form, st))
}

func (h *Handler) handleCondition(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "indicator"))
	if err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	var value *bool
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	if err := sess.form.SetCondition(name, index, value); err != nil {
		h.fail(w, r, asBadRequest(err))
		return
	}
	st, _ := h.def.Step(h.def.IndicatorStep())
	writeJSON(w, http.StatusOK, h.stepView(r.Context(), sess.form, st))
}

func (h *Handler) handleRefreshIndicators(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.matcher.Refresh(r.Context(), sess.form); err != nil {
		h.fail(w, r, err)
		return
	}
	st, _ := h.def.Step(h.def.IndicatorStep())
	writeJSON(w, http.StatusOK, h.stepView(r.Context(), sess.form, st))
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess.op.Lock()
	defer sess.op.Unlock()

	res, err := sess.resume.Resume(r.Context(), sess.form)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{
		"state":     res.State.String(),
		"found":     res.Found,
		"step":      sess.form.Step(),
		"navigated": res.Navigated,
		"skipped":   len(res.Skipped),
	}
	if res.Navigated {
		resp["message"] = appI18n.Td(r.Context(), "DraftResumed", map[string]any{"Step": res.Step})
	}
	if res.Found {
		// Gate answers may have come back with the draft.
		if _, err := h.matcher.Refresh(r.Context(), sess.form); err != nil {
			h.logger.Warn("indicators not refreshed after resume", "period", sess.form.Period().ID, "err", err)
			resp["indicator_error"] = h.message(r, err)
		} else if err := sess.resume.PrefillIndicators(r.Context(), sess.form); err != nil {
			h.logger.Warn("indicator draft not restored", "period", sess.form.Period().ID, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess.op.Lock()
	defer sess.op.Unlock()

	res, err := h.submit.SavePartial(r.Context(), sess.form)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  res,
		"message": appI18n.T(r.Context(), "DraftSaved"),
	})
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	sess.op.Lock()
	defer sess.op.Unlock()

	up, err := h.submit.Finalize(r.Context(), sess.form, user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.mu.Lock()
	sess.upload = up
	h.mu.Unlock()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"submitted": true,
		"message":   appI18n.T(r.Context(), "SurveySubmitted"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
