// Package submit builds save-for-later and final payloads from a form and
// dispatches them in order.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/roritopra/sgirs/internal/indicator"
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
)

// Orchestrator sequences partial saves and final submissions.
type Orchestrator struct {
	def        *survey.Definition
	store      model.AnswerStore
	catalog    model.Catalog
	indicators model.IndicatorService
	matcher    *indicator.Matcher
	logger     *slog.Logger

	// UploadDelay postpones the file upload that follows a final submission.
	UploadDelay time.Duration
	now         func() time.Time
}

// New creates an Orchestrator.
func New(def *survey.Definition, store model.AnswerStore, catalog model.Catalog, indicators model.IndicatorService, matcher *indicator.Matcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		def:        def,
		store:      store,
		catalog:    catalog,
		indicators: indicators,
		matcher:    matcher,
		logger:     logger,
		now:        time.Now,
	}
}

// SaveResult summarizes a partial save.
type SaveResult struct {
	Created    bool `json:"created"`
	Entries    int  `json:"entries"`
	Indicators int  `json:"indicators"`
	Uploaded   int  `json:"uploaded"`
}

// SavePartial persists the form as a draft. On the indicators step the touched
// indicators are saved as well. Pending attachments are uploaded on a best-effort
// basis.
func (o *Orchestrator) SavePartial(ctx context.Context, form *survey.Form) (SaveResult, error) {
	snap := form.Snapshot()
	if snap.Submitted {
		return SaveResult{}, model.ErrAlreadySubmitted
	}
	periodID := snap.Period.ID

	var (
		options []model.Option
		exists  bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		options, err = o.catalog.Options(gctx)
		if err != nil {
			return &model.CatalogFetchError{Op: "options", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		exists, err = o.store.DraftExists(gctx, periodID)
		if err != nil {
			return fmt.Errorf("check draft: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return SaveResult{}, err
	}

	ts := o.now().UTC()
	var entries []model.PartialEntry
	for _, r := range rows(o.def, snap.Answers, options) {
		entries = append(entries, model.PartialEntry{
			QuestionID: r.QuestionID,
			OptionID:   r.OptionID,
			Text:       r.Text,
			PeriodID:   periodID,
			Timestamp:  ts,
			Status:     model.StatusDraft,
		})
	}

	res := SaveResult{Created: !exists, Entries: len(entries)}
	if exists {
		if err := o.store.UpdateDraft(ctx, periodID, entries); err != nil {
			return res, fmt.Errorf("update draft: %w", err)
		}
	} else {
		if err := o.store.CreateDraft(ctx, periodID, entries); err != nil {
			return res, fmt.Errorf("create draft: %w", err)
		}
	}

	if snap.Step == o.def.IndicatorStep() {
		active, err := o.matcher.Match(ctx, snap.Answers)
		if err != nil {
			o.logger.Warn("saving draft without indicators", "period", periodID, "err", err)
			active = nil
		}
		payload := indicator.PartialPayload(periodID, active, snap.Indicators)
		if len(payload.Indicators) > 0 {
			if err := o.indicators.SaveIndicatorDraft(ctx, payload); err != nil {
				return res, fmt.Errorf("save indicator draft: %w", err)
			}
			res.Indicators = len(payload.Indicators)
		}
	}

	files, err := o.uploadPending(ctx, form, periodID)
	if err != nil {
		o.logger.Warn("draft attachments not uploaded", "period", periodID, "err", err)
	}
	res.Uploaded = len(files)

	o.logger.Info("saved draft", "period", periodID, "created", res.Created, "entries", res.Entries, "indicators", res.Indicators)
	return res, nil
}

// Finalize validates every step and submits the form. The active indicators are
// resolved again from the final answers before validation, and a resolution
// failure aborts before anything is written. Nothing is sent if a step is
// incomplete; the form moves to the first incomplete step instead. Answers are
// sent first, then indicators, and only once both are acknowledged are the files
// uploaded, in the background. The returned Upload tracks that last phase.
func (o *Orchestrator) Finalize(ctx context.Context, form *survey.Form, userID int64) (*Upload, error) {
	if form.Submitted() {
		return nil, model.ErrAlreadySubmitted
	}
	if _, err := o.matcher.Refresh(ctx, form); err != nil {
		return nil, err
	}
	if missing := form.IncompleteSteps(); len(missing) > 0 {
		incomplete := &model.IncompleteError{Steps: missing}
		if err := form.GoTo(incomplete.First()); err != nil {
			return nil, err
		}
		return nil, incomplete
	}

	snap := form.Snapshot()
	periodID := snap.Period.ID

	options, err := o.catalog.Options(ctx)
	if err != nil {
		return nil, &model.CatalogFetchError{Op: "options", Err: err}
	}
	var entries []model.FinalEntry
	for _, r := range rows(o.def, snap.Answers, options) {
		entries = append(entries, model.FinalEntry{
			QuestionID: r.QuestionID,
			OptionID:   r.OptionID,
			Text:       r.Text,
			PeriodID:   periodID,
			UserID:     userID,
		})
	}
	if err := o.store.SubmitAnswers(ctx, periodID, entries); err != nil {
		return nil, fmt.Errorf("submit answers: %w", err)
	}

	payload := indicator.FullPayload(periodID, snap.Active, snap.Indicators, snap.Period.Half)
	if err := o.indicators.SubmitIndicators(ctx, payload); err != nil {
		return nil, fmt.Errorf("submit indicators: %w", err)
	}
	form.MarkSubmitted()
	o.logger.Info("submitted survey", "period", periodID, "user_id", userID, "entries", len(entries), "indicators", len(payload.Indicators))

	up := &Upload{done: make(chan struct{})}
	go o.continueUpload(context.WithoutCancel(ctx), form, periodID, up)
	return up, nil
}

func (o *Orchestrator) continueUpload(ctx context.Context, form *survey.Form, periodID string, up *Upload) {
	defer close(up.done)
	if o.UploadDelay > 0 {
		t := time.NewTimer(o.UploadDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			up.err = ctx.Err()
			return
		}
	}
	up.files, up.err = o.uploadPending(ctx, form, periodID)
	if up.err != nil {
		o.logger.Error("attachments not uploaded after submit", "period", periodID, "err", up.err)
	}
}

// uploadPending sends every local attachment of a visible question and records
// the returned URLs on the form.
func (o *Orchestrator) uploadPending(ctx context.Context, form *survey.Form, periodID string) ([]model.UploadedFile, error) {
	snap := form.Snapshot()
	var uploads []model.Upload
	var total int64
	for _, q := range o.def.Visible(snap.Answers) {
		att, ok := snap.Attachments[q.ID]
		if !ok || !att.Pending() {
			continue
		}
		field := q.UploadField
		if field == "" {
			field = q.ID
		}
		uploads = append(uploads, model.Upload{
			QuestionID: q.ID,
			Field:      field,
			Name:       att.Name,
			MimeType:   att.MimeType,
			Size:       att.Size,
			LocalPath:  att.LocalPath,
		})
		total += att.Size
	}
	if len(uploads) == 0 {
		return nil, nil
	}

	files, err := o.store.UploadAttachments(ctx, periodID, uploads)
	if err != nil {
		ids := make([]string, len(uploads))
		for i, u := range uploads {
			ids[i] = u.QuestionID
		}
		return nil, &model.AttachmentUploadError{QuestionIDs: ids, Err: err}
	}
	if form.Period().ID != periodID {
		return files, nil
	}
	form.MarkUploaded(files)
	o.logger.Info("uploaded attachments", "period", periodID, "files", len(files), "size", humanize.Bytes(uint64(total)))
	return files, nil
}

// Upload tracks the file upload that follows a final submission.
type Upload struct {
	done  chan struct{}
	files []model.UploadedFile
	err   error
}

// Done is closed once the upload finished or failed.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Wait blocks until the upload finished and returns its outcome.
func (u *Upload) Wait() ([]model.UploadedFile, error) {
	<-u.done
	return u.files, u.err
}

// IsIncomplete reports whether err blocked a finalize for missing answers and
// returns the steps involved.
func IsIncomplete(err error) ([]int, bool) {
	var inc *model.IncompleteError
	if errors.As(err, &inc) {
		return inc.Steps, true
	}
	return nil, false
}
