package handler

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roritopra/sgirs/internal/model"
)

// maxUploadSize bounds one evidence file.
const maxUploadSize = 32 << 20

// handleAttachment stages a multipart "file" for a question. The file is uploaded
// with the next save or after finalize.
func (h *Handler) handleAttachment(w http.ResponseWriter, r *http.Request) {
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
	q, ok := h.def.Question(id)
	if !ok {
		h.fail(w, r, fmt.Errorf("unknown question %s: %w", id, model.ErrNotFound))
		return
	}
	if !q.AcceptsAttachment() {
		h.fail(w, r, errBadRequest{fmt.Errorf("question %s does not accept attachments", id)})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, errBadRequest{err})
		return
	}
	defer file.Close()

	dir := filepath.Join(h.config.StagingDir, sess.form.Period().ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.fail(w, r, err)
		return
	}
	staged := filepath.Join(dir, uuid.NewString()+filepath.Ext(header.Filename))
	size, err := stage(file, staged)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	att := model.Attachment{
		Name:      filepath.Base(header.Filename),
		Size:      size,
		MimeType:  header.Header.Get("Content-Type"),
		LocalPath: staged,
	}
	if err := sess.form.SetAttachment(id, att); err != nil {
		_ = os.Remove(staged)
		h.fail(w, r, asBadRequest(err))
		return
	}
	h.logger.Info("staged attachment", "period", sess.form.Period().ID, "question_id", id,
		"name", att.Name, "size", humanize.Bytes(uint64(size)))
	writeJSON(w, http.StatusCreated, newFileView(att))
}

func stage(src io.Reader, path string) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

func (h *Handler) handleRemoveAttachment(w http.ResponseWriter, r *http.Request) {
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
	if att, ok := sess.form.Attachments()[id]; ok && att.Pending() {
		if err := os.Remove(att.LocalPath); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove staged file", "path", att.LocalPath, "error", err)
		}
	}
	sess.form.RemoveAttachment(id)
	w.WriteHeader(http.StatusNoContent)
}
