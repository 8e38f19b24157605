package handler

import (
	"errors"
	"net/http"

	appI18n "github.com/roritopra/sgirs/internal/i18n"
	"github.com/roritopra/sgirs/internal/indicator"
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/resume"
)

type errorResponse struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	Incomplete []int  `json:"incomplete,omitempty"`
	Step       int    `json:"step,omitempty"`
}

type errBadRequest struct{ err error }

func (e errBadRequest) Error() string { return e.err.Error() }
func (e errBadRequest) Unwrap() error { return e.err }

// asBadRequest marks err as the client's fault unless it names a missing record.
func asBadRequest(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	return errBadRequest{err}
}

func statusOf(err error) int {
	var (
		catalogErr    *model.CatalogFetchError
		matchErr      *model.IndicatorMatchError
		incompleteErr *model.IncompleteError
		badReq        errBadRequest
	)
	switch {
	case errors.As(err, &badReq):
		return http.StatusBadRequest
	case errors.As(err, &incompleteErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAlreadySubmitted),
		errors.Is(err, resume.ErrStale),
		errors.Is(err, indicator.ErrStale):
		return http.StatusConflict
	case errors.As(err, &catalogErr), errors.As(err, &matchErr):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// message returns the localized user-facing text for err.
func (h *Handler) message(r *http.Request, err error) string {
	ctx := r.Context()
	var (
		catalogErr    *model.CatalogFetchError
		matchErr      *model.IndicatorMatchError
		incompleteErr *model.IncompleteError
		badReq        errBadRequest
	)
	switch {
	case errors.As(err, &badReq):
		return appI18n.T(ctx, "InvalidRequest")
	case errors.As(err, &incompleteErr):
		return appI18n.Tp(ctx, "IncompleteSteps", len(incompleteErr.Steps))
	case errors.Is(err, model.ErrAlreadySubmitted):
		return appI18n.T(ctx, "AlreadySubmitted")
	case errors.Is(err, resume.ErrStale), errors.Is(err, indicator.ErrStale):
		return appI18n.T(ctx, "StaleResponse")
	case errors.As(err, &matchErr):
		return appI18n.T(ctx, "IndicatorError")
	case errors.As(err, &catalogErr):
		return appI18n.T(ctx, "CatalogError")
	case errors.Is(err, model.ErrNotFound):
		return appI18n.T(ctx, "NotFound")
	}
	return appI18n.T(ctx, "InternalError")
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Error: h.message(r, err), Detail: err.Error()}
	var incompleteErr *model.IncompleteError
	if errors.As(err, &incompleteErr) {
		resp.Incomplete = incompleteErr.Steps
		resp.Step = incompleteErr.First()
		resp.Detail = appI18n.Td(r.Context(), "FirstIncompleteStep", map[string]any{"Step": resp.Step})
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Detail = ""
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}
