package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/roritopra/sgirs/internal/i18n"
	"github.com/roritopra/sgirs/internal/model"
)

const authRealm = `Basic realm="sgirs", charset="UTF-8"`

// requireAuth is middleware that checks HTTP basic credentials against the
// user table.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			h.unauthorized(w, r)
			return
		}

		user, err := h.store.GetUserByUsername(r.Context(), username)
		if err != nil {
			slog.Error("failed to get user", "username", username, "error", err)
			http.Error(w, appI18n.T(r.Context(), "InternalError"), http.StatusInternalServerError)
			return
		}
		if user == nil || !user.Active {
			h.unauthorized(w, r)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			slog.Warn("rejected credentials", "username", username)
			h.unauthorized(w, r)
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", authRealm)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: appI18n.T(r.Context(), "Unauthorized")})
}
