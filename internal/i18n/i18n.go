// Package i18n renders the user-facing survey messages (draft and submission
// notices, incomplete-step hints, indicator warnings) in Spanish or English.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

// Reports are filed in Spanish unless the server or the request asks otherwise.
var (
	bundle      *i18n.Bundle
	defaultLang = "es"
)

// Init builds the message bundle with lang as the fallback and loads every
// embedded locale. It must run before the server accepts requests.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}
	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)
	if err := loadLocales(b); err != nil {
		return err
	}
	bundle = b
	defaultLang = tag.String()
	return nil
}

func loadLocales(b *i18n.Bundle) error {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := path.Join("locales", e.Name())
		data, err := localeFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		slog.Debug("loaded survey messages", "locale", e.Name())
	}
	return nil
}

// NewLocalizer picks survey messages for the first supported language. Raw
// Accept-Language values work as entries.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, langs...)
}

// WithLocalizer attaches the respondent's localizer to ctx.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func localizer(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return i18n.NewLocalizer(bundle, defaultLang)
}

// localize falls back to the message id so a missing entry shows up in the UI
// instead of an empty notice.
func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	s, err := localizer(ctx).Localize(cfg)
	if err != nil {
		slog.Warn("missing survey message", "id", cfg.MessageID, "err", err)
		return cfg.MessageID
	}
	return s
}

// T returns the survey message id in the request language.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td fills a templated message, such as the step a resumed draft continues on.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp picks the plural form for count, e.g. the number of incomplete steps.
// Count is also available to the template.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}
