package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateSpanish(t *testing.T) {
	ctx := initLang(t, "es")

	got := T(ctx, "DraftSaved")
	if got != "Borrador guardado." {
		t.Errorf("T(DraftSaved) = %q, want 'Borrador guardado.'", got)
	}

	got = T(ctx, "IndicatorPending")
	if got != "Pendiente" {
		t.Errorf("T(IndicatorPending) = %q, want 'Pendiente'", got)
	}
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "DraftSaved")
	if got != "Draft saved." {
		t.Errorf("T(DraftSaved) = %q, want 'Draft saved.'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "es")

	got1 := Tp(ctx, "IncompleteSteps", 1)
	if got1 != "Falta completar 1 paso." {
		t.Errorf("Tp(IncompleteSteps, 1) = %q", got1)
	}

	got3 := Tp(ctx, "IncompleteSteps", 3)
	if got3 != "Faltan completar 3 pasos." {
		t.Errorf("Tp(IncompleteSteps, 3) = %q", got3)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "FirstIncompleteStep", map[string]any{"Step": 6})
	if got != "Please review step 6." {
		t.Errorf("Td(FirstIncompleteStep, Step=6) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "es")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewarePrefersAcceptLanguage(t *testing.T) {
	if err := Init("es"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware("es")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "NotFound")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Not found." {
		t.Errorf("with Accept-Language en: got %q", got)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "No encontrado." {
		t.Errorf("without Accept-Language: got %q", got)
	}
}

func TestServerLanguageWithoutLocalizer(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Init("es") })

	got := Tp(context.Background(), "IncompleteSteps", 2)
	if got != "2 steps are incomplete." {
		t.Errorf("Tp(IncompleteSteps, 2) = %q", got)
	}
}

func TestInitRejectsBadLanguage(t *testing.T) {
	if err := Init("not a tag!"); err == nil {
		t.Fatal("expected an error for an invalid language tag")
	}
}
