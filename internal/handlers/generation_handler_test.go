package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/middleware"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/pixelcredit/backend/internal/services"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type stubProvider struct {
	err error
}

func (p *stubProvider) Generate(context.Context, string, models.NormalizedInput, time.Time) (*models.ProviderResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &models.ProviderResult{
		Artifacts:       []models.GeneratedArtifact{{Data: pngBytes, ContentType: "image/png"}},
		ModelIdentifier: "stub-model",
		Attempts:        1,
	}, nil
}

type apiFixture struct {
	router   http.Handler
	ledger   *services.MemoryLedgerStore
	provider *stubProvider
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	ledger := services.NewMemoryLedgerStore()
	_, err := ledger.OpenAccount(context.Background(), "user-1")
	require.NoError(t, err)
	_, err = ledger.Credit(context.Background(), "user-1", 100, models.EntryRecharge, "seed")
	require.NoError(t, err)

	artifacts, err := services.NewFileArtifactStore(&config.ArtifactConfig{RootDir: t.TempDir(), PublicBaseURL: "/api/v1/artifacts"})
	require.NoError(t, err)

	catalog := services.NewStaticCatalog(nil)
	provider := &stubProvider{}
	engine := services.NewGenerationService(services.GenerationDeps{
		Ledger:    ledger,
		Jobs:      services.NewMemoryJobStore(),
		Catalog:   catalog,
		Provider:  provider,
		Artifacts: artifacts,
	}, &config.GenerationConfig{
		DefaultDeadline:        5 * time.Second,
		MaxDeadline:            time.Minute,
		MaxConcurrentProviders: 2,
		CompensationAttempts:   2,
		CompensationBackoff:    time.Millisecond,
		CompensationMaxBackoff: time.Millisecond,
	}, zerolog.Nop())

	gen := NewGenerationHandler(engine, catalog, services.NewToolStatsService(nil, zerolog.Nop()), zerolog.Nop())
	credits := NewCreditHandler(engine, zerolog.Nop())
	art := NewArtifactHandler(artifacts, zerolog.Nop())

	r := chi.NewRouter()
	r.Get("/artifacts/{ref}", art.GetArtifact)
	r.Group(func(r chi.Router) {
		r.Use(fakeAuth)
		gen.Routes(r)
		r.With(middleware.RequireRole("admin")).Post("/admin/credits", credits.Credit)
	})
	return &apiFixture{router: r, ledger: ledger, provider: provider}
}

// fakeAuth reads the account id and role from test headers.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-Test-User"); user != "" {
			r = r.WithContext(middleware.WithUser(r.Context(), user, r.Header.Get("X-Test-Role")))
		}
		next.ServeHTTP(w, r)
	})
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestGenerationHandler_SubmitGeneration(t *testing.T) {
	t.Run("completed generation", func(t *testing.T) {
		api := newAPI(t)
		rr := api.do(t, http.MethodPost, "/generations", "user-1", map[string]any{
			"tool_identifier": "ai-model",
			"idempotency_key": "key-1",
			"prompt":          "summer collection",
		})

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		res := decodeBody[models.JobResult](t, rr)
		assert.Equal(t, models.JobCompleted, res.Status)
		assert.Equal(t, int64(15), res.RequestedCost)
		require.Len(t, res.ArtifactRefs, 1)

		balance := decodeBody[map[string]any](t, api.do(t, http.MethodGet, "/balance", "user-1", nil))
		assert.Equal(t, float64(85), balance["balance"])

		art := api.do(t, http.MethodGet, "/artifacts/"+res.ArtifactRefs[0].Key, "", nil)
		assert.Equal(t, http.StatusOK, art.Code)
		assert.Equal(t, pngBytes, art.Body.Bytes())
		assert.Equal(t, "image/png", art.Header().Get("Content-Type"))
	})

	t.Run("idempotency key from header", func(t *testing.T) {
		api := newAPI(t)
		body, _ := json.Marshal(map[string]any{"tool_identifier": "color-change", "prompt": "navy"})
		req := httptest.NewRequest(http.MethodPost, "/generations", bytes.NewReader(body))
		req.Header.Set("X-Test-User", "user-1")
		req.Header.Set("Idempotency-Key", "hdr-1")
		rr := httptest.NewRecorder()
		api.router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "hdr-1", decodeBody[models.JobResult](t, rr).JobID)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		api := newAPI(t)
		rr := api.do(t, http.MethodPost, "/generations", "user-2", map[string]any{
			"tool_identifier": "ai-model",
			"idempotency_key": "key-2",
			"prompt":          "x",
		})

		assert.Equal(t, http.StatusPaymentRequired, rr.Code)
		res := decodeBody[models.JobResult](t, rr)
		assert.Equal(t, models.ReasonInsufficientBalance, res.FailureReason)
		assert.Equal(t, int64(15), res.RequestedCost)
	})

	t.Run("provider rejection is refunded", func(t *testing.T) {
		api := newAPI(t)
		api.provider.err = &services.ProviderError{Kind: services.ProviderInvalid, StatusCode: 400, Err: errors.New("raw upstream body")}

		rr := api.do(t, http.MethodPost, "/generations", "user-1", map[string]any{
			"tool_identifier": "scene-change",
			"idempotency_key": "key-3",
			"prompt":          "mars",
		})

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.NotContains(t, rr.Body.String(), "raw upstream body")

		balance := decodeBody[map[string]any](t, api.do(t, http.MethodGet, "/balance", "user-1", nil))
		assert.Equal(t, float64(100), balance["balance"])
	})

	t.Run("validation errors", func(t *testing.T) {
		api := newAPI(t)
		rr := api.do(t, http.MethodPost, "/generations", "user-1", map[string]any{"prompt": "x"})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		resp := decodeBody[ErrorResponse](t, rr)
		assert.Equal(t, "is required", resp.Details["tool_identifier"])
		assert.Equal(t, "is required", resp.Details["idempotency_key"])
	})

	t.Run("malformed body", func(t *testing.T) {
		api := newAPI(t)
		assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/generations", "user-1", "{not json").Code)
		assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/generations", "user-1", `{"tool_identifier":"ai-model"}{}`).Code)
		assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/generations", "user-1", `{"unknown":1}`).Code)
	})

	t.Run("unknown tool", func(t *testing.T) {
		api := newAPI(t)
		rr := api.do(t, http.MethodPost, "/generations", "user-1", map[string]any{
			"tool_identifier": "hat-tryon",
			"idempotency_key": "key-4",
			"prompt":          "x",
		})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		api := newAPI(t)
		assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodPost, "/generations", "", map[string]any{}).Code)
		assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/balance", "", nil).Code)
	})
}

func TestGenerationHandler_Reads(t *testing.T) {
	api := newAPI(t)
	rr := api.do(t, http.MethodPost, "/generations", "user-1", map[string]any{
		"tool_identifier": "pose-variation",
		"idempotency_key": "key-1",
		"prompt":          "jumping",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	t.Run("get own generation", func(t *testing.T) {
		rr := api.do(t, http.MethodGet, "/generations/key-1", "user-1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		job := decodeBody[models.Job](t, rr)
		assert.Equal(t, "stub-model", job.ModelIdentifier)
		assert.Equal(t, int64(9), job.RequestedCost)
	})

	t.Run("other users cannot see it", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/generations/key-1", "user-9", nil).Code)
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/generations/missing", "user-1", nil).Code)
	})

	t.Run("list generations", func(t *testing.T) {
		body := decodeBody[map[string][]models.Job](t, api.do(t, http.MethodGet, "/generations?limit=10", "user-1", nil))
		assert.Len(t, body["generations"], 1)
	})

	t.Run("credit history", func(t *testing.T) {
		body := decodeBody[map[string][]models.LedgerEntry](t, api.do(t, http.MethodGet, "/credits/history", "user-1", nil))
		require.Len(t, body["entries"], 2)
		assert.Equal(t, models.EntryRecharge, body["entries"][0].Kind)
		assert.Equal(t, models.EntryConsumption, body["entries"][1].Kind)
		assert.Equal(t, int64(-9), body["entries"][1].Amount)
	})

	t.Run("tools", func(t *testing.T) {
		body := decodeBody[map[string][]models.Tool](t, api.do(t, http.MethodGet, "/tools", "user-1", nil))
		assert.Len(t, body["tools"], 7)
	})

	t.Run("tool stats", func(t *testing.T) {
		rr := api.do(t, http.MethodGet, "/tools/pose-variation/stats", "user-1", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/tools/nope/stats", "user-1", nil).Code)
	})

	t.Run("missing artifact", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/artifacts/../../etc/passwd", "", nil).Code)
	})
}

func TestCreditHandler_Credit(t *testing.T) {
	api := newAPI(t)

	post := func(role string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, "/admin/credits", &buf)
		req.Header.Set("X-Test-User", "ops")
		req.Header.Set("X-Test-Role", role)
		rr := httptest.NewRecorder()
		api.router.ServeHTTP(rr, req)
		return rr
	}

	t.Run("recharge", func(t *testing.T) {
		rr := post("admin", map[string]any{"account_id": "user-3", "amount": 40, "kind": "recharge", "reference": "order-9"})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		entry := decodeBody[models.LedgerEntry](t, rr)
		assert.Equal(t, int64(40), entry.BalanceAfter)
	})

	t.Run("adjustment cannot overdraw", func(t *testing.T) {
		rr := post("admin", map[string]any{"account_id": "user-3", "amount": -500, "kind": "admin_adjustment", "reference": "fix"})
		assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	})

	t.Run("generation kinds are rejected", func(t *testing.T) {
		rr := post("admin", map[string]any{"account_id": "user-3", "amount": 5, "kind": "compensation", "reference": "x"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("non admin", func(t *testing.T) {
		rr := post("", map[string]any{"account_id": "user-3", "amount": 5, "kind": "recharge", "reference": "x"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrInsufficientBalance, http.StatusPaymentRequired},
		{services.ErrInProgress, http.StatusConflict},
		{services.ErrIdempotencyConflict, http.StatusConflict},
		{fmt.Errorf("%w: x", services.ErrToolNotFound), http.StatusNotFound},
		{services.ErrNotFound, http.StatusNotFound},
		{services.ErrInvalidRequest, http.StatusBadRequest},
		{&services.ProviderError{Kind: services.ProviderInvalid}, http.StatusUnprocessableEntity},
		{&services.ProviderError{Kind: services.ProviderUnavailable}, http.StatusBadGateway},
		{&services.ProviderError{Kind: services.ProviderTimeout}, http.StatusGatewayTimeout},
		{&services.ProviderError{Kind: services.ProviderRateLimited}, http.StatusServiceUnavailable},
		{services.ErrArtifactWriteFailed, http.StatusBadGateway},
		{services.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, message := statusFor(tt.err)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, message)
		})
	}
}
