package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/circuitbreaker"
	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/dispatch"
	"github.com/lalithlochan/pricewatch/internal/extract"
	"github.com/lalithlochan/pricewatch/internal/memstore"
	"github.com/lalithlochan/pricewatch/internal/notify"
	"github.com/lalithlochan/pricewatch/internal/pricestore"
	"github.com/lalithlochan/pricewatch/internal/quota"
	"github.com/lalithlochan/pricewatch/internal/redis"
	"github.com/lalithlochan/pricewatch/internal/scheduler"
	"github.com/lalithlochan/pricewatch/internal/sqs"
	"github.com/lalithlochan/pricewatch/internal/tracking"
)

type fakeQueue struct {
	requests []sqs.RunRequest
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, req sqs.RunRequest) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.requests = append(q.requests, req)
	return "req-1", nil
}

type testEnv struct {
	mem        *memstore.Store
	dispatcher *dispatch.Dispatcher
	prices     *pricestore.Store
	breaker    *circuitbreaker.CircuitBreaker
	router     http.Handler
	user       uuid.UUID
	runs       []time.Time
	runErr     error
}

func newTestEnv(t *testing.T, queue RunEnqueuer) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	mem := memstore.New()
	guard := quota.NewGuard(quota.Static(quota.Limits{
		Plan: "free", MaxProducts: 2, MaxChecksPerDay: 10, MaxAlertsPerDay: 5,
	}), mem, logger)

	env := &testEnv{
		mem:        mem,
		dispatcher: dispatch.New(mem, notify.NewLogSender(logger), dispatch.Config{}, logger),
		prices:     pricestore.New(mem, logger),
		user:       uuid.New(),
		breaker:    circuitbreaker.New(circuitbreaker.Config{Name: db.ChannelEmail, MaxFailures: 1}, logger),
	}
	circuits := circuitbreaker.NewSet()
	circuits.Add(env.breaker)
	h := NewHandler(logger, Deps{
		Repo:         mem,
		Tracker:      tracking.NewService(mem, extract.NewRegistry(), guard, logger),
		Interactions: env.dispatcher,
		Prices:       env.prices,
		Usage:        guard,
		Queue:        queue,
		Circuits:     circuits,
		Run: func(_ context.Context, asOf time.Time) (*scheduler.RunReport, error) {
			if env.runErr != nil {
				return nil, env.runErr
			}
			env.runs = append(env.runs, asOf)
			return &scheduler.RunReport{AsOf: asOf, Due: 3, Attempted: 3, Succeeded: 2, Failed: 1}, nil
		},
	})
	env.router = NewRouter(h, nil, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(UserHeader, e.user.String())
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, rec.Code, errResp.Status)
	return errResp
}

// sentAlert creates and delivers an alert for the env's user.
func (e *testEnv) sentAlert(t *testing.T) *db.Alert {
	t.Helper()
	ctx := context.Background()
	p, err := e.mem.UpsertProduct(ctx, "amazon", "https://www.amazon.in/dp/B0BXYZ1234")
	require.NoError(t, err)
	require.NoError(t, e.mem.UpsertRecipient(ctx, &db.Recipient{UserID: e.user, Email: "buyer@example.com"}))

	old := 1000.0
	created, err := e.mem.RecordEvaluation(ctx, db.Evaluation{
		SubscriptionID: uuid.New(),
		ReferencePrice: &old,
		Alerts: []*db.Alert{{
			ID:             uuid.New(),
			SubscriptionID: uuid.New(),
			ObservationID:  uuid.New(),
			UserID:         e.user,
			ProductID:      p.ID,
			Kind:           db.KindPriceDrop,
			OldPrice:       &old,
			NewPrice:       800,
			Channels:       []string{db.ChannelEmail},
			CreatedAt:      time.Now().UTC(),
		}},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	res, err := e.dispatcher.Dispatch(ctx, created[0].ID)
	require.NoError(t, err)
	require.Equal(t, db.StateSent, res.State)
	return created[0]
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pricetrack_")
}

func TestTriggerRun(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		env := newTestEnv(t, nil)
		asOf := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

		rec := env.do(t, "POST", "/v1/runs", map[string]interface{}{"as_of": asOf})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var report scheduler.RunReport
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
		assert.Equal(t, 2, report.Succeeded)
		assert.Equal(t, 1, report.Failed)
		require.Len(t, env.runs, 1)
		assert.True(t, asOf.Equal(env.runs[0]))
	})

	t.Run("empty body uses now", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(t, "POST", "/v1/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, env.runs, 1)
		assert.WithinDuration(t, time.Now(), env.runs[0], time.Minute)
	})

	t.Run("overlapping run", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.runErr = redis.ErrLockHeld
		rec := env.do(t, "POST", "/v1/runs", nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "run_in_progress", decodeError(t, rec).Type)
	})

	t.Run("run failure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.runErr = errors.New("store down")
		rec := env.do(t, "POST", "/v1/runs", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("queued", func(t *testing.T) {
		q := &fakeQueue{}
		env := newTestEnv(t, q)
		rec := env.do(t, "POST", "/v1/runs", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "req-1", resp["request_id"])
		require.Len(t, q.requests, 1)
		assert.Equal(t, "api", q.requests[0].RequestedBy)
		assert.Empty(t, env.runs, "queued runs do not execute inline")
	})

	t.Run("queue failure", func(t *testing.T) {
		env := newTestEnv(t, &fakeQueue{err: errors.New("sqs unavailable")})
		rec := env.do(t, "POST", "/v1/runs", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "enqueue_error", decodeError(t, rec).Type)
	})

	t.Run("malformed body", func(t *testing.T) {
		env := newTestEnv(t, nil)
		req := httptest.NewRequest("POST", "/v1/runs", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)
	target := 45000.0

	rec := env.do(t, "POST", "/v1/subscriptions", tracking.Request{
		URL:         "https://www.amazon.in/Sony-Headphones/dp/B0BXYZ1234/ref=sr_1_1",
		TargetPrice: &target,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Subscription db.Subscription `json:"subscription"`
		Product      db.Product      `json:"product"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "amazon", created.Product.Platform)
	assert.Equal(t, "https://www.amazon.in/dp/B0BXYZ1234", created.Product.CanonicalURL)
	assert.Equal(t, env.user, created.Subscription.UserID)

	rec = env.do(t, "POST", "/v1/subscriptions", tracking.Request{URL: "https://www.amazon.in/dp/B0BXYZ1234"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_tracking", decodeError(t, rec).Type)

	rec = env.do(t, "GET", "/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []db.Subscription `json:"data"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)

	rec = env.do(t, "DELETE", "/v1/subscriptions/"+created.Product.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "DELETE", "/v1/subscriptions/"+created.Product.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "GET", "/v1/subscriptions", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 0, list.Count)
}

func TestCreateSubscriptionErrors(t *testing.T) {
	tests := []struct {
		name           string
		body           tracking.Request
		expectedStatus int
		expectedType   string
	}{
		{"missing url", tracking.Request{}, http.StatusBadRequest, "invalid_request"},
		{"unsupported platform", tracking.Request{URL: "https://shop.example.com/item/1"}, http.StatusBadRequest, "invalid_request"},
		{"unknown channel", tracking.Request{URL: "https://www.amazon.in/dp/B0BXYZ1234", Channels: []string{"pigeon"}}, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(t, "POST", "/v1/subscriptions", tt.body)
			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.expectedType, decodeError(t, rec).Type)
		})
	}
}

func TestCreateSubscriptionQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, u := range []string{
		"https://www.amazon.in/dp/B000000001",
		"https://www.amazon.in/dp/B000000002",
	} {
		rec := env.do(t, "POST", "/v1/subscriptions", tracking.Request{URL: u})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := env.do(t, "POST", "/v1/subscriptions", tracking.Request{URL: "https://www.amazon.in/dp/B000000003"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "quota_exceeded", decodeError(t, rec).Type)
}

func TestMissingOrInvalidUser(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/v1/alerts", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeError(t, rec).Type)

	req = httptest.NewRequest("GET", "/v1/alerts", nil)
	req.Header.Set(UserHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertInteractions(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.sentAlert(t)
	base := "/v1/alerts/" + a.ID.String()

	rec := env.do(t, "GET", "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []db.Alert `json:"data"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, db.StateSent, list.Data[0].State)

	rec = env.do(t, "POST", base+"/viewed", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "POST", base+"/viewed", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, rec).Type)

	rec = env.do(t, "POST", base+"/clicked", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := env.mem.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateClicked, got.State)
	assert.NotNil(t, got.ViewedAt)
	assert.NotNil(t, got.ClickedAt)
}

func TestAlertInteractionOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.sentAlert(t)

	env.user = uuid.New()
	rec := env.do(t, "POST", "/v1/alerts/"+a.ID.String()+"/clicked", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/v1/alerts/"+uuid.New().String()+"/viewed", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/v1/alerts/nope/viewed", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductHistoryAndRollup(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	p, err := env.mem.UpsertProduct(ctx, "flipkart", "https://www.flipkart.com/p/itm0000001")
	require.NoError(t, err)
	base := "/v1/products/" + p.ID.String()

	rec := env.do(t, "GET", base+"/rollup?window=30d", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_history", decodeError(t, rec).Type)

	now := time.Now().UTC()
	for i, price := range []float64{1000, 900, 1100} {
		_, err := env.prices.Append(ctx, p.ID, &db.Observation{
			Price:      price,
			InStock:    true,
			ObservedAt: now.Add(time.Duration(i-3) * time.Hour),
		}, "")
		require.NoError(t, err)
	}

	rec = env.do(t, "GET", base+"/rollup?window=30d", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rollup pricestore.Rollup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rollup))
	assert.Equal(t, 3, rollup.Count)
	assert.Equal(t, 900.0, rollup.Min)
	assert.Equal(t, 1100.0, rollup.Max)

	rec = env.do(t, "GET", base+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Data  []db.Observation `json:"data"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	assert.Equal(t, 3, hist.Count)
	assert.Equal(t, 1000.0, hist.Data[0].Price)

	rec = env.do(t, "GET", base+"/rollup?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/v1/products/"+uuid.New().String()+"/rollup", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUsage(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report quota.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "free", report.Limits.Plan)
	assert.Equal(t, 10, report.Limits.MaxChecksPerDay)
	assert.Equal(t, 0, report.ChecksUsed)
}

func TestCircuits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.breaker.Allow()
	env.breaker.RecordFailure()

	rec := env.do(t, "GET", "/v1/ops/circuits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Circuits []circuitbreaker.Stats `json:"circuits"`
		Count    int                    `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, db.ChannelEmail, list.Circuits[0].Name)
	assert.Equal(t, "open", list.Circuits[0].State)
	assert.Equal(t, int64(1), list.Circuits[0].TotalFailures)

	rec = env.do(t, "POST", "/v1/ops/circuits/email/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats circuitbreaker.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, "closed", stats.State)
	assert.True(t, env.breaker.Allow())

	rec = env.do(t, "POST", "/v1/ops/circuits/telegram/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}
