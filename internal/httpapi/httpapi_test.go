package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/config"
	"metered_gateway/internal/credit"
	"metered_gateway/internal/gate"
	"metered_gateway/internal/generation"
	"metered_gateway/internal/jobs"
	"metered_gateway/internal/models"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/quota"
	"metered_gateway/internal/ratelimit"
	"metered_gateway/internal/utils"
)

const (
	serviceToken = "payments-service-token"
	viewerToken  = "viewer-service-token"
)

type testEnv struct {
	cfg      *config.Config
	deps     *Dependencies
	mux      *http.ServeMux
	credits  *credit.MemoryLedger
	registry *jobs.MemoryRegistry
	queue    *queue.MemoryQueue
	dlq      *queue.MemoryDeadLetterQueue
	calls    atomic.Int32
}

func testCosts() models.CostTable {
	return models.CostTable{
		"image": {FreeLimit: 1, CreditCost: 5},
		"note":  {FreeLimit: -1, CreditCost: 0},
	}
}

// newTestEnv wires the HTTP layer on in-memory backends. A nil worker
// echoes the payload and counts calls.
func newTestEnv(t *testing.T, worker gate.Worker) *testEnv {
	t.Helper()

	adminHash, err := utils.HashPasswordArgon2(serviceToken)
	require.NoError(t, err)

	cfg := &config.Config{
		JWTSecret: []byte("httpapi-test-secret"),
		Admin: config.AdminConfig{
			ServiceName:      "payments",
			ServiceTokenHash: adminHash,
			TokenTTL:         time.Hour,
		},
		Gate: config.GateConfig{Costs: testCosts()},
	}

	env := &testEnv{
		cfg:      cfg,
		credits:  credit.NewMemoryLedger(),
		registry: jobs.NewMemoryRegistry(),
		queue:    queue.NewMemoryQueue(queue.DefaultConfig("charges")),
		dlq:      queue.NewMemoryDeadLetterQueue(),
	}
	t.Cleanup(func() {
		env.queue.Close()
		env.dlq.Close()
	})

	if worker == nil {
		echo := generation.NewEchoWorker()
		worker = generation.WorkerFunc(func(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error) {
			env.calls.Add(1)
			return echo.Generate(ctx, feature, payload)
		})
	}

	quotaLedger := quota.NewLedger(quota.NewMemoryStore(), cfg.Gate.Costs)
	committer := billing.NewCommitter(env.registry, quotaLedger, env.credits, env.queue)

	viewerHash, err := utils.HashPasswordArgon2(viewerToken)
	require.NoError(t, err)
	store := auth.NewStaticCredentialStore(cfg.Admin)
	store.Add(&auth.ServiceCredential{
		ID:          uuid.New(),
		ServiceName: "dashboard",
		TokenHash:   viewerHash,
		Roles:       []string{string(auth.RoleViewer)},
		Enabled:     true,
	})

	env.deps = &Dependencies{
		Config:      cfg,
		Gate:        gate.New(cfg.Gate.Costs, quotaLedger, env.credits, env.registry, worker, committer, gate.Config{WorkerTimeout: 5 * time.Second}),
		Credits:     env.credits,
		Credentials: store,
		DeadLetters: billing.NewChargeQueueWorker(env.queue, env.dlq, committer, nil),
		RateLimit:   ratelimit.NewMemoryLimiter(),
	}
	env.mux = NewMux(env.deps)
	return env
}

func (e *testEnv) userToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := auth.GenerateUserJWT(userID, time.Hour, e.cfg)
	require.NoError(t, err)
	return token
}

func (e *testEnv) adminToken(t *testing.T, service, raw string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/admin/auth/token", "", map[string]string{}, TokenAuthRequest{ServiceName: service, Token: raw})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp TokenAuthResponse
	decode(t, rr, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// do sends a request. body may be a string of raw JSON or a value to marshal.
func (e *testEnv) do(t *testing.T, method, path, token string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) execute(t *testing.T, token, key, feature string, confirm bool) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{HeaderIdempotencyKey: key}
	if confirm {
		headers[HeaderConfirmCharge] = "1"
	}
	body := `{"feature":"` + feature + `","requestPayload":{"prompt":"a red fox"}}`
	return e.do(t, http.MethodPost, "/execute", token, headers, body)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp utils.ErrorResponse
	decode(t, rr, &resp)
	return resp.Error
}

func TestExecuteFreeThenPaidFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.userToken(t, "user-1")
	admin := env.adminToken(t, "payments", serviceToken)

	// Free tier
	rr := env.execute(t, user, "k1", "image", false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var executed executeResponse
	decode(t, rr, &executed)
	assert.JSONEq(t, `{"feature":"image","echo":{"prompt":"a red fox"}}`, string(executed.Result))
	assert.Empty(t, rr.Header().Get(HeaderIdempotentReplayed))

	// Free quota exhausted, no consent
	rr = env.execute(t, user, "k2", "image", false)
	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	var need paymentRequiredResponse
	decode(t, rr, &need)
	assert.Equal(t, models.ErrorCodeNeedConfirmation, need.Error)
	assert.Equal(t, int64(5), need.RequiredCredit)
	assert.Nil(t, need.Balance)

	// Consent but no credit
	rr = env.execute(t, user, "k2", "image", true)
	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	need = paymentRequiredResponse{}
	decode(t, rr, &need)
	assert.Equal(t, models.ErrorCodeNeedCredit, need.Error)
	require.NotNil(t, need.Balance)
	assert.Equal(t, int64(0), *need.Balance)

	// Payment processor adds credit
	rr = env.do(t, http.MethodPost, "/admin/credits", admin, nil, grantCreditsRequest{UserID: "user-1", Amount: 5, Reference: "pay-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = env.execute(t, user, "k2", "image", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/credits/balance", user, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var balance balanceResponse
	decode(t, rr, &balance)
	assert.Equal(t, int64(0), balance.Balance)
	require.Len(t, balance.Lots, 1)
	assert.Equal(t, int64(5), balance.Lots[0].AmountOriginal)
	assert.Equal(t, int64(0), balance.Lots[0].AmountRemaining)
	require.NotNil(t, balance.Lots[0].Reference)
	assert.Equal(t, "pay-1", *balance.Lots[0].Reference)

	assert.Equal(t, int32(2), env.calls.Load())
}

func TestExecuteReplaysStoredResult(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.userToken(t, "user-1")

	first := env.execute(t, user, "same", "image", false)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.execute(t, user, "same", "image", false)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderIdempotentReplayed))

	var a, b executeResponse
	decode(t, first, &a)
	decode(t, second, &b)
	assert.Equal(t, a.JobID, b.JobID)
	assert.JSONEq(t, string(a.Result), string(b.Result))
	assert.Equal(t, int32(1), env.calls.Load())
}

func TestExecuteReturnsConflictWhileRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	worker := generation.WorkerFunc(func(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`{"ok":true}`), nil
	})
	env := newTestEnv(t, worker)
	user := env.userToken(t, "user-1")

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- env.execute(t, user, "slow", "image", false)
	}()
	<-entered

	rr := env.execute(t, user, "slow", "image", false)
	require.Equal(t, http.StatusConflict, rr.Code)
	var running runningResponse
	decode(t, rr, &running)
	assert.Equal(t, "running", running.Status)

	close(release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
}

func TestExecuteWorkerFailure(t *testing.T) {
	worker := generation.WorkerFunc(func(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("backend down")
	})
	env := newTestEnv(t, worker)
	user := env.userToken(t, "user-1")

	rr := env.execute(t, user, "k", "image", false)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, models.ErrorCodeWorkerFailure, errorOf(t, rr))
	assert.NotContains(t, rr.Body.String(), "backend down")

	rr = env.do(t, http.MethodGet, "/jobs/status?feature=image&key=k", user, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status jobStatusResponse
	decode(t, rr, &status)
	assert.Equal(t, string(models.JobStatusFailed), status.Status)
	require.NotNil(t, status.ErrorCode)
	assert.Equal(t, models.ErrorCodeWorkerFailure, *status.ErrorCode)
	assert.Empty(t, status.Result)

	// The free quota was not consumed.
	rr = env.do(t, http.MethodPost, "/quota/check", user, nil, `{"feature":"image"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var probe quotaCheckResponse
	decode(t, rr, &probe)
	assert.Equal(t, gate.ModeFree, probe.Mode)
	assert.Equal(t, int64(0), probe.Used)
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.userToken(t, "user-1")

	tests := []struct {
		name    string
		token   string
		headers map[string]string
		body    string
		code    int
	}{
		{
			name:    "missing token",
			headers: map[string]string{HeaderIdempotencyKey: "k"},
			body:    `{"feature":"image","requestPayload":{}}`,
			code:    http.StatusUnauthorized,
		},
		{
			name:  "missing idempotency key",
			token: user,
			body:  `{"feature":"image","requestPayload":{}}`,
			code:  http.StatusBadRequest,
		},
		{
			name:    "unknown feature",
			token:   user,
			headers: map[string]string{HeaderIdempotencyKey: "k"},
			body:    `{"feature":"video","requestPayload":{}}`,
			code:    http.StatusBadRequest,
		},
		{
			name:    "missing feature",
			token:   user,
			headers: map[string]string{HeaderIdempotencyKey: "k"},
			body:    `{"requestPayload":{}}`,
			code:    http.StatusBadRequest,
		},
		{
			name:    "missing payload",
			token:   user,
			headers: map[string]string{HeaderIdempotencyKey: "k"},
			body:    `{"feature":"image"}`,
			code:    http.StatusBadRequest,
		},
		{
			name:    "unknown field",
			token:   user,
			headers: map[string]string{HeaderIdempotencyKey: "k"},
			body:    `{"feature":"image","requestPayload":{},"extra":1}`,
			code:    http.StatusBadRequest,
		},
		{
			name:    "key too long",
			token:   user,
			headers: map[string]string{HeaderIdempotencyKey: strings.Repeat("k", 256)},
			body:    `{"feature":"image","requestPayload":{}}`,
			code:    http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/execute", tt.token, tt.headers, tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
			assert.NotEmpty(t, errorOf(t, rr))
		})
	}

	assert.Equal(t, int32(0), env.calls.Load())
	_, err := env.registry.Get(context.Background(), "user-1", "image", "k")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestExecuteRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.RateLimit.ExecutePerMinute = 1
	env.mux = NewMux(env.deps)
	user := env.userToken(t, "user-1")

	rr := env.execute(t, user, "a", "note", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))

	rr = env.execute(t, user, "b", "note", false)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Another user has their own window.
	rr = env.execute(t, env.userToken(t, "user-2"), "a", "note", false)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestQuotaCheckModes(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.userToken(t, "user-1")

	check := func(feature string) quotaCheckResponse {
		rr := env.do(t, http.MethodPost, "/quota/check", user, nil, `{"feature":"`+feature+`"}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp quotaCheckResponse
		decode(t, rr, &resp)
		return resp
	}

	probe := check("image")
	assert.Equal(t, gate.ModeFree, probe.Mode)
	assert.Equal(t, int64(0), probe.Used)
	assert.Equal(t, int64(1), probe.Limit)
	assert.Nil(t, probe.RequiredCredit)

	// Checking twice does not consume anything.
	assert.Equal(t, probe, check("image"))

	require.Equal(t, http.StatusOK, env.execute(t, user, "k", "image", false).Code)

	probe = check("image")
	assert.Equal(t, gate.ModeNeedCredit, probe.Mode)
	assert.Equal(t, int64(1), probe.Used)
	require.NotNil(t, probe.RequiredCredit)
	assert.Equal(t, int64(5), *probe.RequiredCredit)
	require.NotNil(t, probe.Balance)
	assert.Equal(t, int64(0), *probe.Balance)

	assert.Equal(t, gate.ModeUnlimited, check("note").Mode)

	rr := env.do(t, http.MethodPost, "/quota/check", user, nil, `{"feature":"video"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestJobStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.userToken(t, "user-1")

	rr := env.do(t, http.MethodGet, "/jobs/status?feature=image&key=missing", user, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.Equal(t, http.StatusOK, env.execute(t, user, "k", "image", false).Code)

	rr = env.do(t, http.MethodGet, "/jobs/status?feature=image&key=k", user, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status jobStatusResponse
	decode(t, rr, &status)
	assert.Equal(t, string(models.JobStatusSucceeded), status.Status)
	assert.JSONEq(t, `{"feature":"image","echo":{"prompt":"a red fox"}}`, string(status.Result))
	assert.Equal(t, string(models.ChargeStatusCommitted), status.ChargeStatus)
	assert.Nil(t, status.ErrorCode)

	// Jobs are scoped to their owner.
	other := env.userToken(t, "user-2")
	rr = env.do(t, http.MethodGet, "/jobs/status?feature=image&key=k", other, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/jobs/status?feature=image", user, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminTokenExchange(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/admin/auth/token", "", nil, TokenAuthRequest{ServiceName: "payments", Token: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/admin/auth/token", "", nil, TokenAuthRequest{ServiceName: "unknown", Token: serviceToken})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/admin/auth/token", "", nil, `{"serviceName":"payments"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	admin := env.adminToken(t, "payments", serviceToken)
	claims, err := auth.ValidateAdminJWT(admin, env.cfg)
	require.NoError(t, err)
	assert.Equal(t, "payments", claims.ServiceName)

	// User tokens are not admin tokens and vice versa.
	user := env.userToken(t, "user-1")
	rr = env.do(t, http.MethodPost, "/admin/credits", user, nil, grantCreditsRequest{UserID: "user-1", Amount: 5})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = env.do(t, http.MethodGet, "/credits/balance", admin, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGrantCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.adminToken(t, "payments", serviceToken)
	viewer := env.adminToken(t, "dashboard", viewerToken)

	rr := env.do(t, http.MethodPost, "/admin/credits", viewer, nil, grantCreditsRequest{UserID: "user-1", Amount: 5})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/admin/credits", admin, nil, grantCreditsRequest{UserID: "user-1", Amount: 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/admin/credits", admin, nil, grantCreditsRequest{UserID: "user-1", Amount: 10, Reference: "pay-9"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var first lotResponse
	decode(t, rr, &first)

	// Redelivered payment returns the original lot.
	rr = env.do(t, http.MethodPost, "/admin/credits", admin, nil, grantCreditsRequest{UserID: "user-1", Amount: 10, Reference: "pay-9"})
	require.Equal(t, http.StatusOK, rr.Code)
	var again lotResponse
	decode(t, rr, &again)
	assert.Equal(t, first.ID, again.ID)

	rr = env.do(t, http.MethodPost, "/admin/credits", admin, nil, grantCreditsRequest{UserID: "user-2", Amount: 10, Reference: "pay-9"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	balance, err := env.credits.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestDeadLetterAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.adminToken(t, "payments", serviceToken)
	viewer := env.adminToken(t, "dashboard", viewerToken)
	ctx := context.Background()

	charge := billing.ChargeCommit{JobID: uuid.New(), UserID: "user-1", Feature: "image", Mode: models.ChargeModePaid, Amount: 5}
	require.NoError(t, env.dlq.Add(ctx, charge, credit.ErrInsufficientCredit))

	rr := env.do(t, http.MethodGet, "/admin/charges/dead-letters", viewer, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var list deadLetterResponse
	decode(t, rr, &list)
	require.Equal(t, 1, list.Count)
	assert.Contains(t, list.Items[0].Error, "insufficient credit")

	id := list.Items[0].ID
	rr = env.do(t, http.MethodPost, "/admin/charges/dead-letters/retry?id="+id, viewer, nil, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/admin/charges/dead-letters/retry?id="+id, admin, nil, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	n, err := env.queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, err := env.dlq.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	rr = env.do(t, http.MethodPost, "/admin/charges/dead-letters/retry?id="+id, admin, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/admin/charges/dead-letters?limit=abc", viewer, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	env.deps.HealthChecks = map[string]HealthCheck{
		"database": func(context.Context) error { return errors.New("connection refused") },
	}
	rr = env.do(t, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp healthResponse
	decode(t, rr, &resp)
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["database"])
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/execute", env.userToken(t, "user-1"), nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
