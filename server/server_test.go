package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"a2aexchange/auth"
	"a2aexchange/compliance"
	"a2aexchange/config"
	"a2aexchange/guard"
	"a2aexchange/ledger"
	"a2aexchange/models"
)

type testExchange struct {
	db     *gorm.DB
	server *httptest.Server
	engine *ledger.Engine
}

func newTestExchange(t *testing.T, mutate ...func(*config.Config)) *testExchange {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	cfg := config.Config{
		FeePercent:               decimal.NewFromInt(3),
		StarterTokens:            100,
		MinEscrow:                1,
		MaxEscrow:                10_000,
		DefaultTTLMinutes:        30,
		DisputeTTLMinutes:        1440,
		APIKeySaltRounds:         4,
		KeyRotationGraceMinutes:  5,
		SpendingWindowHours:      24,
		SpendingFreezeMinutes:    60,
		RateLimitAuthPerMinute:   0,
		RateLimitPublicPerMinute: 0,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	spendGuard := guard.New(db, guard.Config{WindowHours: 24, FreezeDuration: time.Hour}, nil)
	recorder := compliance.NewRecorder(db, nil, nil)
	recorder.SetSynchronous()

	engine := ledger.New(ledger.Config{
		DB:         db,
		Fees:       ledger.FeeSchedule{Percent: cfg.FeePercent, MinFee: cfg.MinFee},
		MinEscrow:  cfg.MinEscrow,
		MaxEscrow:  cfg.MaxEscrow,
		DefaultTTL: 30 * time.Minute,
		DisputeTTL: 24 * time.Hour,
		Guard:      spendGuard,
		Attest:     recorder,
	})

	srv := New(Deps{
		DB:       db,
		Config:   cfg,
		Engine:   engine,
		Auth:     auth.NewAuthenticator(db, 5*time.Minute),
		Signer:   auth.NewSigner(5 * time.Minute),
		Guard:    spendGuard,
		Recorder: recorder,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testExchange{db: db, server: ts, engine: engine}
}

func (te *testExchange) do(t *testing.T, method, path, apiKey string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, te.server.URL+path, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := te.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func (te *testExchange) register(t *testing.T, botName string) (id, apiKey string) {
	t.Helper()
	resp, body := te.do(t, http.MethodPost, "/v1/accounts/register", "", map[string]any{
		"bot_name":     botName,
		"developer_id": "dev-1",
		"skills":       []string{"translation"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	account := body["account"].(map[string]any)
	return account["id"].(string), body["api_key"].(string)
}

func TestRegisterGrantsStarterTokens(t *testing.T) {
	te := newTestExchange(t)
	_, key := te.register(t, "alpha-bot")

	resp, body := te.do(t, http.MethodGet, "/v1/exchange/balance", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := body["balance"].(map[string]any)
	require.Equal(t, float64(100), bal["available"])

	// duplicate bot name rejected
	resp, body = te.do(t, http.MethodPost, "/v1/accounts/register", "", map[string]any{
		"bot_name":     "alpha-bot",
		"developer_id": "dev-2",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "VALIDATION_FAILED", errObj["code"])
}

func TestFullSettlementFlow(t *testing.T) {
	te := newTestExchange(t)
	_, reqKey := te.register(t, "requester-bot")
	provID, provKey := te.register(t, "provider-bot")

	resp, body := te.do(t, http.MethodPost, "/v1/exchange/escrow", reqKey, map[string]any{
		"provider_id": provID,
		"amount":      50,
		"task_id":     "t-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	esc := body["escrow"].(map[string]any)
	require.Equal(t, "held", esc["status"])
	require.Equal(t, float64(2), esc["fee_amount"])
	escrowID := esc["id"].(string)

	// provider cannot release
	resp, body = te.do(t, http.MethodPost, "/v1/exchange/release", provKey, map[string]any{"escrow_id": escrowID})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "FORBIDDEN", body["error"].(map[string]any)["code"])

	resp, body = te.do(t, http.MethodPost, "/v1/exchange/release", reqKey, map[string]any{"escrow_id": escrowID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "released", body["escrow"].(map[string]any)["status"])

	resp, body = te.do(t, http.MethodGet, "/v1/exchange/balance", provKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(50), body["balance"].(map[string]any)["available"])

	// transactions show the release
	resp, body = te.do(t, http.MethodGet, "/v1/exchange/transactions", provKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.GreaterOrEqual(t, body["count"].(float64), float64(1))
}

func TestErrorEnvelopeShape(t *testing.T) {
	te := newTestExchange(t)
	_, key := te.register(t, "envelope-bot")

	resp, body := te.do(t, http.MethodPost, "/v1/exchange/escrow", key, map[string]any{
		"provider_id": uuid.NewString(),
		"amount":      50,
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "NOT_FOUND", errObj["code"])
	require.NotEmpty(t, errObj["message"])
	require.NotEmpty(t, errObj["request_id"])
}

func TestAuthRequired(t *testing.T) {
	te := newTestExchange(t)

	resp, body := te.do(t, http.MethodGet, "/v1/exchange/balance", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "AUTH_REQUIRED", body["error"].(map[string]any)["code"])

	resp, body = te.do(t, http.MethodGet, "/v1/exchange/balance", "ate_bogus", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "AUTH_INVALID", body["error"].(map[string]any)["code"])
}

func TestIdempotentEscrowCreation(t *testing.T) {
	te := newTestExchange(t)
	_, reqKey := te.register(t, "idem-req")
	provID, _ := te.register(t, "idem-prov")

	payload := map[string]any{"provider_id": provID, "amount": 10}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	send := func() (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, te.server.URL+"/v1/exchange/escrow", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+reqKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "same-key")
		resp, err := te.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var decoded map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
		return resp, decoded
	}

	first, firstBody := send()
	require.Equal(t, http.StatusCreated, first.StatusCode)
	second, secondBody := send()
	require.Equal(t, http.StatusCreated, second.StatusCode)
	require.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	require.Equal(t,
		firstBody["escrow"].(map[string]any)["id"],
		secondBody["escrow"].(map[string]any)["id"])

	// only one escrow exists
	var count int64
	require.NoError(t, te.db.Model(&models.Escrow{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestDirectoryAndStats(t *testing.T) {
	te := newTestExchange(t)
	te.register(t, "translator-bot")
	te.register(t, "research-bot")

	resp, body := te.do(t, http.MethodGet, "/v1/accounts/directory?skill=translation", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["count"])

	resp, body = te.do(t, http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	network := body["network"].(map[string]any)
	require.Equal(t, float64(2), network["total_bots"])
	require.Equal(t, float64(2), network["active_bots"])

	supply := body["token_supply"].(map[string]any)
	require.Equal(t, float64(200), supply["circulating"], "two starter grants")
	require.Equal(t, float64(0), supply["in_escrow"])
	require.Equal(t, float64(200), supply["total"])

	// the two starter mints are today's only activity: velocity 200/200
	activity := body["activity_24h"].(map[string]any)
	require.Equal(t, float64(2), activity["transaction_count"])
	require.Equal(t, float64(200), activity["token_volume"])
	require.Equal(t, float64(1), activity["velocity"])

	require.Equal(t, float64(0), body["treasury"].(map[string]any)["fees_collected"])
	require.Equal(t, float64(0), body["active_escrows"])

	// both mount prefixes serve the API
	resp, _ = te.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// registerFrom posts a registration with a fixed client IP so the per-IP
// limiter sees one caller regardless of the connection's ephemeral port.
func registerFrom(t *testing.T, te *testExchange, ip, botName string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"bot_name":     botName,
		"developer_id": "dev-1",
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, te.server.URL+"/v1/accounts/register", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-IP", ip)
	resp, err := te.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestRegisterHourlyRateLimit(t *testing.T) {
	te := newTestExchange(t, func(cfg *config.Config) {
		cfg.RegisterRateLimitPerHour = 2
		cfg.RegisterRateLimitPerDay = 100
	})

	require.Equal(t, http.StatusCreated, registerFrom(t, te, "10.0.0.9", "hour-bot-1").StatusCode)
	require.Equal(t, http.StatusCreated, registerFrom(t, te, "10.0.0.9", "hour-bot-2").StatusCode)

	blocked := registerFrom(t, te, "10.0.0.9", "hour-bot-3")
	require.Equal(t, http.StatusTooManyRequests, blocked.StatusCode)
	require.Equal(t, "3600", blocked.Header.Get("Retry-After"))

	// other addresses are unaffected
	require.Equal(t, http.StatusCreated, registerFrom(t, te, "10.0.0.10", "hour-bot-4").StatusCode)
}

func TestRegisterDailyRateLimit(t *testing.T) {
	te := newTestExchange(t, func(cfg *config.Config) {
		cfg.RegisterRateLimitPerHour = 100
		cfg.RegisterRateLimitPerDay = 2
	})

	require.Equal(t, http.StatusCreated, registerFrom(t, te, "10.0.0.9", "day-bot-1").StatusCode)
	require.Equal(t, http.StatusCreated, registerFrom(t, te, "10.0.0.9", "day-bot-2").StatusCode)

	blocked := registerFrom(t, te, "10.0.0.9", "day-bot-3")
	require.Equal(t, http.StatusTooManyRequests, blocked.StatusCode)
	require.Equal(t, "86400", blocked.Header.Get("Retry-After"))
}

func TestSignatureRequiredOnReads(t *testing.T) {
	te := newTestExchange(t, func(cfg *config.Config) { cfg.RequireSignature = true })
	_, key := te.register(t, "signed-bot")

	// an unsigned read is rejected outright
	resp, _ := te.do(t, http.MethodGet, "/v1/exchange/balance", key, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a signed read over the empty body passes
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodGet, te.server.URL+"/v1/exchange/balance", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("X-A2A-Timestamp", ts)
	req.Header.Set("X-A2A-Signature", auth.Sign(key, ts, http.MethodGet, "/v1/exchange/balance", nil))
	signed, err := te.server.Client().Do(req)
	require.NoError(t, err)
	signed.Body.Close()
	require.Equal(t, http.StatusOK, signed.StatusCode)
}

func TestAccountProfileIsPublic(t *testing.T) {
	te := newTestExchange(t)
	id, _ := te.register(t, "public-bot")

	resp, body := te.do(t, http.MethodGet, "/v1/accounts/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	account := body["account"].(map[string]any)
	require.Equal(t, id, account["id"])
	require.Equal(t, "public-bot", account["bot_name"])

	resp, _ = te.do(t, http.MethodGet, "/v1/accounts/"+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEscrowGroupIDPassthrough(t *testing.T) {
	te := newTestExchange(t)
	_, reqKey := te.register(t, "group-req")
	provID, _ := te.register(t, "group-prov")

	group := uuid.NewString()
	resp, body := te.do(t, http.MethodPost, "/v1/exchange/escrow", reqKey, map[string]any{
		"provider_id": provID,
		"amount":      10,
		"group_id":    group,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	esc := body["escrow"].(map[string]any)
	require.Equal(t, group, esc["group_id"])

	// the group is queryable through the escrow list filter
	resp, body = te.do(t, http.MethodGet, "/v1/exchange/escrows?group_id="+group, reqKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["count"])
}

func TestSuspendBlocksNewEscrows(t *testing.T) {
	te := newTestExchange(t)
	reqID, reqKey := te.register(t, "suspend-target")
	provID, _ := te.register(t, "suspend-prov")

	// promote an operator directly in the database
	_, opKey := te.register(t, "operator-bot")
	require.NoError(t, te.db.Model(&models.Account{}).
		Where("bot_name = ?", "operator-bot").
		Update("status", models.StatusOperator).Error)

	resp, _ := te.do(t, http.MethodPost, "/v1/accounts/admin/suspend", opKey, map[string]any{
		"account_id": reqID,
		"reason":     "abuse report",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := te.do(t, http.MethodPost, "/v1/exchange/escrow", reqKey, map[string]any{
		"provider_id": provID,
		"amount":      10,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "FORBIDDEN", body["error"].(map[string]any)["code"])

	// non-operators cannot suspend
	resp, _ = te.do(t, http.MethodPost, "/v1/accounts/admin/suspend", reqKey, map[string]any{
		"account_id": provID,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhookConfiguration(t *testing.T) {
	te := newTestExchange(t)
	_, key := te.register(t, "hook-bot")

	resp, body := te.do(t, http.MethodPut, "/v1/accounts/webhook", key, map[string]any{
		"url":    "https://example.com/hooks",
		"events": []string{"escrow.released", "escrow.refunded"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secret := body["secret"].(string)
	require.Contains(t, secret, "whsec_")

	// replacing the config keeps the signing secret and never re-discloses it
	resp, body = te.do(t, http.MethodPut, "/v1/accounts/webhook", key, map[string]any{
		"url":    "https://example.com/hooks/v2",
		"events": []string{"escrow.released"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, body["secret"])
	require.Equal(t, "https://example.com/hooks/v2", body["url"])

	// unknown events rejected
	resp, _ = te.do(t, http.MethodPut, "/v1/accounts/webhook", key, map[string]any{
		"url":    "https://example.com/hooks",
		"events": []string{"escrow.nonsense"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = te.do(t, http.MethodDelete, "/v1/accounts/webhook", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKeyRotationFlow(t *testing.T) {
	te := newTestExchange(t)
	_, oldKey := te.register(t, "rotate-bot")

	resp, body := te.do(t, http.MethodPost, "/v1/accounts/rotate-key", oldKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newKey := body["api_key"].(string)
	require.NotEqual(t, oldKey, newKey)

	// both keys usable inside the grace window
	resp, _ = te.do(t, http.MethodGet, "/v1/exchange/balance", newKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = te.do(t, http.MethodGet, "/v1/exchange/balance", oldKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestComplianceEndpoints(t *testing.T) {
	te := newTestExchange(t)
	_, reqKey := te.register(t, "comp-req")
	provID, _ := te.register(t, "comp-prov")

	resp, body := te.do(t, http.MethodGet, "/v1/compliance/root", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, compliance.EmptyRoot, body["root"])

	// settle one escrow to produce an attestation
	resp, body = te.do(t, http.MethodPost, "/v1/exchange/escrow", reqKey, map[string]any{
		"provider_id": provID,
		"amount":      20,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	escrowID := body["escrow"].(map[string]any)["id"].(string)
	resp, _ = te.do(t, http.MethodPost, "/v1/exchange/release", reqKey, map[string]any{"escrow_id": escrowID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = te.do(t, http.MethodGet, "/v1/compliance/root", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, compliance.EmptyRoot, body["root"])
	require.Equal(t, float64(1), body["leaf_count"])
	root := body["root"].(string)

	resp, body = te.do(t, http.MethodGet, "/v1/compliance/proof/0", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, root, body["root"])
	payload := body["payload"].(map[string]any)
	mediation := payload["mediation"].(map[string]any)
	require.Equal(t, escrowID, mediation["escrow_id"])
	require.Equal(t, "released", mediation["escrow_status"])
}

func TestDepositAndHealth(t *testing.T) {
	te := newTestExchange(t)
	_, key := te.register(t, "deposit-bot")

	resp, body := te.do(t, http.MethodPost, "/v1/exchange/deposit", key, map[string]any{
		"amount":    400,
		"reference": "bank transfer 42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, float64(500), body["balance"].(map[string]any)["available"])

	resp, body = te.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}
