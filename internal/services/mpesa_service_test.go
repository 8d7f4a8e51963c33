package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"hotspot_billing/internal/config"
)

type darajaStub struct {
	mu         sync.Mutex
	tokenCalls atomic.Int32
	pushCalls  atomic.Int32
	lastPush   stkPushRequest
	authHeader string
	pushStatus int
	pushBody   string
}

func (d *darajaStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		d.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-` + string(rune('0'+d.tokenCalls.Load())) + `","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		d.pushCalls.Add(1)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.authHeader = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&d.lastPush))
		w.Header().Set("Content-Type", "application/json")
		status := d.pushStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		body := d.pushBody
		if body == "" {
			body = `{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success","CustomerMessage":"Success. Request accepted for processing"}`
		}
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func newTestMpesa(t *testing.T, baseURL string) (*MpesaService, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := NewMpesaService(config.MpesaConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CountryCode:    "254",
		Timezone:       "Africa/Nairobi",
		Timeout:        5 * time.Second,
	}, "https://hotspot.example.com/", NewMemoryCache(), zaptest.NewLogger(t), metrics)
	return svc, metrics
}

func TestMpesaRequestPayment(t *testing.T) {
	stub := &darajaStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	svc, metrics := newTestMpesa(t, srv.URL)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	resp, err := svc.RequestPayment(context.Background(), PromptRequest{
		Phone:            "0712345678",
		Amount:           50,
		AccountReference: "TX-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", resp.CorrelationID)
	assert.Equal(t, "m-1", resp.MerchantRequestID)
	assert.Equal(t, "0", resp.ResponseCode)
	assert.Equal(t, "Success", resp.ResponseDescription)
	assert.Equal(t, "Success. Request accepted for processing", resp.CustomerMessage)

	stub.mu.Lock()
	push := stub.lastPush
	auth := stub.authHeader
	stub.mu.Unlock()
	assert.Equal(t, "Bearer tok-1", auth)
	assert.Equal(t, "254712345678", push.PhoneNumber)
	assert.Equal(t, "254712345678", push.PartyA)
	assert.Equal(t, "174379", push.PartyB)
	assert.Equal(t, int64(50), push.Amount)
	assert.Equal(t, "CustomerPayBillOnline", push.TransactionType)
	assert.Equal(t, "https://hotspot.example.com/mpesa/callback", push.CallBackURL)
	assert.Equal(t, "Payment for service", push.TransactionDesc)

	// 09:00 UTC is 12:00 in Nairobi.
	assert.Equal(t, "20240301120000", push.Timestamp)
	password, err := base64.StdEncoding.DecodeString(push.Password)
	require.NoError(t, err)
	assert.Equal(t, "174379passkey20240301120000", string(password))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.gatewayCalls.WithLabelValues("stk_push", "success")))
}

func TestMpesaTokenIsCached(t *testing.T) {
	stub := &darajaStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	svc, _ := newTestMpesa(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := svc.RequestPayment(context.Background(), PromptRequest{Phone: "254712345678", Amount: 10})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), stub.tokenCalls.Load())
	assert.Equal(t, int32(3), stub.pushCalls.Load())
}

func TestMpesaUnauthorizedEvictsToken(t *testing.T) {
	stub := &darajaStub{pushStatus: http.StatusUnauthorized, pushBody: `{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	svc, _ := newTestMpesa(t, srv.URL)
	_, err := svc.RequestPayment(context.Background(), PromptRequest{Phone: "254712345678", Amount: 10})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	stub.mu.Lock()
	stub.pushStatus = http.StatusOK
	stub.pushBody = ""
	stub.mu.Unlock()
	_, err = svc.RequestPayment(context.Background(), PromptRequest{Phone: "254712345678", Amount: 10})
	require.NoError(t, err)

	assert.Equal(t, int32(2), stub.tokenCalls.Load())
	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, "Bearer tok-2", stub.authHeader)
}

// evictFailingCache serves a token but cannot delete it.
type evictFailingCache struct {
	*MemoryCache
}

func (evictFailingCache) Delete(ctx context.Context, key string) error {
	return errors.New("redis: connection refused")
}

func TestMpesaUnauthorizedLogsEvictionFailure(t *testing.T) {
	stub := &darajaStub{pushStatus: http.StatusUnauthorized, pushBody: `{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	svc, _ := newTestMpesa(t, srv.URL)
	svc.cache = evictFailingCache{NewMemoryCache()}
	svc.log = zap.New(core)

	_, err := svc.RequestPayment(context.Background(), PromptRequest{Phone: "254712345678", Amount: 10})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	evictions := logs.FilterMessage("failed to evict access token").All()
	require.Len(t, evictions, 1)
	assert.Equal(t, "redis: connection refused", evictions[0].ContextMap()["error"])
}

func TestMpesaGatewayFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"errorMessage":"boom"}`},
		{name: "rejected request", status: http.StatusOK, body: `{"ResponseCode":"1","ResponseDescription":"Rejected"}`},
		{name: "missing checkout id", status: http.StatusOK, body: `{"ResponseCode":"0"}`},
		{name: "malformed body", status: http.StatusOK, body: `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &darajaStub{pushStatus: tt.status, pushBody: tt.body}
			srv := httptest.NewServer(stub.handler(t))
			defer srv.Close()

			svc, _ := newTestMpesa(t, srv.URL)
			_, err := svc.RequestPayment(context.Background(), PromptRequest{Phone: "254712345678", Amount: 10})
			assert.ErrorIs(t, err, ErrGatewayUnavailable)
		})
	}
}

func TestMpesaTokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusBadRequest)
	}))
	defer srv.Close()

	svc, _ := newTestMpesa(t, srv.URL)
	_, err := svc.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestMpesaUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc, _ := newTestMpesa(t, url)
	_, err := svc.RequestPayment(context.Background(), PromptRequest{Phone: "254712345678", Amount: 10})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{" 0712345678 ", "254712345678"},
		{"712345678", "712345678"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePhone(tt.input, "254"))
		})
	}
}
