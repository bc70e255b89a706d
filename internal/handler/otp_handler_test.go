package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MetaDevZone/secure-2fa/internal/crypto"
	"github.com/MetaDevZone/secure-2fa/internal/engine"
	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/notify"
	"github.com/MetaDevZone/secure-2fa/internal/ratelimit"
	"github.com/MetaDevZone/secure-2fa/internal/store/memory"
)

type memoNotifier struct {
	mu   sync.Mutex
	last model.Message
}

func (n *memoNotifier) Send(_ context.Context, msg model.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last = msg
	return nil
}

func (n *memoNotifier) HealthCheck(context.Context) error { return nil }

func (n *memoNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last.Text
}

func newTestServer(t *testing.T, mutate func(*engine.Options)) (http.Handler, *memoNotifier) {
	t.Helper()

	gen, err := crypto.NewGenerator("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	governor := ratelimit.NewMemoryGovernor(time.Minute)
	t.Cleanup(governor.Stop)

	opts := engine.Options{
		CodeLength:  6,
		Expiry:      5 * time.Minute,
		MaxAttempts: 3,
		RateMax:     3,
		RateWindow:  time.Minute,
		From:        "no-reply@example.com",
		Template:    &notify.Template{Subject: "code", HTML: "{{code}}", Text: "{{code}}"},
	}
	if mutate != nil {
		mutate(&opts)
	}

	notifier := &memoNotifier{}
	eng, err := engine.New(memory.NewStore(), notifier, governor, gen, nil, opts, zap.NewNop())
	require.NoError(t, err)

	return NewRouter(NewOTPHandler(eng, zap.NewNop()), zap.NewNop()), notifier
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr, resp
}

func TestIssueAndVerifyEndpoints(t *testing.T) {
	h, notifier := newTestServer(t, nil)

	rr, resp := doJSON(t, h, http.MethodPost, "/v1/otp/issue", map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	sessionID := data["session_id"].(string)
	require.NotEmpty(t, sessionID)

	rr, resp = doJSON(t, h, http.MethodPost, "/v1/otp/verify", map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
		"session_id":  sessionID,
		"code":        notifier.lastCode(),
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)

	// Replaying the same code maps to 422 with a stable code.
	rr, resp = doJSON(t, h, http.MethodPost, "/v1/otp/verify", map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
		"session_id":  sessionID,
		"code":        notifier.lastCode(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "ALREADY_USED", resp.Code)
}

func TestIssueEndpointValidation(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rr, resp := doJSON(t, h, http.MethodPost, "/v1/otp/issue", map[string]interface{}{
		"context": "login",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID", resp.Code)
}

func TestIssueEndpointRateLimited(t *testing.T) {
	h, _ := newTestServer(t, nil)

	body := map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
	}
	for i := 0; i < 3; i++ {
		rr, _ := doJSON(t, h, http.MethodPost, "/v1/otp/issue", body)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr, resp := doJSON(t, h, http.MethodPost, "/v1/otp/issue", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RATE_LIMITED", resp.Code)
}

func TestVerifyEndpointWrongCode(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rr, resp := doJSON(t, h, http.MethodPost, "/v1/otp/issue", map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	sessionID := resp.Data.(map[string]interface{})["session_id"].(string)

	rr, resp = doJSON(t, h, http.MethodPost, "/v1/otp/verify", map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
		"session_id":  sessionID,
		"code":        "0000000",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID", resp.Code)
}

func TestBindingUsesRequestObservedOrigin(t *testing.T) {
	h, notifier := newTestServer(t, func(o *engine.Options) { o.StrictBinding = true })

	rr, resp := doJSON(t, h, http.MethodPost, "/v1/otp/issue", map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
		// Spoofed origin in the body must be ignored in favor of the
		// request's own address and user agent.
		"meta": map[string]string{
			"ip_address": "10.99.99.99",
			"user_agent": "spoofed-agent",
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	sessionID := resp.Data.(map[string]interface{})["session_id"].(string)

	// Same client, same spoof attempt at verify: the request-observed
	// values match the ones captured at issuance, so strict binding
	// passes.
	rr, resp = doJSON(t, h, http.MethodPost, "/v1/otp/verify", map[string]interface{}{
		"destination": "user@example.com",
		"context":     "login",
		"session_id":  sessionID,
		"code":        notifier.lastCode(),
		"meta": map[string]string{
			"ip_address": "203.0.113.250",
			"user_agent": "another-agent",
		},
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rr, resp := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
}
