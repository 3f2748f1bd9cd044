package autoflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type webhookCapture struct {
	mutex sync.Mutex
	fired []map[string]any
	err   error
}

func (c *webhookCapture) execute(workflowID string, triggerData map[string]any, userID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.err != nil {
		return c.err
	}
	c.fired = append(c.fired, triggerData)
	return nil
}

func (c *webhookCapture) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.fired)
}

func newWebhookFixture(t *testing.T, config *WebhookConfig) (*WebhookTriggerHandler, *webhookCapture, *httptest.Server) {
	t.Helper()
	capture := &webhookCapture{}
	router := NewMuxRouter(nil)
	handler := NewWebhookTriggerHandler(router, capture.execute, nil)
	require.NoError(t, handler.Register("wf-1", &TriggerConfig{
		Type: TriggerTypeWebhook, Enabled: true, Webhook: config,
	}))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return handler, capture, server
}

func TestWebhookTriggerFires(t *testing.T) {
	_, capture, server := newWebhookFixture(t, &WebhookConfig{Path: "/orders"})

	resp, err := http.Post(server.URL+"/orders?source=shop", "application/json",
		strings.NewReader(`{"total": 120, "customer": {"id": "c-1"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, 1, capture.count())
	data := capture.fired[0]
	require.Equal(t, "webhook", data["trigger_type"])
	require.Equal(t, "POST", data["method"])
	require.Equal(t, "/orders", data["path"])
	require.Equal(t, "shop", data["query"].(map[string]any)["source"])
	body := data["body"].(map[string]any)
	require.Equal(t, float64(120), body["total"])
	require.NotEmpty(t, data["ip"])
}

func TestWebhookTriggerSecretAuth(t *testing.T) {
	_, capture, server := newWebhookFixture(t, &WebhookConfig{
		Path:           "/secure",
		Authentication: &WebhookAuth{Type: AuthSecret, Secret: "s3cret"},
	})

	t.Run("missing secret", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/secure", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, 0, capture.count())
	})

	t.Run("correct secret", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/secure", strings.NewReader(`{}`))
		req.Header.Set("X-Webhook-Secret", "s3cret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 1, capture.count())
	})
}

func TestWebhookTriggerHMACAuth(t *testing.T) {
	_, capture, server := newWebhookFixture(t, &WebhookConfig{
		Path:           "/signed",
		Authentication: &WebhookAuth{Type: AuthHMAC, Secret: "signing-key"},
	})

	payload := `{"event": "push"}`
	mac := hmac.New(sha256.New, []byte("signing-key"))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	t.Run("valid signature", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/signed", strings.NewReader(payload))
		req.Header.Set("X-Webhook-Signature", "sha256="+signature)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 1, capture.count())
	})

	t.Run("tampered body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/signed", strings.NewReader(`{"event": "forged"}`))
		req.Header.Set("X-Webhook-Signature", "sha256="+signature)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestWebhookTriggerRequiredFields(t *testing.T) {
	_, capture, server := newWebhookFixture(t, &WebhookConfig{
		Path:           "/strict",
		RequiredFields: []string{"order.id"},
	})

	resp, err := http.Post(server.URL+"/strict", "application/json", strings.NewReader(`{"order": {}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, 0, capture.count())

	resp, err = http.Post(server.URL+"/strict", "application/json", strings.NewReader(`{"order": {"id": "o-1"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, capture.count())
}

func TestWebhookTriggerFilters(t *testing.T) {
	_, capture, server := newWebhookFixture(t, &WebhookConfig{
		Path: "/filtered",
		Filters: []*WebhookFilter{
			{Field: "action", Operator: FilterEquals, Value: "opened"},
			{Field: "draft", Operator: FilterNotExists},
		},
	})

	t.Run("filter mismatch acknowledges without firing", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/filtered", "application/json",
			strings.NewReader(`{"action": "closed"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 0, capture.count())
	})

	t.Run("all filters pass", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/filtered", "application/json",
			strings.NewReader(`{"action": "opened"}`))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 1, capture.count())
	})
}

func TestWebhookFilterOperators(t *testing.T) {
	payload := map[string]any{
		"count": float64(5),
		"name":  "deploy-prod",
	}

	cases := []struct {
		name   string
		filter *WebhookFilter
		want   bool
	}{
		{"equals", &WebhookFilter{Field: "count", Operator: FilterEquals, Value: 5}, true},
		{"not_equals", &WebhookFilter{Field: "count", Operator: FilterNotEquals, Value: 5}, false},
		{"contains", &WebhookFilter{Field: "name", Operator: FilterContains, Value: "prod"}, true},
		{"not_contains", &WebhookFilter{Field: "name", Operator: FilterNotContains, Value: "staging"}, true},
		{"greater_than", &WebhookFilter{Field: "count", Operator: FilterGreaterThan, Value: 3}, true},
		{"less_than", &WebhookFilter{Field: "count", Operator: FilterLessThan, Value: 3}, false},
		{"exists", &WebhookFilter{Field: "name", Operator: FilterExists}, true},
		{"not_exists", &WebhookFilter{Field: "missing", Operator: FilterNotExists}, true},
		{"regex", &WebhookFilter{Field: "name", Operator: FilterRegex, Value: `^deploy-`}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, filterMatches(tc.filter, payload))
		})
	}
}

func TestWebhookTriggerRateLimit(t *testing.T) {
	_, _, server := newWebhookFixture(t, &WebhookConfig{
		Path:      "/limited",
		RateLimit: 1,
		RateBurst: 1,
	})

	resp, err := http.Post(server.URL+"/limited", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL+"/limited", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWebhookTriggerIPAllowlist(t *testing.T) {
	_, _, server := newWebhookFixture(t, &WebhookConfig{
		Path:       "/internal",
		AllowedIPs: []string{"10.0.0.0/8"},
	})

	// httptest requests arrive from 127.0.0.1
	resp, err := http.Post(server.URL+"/internal", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhookTriggerUnregister(t *testing.T) {
	handler, _, server := newWebhookFixture(t, &WebhookConfig{Path: "/gone"})
	require.True(t, handler.IsActive("wf-1"))
	require.NoError(t, handler.Unregister("wf-1"))
	require.False(t, handler.IsActive("wf-1"))

	resp, err := http.Post(server.URL+"/gone", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
