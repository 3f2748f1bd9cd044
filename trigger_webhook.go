package autoflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Router abstracts the HTTP mux webhook routes are mounted on, so the
// handler works against both a real server and a test double.
type Router interface {
	Handle(method, path string, handler http.HandlerFunc) error
	Remove(method, path string) error
}

// MuxRouter adapts net/http's ServeMux to the Router interface. Removed
// routes stay mounted but answer 404, since ServeMux has no unregister.
type MuxRouter struct {
	mutex   sync.RWMutex
	mux     *http.ServeMux
	active  map[string]http.HandlerFunc
	mounted map[string]bool
}

func NewMuxRouter(mux *http.ServeMux) *MuxRouter {
	if mux == nil {
		mux = http.NewServeMux()
	}
	return &MuxRouter{
		mux:     mux,
		active:  map[string]http.HandlerFunc{},
		mounted: map[string]bool{},
	}
}

func (r *MuxRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *MuxRouter) key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

func (r *MuxRouter) Handle(method, path string, handler http.HandlerFunc) error {
	key := r.key(method, path)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.active[key]; ok {
		return fmt.Errorf("route %s already registered", key)
	}
	r.active[key] = handler
	if !r.mounted[key] {
		r.mounted[key] = true
		r.mux.HandleFunc(key, func(w http.ResponseWriter, req *http.Request) {
			r.mutex.RLock()
			h, ok := r.active[key]
			r.mutex.RUnlock()
			if !ok {
				http.NotFound(w, req)
				return
			}
			h(w, req)
		})
	}
	return nil
}

func (r *MuxRouter) Remove(method, path string) error {
	key := r.key(method, path)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.active, key)
	return nil
}

type webhookEntry struct {
	workflowID string
	config     *WebhookConfig
	limiter    *rate.Limiter
	paused     bool
}

// WebhookTriggerHandler mounts one HTTP route per registered webhook
// trigger and runs each request through a fixed pipeline: rate limit,
// IP allowlist, authentication, required fields, then declarative
// filters. Requests that fail a filter are acknowledged with 200 and a
// skipped flag rather than an error, since they are valid deliveries the
// workflow chose not to act on.
type WebhookTriggerHandler struct {
	mutex   sync.RWMutex
	router  Router
	execute ExecuteFunc
	entries map[string]*webhookEntry
	logger  *slog.Logger
}

func NewWebhookTriggerHandler(router Router, execute ExecuteFunc, logger *slog.Logger) *WebhookTriggerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookTriggerHandler{
		router:  router,
		execute: execute,
		entries: map[string]*webhookEntry{},
		logger:  logger,
	}
}

func (h *WebhookTriggerHandler) Type() TriggerType {
	return TriggerTypeWebhook
}

func (h *WebhookTriggerHandler) Register(workflowID string, config *TriggerConfig) error {
	if config == nil || config.Type != TriggerTypeWebhook || config.Webhook == nil {
		return NewTriggerError("webhook trigger config is required", nil)
	}
	wc := config.Webhook
	if wc.Path == "" {
		return NewTriggerError("webhook path is required", nil)
	}
	method := wc.Method
	if method == "" {
		method = http.MethodPost
	}

	entry := &webhookEntry{workflowID: workflowID, config: wc}
	if wc.RateLimit > 0 {
		burst := wc.RateBurst
		if burst <= 0 {
			burst = 1
		}
		entry.limiter = rate.NewLimiter(rate.Limit(wc.RateLimit), burst)
	}

	h.mutex.Lock()
	if _, ok := h.entries[workflowID]; ok {
		h.mutex.Unlock()
		return NewTriggerError(fmt.Sprintf("workflow %q already has a webhook trigger", workflowID), nil)
	}
	h.entries[workflowID] = entry
	h.mutex.Unlock()

	if err := h.router.Handle(method, wc.Path, h.serve(entry, method)); err != nil {
		h.mutex.Lock()
		delete(h.entries, workflowID)
		h.mutex.Unlock()
		return NewTriggerError(fmt.Sprintf("failed to mount webhook route %s %s", method, wc.Path), err)
	}
	h.logger.Info("webhook trigger registered",
		"workflow_id", workflowID, "method", method, "path", wc.Path)
	return nil
}

func (h *WebhookTriggerHandler) Unregister(workflowID string) error {
	h.mutex.Lock()
	entry, ok := h.entries[workflowID]
	if ok {
		delete(h.entries, workflowID)
	}
	h.mutex.Unlock()
	if !ok {
		return nil
	}
	method := entry.config.Method
	if method == "" {
		method = http.MethodPost
	}
	return h.router.Remove(method, entry.config.Path)
}

func (h *WebhookTriggerHandler) Update(workflowID string, config *TriggerConfig) error {
	if err := h.Unregister(workflowID); err != nil {
		return err
	}
	return h.Register(workflowID, config)
}

func (h *WebhookTriggerHandler) IsActive(workflowID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	entry, ok := h.entries[workflowID]
	return ok && !entry.paused
}

func (h *WebhookTriggerHandler) Pause(workflowID string) error {
	return h.setPaused(workflowID, true)
}

func (h *WebhookTriggerHandler) Resume(workflowID string) error {
	return h.setPaused(workflowID, false)
}

func (h *WebhookTriggerHandler) setPaused(workflowID string, paused bool) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	entry, ok := h.entries[workflowID]
	if !ok {
		return NewTriggerError(fmt.Sprintf("workflow %q has no webhook trigger", workflowID), nil)
	}
	entry.paused = paused
	return nil
}

func (h *WebhookTriggerHandler) serve(entry *webhookEntry, method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mutex.RLock()
		_, registered := h.entries[entry.workflowID]
		paused := entry.paused
		h.mutex.RUnlock()
		if !registered {
			http.NotFound(w, r)
			return
		}
		if paused {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "trigger paused"})
			return
		}
		if entry.limiter != nil && !entry.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}

		ip := clientIP(r)
		if len(entry.config.AllowedIPs) > 0 && !ipAllowed(ip, entry.config.AllowedIPs) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "ip not allowed"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
			return
		}

		if auth := entry.config.Authentication; auth != nil {
			if !authenticate(auth, r, body) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication failed"})
				return
			}
		}

		var payload map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
				return
			}
		}
		if payload == nil {
			payload = map[string]any{}
		}

		for _, field := range entry.config.RequiredFields {
			if _, ok := LookupPath(payload, field); !ok {
				writeJSON(w, http.StatusBadRequest,
					map[string]any{"error": fmt.Sprintf("missing required field %q", field)})
				return
			}
		}

		for _, filter := range entry.config.Filters {
			if !filterMatches(filter, payload) {
				writeJSON(w, http.StatusOK, map[string]any{"status": "skipped"})
				return
			}
		}

		triggerData := map[string]any{
			"trigger_type": string(TriggerTypeWebhook),
			"method":       r.Method,
			"path":         r.URL.Path,
			"headers":      flattenHeaders(r.Header),
			"query":        flattenQuery(r.URL.Query()),
			"body":         payload,
			"ip":           ip,
			"timestamp":    time.Now().Format(time.RFC3339Nano),
		}
		if err := h.execute(entry.workflowID, triggerData, ""); err != nil {
			h.logger.Error("webhook trigger failed to enqueue",
				"workflow_id", entry.workflowID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to start workflow"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipAllowed(ip string, allowed []string) bool {
	parsed := net.ParseIP(ip)
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && parsed != nil && cidr.Contains(parsed) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}

func authenticate(auth *WebhookAuth, r *http.Request, body []byte) bool {
	switch auth.Type {
	case "", AuthNone:
		return true
	case AuthSecret:
		header := auth.Header
		if header == "" {
			header = "X-Webhook-Secret"
		}
		got := r.Header.Get(header)
		return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(auth.Secret)) == 1
	case AuthHMAC:
		header := auth.Header
		if header == "" {
			header = "X-Webhook-Signature"
		}
		got := strings.TrimPrefix(r.Header.Get(header), "sha256=")
		mac := hmac.New(sha256.New, []byte(auth.Secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		return got != "" && hmac.Equal([]byte(got), []byte(want))
	case AuthBasic:
		user, pass, ok := r.BasicAuth()
		return ok &&
			subtle.ConstantTimeCompare([]byte(user), []byte(auth.Username)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(auth.Password)) == 1
	default:
		return false
	}
}

func filterMatches(filter *WebhookFilter, payload map[string]any) bool {
	value, exists := LookupPath(payload, filter.Field)
	switch filter.Operator {
	case FilterExists:
		return exists
	case FilterNotExists:
		return !exists
	case FilterEquals:
		return exists && looselyEqual(value, filter.Value)
	case FilterNotEquals:
		return !exists || !looselyEqual(value, filter.Value)
	case FilterContains:
		return exists && strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", filter.Value))
	case FilterNotContains:
		return !exists || !strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", filter.Value))
	case FilterGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(filter.Value)
		return exists && aok && bok && a > b
	case FilterLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(filter.Value)
		return exists && aok && bok && a < b
	case FilterRegex:
		pattern, ok := filter.Value.(string)
		if !ok || !exists {
			return false
		}
		matched, err := regexp.MatchString(pattern, fmt.Sprintf("%v", value))
		return err == nil && matched
	default:
		// unknown operators pass, matching connection condition behavior
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) == 1 {
			out[strings.ToLower(k)] = v[0]
		} else {
			out[strings.ToLower(k)] = strings.Join(v, ",")
		}
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]any {
	out := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = strings.Join(v, ",")
		}
	}
	return out
}
