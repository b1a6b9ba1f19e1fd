package ig

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockResponse describes a canned reply for one endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockRequest captures one request the mock server received.
type MockRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    string
}

// MockIGServer is an httptest-backed stand-in for the REST gateway.
// Responses are keyed by "METHOD /path"; every request is recorded for
// later assertions.
type MockIGServer struct {
	server    *httptest.Server
	mutex     sync.Mutex
	responses map[string]MockResponse
	oneShots  map[string][]MockResponse
	requests  []MockRequest
}

// NewMockIGServer starts a mock gateway with working defaults for the
// session endpoints.
func NewMockIGServer() *MockIGServer {
	m := &MockIGServer{
		responses: make(map[string]MockResponse),
		oneShots:  make(map[string][]MockResponse),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	m.setDefaultResponses()
	return m
}

// URL returns the mock gateway base URL.
func (m *MockIGServer) URL() string { return m.server.URL }

// Close shuts the server down.
func (m *MockIGServer) Close() { m.server.Close() }

// SetResponse overrides the reply for "METHOD /path".
func (m *MockIGServer) SetResponse(method, path string, resp MockResponse) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.responses[method+" "+path] = resp
}

// QueueResponse schedules a reply consumed by the next matching request
// only, ahead of whatever SetResponse installed.
func (m *MockIGServer) QueueResponse(method, path string, resp MockResponse) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	key := method + " " + path
	m.oneShots[key] = append(m.oneShots[key], resp)
}

// Requests returns a copy of everything received so far.
func (m *MockIGServer) Requests() []MockRequest {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns how many requests matched "METHOD /path".
func (m *MockIGServer) RequestCount(method, path string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (m *MockIGServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mutex.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    string(body),
	})
	key := r.Method + " " + r.URL.Path
	resp, ok := m.responses[key]
	if queued := m.oneShots[key]; len(queued) > 0 {
		resp, ok = queued[0], true
		m.oneShots[key] = queued[1:]
	}
	m.mutex.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write([]byte(resp.Body))
}

func (m *MockIGServer) setDefaultResponses() {
	m.SetResponse("POST", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"CST":              "mock-cst-token",
			"X-SECURITY-TOKEN": "mock-security-token",
		},
		Body: `{
			"currentAccountId": "ABC123",
			"clientId": "100200300",
			"lightstreamerEndpoint": "https://demo-apd.marketdatasystems.com",
			"timezoneOffset": 1
		}`,
	})
	m.SetResponse("POST", "/session/refresh-token", MockResponse{
		StatusCode: http.StatusOK,
		Body: `{
			"access_token": "refreshed-access",
			"refresh_token": "refreshed-refresh",
			"scope": "profile",
			"token_type": "Bearer",
			"expires_in": "60"
		}`,
	})
	m.SetResponse("PUT", "/session", MockResponse{
		StatusCode: http.StatusOK,
		Body: `{
			"dealingEnabled": true,
			"hasActiveDemoAccounts": true,
			"hasActiveLiveAccounts": false,
			"trailingStopsEnabled": false
		}`,
	})
	m.SetResponse("DELETE", "/session", MockResponse{StatusCode: http.StatusNoContent})
}
