// Package httputil holds the JSON response helpers of the rig API and the
// client abstraction the CLI uses to talk to a running rig.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPClient is the part of *http.Client the rig client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewStandardClient returns an *http.Client with a timeout suited to a rig
// on the local network.
func NewStandardClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// MockHTTPClient records requests and replays canned responses.
type MockHTTPClient struct {
	mu          sync.Mutex
	Requests    []*http.Request
	Bodies      []string
	Responses   []*MockResponse
	responseIdx int
}

// MockResponse is one canned response. A non-nil Error is returned instead
// of a response.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// NewMockHTTPClient returns an empty mock.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a response.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{Error: err})
	return m
}

// Do records req and its body, then returns the next queued response, or an
// empty 200 once the queue is drained.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	m.Bodies = append(m.Bodies, body)

	resp := &MockResponse{StatusCode: http.StatusOK}
	if m.responseIdx < len(m.Responses) {
		resp = m.Responses[m.responseIdx]
		m.responseIdx++
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}, nil
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
