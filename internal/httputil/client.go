package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// HTTPClient is satisfied by *http.Client and by MockHTTPClient.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient adapts an *http.Client; nil means http.DefaultClient.
type StandardClient struct {
	*http.Client
}

func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

// GetJSON fetches url and decodes a 200 response into v. For other statuses
// the "error" field written by WriteJSONError becomes the error text.
func GetJSON(c HTTPClient, url string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(io.LimitReader(resp.Body, 16*MaxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		if dec.Decode(&failure) != nil || failure.Error == "" {
			return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		return fmt.Errorf("GET %s: %s (%d)", url, failure.Error, resp.StatusCode)
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return nil
}

type cannedReply struct {
	status int
	body   string
	err    error
}

// MockHTTPClient answers requests from a queue of canned replies, then with
// an empty 200 once the queue is drained. Every request is kept in Requests.
type MockHTTPClient struct {
	mu       sync.Mutex
	replies  []cannedReply
	Requests []*http.Request
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

func (m *MockHTTPClient) enqueue(r cannedReply) *MockHTTPClient {
	m.mu.Lock()
	m.replies = append(m.replies, r)
	m.mu.Unlock()
	return m
}

func (m *MockHTTPClient) AddResponse(status int, body string) *MockHTTPClient {
	return m.enqueue(cannedReply{status: status, body: body})
}

// AddErrorResponse makes the next request fail at the transport.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	return m.enqueue(cannedReply{err: err})
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	reply := cannedReply{status: http.StatusOK}
	if len(m.replies) > 0 {
		reply, m.replies = m.replies[0], m.replies[1:]
	}
	m.mu.Unlock()

	if reply.err != nil {
		return nil, reply.err
	}
	return &http.Response{
		StatusCode: reply.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(reply.body)),
		Request:    req,
	}, nil
}

func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
