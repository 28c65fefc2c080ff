package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetJSON(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient().AddResponse(http.StatusOK, `{"count": 3}`)
	var got struct {
		Count int `json:"count"`
	}
	if err := GetJSON(mock, "http://example.test/api", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.Count != 3 {
		t.Errorf("count = %d, want 3", got.Count)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.RequestCount())
	}
	if accept := mock.Requests[0].Header.Get("Accept"); accept != "application/json" {
		t.Errorf("accept = %q", accept)
	}
}

func TestGetJSON_ErrorBody(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient().AddResponse(http.StatusNotFound, `{"error": "sighting not found"}`)
	var v map[string]interface{}
	err := GetJSON(mock, "http://example.test/api", &v)
	if err == nil || !strings.Contains(err.Error(), "sighting not found") {
		t.Fatalf("err = %v, want message from body", err)
	}
}

func TestGetJSON_TransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	mock := NewMockHTTPClient().AddErrorResponse(boom)
	var v map[string]interface{}
	if err := GetJSON(mock, "http://example.test/api", &v); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestGetJSON_StandardClient(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, []int{1, 2})
	}))
	defer ts.Close()

	var got []int
	if err := GetJSON(NewStandardClient(nil), ts.URL, &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %v", got)
	}
}
