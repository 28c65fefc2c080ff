package testutil

import (
	"encoding/json"
	"net/http"
	"testing"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(map[string]string{"error": "method not allowed"})
			return
		}
		var in map[string]int
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		in["n"]++
		json.NewEncoder(w).Encode(in)
	})
}

func TestDo_JSONBody(t *testing.T) {
	t.Parallel()

	rec := Do(t, echoHandler(), http.MethodPost, "/", map[string]int{"n": 1})
	AssertStatusCode(t, rec.Code, http.StatusOK)
	got := DecodeJSON[map[string]int](t, rec)
	if got["n"] != 2 {
		t.Errorf("n = %d, want 2", got["n"])
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	rec := Do(t, echoHandler(), http.MethodGet, "/", nil)
	AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
	if msg := ErrorMessage(t, rec); msg != "method not allowed" {
		t.Errorf("error = %q", msg)
	}
}
