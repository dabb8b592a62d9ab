// tools_test.go

// unit tests for the tool listing and execute handlers.
package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MGallo-Code/tollgate/internal/auth"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/go-chi/chi/v5"
)

func withIdentity(r *http.Request, id int64) *http.Request {
	res := auth.Resolution{Scheme: auth.SchemeSessionToken, Identity: store.Identity{AccountID: id, Active: true}}
	return r.WithContext(auth.WithResolution(r.Context(), res))
}

// withToolName sets the chi URL param the router would normally populate.
func withToolName(r *http.Request, name string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("name", name)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestList(t *testing.T) {
	h := &Handler{}

	tests := []struct {
		name       string
		req        *http.Request
		wantAuthed bool
		wantScheme string
	}{
		{"anonymous", httptest.NewRequest(http.MethodGet, "/tools", nil), false, "none"},
		{"authenticated", withIdentity(httptest.NewRequest(http.MethodGet, "/tools", nil), 3), true, "session_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.List(w, tt.req)

			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			var body struct {
				Tools         []Tool `json:"tools"`
				Authenticated bool   `json:"authenticated"`
				Scheme        string `json:"scheme"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if len(body.Tools) != len(DefaultTools) {
				t.Errorf("expected %d tools, got %d", len(DefaultTools), len(body.Tools))
			}
			if body.Authenticated != tt.wantAuthed || body.Scheme != tt.wantScheme {
				t.Errorf("expected authenticated=%v scheme=%q, got %v %q", tt.wantAuthed, tt.wantScheme, body.Authenticated, body.Scheme)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	h := &Handler{}

	t.Run("echoes input for known tool", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/tools/echo/execute", strings.NewReader(`{"text":"hi"}`))
		r = withToolName(withIdentity(r, 7), "echo")
		w := httptest.NewRecorder()
		h.Execute(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var body struct {
			Tool      string          `json:"tool"`
			AccountID int64           `json:"account_id"`
			Input     json.RawMessage `json:"input"`
		}
		json.NewDecoder(w.Body).Decode(&body)
		if body.Tool != "echo" || body.AccountID != 7 || string(body.Input) != `{"text":"hi"}` {
			t.Errorf("unexpected body: %+v (input %s)", body, body.Input)
		}
	})

	t.Run("built-in tools transform their input", func(t *testing.T) {
		tests := []struct {
			tool       string
			body       string
			wantStatus int
			wantOutput string
		}{
			{"echo", `{"text":"hi there"}`, http.StatusOK, `{"text":"hi there"}`},
			{"uppercase", `{"text":"hi there"}`, http.StatusOK, `{"text":"HI THERE"}`},
			{"word_count", `{"text":"  one two\tthree\n"}`, http.StatusOK, `{"words":3}`},
			{"word_count", `{"text":""}`, http.StatusOK, `{"words":0}`},
			{"uppercase", `{"other":"x"}`, http.StatusBadRequest, ""},
			{"uppercase", `["hi"]`, http.StatusBadRequest, ""},
			{"word_count", "", http.StatusBadRequest, ""},
		}
		for _, tt := range tests {
			t.Run(tt.tool+" "+tt.body, func(t *testing.T) {
				r := httptest.NewRequest(http.MethodPost, "/tools/"+tt.tool+"/execute", strings.NewReader(tt.body))
				r = withToolName(withIdentity(r, 7), tt.tool)
				w := httptest.NewRecorder()
				h.Execute(w, r)

				if w.Code != tt.wantStatus {
					t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
				}
				if tt.wantOutput == "" {
					return
				}
				var body struct {
					Output json.RawMessage `json:"output"`
				}
				json.NewDecoder(w.Body).Decode(&body)
				if string(body.Output) != tt.wantOutput {
					t.Errorf("output: expected %s, got %s", tt.wantOutput, body.Output)
				}
			})
		}
	})

	t.Run("every listed tool can run", func(t *testing.T) {
		for _, tool := range DefaultTools {
			r := httptest.NewRequest(http.MethodPost, "/tools/"+tool.Name+"/execute", strings.NewReader(`{"text":"a b"}`))
			r = withToolName(withIdentity(r, 7), tool.Name)
			w := httptest.NewRecorder()
			h.Execute(w, r)
			if w.Code != http.StatusOK {
				t.Errorf("%s: expected 200, got %d", tool.Name, w.Code)
			}
		}
	})

	t.Run("empty body is accepted", func(t *testing.T) {
		r := withToolName(withIdentity(httptest.NewRequest(http.MethodPost, "/tools/echo/execute", nil), 7), "echo")
		w := httptest.NewRecorder()
		h.Execute(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
	})

	t.Run("unknown tool is 404", func(t *testing.T) {
		r := withToolName(withIdentity(httptest.NewRequest(http.MethodPost, "/tools/nope/execute", nil), 7), "nope")
		w := httptest.NewRecorder()
		h.Execute(w, r)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/tools/echo/execute", strings.NewReader("{nope"))
		r = withToolName(withIdentity(r, 7), "echo")
		w := httptest.NewRecorder()
		h.Execute(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("missing identity is 500", func(t *testing.T) {
		r := withToolName(httptest.NewRequest(http.MethodPost, "/tools/echo/execute", nil), "echo")
		w := httptest.NewRecorder()
		h.Execute(w, r)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})

	t.Run("custom catalog", func(t *testing.T) {
		custom := &Handler{Tools: []Tool{{Name: "only"}}}
		r := withToolName(withIdentity(httptest.NewRequest(http.MethodPost, "/tools/echo/execute", nil), 7), "echo")
		w := httptest.NewRecorder()
		custom.Execute(w, r)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404 for tool outside custom catalog, got %d", w.Code)
		}
	})
}
