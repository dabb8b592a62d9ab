// tools.go

// Built-in tool catalog. Listing is public; execution runs a small text transform once
// the caller has been authenticated and admitted by the quota.
package tools

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/MGallo-Code/tollgate/internal/auth"
	"github.com/go-chi/chi/v5"
)

// maxInputBytes caps the execute request body.
const maxInputBytes = 64 << 10

// Tool describes one executable tool.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Run computes the tool output from the raw JSON input. Nil echoes the input.
	Run func(input json.RawMessage) (any, error) `json:"-"`
}

// DefaultTools is the catalog served when Handler.Tools is nil.
var DefaultTools = []Tool{
	{Name: "echo", Description: "Returns its input unchanged"},
	{Name: "uppercase", Description: `Upper-cases {"text": "..."}`, Run: uppercase},
	{Name: "word_count", Description: `Counts whitespace-separated words in {"text": "..."}`, Run: wordCount},
}

// errTextRequired is returned by the text tools for input without a "text" string.
var errTextRequired = errors.New(`input must be a JSON object with a "text" string`)

func textInput(input json.RawMessage) (string, error) {
	var in struct {
		Text *string `json:"text"`
	}
	if len(input) == 0 || json.Unmarshal(input, &in) != nil || in.Text == nil {
		return "", errTextRequired
	}
	return *in.Text, nil
}

func uppercase(input json.RawMessage) (any, error) {
	text, err := textInput(input)
	if err != nil {
		return nil, err
	}
	return map[string]string{"text": strings.ToUpper(text)}, nil
}

func wordCount(input json.RawMessage) (any, error) {
	text, err := textInput(input)
	if err != nil {
		return nil, err
	}
	return map[string]int{"words": len(strings.Fields(text))}, nil
}

// Handler serves the tool endpoints.
type Handler struct {
	Tools []Tool
}

func (h *Handler) catalog() []Tool {
	if h.Tools != nil {
		return h.Tools
	}
	return DefaultTools
}

// List handles GET /tools. Runs behind auth.OptionalAuth.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Tools         []Tool `json:"tools"`
		Authenticated bool   `json:"authenticated"`
		Scheme        string `json:"scheme"`
	}{
		Tools:  h.catalog(),
		Scheme: auth.SchemeFromContext(r.Context()).String(),
	}
	_, resp.Authenticated = auth.IdentityFromContext(r.Context())
	auth.JSON(w, http.StatusOK, resp)
}

// Execute handles POST /tools/{name}/execute. Runs behind RequireAuth and quota.Enforce.
// The body is optional JSON, echoed back as "input" next to the tool's "output".
// 400 when the body doesn't decode or the tool rejects it.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		auth.InternalServerError(w, r, errors.New("missing identity in context"))
		return
	}

	name := chi.URLParam(r, "name")
	catalog := h.catalog()
	i := slices.IndexFunc(catalog, func(t Tool) bool { return t.Name == name })
	if i < 0 {
		auth.Fail(w, http.StatusNotFound, auth.ReasonNotFound, "unknown tool")
		return
	}
	tool := catalog[i]

	var input json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInputBytes)).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		auth.BadRequest(w, r, "error decoding request body")
		return
	}

	var output any
	switch {
	case tool.Run == nil && len(input) > 0:
		output = input
	case tool.Run != nil:
		out, err := tool.Run(input)
		if err != nil {
			auth.BadRequest(w, r, err.Error())
			return
		}
		output = out
	}

	slog.Info("tool executed", append(auth.RequestAttrs(r), "tool", name)...)
	auth.JSON(w, http.StatusOK, struct {
		Tool      string          `json:"tool"`
		Status    string          `json:"status"`
		AccountID int64           `json:"account_id"`
		Input     json.RawMessage `json:"input,omitempty"`
		Output    any             `json:"output,omitempty"`
	}{
		Tool:      name,
		Status:    "executed",
		AccountID: identity.AccountID,
		Input:     input,
		Output:    output,
	})
}
