package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/google/go-cmp/cmp"

	"github.com/blackcoderx/forge/pkg/model"
)

// Call is one outbound HTTP request captured inside a sandbox.
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Mismatch is one field where the captured call differs from the expected request.
type Mismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: expected %q, got %q", m.Field, m.Expected, m.Actual)
}

// headers added by HTTP stacks on their own; never part of a definition's intent.
var ignoredHeaders = map[string]bool{
	"User-Agent":      true,
	"Accept-Encoding": true,
	"Content-Length":  true,
	"Connection":      true,
	"Host":            true,
}

// compare diffs a captured call against the request the builder produced.
// It returns the field mismatches and, for body mismatches, a unified diff.
func compare(want *model.ResolvedRequest, got Call) ([]Mismatch, string) {
	var out []Mismatch
	add := func(field, expected, actual string) {
		out = append(out, Mismatch{Field: field, Expected: expected, Actual: actual})
	}

	if !strings.EqualFold(want.Method, got.Method) {
		add("method", want.Method, got.Method)
	}

	out = append(out, compareURL(want.URL, got.URL)...)

	skip := func(name string) bool {
		name = http.CanonicalHeaderKey(name)
		return ignoredHeaders[name] || (want.OAuth2 != nil && name == "Authorization")
	}
	wantHeaders := http.Header{}
	for _, h := range want.Headers {
		if !skip(h.Name) {
			wantHeaders.Add(h.Name, h.Value)
		}
	}
	gotHeaders := http.Header{}
	for name, values := range got.Header {
		if !skip(name) {
			for _, v := range values {
				gotHeaders.Add(name, v)
			}
		}
	}
	for _, name := range sortedKeys(wantHeaders, gotHeaders) {
		w, g := wantHeaders.Values(name), gotHeaders.Values(name)
		if !cmp.Equal(w, g) {
			add("header."+name, strings.Join(w, ", "), strings.Join(g, ", "))
		}
	}

	var diff string
	if !sameBody(want, got.Body) {
		add("body", summarize(want.Body), summarize(got.Body))
		diff = bodyDiff(want, got.Body)
	}
	return out, diff
}

func compareURL(want, got string) []Mismatch {
	wu, werr := url.Parse(want)
	gu, gerr := url.Parse(got)
	if werr != nil || gerr != nil {
		if want != got {
			return []Mismatch{{Field: "url", Expected: want, Actual: got}}
		}
		return nil
	}

	var out []Mismatch
	if !strings.EqualFold(wu.Scheme, gu.Scheme) || !strings.EqualFold(wu.Host, gu.Host) || wu.Path != gu.Path {
		out = append(out, Mismatch{Field: "url", Expected: stripQuery(wu), Actual: stripQuery(gu)})
	}
	wq, gq := queryPairs(wu.RawQuery), queryPairs(gu.RawQuery)
	if !cmp.Equal(wq, gq) {
		out = append(out, Mismatch{Field: "query", Expected: strings.Join(wq, "&"), Actual: strings.Join(gq, "&")})
	}
	return out
}

func stripQuery(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}

// queryPairs decodes a query string into sorted name=value pairs, keeping duplicates.
func queryPairs(raw string) []string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return []string{raw}
	}
	pairs := []string{}
	for name, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, name+"="+v)
		}
	}
	sort.Strings(pairs)
	return pairs
}

func sameBody(want *model.ResolvedRequest, got []byte) bool {
	switch want.BodyKind {
	case model.BodyJSON:
		if len(bytes.TrimSpace(want.Body)) == 0 {
			return len(bytes.TrimSpace(got)) == 0
		}
		var w, g any
		if json.Unmarshal(want.Body, &w) != nil || json.Unmarshal(got, &g) != nil {
			return bytes.Equal(want.Body, got)
		}
		return cmp.Equal(w, g)
	case model.BodyForm:
		return cmp.Equal(queryPairs(string(want.Body)), queryPairs(string(got)))
	default:
		return bytes.Equal(want.Body, got)
	}
}

// bodyDiff renders a unified diff of the two bodies, normalizing JSON so the
// diff shows value changes rather than formatting.
func bodyDiff(want *model.ResolvedRequest, got []byte) string {
	expected, actual := string(want.Body), string(got)
	switch want.BodyKind {
	case model.BodyJSON:
		expected, actual = prettyJSON(want.Body), prettyJSON(got)
	case model.BodyForm:
		expected = strings.Join(queryPairs(expected), "\n")
		actual = strings.Join(queryPairs(actual), "\n")
	}
	if !strings.HasSuffix(expected, "\n") {
		expected += "\n"
	}
	if !strings.HasSuffix(actual, "\n") {
		actual += "\n"
	}
	edits := udiff.Strings(expected, actual)
	unified, err := udiff.ToUnified("expected", "captured", expected, edits, 3)
	if err != nil {
		return fmt.Sprintf("--- expected\n+++ captured\n(diff generation failed: %v)\n", err)
	}
	return unified
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(out)
}

func summarize(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

func sortedKeys(hs ...http.Header) []string {
	seen := map[string]bool{}
	var keys []string
	for _, h := range hs {
		for k := range h {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
