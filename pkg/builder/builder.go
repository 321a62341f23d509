// Package builder turns a RequestDefinition into a ResolvedRequest.
package builder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/variables"
)

// BuildError is returned when a definition cannot be turned into a request.
// No network activity happens before it is returned.
type BuildError struct {
	Field           string // url, header.<Name>, query.<Name>, body, auth
	MissingVariable string // set when a placeholder is unbound
	Err             error
}

func (e *BuildError) Error() string {
	if e.MissingVariable != "" {
		return fmt.Sprintf("failed to build request: %s: missing variable %q", e.Field, e.MissingVariable)
	}
	return fmt.Sprintf("failed to build request: %s: %v", e.Field, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Default content types per body kind.
var defaultContentTypes = map[model.BodyKind]string{
	model.BodyJSON:   "application/json",
	model.BodyForm:   "application/x-www-form-urlencoded",
	model.BodyRaw:    "text/plain",
	model.BodyBinary: "application/octet-stream",
}

// DefaultContentType returns the Content-Type used for kind when none is set.
func DefaultContentType(kind model.BodyKind) string {
	return defaultContentTypes[kind]
}

// Build resolves every placeholder in def and encodes its body and auth.
func Build(def *model.RequestDefinition, r *variables.Resolver) (*model.ResolvedRequest, error) {
	if def == nil {
		return nil, &BuildError{Field: "definition", Err: errors.New("definition is nil")}
	}
	r = r.WithDefaults(def.Defaults)

	req := &model.ResolvedRequest{
		Method:   def.NormalizedMethod(),
		BodyKind: def.Body.Kind,
	}
	if req.BodyKind == "" {
		req.BodyKind = model.BodyNone
	}

	rawURL, err := expand(r, "url", def.URL)
	if err != nil {
		return nil, err
	}

	var query []model.Pair
	for _, q := range def.Query {
		if !q.Enabled() {
			continue
		}
		field := "query." + q.Name
		name, err := expand(r, field, q.Name)
		if err != nil {
			return nil, err
		}
		value, err := expand(r, field, q.Value)
		if err != nil {
			return nil, err
		}
		query = append(query, model.Pair{Name: name, Value: value})
	}

	for _, h := range def.Headers {
		if !h.Enabled() {
			continue
		}
		field := "header." + h.Name
		name, err := expand(r, field, h.Name)
		if err != nil {
			return nil, err
		}
		value, err := expand(r, field, h.Value)
		if err != nil {
			return nil, err
		}
		req.Headers = append(req.Headers, model.Pair{Name: name, Value: value})
	}

	secrets, err := applyAuth(req, &query, def.Auth, r)
	if err != nil {
		return nil, err
	}

	req.URL, err = joinURL(rawURL, query)
	if err != nil {
		return nil, &BuildError{Field: "url", Err: err}
	}

	req.Body, err = encodeBody(def.Body, r)
	if err != nil {
		return nil, err
	}

	if len(req.Body) > 0 || !def.Body.IsEmpty() {
		ct := def.Body.ContentType
		if ct == "" {
			ct = DefaultContentType(req.BodyKind)
		}
		if existing, ok := req.Header("Content-Type"); ok {
			req.ContentType = existing
		} else if ct != "" {
			req.ContentType = ct
			req.Headers = append(req.Headers, model.Pair{Name: "Content-Type", Value: ct})
		}
	}

	req.Secrets = mergeSecrets(r.Secrets(), secrets)
	return req, nil
}

// expand resolves text and converts resolver failures to a BuildError for field.
func expand(r *variables.Resolver, field, text string) (string, error) {
	out, err := r.Expand(text)
	if err == nil {
		return out, nil
	}
	berr := &BuildError{Field: field, Err: err}
	var rerr *variables.ResolutionError
	if errors.As(err, &rerr) && errors.Is(err, variables.ErrVariableNotFound) {
		berr.MissingVariable = rerr.Name
	}
	return "", berr
}

// joinURL appends query pairs to rawURL in order.
func joinURL(rawURL string, query []model.Pair) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url must be absolute http(s), got %q", rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %q", rawURL)
	}
	if len(query) == 0 {
		return u.String(), nil
	}
	parts := make([]string, 0, len(query)+1)
	if u.RawQuery != "" {
		parts = append(parts, u.RawQuery)
	}
	for _, q := range query {
		parts = append(parts, url.QueryEscape(q.Name)+"="+url.QueryEscape(q.Value))
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String(), nil
}

func encodeBody(body model.Body, r *variables.Resolver) ([]byte, error) {
	switch body.Kind {
	case "", model.BodyNone:
		return nil, nil

	case model.BodyRaw:
		text, err := expand(r, "body", body.Content)
		if err != nil {
			return nil, err
		}
		return []byte(text), nil

	case model.BodyJSON:
		if body.JSON == nil {
			text, err := expand(r, "body", body.Content)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(text) == "" {
				return nil, nil
			}
			var tree any
			if err := json.Unmarshal([]byte(text), &tree); err != nil {
				return nil, &BuildError{Field: "body", Err: fmt.Errorf("resolved body is not valid JSON: %w", err)}
			}
			return MarshalJSON(tree)
		}
		tree, err := resolveTree(body.JSON, r)
		if err != nil {
			return nil, err
		}
		return MarshalJSON(tree)

	case model.BodyForm:
		parts := make([]string, 0, len(body.Form))
		for _, p := range body.Form {
			name, err := expand(r, "body", p.Name)
			if err != nil {
				return nil, err
			}
			value, err := expand(r, "body", p.Value)
			if err != nil {
				return nil, err
			}
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(value))
		}
		return []byte(strings.Join(parts, "&")), nil

	case model.BodyBinary:
		text, err := expand(r, "body", body.Content)
		if err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return nil, &BuildError{Field: "body", Err: fmt.Errorf("binary body is not valid base64: %w", err)}
		}
		return data, nil

	default:
		return nil, &BuildError{Field: "body", Err: fmt.Errorf("unknown body kind %q", body.Kind)}
	}
}

// resolveTree expands placeholders in every string value of a JSON-like tree.
func resolveTree(v any, r *variables.Resolver) (any, error) {
	switch t := v.(type) {
	case string:
		return expand(r, "body", t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			resolved, err := resolveTree(child, r)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			resolved, err := resolveTree(child, r)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			resolved, err := resolveTree(child, r)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// MarshalJSON serializes v with sorted object keys and no HTML escaping.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, &BuildError{Field: "body", Err: fmt.Errorf("failed to encode JSON body: %w", err)}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func mergeSecrets(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
