// Package model holds the data types shared by the execute and generate pipelines.
package model

import "strings"

// BodyKind selects how a request body template is encoded.
type BodyKind string

const (
	BodyNone   BodyKind = "none"
	BodyRaw    BodyKind = "raw"
	BodyJSON   BodyKind = "json"
	BodyForm   BodyKind = "form"
	BodyBinary BodyKind = "binary"
)

// AuthKind selects how credentials are injected into a request.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "apiKey"
	AuthOAuth2 AuthKind = "oauth2"
)

// Header is a templated request header.
type Header struct {
	Name     string `yaml:"name" json:"name"`
	Value    string `yaml:"value" json:"value"`                           // may contain {{var}} placeholders
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"` // disabled headers are never sent
}

// Enabled reports whether the header is sent.
func (h Header) Enabled() bool { return !h.Disabled }

// QueryParam is a templated query string parameter.
type QueryParam struct {
	Name     string `yaml:"name" json:"name"`
	Value    string `yaml:"value" json:"value"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Enabled reports whether the parameter is sent.
func (q QueryParam) Enabled() bool { return !q.Disabled }

// Pair is an ordered key/value entry.
type Pair struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Body describes a request body.
type Body struct {
	Kind        BodyKind `yaml:"kind" json:"kind"`
	Content     string   `yaml:"content,omitempty" json:"content,omitempty"`           // raw text, JSON text or base64 payload
	JSON        any      `yaml:"json,omitempty" json:"json,omitempty"`                 // object tree for kind json
	Form        []Pair   `yaml:"form,omitempty" json:"form,omitempty"`                 // ordered pairs for kind form
	ContentType string   `yaml:"content_type,omitempty" json:"content_type,omitempty"` // overrides the per-kind default
}

// IsEmpty reports whether the body carries nothing.
func (b Body) IsEmpty() bool {
	return b.Kind == "" || b.Kind == BodyNone
}

// Auth names the variables that hold credentials. It never stores secrets itself.
type Auth struct {
	Kind AuthKind `yaml:"kind" json:"kind"`

	TokenVar    string `yaml:"token_var,omitempty" json:"token_var,omitempty"`       // bearer
	UsernameVar string `yaml:"username_var,omitempty" json:"username_var,omitempty"` // basic
	PasswordVar string `yaml:"password_var,omitempty" json:"password_var,omitempty"` // basic

	KeyVar   string `yaml:"key_var,omitempty" json:"key_var,omitempty"`   // apiKey
	KeyName  string `yaml:"key_name,omitempty" json:"key_name,omitempty"` // header or query parameter name
	KeyIn    string `yaml:"key_in,omitempty" json:"key_in,omitempty"`     // "header" (default) or "query"
	TokenURL string `yaml:"token_url,omitempty" json:"token_url,omitempty"`

	ClientIDVar     string   `yaml:"client_id_var,omitempty" json:"client_id_var,omitempty"`         // oauth2
	ClientSecretVar string   `yaml:"client_secret_var,omitempty" json:"client_secret_var,omitempty"` // oauth2
	Scopes          []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// Assertion is a declarative check run against a captured response.
type Assertion struct {
	Field    string `yaml:"field" json:"field"`       // status, header.<Name>, body, $.json.path, latency, size
	Operator string `yaml:"operator" json:"operator"` // equals, contains, matches, greaterThan, lessThan, ...
	Expected string `yaml:"expected" json:"expected"` // template, resolved before evaluation
}

// RequestDefinition is a saved API call. Definitions are immutable; an update
// produces a new Revision.
type RequestDefinition struct {
	ID           string            `yaml:"id" json:"id"`
	Revision     int               `yaml:"revision" json:"revision"`
	CollectionID string            `yaml:"collection,omitempty" json:"collection,omitempty"`
	FolderID     string            `yaml:"folder,omitempty" json:"folder,omitempty"`
	Name         string            `yaml:"name,omitempty" json:"name,omitempty"`
	Method       string            `yaml:"method" json:"method"`
	URL          string            `yaml:"url" json:"url"`
	Headers      []Header          `yaml:"headers,omitempty" json:"headers,omitempty"`
	Query        []QueryParam      `yaml:"query,omitempty" json:"query,omitempty"`
	Body         Body              `yaml:"body,omitempty" json:"body,omitempty"`
	Auth         Auth              `yaml:"auth,omitempty" json:"auth,omitempty"`
	Assertions   []Assertion       `yaml:"assertions,omitempty" json:"assertions,omitempty"`
	Defaults     map[string]string `yaml:"defaults,omitempty" json:"defaults,omitempty"` // declared variable defaults
}

// NormalizedMethod returns the upper-cased method, GET when unset.
func (d *RequestDefinition) NormalizedMethod() string {
	if d.Method == "" {
		return "GET"
	}
	return strings.ToUpper(d.Method)
}

// ResolvedRequest is a fully substituted request. It lives for one call and is never persisted.
type ResolvedRequest struct {
	Method      string
	URL         string
	Headers     []Pair
	Body        []byte
	BodyKind    BodyKind
	ContentType string

	// InsecureSkipVerify disables TLS verification for this call only.
	InsecureSkipVerify bool

	// OAuth2 is set when the token must be obtained right before sending.
	OAuth2 *OAuth2Grant

	// Secrets lists resolved secret values so callers can redact logs.
	Secrets []string
}

// Header returns the first header value with the given name (case-insensitive).
func (r *ResolvedRequest) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// OAuth2Grant holds resolved client-credentials parameters.
type OAuth2Grant struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}
