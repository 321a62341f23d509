package synth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blackcoderx/forge/pkg/builder"
	"github.com/blackcoderx/forge/pkg/lang"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/variables"
)

// View is the data every language template renders. String fields ending in
// an expression role (URL, Value, Joined, Body...) are already rendered in the
// target language and can be emitted verbatim.
type View struct {
	Title     string // single-line request name
	Language  string
	Component string
	Mode      model.Mode

	Method    string
	MethodLit string
	URL       string

	Query   []Field
	Headers []Field

	HasBody    bool
	BodyKind   string
	Body       string // raw and json bodies
	Form       []Field
	BodyBase64 string // binary bodies

	Basic  *Basic
	OAuth2 *OAuth2

	Env            []EnvVar
	Preamble       []string // curl only: default assignments
	UsesEnv        bool
	UsesJSONEscape bool
}

// Field is a name/value pair rendered as expressions.
type Field struct {
	NameLit string
	Value   string
	// Joined is "name=value" for query and form fields and "Name: value" for headers.
	Joined string
}

// Basic carries HTTP basic credentials.
type Basic struct {
	User string
	Pass string
	// Joined is "user:pass" as one expression.
	Joined string
}

// OAuth2 carries client-credentials parameters.
type OAuth2 struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string // space separated scopes, empty when none
	// Credentials is "id:secret" as one expression.
	Credentials string
}

// EnvVar documents one environment variable read by reference-mode code.
type EnvVar struct {
	Name       string // variable name in the definition
	Env        string
	HasDefault bool
	Default    string
}

// viewBuilder renders definition fields into one dialect.
type viewBuilder struct {
	d    lang.Dialect
	mode model.Mode
	r    *variables.Resolver

	env   map[string]EnvVar // by env name
	owner map[string]string // env name -> variable name
	uses  bool
	jsonE bool
}

func newViewBuilder(d lang.Dialect, mode model.Mode, r *variables.Resolver) *viewBuilder {
	return &viewBuilder{d: d, mode: mode, r: r, env: map[string]EnvVar{}, owner: map[string]string{}}
}

// parts splits text into dialect parts. In literal mode the text is resolved
// first; in reference mode each placeholder becomes an environment lookup.
// inString reports, for a byte offset, whether a reference sits inside a JSON string.
func (b *viewBuilder) parts(field, text string, inString func(int) bool) ([]lang.Part, error) {
	if b.mode == model.ModeLiteral {
		value, err := b.r.Expand(text)
		if err != nil {
			return nil, resolutionFailure(field, err)
		}
		return []lang.Part{{Text: value}}, nil
	}

	var out []lang.Part
	offset := 0
	for _, seg := range variables.Split(text) {
		if !seg.IsVar() {
			out = append(out, lang.Part{Text: seg.Literal})
			offset += len(seg.Literal)
			continue
		}
		at := strings.Index(text[offset:], "{{") + offset
		offset = strings.Index(text[at:], "}}") + at + 2

		p, err := b.ref(field, seg.Var)
		if err != nil {
			return nil, err
		}
		if inString != nil && inString(at) {
			p.JSONEscape = true
			b.jsonE = true
		}
		out = append(out, p)
	}
	return out, nil
}

// ref turns a variable name into an environment reference.
func (b *viewBuilder) ref(field, name string) (lang.Part, error) {
	if !b.r.Has(name) {
		return lang.Part{}, &SynthesisError{Field: field, MissingVariable: name, Err: variables.ErrVariableNotFound}
	}
	var envName string
	if system, ok := strings.CutPrefix(name, "env:"); ok {
		envName = system
	} else {
		envName = lang.EnvName(name)
	}
	if prev, ok := b.owner[envName]; ok && prev != name {
		return lang.Part{}, &SynthesisError{Field: field, Err: fmt.Errorf("variables %q and %q both map to environment variable %s", prev, name, envName)}
	}
	b.owner[envName] = name
	b.uses = true

	p := lang.Part{Env: envName}
	if def, ok := b.r.Default(name); ok {
		value, err := b.r.Expand(def)
		if err != nil {
			return lang.Part{}, resolutionFailure(field, err)
		}
		p.Default, p.HasDefault = value, true
	}
	b.env[envName] = EnvVar{Name: name, Env: envName, HasDefault: p.HasDefault, Default: p.Default}
	return p, nil
}

func (b *viewBuilder) expr(field, text string) (string, error) {
	ps, err := b.parts(field, text, nil)
	if err != nil {
		return "", err
	}
	return lang.Expr(b.d, ps), nil
}

// pair renders name and value plus their joined form.
func (b *viewBuilder) pair(field, name, value, sep string) (Field, error) {
	np, err := b.parts(field, name, nil)
	if err != nil {
		return Field{}, err
	}
	vp, err := b.parts(field, value, nil)
	if err != nil {
		return Field{}, err
	}
	joined := append(append(append([]lang.Part(nil), np...), lang.Part{Text: sep}), vp...)
	return Field{
		NameLit: lang.Expr(b.d, np),
		Value:   lang.Expr(b.d, vp),
		Joined:  lang.Expr(b.d, joined),
	}, nil
}

// literal renders a pair that never contains placeholders.
func (b *viewBuilder) literal(name, value, sep string) Field {
	return Field{
		NameLit: b.d.Quote(name),
		Value:   b.d.Quote(value),
		Joined:  b.d.Quote(name + sep + value),
	}
}

// buildView renders def for one dialect. The resolver must already carry
// definition and template defaults.
func buildView(def *model.RequestDefinition, d lang.Dialect, mode model.Mode, r *variables.Resolver) (*View, error) {
	b := newViewBuilder(d, mode, r)
	v := &View{
		Title:     title(def),
		Language:  d.Name(),
		Mode:      mode,
		Method:    def.NormalizedMethod(),
		MethodLit: d.Quote(def.NormalizedMethod()),
		BodyKind:  string(model.BodyNone),
	}

	var err error
	if v.URL, err = b.expr("url", def.URL); err != nil {
		return nil, err
	}

	for _, q := range def.Query {
		if !q.Enabled() {
			continue
		}
		f, err := b.pair("query."+q.Name, q.Name, q.Value, "=")
		if err != nil {
			return nil, err
		}
		v.Query = append(v.Query, f)
	}

	type header struct {
		name string // template text, used for case-insensitive replacement
		f    Field
	}
	var headers []header
	setHeader := func(name string, f Field) {
		for i := range headers {
			if strings.EqualFold(headers[i].name, name) {
				headers[i] = header{name, f}
				return
			}
		}
		headers = append(headers, header{name, f})
	}
	for _, h := range def.Headers {
		if !h.Enabled() {
			continue
		}
		f, err := b.pair("header."+h.Name, h.Name, h.Value, ": ")
		if err != nil {
			return nil, err
		}
		headers = append(headers, header{h.Name, f})
	}

	if err := b.auth(v, def.Auth, setHeader); err != nil {
		return nil, err
	}

	if err := b.body(v, def.Body); err != nil {
		return nil, err
	}

	if !def.Body.IsEmpty() {
		hasCT := false
		for _, h := range headers {
			if strings.EqualFold(h.name, "Content-Type") {
				hasCT = true
			}
		}
		ct := def.Body.ContentType
		if ct == "" {
			ct = builder.DefaultContentType(def.Body.Kind)
		}
		if !hasCT && ct != "" {
			headers = append(headers, header{"Content-Type", b.literal("Content-Type", ct, ": ")})
		}
	}
	for _, h := range headers {
		v.Headers = append(v.Headers, h.f)
	}

	envNames := make([]string, 0, len(b.env))
	for name := range b.env {
		envNames = append(envNames, name)
	}
	sort.Strings(envNames)
	for _, name := range envNames {
		ev := b.env[name]
		v.Env = append(v.Env, ev)
		if c, ok := d.(lang.Curl); ok && ev.HasDefault {
			v.Preamble = append(v.Preamble, c.Preamble(ev.Env, ev.Default))
		}
	}
	v.UsesEnv = b.uses
	v.UsesJSONEscape = b.jsonE
	return v, nil
}

func (b *viewBuilder) auth(v *View, auth model.Auth, setHeader func(string, Field)) error {
	cred := func(name, field string) ([]lang.Part, error) {
		if name == "" {
			return nil, &SynthesisError{Field: "auth", Err: fmt.Errorf("'%s' is required", field)}
		}
		return b.parts("auth", "{{"+name+"}}", nil)
	}

	switch auth.Kind {
	case "", model.AuthNone:
		return nil

	case model.AuthBearer:
		token, err := cred(auth.TokenVar, "token_var")
		if err != nil {
			return err
		}
		value := append([]lang.Part{{Text: "Bearer "}}, token...)
		setHeader("Authorization", Field{
			NameLit: b.d.Quote("Authorization"),
			Value:   lang.Expr(b.d, value),
			Joined:  lang.Expr(b.d, append([]lang.Part{{Text: "Authorization: "}}, value...)),
		})
		return nil

	case model.AuthBasic:
		user, err := cred(auth.UsernameVar, "username_var")
		if err != nil {
			return err
		}
		pass, err := cred(auth.PasswordVar, "password_var")
		if err != nil {
			return err
		}
		joined := append(append(append([]lang.Part(nil), user...), lang.Part{Text: ":"}), pass...)
		v.Basic = &Basic{User: lang.Expr(b.d, user), Pass: lang.Expr(b.d, pass), Joined: lang.Expr(b.d, joined)}
		return nil

	case model.AuthAPIKey:
		key, err := cred(auth.KeyVar, "key_var")
		if err != nil {
			return err
		}
		name := auth.KeyName
		if name == "" {
			name = "X-API-Key"
		}
		switch strings.ToLower(auth.KeyIn) {
		case "", "header":
			setHeader(name, Field{
				NameLit: b.d.Quote(name),
				Value:   lang.Expr(b.d, key),
				Joined:  lang.Expr(b.d, append([]lang.Part{{Text: name + ": "}}, key...)),
			})
		case "query":
			v.Query = append(v.Query, Field{
				NameLit: b.d.Quote(name),
				Value:   lang.Expr(b.d, key),
				Joined:  lang.Expr(b.d, append([]lang.Part{{Text: name + "="}}, key...)),
			})
		default:
			return &SynthesisError{Field: "auth", Err: fmt.Errorf("unknown key_in %q (use header or query)", auth.KeyIn)}
		}
		return nil

	case model.AuthOAuth2:
		if auth.TokenURL == "" {
			return &SynthesisError{Field: "auth", Err: fmt.Errorf("'token_url' is required for oauth2")}
		}
		tokenURL, err := b.expr("auth", auth.TokenURL)
		if err != nil {
			return err
		}
		id, err := cred(auth.ClientIDVar, "client_id_var")
		if err != nil {
			return err
		}
		secret, err := cred(auth.ClientSecretVar, "client_secret_var")
		if err != nil {
			return err
		}
		creds := append(append(append([]lang.Part(nil), id...), lang.Part{Text: ":"}), secret...)
		v.OAuth2 = &OAuth2{
			TokenURL:     tokenURL,
			ClientID:     lang.Expr(b.d, id),
			ClientSecret: lang.Expr(b.d, secret),
			Credentials:  lang.Expr(b.d, creds),
		}
		if len(auth.Scopes) > 0 {
			v.OAuth2.Scope = b.d.Quote(strings.Join(auth.Scopes, " "))
		}
		return nil

	default:
		return &SynthesisError{Field: "auth", Err: fmt.Errorf("unknown auth kind %q", auth.Kind)}
	}
}

func (b *viewBuilder) body(v *View, body model.Body) error {
	switch body.Kind {
	case "", model.BodyNone:
		return nil

	case model.BodyRaw:
		expr, err := b.expr("body", body.Content)
		if err != nil {
			return err
		}
		v.Body = expr

	case model.BodyJSON:
		text, err := b.jsonText(body)
		if err != nil {
			return err
		}
		if b.mode == model.ModeLiteral {
			v.Body = b.d.Quote(text)
			break
		}
		ps, err := b.parts("body", text, jsonStringMask(text))
		if err != nil {
			return err
		}
		v.Body = lang.Expr(b.d, ps)

	case model.BodyForm:
		for _, p := range body.Form {
			f, err := b.pair("body", p.Name, p.Value, "=")
			if err != nil {
				return err
			}
			v.Form = append(v.Form, f)
		}

	case model.BodyBinary:
		if b.mode == model.ModeLiteral {
			// decode once so an invalid payload fails here rather than in the generated program
			if _, err := builder.Build(&model.RequestDefinition{
				Method: "POST", URL: "http://localhost", Body: body,
			}, b.r); err != nil {
				return &SynthesisError{Field: "body", Err: err}
			}
		}
		expr, err := b.expr("body", strings.TrimSpace(body.Content))
		if err != nil {
			return err
		}
		v.BodyBase64 = expr

	default:
		return &SynthesisError{Field: "body", Err: fmt.Errorf("unknown body kind %q", body.Kind)}
	}
	v.HasBody = true
	v.BodyKind = string(body.Kind)
	return nil
}

// jsonText returns the JSON body text. Literal mode resolves and normalizes it
// the same way the request builder does; reference mode keeps placeholders.
func (b *viewBuilder) jsonText(body model.Body) (string, error) {
	if b.mode == model.ModeLiteral {
		req, err := builder.Build(&model.RequestDefinition{
			Method: "POST", URL: "http://localhost", Body: model.Body{Kind: model.BodyJSON, JSON: body.JSON, Content: body.Content},
		}, b.r)
		if err != nil {
			return "", &SynthesisError{Field: "body", Err: err}
		}
		return string(req.Body), nil
	}
	if body.JSON == nil {
		return body.Content, nil
	}
	data, err := builder.MarshalJSON(normalizeTree(body.JSON))
	if err != nil {
		return "", &SynthesisError{Field: "body", Err: err}
	}
	return string(data), nil
}

// normalizeTree converts YAML-decoded maps so they marshal as JSON objects.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = normalizeTree(child)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalizeTree(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = normalizeTree(child)
		}
		return out
	default:
		return v
	}
}

// jsonStringMask reports whether a byte offset of text lies inside a JSON string literal.
func jsonStringMask(text string) func(int) bool {
	inside := make([]bool, len(text))
	in, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case in && c == '\\':
			escaped = true
		case c == '"':
			in = !in
			inside[i] = true
			continue
		}
		inside[i] = in
	}
	return func(i int) bool { return i >= 0 && i < len(inside) && inside[i] }
}

func title(def *model.RequestDefinition) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	if name == "" {
		name = def.NormalizedMethod() + " request"
	}
	return strings.Join(strings.Fields(name), " ")
}
