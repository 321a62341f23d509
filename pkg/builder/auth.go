package builder

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/variables"
)

// applyAuth injects credentials into req (or query) and returns the secret
// values it used so they can be redacted.
func applyAuth(req *model.ResolvedRequest, query *[]model.Pair, auth model.Auth, r *variables.Resolver) ([]string, error) {
	switch auth.Kind {
	case "", model.AuthNone:
		return nil, nil

	case model.AuthBearer:
		token, err := credential(r, auth.TokenVar, "token_var")
		if err != nil {
			return nil, err
		}
		setHeader(req, "Authorization", "Bearer "+token)
		return []string{token}, nil

	case model.AuthBasic:
		user, err := credential(r, auth.UsernameVar, "username_var")
		if err != nil {
			return nil, err
		}
		pass, err := credential(r, auth.PasswordVar, "password_var")
		if err != nil {
			return nil, err
		}
		encoded := BasicCredentials(user, pass)
		setHeader(req, "Authorization", "Basic "+encoded)
		return []string{pass, encoded}, nil

	case model.AuthAPIKey:
		key, err := credential(r, auth.KeyVar, "key_var")
		if err != nil {
			return nil, err
		}
		name := auth.KeyName
		if name == "" {
			name = "X-API-Key"
		}
		switch strings.ToLower(auth.KeyIn) {
		case "", "header":
			setHeader(req, name, key)
		case "query":
			*query = append(*query, model.Pair{Name: name, Value: key})
		default:
			return nil, &BuildError{Field: "auth", Err: fmt.Errorf("unknown key_in %q (use header or query)", auth.KeyIn)}
		}
		return []string{key}, nil

	case model.AuthOAuth2:
		if auth.TokenURL == "" {
			return nil, &BuildError{Field: "auth", Err: fmt.Errorf("'token_url' is required for oauth2")}
		}
		tokenURL, err := expand(r, "auth", auth.TokenURL)
		if err != nil {
			return nil, err
		}
		id, err := credential(r, auth.ClientIDVar, "client_id_var")
		if err != nil {
			return nil, err
		}
		secret, err := credential(r, auth.ClientSecretVar, "client_secret_var")
		if err != nil {
			return nil, err
		}
		req.OAuth2 = &model.OAuth2Grant{
			TokenURL:     tokenURL,
			ClientID:     id,
			ClientSecret: secret,
			Scopes:       append([]string(nil), auth.Scopes...),
		}
		return []string{secret}, nil

	default:
		return nil, &BuildError{Field: "auth", Err: fmt.Errorf("unknown auth kind %q", auth.Kind)}
	}
}

// credential resolves the variable named by an auth field.
func credential(r *variables.Resolver, name, field string) (string, error) {
	if name == "" {
		return "", &BuildError{Field: "auth", Err: fmt.Errorf("'%s' is required", field)}
	}
	return expand(r, "auth", "{{"+name+"}}")
}

// BasicCredentials encodes user:pass for an Authorization: Basic header.
func BasicCredentials(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// setHeader replaces an existing header with the same name or appends a new one.
func setHeader(req *model.ResolvedRequest, name, value string) {
	for i, h := range req.Headers {
		if strings.EqualFold(h.Name, name) {
			req.Headers[i].Value = value
			return
		}
	}
	req.Headers = append(req.Headers, model.Pair{Name: name, Value: value})
}
