package harness

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/pflag"
)

var errFileData = errors.New("reading data from files is not supported")

// dataValue is a repeatable curl data option. All data options share one
// slice so the body keeps command-line order across option kinds.
type dataValue struct {
	kind  string
	parts *[]string
	stdin func() ([]byte, error)
}

func (d *dataValue) String() string { return strings.Join(*d.parts, "&") }

func (d *dataValue) Type() string { return "data" }

func (d *dataValue) Set(v string) error {
	switch d.kind {
	case "data-raw":
	case "data-binary":
		if v == "@-" {
			in, err := d.stdin()
			if err != nil {
				return err
			}
			v = string(in)
			break
		}
		if strings.HasPrefix(v, "@") {
			return errFileData
		}
	case "data-urlencode":
		enc, err := urlencodeArg(v)
		if err != nil {
			return err
		}
		v = enc
	default:
		if strings.HasPrefix(v, "@") {
			return errFileData
		}
	}
	*d.parts = append(*d.parts, v)
	return nil
}

// queryValue collects --url-query arguments.
type queryValue struct{ parts []string }

func (q *queryValue) String() string { return strings.Join(q.parts, "&") }

func (q *queryValue) Type() string { return "query" }

func (q *queryValue) Set(v string) error {
	enc, err := urlencodeArg(v)
	if err != nil {
		return err
	}
	q.parts = append(q.parts, enc)
	return nil
}

// curlFlags declares the options generated scripts use. Anything else is an
// unknown flag and rejected rather than guessed at.
func curlFlags(data *[]string, query *queryValue, stdin func() ([]byte, error)) *pflag.FlagSet {
	fs := pflag.NewFlagSet("curl", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	fs.StringP("request", "X", "", "")
	fs.String("url", "", "")
	fs.StringArrayP("header", "H", nil, "")
	fs.StringP("user", "u", "", "")

	fs.VarP(&dataValue{kind: "data", parts: data, stdin: stdin}, "data", "d", "")
	for _, kind := range []string{"data-ascii", "data-raw", "data-binary", "data-urlencode"} {
		fs.Var(&dataValue{kind: kind, parts: data, stdin: stdin}, kind, "")
	}
	fs.Var(query, "url-query", "")

	// accepted and ignored
	fs.StringP("output", "o", "", "")
	fs.StringP("write-out", "w", "", "")
	fs.StringP("max-time", "m", "", "")
	fs.String("connect-timeout", "", "")
	for _, b := range []struct{ name, short string }{
		{"insecure", "k"}, {"silent", "s"}, {"show-error", "S"}, {"fail", "f"},
		{"location", "L"}, {"include", "i"}, {"verbose", "v"}, {"compressed", ""},
	} {
		fs.BoolP(b.name, b.short, false, "")
	}
	return fs
}

// parseCurl turns curl arguments into the request curl would send. stdin is
// read only for --data-binary @-.
func parseCurl(args []string, stdin func() ([]byte, error)) (*Call, error) {
	if stdin == nil {
		stdin = func() ([]byte, error) { return nil, nil }
	}
	var (
		data  []string
		query queryValue
	)
	fs := curlFlags(&data, &query, stdin)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("curl: %w", err)
	}

	rawURL, _ := fs.GetString("url")
	switch positional := fs.Args(); {
	case len(positional) > 1, len(positional) == 1 && rawURL != "":
		return nil, fmt.Errorf("curl: more than one URL given")
	case len(positional) == 1:
		rawURL = positional[0]
	case rawURL == "":
		return nil, fmt.Errorf("curl: no URL specified")
	}
	if len(query.parts) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("curl: %w", err)
		}
		q := strings.Join(query.parts, "&")
		if u.RawQuery != "" {
			q = u.RawQuery + "&" + q
		}
		u.RawQuery = q
		rawURL = u.String()
	}

	header := http.Header{}
	lines, _ := fs.GetStringArray("header")
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("curl: malformed header %q", line)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if fs.Changed("user") {
		user, _ := fs.GetString("user")
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user)))
	}

	hasData := len(data) > 0
	method, _ := fs.GetString("request")
	if method == "" {
		method = http.MethodGet
		if hasData {
			method = http.MethodPost
		}
	}
	if hasData && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	call := &Call{Method: method, URL: rawURL, Header: header}
	if hasData {
		call.Body = []byte(strings.Join(data, "&"))
	}
	return call, nil
}

// urlencodeArg applies curl's --data-urlencode rules: "content" and "=content"
// encode content, "name=content" encodes only content.
func urlencodeArg(v string) (string, error) {
	name, content, hasEq := strings.Cut(v, "=")
	if !hasEq {
		if strings.Contains(v, "@") {
			return "", errFileData
		}
		return escape(v), nil
	}
	if strings.Contains(name, "@") {
		return "", errFileData
	}
	if name == "" {
		return escape(content), nil
	}
	return name + "=" + escape(content), nil
}

// escape encodes like curl: spaces become %20, not '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
