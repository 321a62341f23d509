// Package httpclient sends resolved requests and captures raw responses.
//
// Execute never retries. Every failure before a response arrives is returned
// as a *NetworkError with a Kind that callers record as data.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/variables"
)

// Kind classifies a network failure.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindRedirectLoop      Kind = "redirect_loop"
	KindConnectionRefused Kind = "connection_refused"
	KindDNS               Kind = "dns"
	KindTLS               Kind = "tls"
	KindOther             Kind = "other"
)

// NetworkError is returned when no response could be captured.
type NetworkError struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// errTooManyRedirects is returned from CheckRedirect once the cap is reached.
var errTooManyRedirects = errors.New("too many redirects")

// Options configures a Client.
type Options struct {
	DefaultTimeout time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64
	UserAgent      string
	Logger         *zap.Logger
}

// Client executes HTTP calls. It is safe for concurrent use.
type Client struct {
	opts     Options
	secure   *http.Transport
	insecure *http.Transport
	log      *zap.Logger
}

// New creates a Client with two shared transports, one of which skips TLS verification.
func New(opts Options) *Client {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "forge"
	}

	secure := http.DefaultTransport.(*http.Transport).Clone()
	insecure := secure.Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per environment

	return &Client{
		opts:     opts,
		secure:   secure,
		insecure: insecure,
		log:      logging.OrNop(opts.Logger),
	}
}

// DefaultTimeout returns the timeout used when Execute is called with zero.
func (c *Client) DefaultTimeout() time.Duration { return c.opts.DefaultTimeout }

// httpClient builds a per-call client so redirect policy never leaks between calls.
func (c *Client) httpClient(insecure bool) *http.Client {
	transport := c.secure
	if insecure {
		transport = c.insecure
	}
	limit := c.opts.MaxRedirects
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > limit {
				return errTooManyRedirects
			}
			return nil
		},
	}
}

// Execute sends req and captures the response. A zero timeout uses the default.
func (c *Client) Execute(ctx context.Context, req *model.ResolvedRequest, timeout time.Duration) (*model.RawResponse, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := c.httpClient(req.InsecureSkipVerify)
	log := c.log.With(zap.String("method", req.Method), zap.String("url", variables.RedactValues(req.URL, req.Secrets)))

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, &NetworkError{Kind: KindOther, URL: req.URL, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Host") {
			httpReq.Host = h.Value
			continue
		}
		httpReq.Header.Add(h.Name, h.Value)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}

	start := time.Now()

	if req.OAuth2 != nil {
		token, err := c.token(callCtx, client, req.OAuth2)
		if err != nil {
			nerr := c.classify(ctx, callCtx, req.URL, fmt.Errorf("oauth2 token exchange failed: %w", err))
			log.Warn("token exchange failed", zap.String("kind", string(nerr.Kind)))
			return nil, nerr
		}
		httpReq.Header.Set("Authorization", token.Type()+" "+token.AccessToken)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		nerr := c.classify(ctx, callCtx, req.URL, err)
		log.Info("request failed", zap.String("kind", string(nerr.Kind)), zap.Duration("elapsed", time.Since(start)))
		return nil, nerr
	}
	defer resp.Body.Close()

	body, size, truncated, err := readBounded(resp.Body, c.opts.MaxBodyBytes)
	latency := time.Since(start)
	if err != nil {
		nerr := c.classify(ctx, callCtx, req.URL, fmt.Errorf("failed to read response: %w", err))
		return nil, nerr
	}

	log.Debug("request completed",
		zap.Int("status", resp.StatusCode),
		zap.Int64("size", size),
		zap.Bool("truncated", truncated),
		zap.Duration("latency", latency))

	return &model.RawResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Size:       size,
		Truncated:  truncated,
		Latency:    latency,
	}, nil
}

// token obtains a client-credentials access token using the call's transport.
func (c *Client) token(ctx context.Context, client *http.Client, grant *model.OAuth2Grant) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     grant.ClientID,
		ClientSecret: grant.ClientSecret,
		TokenURL:     grant.TokenURL,
		Scopes:       grant.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	return cfg.Token(ctx)
}

// readBounded reads at most limit bytes and counts the discarded tail.
func readBounded(r io.Reader, limit int64) ([]byte, int64, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, 0, false, err
	}
	size := int64(len(body))
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, 0, false, err
	}
	return body, size + rest, rest > 0, nil
}

// classify maps a transport error to a NetworkError kind.
func (c *Client) classify(parent, call context.Context, url string, err error) *NetworkError {
	nerr := &NetworkError{URL: url, Err: err}

	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	var netErr net.Error

	switch {
	case errors.Is(err, errTooManyRedirects):
		nerr.Kind = KindRedirectLoop
	case errors.Is(parent.Err(), context.Canceled):
		nerr.Kind = KindCancelled
	case errors.Is(call.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		nerr.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		nerr.Kind = KindCancelled
	case errors.As(err, &dnsErr):
		nerr.Kind = KindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		nerr.Kind = KindConnectionRefused
	case errors.As(err, &certErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr):
		nerr.Kind = KindTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		nerr.Kind = KindTimeout
	default:
		nerr.Kind = KindOther
	}
	return nerr
}
