package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackcoderx/forge/pkg/model"
)

func TestExecute_CapturesResponse(t *testing.T) {
	var gotBody, gotHeader, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Get("X-Test")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":42}`)
	}))
	defer srv.Close()

	c := New(Options{})
	resp, err := c.Execute(context.Background(), &model.ResolvedRequest{
		Method:  "POST",
		URL:     srv.URL + "/users",
		Headers: []model.Pair{{Name: "X-Test", Value: "yes"}},
		Body:    []byte(`{"name":"Ada"}`),
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":42}`, string(resp.Body))
	assert.Equal(t, int64(9), resp.Size)
	assert.False(t, resp.Truncated)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.Greater(t, resp.Latency, time.Duration(0))
	assert.Equal(t, `{"name":"Ada"}`, gotBody)
	assert.Equal(t, "yes", gotHeader)
	assert.Equal(t, "forge", gotUA)
}

func TestExecute_ServerErrorIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := New(Options{}).Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: srv.URL}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
}

func TestExecute_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	resp, err := New(Options{MaxBodyBytes: 10}).Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: srv.URL}, time.Second)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 10)
	assert.Equal(t, int64(100), resp.Size)
	assert.True(t, resp.Truncated)
}

func TestExecute_RedirectLoop(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	_, err := New(Options{MaxRedirects: 3}).Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: srv.URL}, time.Second)
	assertKind(t, err, KindRedirectLoop)
}

func TestExecute_FollowsRedirectsUnderCap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "moved")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := New(Options{MaxRedirects: 1}).Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: srv.URL + "/old"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "moved", string(resp.Body))
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(Options{}).Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: srv.URL}, 50*time.Millisecond)
	assertKind(t, err, KindTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := New(Options{}).Execute(ctx, &model.ResolvedRequest{Method: "GET", URL: srv.URL}, 5*time.Second)
	assertKind(t, err, KindCancelled)
}

func TestExecute_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = New(Options{}).Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: "http://" + addr}, time.Second)
	assertKind(t, err, KindConnectionRefused)
}

func TestExecute_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := New(Options{})
	_, err := c.Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: srv.URL}, time.Second)
	assertKind(t, err, KindTLS)

	resp, err := c.Execute(context.Background(), &model.ResolvedRequest{Method: "GET", URL: srv.URL, InsecureSkipVerify: true}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestExecute_OAuth2(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "cid" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"abc","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Header.Get("Authorization"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := New(Options{}).Execute(context.Background(), &model.ResolvedRequest{
		Method: "GET",
		URL:    srv.URL + "/me",
		OAuth2: &model.OAuth2Grant{TokenURL: srv.URL + "/token", ClientID: "cid", ClientSecret: "secret"},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", string(resp.Body))
}

func assertKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	var nerr *NetworkError
	require.True(t, errors.As(err, &nerr), "expected *NetworkError, got %T: %v", err, err)
	assert.Equal(t, kind, nerr.Kind, "error: %v", err)
}
