package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage/local"
	coreConfig "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

func fastRetry() map[string]interface{} {
	return map[string]interface{}{"max_attempts": 3, "initial_interval_ms": 1, "max_interval_ms": 2}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestMethodRequiresBody(t *testing.T) {
	for m, want := range map[Method]bool{
		MethodGet: false, MethodHead: false, MethodOptions: false,
		MethodPost: true, MethodPut: true, MethodPatch: true, MethodDelete: true,
	} {
		assert.Equal(t, want, m.RequiresBody(), string(m))
	}

	m, err := ParseMethod("patch", MethodGet)
	require.NoError(t, err)
	assert.Equal(t, MethodPatch, m)
	m, err = ParseMethod("", MethodPost)
	require.NoError(t, err)
	assert.Equal(t, MethodPost, m)
	_, err = ParseMethod("TRACE", MethodGet)
	assert.True(t, exception.IsKind(err, exception.ConfigError))
}

func TestValidateSourceRejectsBadConfigs(t *testing.T) {
	r := DefaultRegistry(Env{})
	cases := map[string]*dsl.SourceSpec{
		"ftp scheme":   {SourceType: TypeURI, Config: map[string]interface{}{"uri": "ftp://example.com/a"}},
		"missing uri":  {SourceType: TypeURI, Config: map[string]interface{}{}},
		"no host":      {SourceType: TypeURI, Config: map[string]interface{}{"uri": "http:///x"}},
		"bad method":   {SourceType: TypeURI, Config: map[string]interface{}{"uri": "http://x", "method": "BREW"}},
		"unknown type": {SourceType: "carrier_pigeon"},
		"file no path": {SourceType: TypeFile, Config: map[string]interface{}{"storage": "local"}},
		"bad auth":     {SourceType: TypeURI, Config: map[string]interface{}{"uri": "http://x"}, Auth: map[string]interface{}{"type": "kerberos"}},
		"bearer empty": {SourceType: TypeURI, Config: map[string]interface{}{"uri": "http://x"}, Auth: map[string]interface{}{"type": "bearer"}},
		"api no base":  {SourceType: TypeAPI, Config: map[string]interface{}{"endpoint": "/items"}},
	}
	for name, spec := range cases {
		err := r.ValidateSource(spec)
		require.Error(t, err, name)
		assert.True(t, exception.IsKind(err, exception.ConfigError), name)
	}

	assert.NoError(t, r.ValidateSource(&dsl.SourceSpec{SourceType: TypeURI, Config: map[string]interface{}{"url": "https://example.com/feed"}}))
	assert.NoError(t, r.ValidateSource(&dsl.SourceSpec{SourceType: TypeAPI}))

	err := r.ValidateDestination(&dsl.DestinationSpec{DestinationType: TypeURI, Config: map[string]interface{}{"uri": "http://x", "method": "GET"}})
	assert.True(t, exception.IsKind(err, exception.ConfigError))
	err = r.ValidateDestination(&dsl.DestinationSpec{DestinationType: TypeAPI, Config: map[string]interface{}{}})
	assert.True(t, exception.IsKind(err, exception.ConfigError))
}

func TestURISourceFetchesWithAuthAndRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("try again"))
			return
		}
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "v1", r.Header.Get("X-Version"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	src, err := DefaultRegistry(Env{}).NewSource(&dsl.SourceSpec{
		SourceType: TypeURI,
		Config: map[string]interface{}{
			"uri":     srv.URL + "/items",
			"headers": map[string]interface{}{"X-Version": "v1"},
			"query":   map[string]interface{}{"page": "2"},
			"retry":   fastRetry(),
		},
		Auth: map[string]interface{}{"type": "bearer", "token": "s3cret"},
	})
	require.NoError(t, err)

	rc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1}]`, readAll(t, rc))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestURISourceClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	src, err := DefaultRegistry(Env{}).NewSource(&dsl.SourceSpec{
		SourceType: TypeURI,
		Config:     map[string]interface{}{"uri": srv.URL, "retry": fastRetry()},
	})
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.FetchError))
	assert.Contains(t, err.Error(), "404")
	assert.False(t, exception.IsRetryable(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestURISourceGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := DefaultRegistry(Env{}).NewSource(&dsl.SourceSpec{
		SourceType: TypeURI,
		Config:     map[string]interface{}{"uri": srv.URL, "retry": fastRetry(), "rate_limit": map[string]interface{}{"per_second": 1000, "burst": 5}},
	})
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.FetchError))
	assert.True(t, exception.IsRetryable(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestURIDestinationPushesBody(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	var contentType, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		mu.Lock()
		defer mu.Unlock()
		got, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		key = r.Header.Get(DefaultPreSharedKeyHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dst, err := DefaultRegistry(Env{}).NewDestination(&dsl.DestinationSpec{
		DestinationType: TypeURI,
		Config:          map[string]interface{}{"uri": srv.URL, "method": "put"},
		Auth:            map[string]interface{}{"type": "pre_shared_key", "key": "k-1"},
	})
	require.NoError(t, err)

	require.NoError(t, dst.Push(context.Background(), []byte(`{"a":1}`), "application/json"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"a":1}`, string(got))
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "k-1", key)
}

func TestURIDestinationFailureIsPushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	dst, err := DefaultRegistry(Env{}).NewDestination(&dsl.DestinationSpec{
		DestinationType: TypeURI,
		Config:          map[string]interface{}{"uri": srv.URL},
	})
	require.NoError(t, err)
	err = dst.Push(context.Background(), []byte("x"), "text/plain")
	assert.True(t, exception.IsKind(err, exception.PushError))
	assert.False(t, exception.IsFatalToRun(err))
}

func TestAPISourceUsesBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/items", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := DefaultRegistry(Env{APIBaseURL: srv.URL + "/v1/"})
	src, err := r.NewSource(&dsl.SourceSpec{
		SourceType: TypeAPI,
		Config:     map[string]interface{}{"endpoint": "/items"},
		Auth:       map[string]interface{}{"type": "basic", "username": "u", "password": "p"},
	})
	require.NoError(t, err)
	rc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, readAll(t, rc))

	inbound, err := r.NewSource(&dsl.SourceSpec{SourceType: TypeAPI})
	require.NoError(t, err)
	_, err = inbound.Fetch(context.Background())
	assert.True(t, exception.IsKind(err, exception.ConfigError))
}

func TestOAuth2ClientCredentials(t *testing.T) {
	var tokenCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-123", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer tokenSrv.Close()

	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	src, err := DefaultRegistry(Env{}).NewSource(&dsl.SourceSpec{
		SourceType: TypeURI,
		Config:     map[string]interface{}{"uri": srv.URL},
		Auth: map[string]interface{}{
			"type": "oauth2_client_credentials", "token_url": tokenSrv.URL,
			"client_id": "id", "client_secret": "secret", "scopes": []interface{}{"read"},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rc, err := src.Fetch(context.Background())
		require.NoError(t, err)
		readAll(t, rc)
	}
	mu.Lock()
	assert.Equal(t, []string{"Bearer tok-123", "Bearer tok-123"}, seen)
	mu.Unlock()
	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenCalls), "token is cached")
}

func TestFileAdapterRoundTrip(t *testing.T) {
	cfg := coreConfig.NewConfig()
	cfg.Entiflow.Storage = map[string]interface{}{
		"local": map[string]interface{}{"type": "local", "base_dir": t.TempDir()},
	}
	resolver := storage.NewResolver(cfg, local.NewProvider(cfg))
	r := DefaultRegistry(Env{Storage: resolver})

	dst, err := r.NewDestination(&dsl.DestinationSpec{
		DestinationType: TypeFile,
		Config:          map[string]interface{}{"storage": "local", "path": "exports/out.json"},
	})
	require.NoError(t, err)
	require.NoError(t, dst.Push(context.Background(), []byte(`[{"a":1}]`), "application/json"))

	src, err := r.NewSource(&dsl.SourceSpec{
		SourceType: TypeFile,
		Config:     map[string]interface{}{"storage": "local", "path": "exports/out.json"},
	})
	require.NoError(t, err)
	rc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `[{"a":1}]`, readAll(t, rc))

	missing, err := r.NewSource(&dsl.SourceSpec{
		SourceType: TypeFile,
		Config:     map[string]interface{}{"storage": "local", "path": "nothing.json"},
	})
	require.NoError(t, err)
	_, err = missing.Fetch(context.Background())
	assert.True(t, exception.IsKind(err, exception.FetchError))
	assert.True(t, exception.IsFatalToRun(err))
}
