package cacheservice_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/233Official/go-vulncache/pkg/cacheservice"
)

// stubEvictor records invalidations.
type stubEvictor struct {
	source string
	mu     sync.Mutex
	keys   []string
	fail   bool
}

func (e *stubEvictor) Source() string {
	return e.source
}

func (e *stubEvictor) Invalidate(_ context.Context, key string) error {
	if e.fail {
		return errors.New("backend offline")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
	return nil
}

func (e *stubEvictor) evicted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

func startService(t *testing.T, caches ...cacheservice.Evictor) *cacheservice.CacheService {
	t.Helper()
	service, err := cacheservice.New(cacheservice.Config{HTTPAddr: ":0"}, caches, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, service.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Shutdown(ctx)
	})
	return service
}

func TestNew_Validation(t *testing.T) {
	_, err := cacheservice.New(cacheservice.Config{}, nil, zerolog.Nop())
	assert.Error(t, err, "listen address is required")

	_, err = cacheservice.New(cacheservice.Config{HTTPAddr: ":0"}, []cacheservice.Evictor{nil}, zerolog.Nop())
	assert.Error(t, err)

	_, err = cacheservice.New(cacheservice.Config{HTTPAddr: ":0"}, []cacheservice.Evictor{
		&stubEvictor{source: "cve"},
		&stubEvictor{source: "cve"},
	}, zerolog.Nop())
	assert.Error(t, err, "duplicate sources are rejected")
}

func TestService_Healthz(t *testing.T) {
	service := startService(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", service.Addr()))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestService_Evict(t *testing.T) {
	evictor := &stubEvictor{source: "cve"}
	service := startService(t, evictor)
	base := fmt.Sprintf("http://%s", service.Addr())

	t.Run("evicts a known record", func(t *testing.T) {
		resp, err := http.Post(base+"/evict?source=cve&key=CVE-2024-0001", "", nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, []string{"CVE-2024-0001"}, evictor.evicted())
	})

	t.Run("unknown source is a 404", func(t *testing.T) {
		resp, err := http.Post(base+"/evict?source=nuclei&key=CVE-2024-0001", "", nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing parameters are a 400", func(t *testing.T) {
		resp, err := http.Post(base+"/evict?source=cve", "", nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GET is not allowed", func(t *testing.T) {
		resp, err := http.Get(base + "/evict?source=cve&key=CVE-2024-0001")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestService_EvictFailure(t *testing.T) {
	evictor := &stubEvictor{source: "cve", fail: true}
	service := startService(t, evictor)

	resp, err := http.Post(fmt.Sprintf("http://%s/evict?source=cve&key=CVE-2024-0001", service.Addr()), "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
