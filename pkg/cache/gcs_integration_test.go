//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/233Official/go-vulncache/pkg/cache"
)

// Requires a Cloud Storage emulator (e.g. fake-gcs-server) with a
// pre-created bucket:
//
//	STORAGE_EMULATOR_HOST=localhost:4443 GCS_TEST_BUCKET=vulncache-test \
//	  go test -tags=integration ./pkg/cache/...
func TestGCSBackend_Integration(t *testing.T) {
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" {
		t.Skip("STORAGE_EMULATOR_HOST not set, skipping GCS integration test")
	}
	bucket := os.Getenv("GCS_TEST_BUCKET")
	if bucket == "" {
		bucket = "vulncache-test"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := storage.NewClient(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	backend, err := cache.NewGCSBackend(&cache.GCSBackendConfig{BucketName: bucket}, client, zerolog.Nop())
	require.NoError(t, err)

	written := testRecord("cnnvd", "CNNVD-202401-001", `{"title":"example"}`)

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, backend.Put(ctx, "cnnvd", "CNNVD-202401-001", written))
		got, err := backend.Get(ctx, "cnnvd", "CNNVD-202401-001")
		require.NoError(t, err)
		assert.Equal(t, written.Payload, got.Payload)
		assert.True(t, written.FetchedAt.Equal(got.FetchedAt))
	})

	t.Run("absent key", func(t *testing.T) {
		_, err := backend.Get(ctx, "cnnvd", "CNNVD-209901-001")
		assert.ErrorIs(t, err, cache.ErrAbsent)
	})

	t.Run("list keys", func(t *testing.T) {
		require.NoError(t, backend.Put(ctx, "cnnvd", "CNNVD-202402-002", testRecord("cnnvd", "CNNVD-202402-002", `1`)))
		keys, err := backend.ListKeys(ctx, "cnnvd", "CNNVD-2024")
		require.NoError(t, err)
		assert.Equal(t, []string{"CNNVD-202401-001", "CNNVD-202402-002"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, backend.Delete(ctx, "cnnvd", "CNNVD-202401-001"))
		require.NoError(t, backend.Delete(ctx, "cnnvd", "CNNVD-202402-002"))
		_, err := backend.Get(ctx, "cnnvd", "CNNVD-202401-001")
		assert.ErrorIs(t, err, cache.ErrAbsent)
		require.NoError(t, backend.Delete(ctx, "cnnvd", "CNNVD-202401-001"))
	})
}
