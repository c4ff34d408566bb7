package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/entitygraph/internal/domain/shared"
	"github.com/erp/entitygraph/internal/infrastructure/config"
)

func TestNewS3ObjectStorage_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config returns error", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("access key without secret returns error", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, &config.S3Config{AccessKeyID: "key"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret access key is required")
	})

	t.Run("bare host gets https", func(t *testing.T) {
		s, err := NewS3ObjectStorage(ctx, &config.S3Config{
			Endpoint:        "minio.local:9000",
			AccessKeyID:     "key",
			SecretAccessKey: "secret",
			UsePathStyle:    true,
		}, WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)
		assert.Equal(t, "https://minio.local:9000", s.Endpoint())
	})

	t.Run("explicit scheme is kept", func(t *testing.T) {
		s, err := NewS3ObjectStorage(ctx, &config.S3Config{
			Endpoint:        "http://localhost:9000",
			AccessKeyID:     "key",
			SecretAccessKey: "secret",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:9000", s.Endpoint())
	})

	t.Run("no endpoint means AWS", func(t *testing.T) {
		s, err := NewS3ObjectStorage(ctx, &config.S3Config{Region: "eu-west-1", AccessKeyID: "key", SecretAccessKey: "secret"})
		require.NoError(t, err)
		assert.Empty(t, s.Endpoint())
	})
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri    string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://configs/entitygraph/catalog.yaml", "configs", "entitygraph/catalog.yaml", true},
		{"s3://configs/catalog.json", "configs", "catalog.json", true},
		{"s3://configs", "", "", false},
		{"s3:///catalog.yaml", "", "", false},
		{"/etc/catalog.yaml", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := ParseURI(tt.uri)
			if !tt.ok {
				assert.ErrorIs(t, err, shared.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestS3ObjectStorage_GetObject_ValidationOnly(t *testing.T) {
	s, err := NewS3ObjectStorage(context.Background(), &config.S3Config{
		Endpoint: "http://localhost:9000", AccessKeyID: "key", SecretAccessKey: "secret",
	})
	require.NoError(t, err)

	_, err = s.GetObject(context.Background(), "", "catalog.yaml")
	assert.Error(t, err)
	_, err = s.Open(context.Background(), "catalog.yaml")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

// Set INTEGRATION_TEST=1 with MinIO on localhost:9000 and a catalogs/catalog.yaml object
func TestIntegration_GetObject(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "1" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=1 and run MinIO to enable.")
	}
	s, err := NewS3ObjectStorage(context.Background(), &config.S3Config{
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	data, err := s.Open(context.Background(), "s3://catalogs/catalog.yaml")
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	_, err = s.Open(context.Background(), "s3://catalogs/missing.yaml")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
