package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/adapters/s3"
	"github.com/gostratum/datastorex/internal/testutil"
	"github.com/gostratum/datastorex/orchestrator"
)

func fakeS3Viper(t *testing.T, buckets ...string) *viper.Viper {
	t.Helper()

	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)

	entries := make([]map[string]any, 0, len(buckets))
	for i, b := range buckets {
		require.NoError(t, backend.CreateBucket(b))
		entries = append(entries, map[string]any{
			"identifier":      b,
			"priority":        i,
			"bucket":          b,
			"endpoint":        server.URL,
			"use_path_style":  true,
			"access_key":      "test",
			"secret_key":      "test",
			"validate_bucket": true,
		})
	}

	v := viper.New()
	v.Set("datastore.providers.s3", entries)
	return v
}

func TestModule_ContributesDescriptors(t *testing.T) {
	var o *orchestrator.Orchestrator
	app := fxtest.New(t,
		fx.Supply(fakeS3Viper(t, "bucket-one", "bucket-two")),
		testutil.TestModule,
		s3.Module(),
		orchestrator.Module(),
		fx.Populate(&o),
	)
	app.RequireStart()
	defer app.RequireStop()

	var s3Names []string
	for _, d := range o.Registry().Descriptors() {
		if d.Type == s3.ProviderType {
			s3Names = append(s3Names, d.Name())
		}
	}
	assert.Equal(t, []string{"bucket-one", "bucket-two"}, s3Names)

	ctx := context.Background()
	require.NoError(t, o.Write(ctx, "s3://bucket-two/report.csv", bytes.NewReader([]byte("a,b\n1,2\n"))))

	p, err := o.Registry().ResolveByPath(ctx, "s3://bucket-two/report.csv")
	require.NoError(t, err)
	assert.Equal(t, s3.ProviderType, p.Type())

	report := o.CheckHealth(ctx)
	assert.True(t, report.Healthy(), "%v", report)
}

func TestModule_CrossProviderCopy(t *testing.T) {
	var o *orchestrator.Orchestrator
	app := fxtest.New(t,
		fx.Supply(fakeS3Viper(t, "source-bucket")),
		testutil.TestModule,
		s3.Module(),
		orchestrator.Module(),
		fx.Populate(&o),
	)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	// larger than the single request limit of the test config
	data := bytes.Repeat([]byte("0123456789"), 50)
	require.NoError(t, o.Write(ctx, "s3://source-bucket/in.bin", bytes.NewReader(data)))

	require.NoError(t, o.Copy(ctx, "s3://source-bucket/in.bin", "a://copies/in.bin"))

	rc, err := o.Read(ctx, "a://copies/in.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	r, err := o.OpenReader(ctx, "s3://source-bucket/in.bin")
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 10)
	_, err = r.ReadAt(buf, 490)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), buf)
}

func TestModule_ChunkedCopyIntoS3(t *testing.T) {
	var o *orchestrator.Orchestrator
	app := fxtest.New(t,
		fx.Supply(fakeS3Viper(t, "target-bucket")),
		testutil.TestModule,
		s3.Module(),
		orchestrator.Module(),
		fx.Populate(&o),
	)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	// the test config allows 8 byte parts; S3 raises them to 5 MiB, which
	// splits this object into three parts uploaded concurrently
	data := bytes.Repeat([]byte("datastorex"), int(12*datastorex.MiB/10))

	for i := 0; i < 3; i++ {
		src := fmt.Sprintf("a://big-%d.bin", i)
		dst := fmt.Sprintf("s3://target-bucket/big-%d.bin", i)
		require.NoError(t, o.Write(ctx, src, bytes.NewReader(data)))

		require.NoError(t, o.Copy(ctx, src, dst))

		rc, err := o.Read(ctx, dst)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.True(t, bytes.Equal(data, got), "copy %d differs", i)
	}

	require.NoError(t, o.Move(ctx, "a://big-0.bin", "s3://target-bucket/moved.bin"))
	md, err := o.GetMetadata(ctx, "s3://target-bucket/moved.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), md.Size)
}

func TestModule_InvalidConfig(t *testing.T) {
	v := viper.New()
	v.Set("datastore.providers.s3", []map[string]any{{"bucket": "x"}})

	app := fx.New(
		fx.Supply(v),
		fx.NopLogger,
		s3.Module(),
		orchestrator.Module(),
		fx.Invoke(func(*orchestrator.Orchestrator) {}),
	)
	err := app.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, datastorex.ErrInvalidConfig)
}
