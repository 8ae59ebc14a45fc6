package localfs_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/gostratum/datastorex/adapters/localfs"
	"github.com/gostratum/datastorex/internal/testutil"
	"github.com/gostratum/datastorex/orchestrator"
)

func TestModule_RoutesToFilesystem(t *testing.T) {
	v := viper.New()
	v.Set("datastore.providers.localfs", []map[string]any{
		{"identifier": "scratch", "root": t.TempDir()},
		{"identifier": "archive", "root": t.TempDir(), "priority": 5},
	})

	var o *orchestrator.Orchestrator
	app := fxtest.New(t,
		fx.Supply(v),
		testutil.TestModule,
		localfs.Module(),
		orchestrator.Module(),
		fx.Populate(&o),
	)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	data := bytes.Repeat([]byte("datastore "), 40)

	require.NoError(t, o.Write(ctx, "local://scratch/in/report.txt", bytes.NewReader(data)))
	require.NoError(t, o.Copy(ctx, "local://scratch/in/report.txt", "local://archive/2024/report.txt"))
	require.NoError(t, o.Move(ctx, "local://archive/2024/report.txt", "b://report.txt"))

	exists, err := o.Exists(ctx, "local://archive/2024/report.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	rc, err := o.Read(ctx, "b://report.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	md, err := o.GetMetadata(ctx, "local://scratch/in/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", md.MimeType)

	r, err := o.OpenReader(ctx, "local://scratch/in/report.txt")
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 9)
	_, err = r.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "datastore", string(buf))

	assert.True(t, o.CheckHealth(ctx).Healthy())
}
