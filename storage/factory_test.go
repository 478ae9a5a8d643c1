package storage

import (
	"testing"

	"github.com/anoixa/imagestore/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactory_Local(t *testing.T) {
	cfg := config.Default()
	cfg.StorageLocalPath = t.TempDir()

	factory, err := NewFactory(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, "local", factory.GetDefaultName())
	assert.Equal(t, []string{"local"}, factory.ListProviders())
	assert.Equal(t, "local", factory.GetDefault().Name())

	p, err := factory.Get("")
	require.NoError(t, err)
	assert.Equal(t, factory.GetDefault(), p)

	_, err = factory.Get("minio")
	assert.Error(t, err)
}

func TestNewFactory_DefaultNotConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.StorageLocalPath = t.TempDir()
	cfg.StorageType = "minio"

	_, err := NewFactory(cfg, nil)
	assert.Error(t, err)
}

func TestNewFactory_DefaultFailsToInitialize(t *testing.T) {
	cfg := config.Default()
	cfg.StorageLocalPath = t.TempDir()
	cfg.StorageType = "webdav"
	cfg.WebDAVURL = "http://127.0.0.1:1"

	_, err := NewFactory(cfg, nil)
	assert.Error(t, err)
}

func TestNewFactoryWithProvider(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := NewFactoryWithProvider("local", local)
	assert.Equal(t, local, f.GetDefault())
}
