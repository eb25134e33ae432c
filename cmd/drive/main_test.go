package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3askar/drive/internal/config"
	"github.com/3askar/drive/internal/identity"
	"github.com/3askar/drive/internal/lifecycle"
	"github.com/3askar/drive/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	testutil.FastStore(t)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Auth.JWTSecret = "0123456789abcdef0123"
	cfg.Metadata = config.MetadataConfig{Backend: config.MetadataMemory, Ephemeral: true}
	return cfg
}

func lifecycleUpload(name string) lifecycle.UploadRequest {
	return lifecycle.UploadRequest{Filename: name, DeclaredSize: -1}
}

func lifecycleRegister() lifecycle.RegisterRequest {
	return lifecycle.RegisterRequest{}
}

func TestLoadMasterKey_GeneratesAndPersists(t *testing.T) {
	cfg := testConfig(t)

	first, err := loadMasterKey(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, first)

	info, err := os.Stat(filepath.Join(cfg.DataDir, masterKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := loadMasterKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second, "key must survive restarts")
}

func TestLoadMasterKey_Configured(t *testing.T) {
	cfg := testConfig(t)
	want := [32]byte{7, 7, 7}
	cfg.Blob.MasterKey = hex.EncodeToString(want[:])

	got, err := loadMasterKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoFileExists(t, filepath.Join(cfg.DataDir, masterKeyFile))
}

func TestLoadMasterKey_CorruptFile(t *testing.T) {
	cfg := testConfig(t)
	testutil.WriteFile(t, cfg.DataDir, masterKeyFile, "not hex")

	_, err := loadMasterKey(cfg)
	assert.ErrorContains(t, err, "invalid master key")
}

func TestOpenStack_Memory(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	st, err := openStack(ctx, cfg)
	require.NoError(t, err)
	defer st.Close(ctx)

	assert.NotNil(t, st.registry)
	assert.NotNil(t, st.metrics)

	rec, err := st.ctl.UploadFile(ctx, "alice", strings.NewReader("hello"),
		lifecycleUpload("hello.txt"), lifecycleRegister())
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.SizeBytes)
}

func TestOpenStack_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false

	st, err := openStack(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close(context.Background())

	assert.Nil(t, st.registry)
	assert.Nil(t, st.metrics)
}

func TestOpenStack_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Quota.Backend = config.QuotaRedis
	cfg.Redis.Address = mr.Addr()
	ctx := context.Background()

	st, err := openStack(ctx, cfg)
	require.NoError(t, err)
	defer st.Close(ctx)

	_, err = st.ctl.UploadFile(ctx, "alice", strings.NewReader("abc"),
		lifecycleUpload("a.txt"), lifecycleRegister())
	require.NoError(t, err)

	u, err := st.ctl.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.UsedBytes)
	v, err := mr.Get(cfg.Redis.KeyPrefix + "alice")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestOpenStack_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Quota.Backend = config.QuotaRedis
	cfg.Redis.Address = addr

	_, err := openStack(context.Background(), cfg)
	assert.ErrorContains(t, err, "ping redis")
}

func TestNewResolver(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Mode = config.AuthHeader
	assert.Equal(t, "header", newResolver(cfg.Auth).Method())

	cfg.Auth.Mode = config.AuthJWT
	assert.Equal(t, "jwt", newResolver(cfg.Auth).Method())
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "drive.yaml", `
data_dir: `+dir+`
auth:
  jwt_secret: "0123456789abcdef0123"
  jwt_issuer: test
`)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--config", path, "--user", "alice", "--log-level", "error"})
	require.NoError(t, root.Execute())

	principal, err := identity.NewJWTResolver([]byte("0123456789abcdef0123"), "test").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
}

func TestTokenCommand_HeaderMode(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "drive.yaml", "data_dir: "+dir+"\nauth:\n  mode: header\n")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", "--config", path, "--user", "alice"})
	assert.ErrorContains(t, root.Execute(), "tokens require")
}
