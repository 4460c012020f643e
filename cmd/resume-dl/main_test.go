package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-dl/internal/config"
	"resume-dl/internal/store"
	"resume-dl/internal/testutil"
)

func TestSourceURL(t *testing.T) {
	clip := func() (string, error) { return "  https://example.com/from-clipboard.iso\n", nil }
	broken := func() (string, error) { return "", errors.New("no clipboard utility") }

	got, err := sourceURL([]string{"http://example.com/a"}, true, clip)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a", got)

	got, err = sourceURL(nil, true, clip)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/from-clipboard.iso", got)

	_, err = sourceURL(nil, true, broken)
	assert.ErrorContains(t, err, "read clipboard")

	_, err = sourceURL(nil, false, clip)
	assert.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, validateURL("https://example.com/file"))
	assert.Error(t, validateURL("ftp://example.com/file"))
	assert.Error(t, validateURL("example.com/file"))
	assert.Error(t, validateURL("http://"))
}

func TestLockDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "file.bin")

	first, err := lockDestination(path)
	require.NoError(t, err)

	_, err = lockDestination(path)
	assert.ErrorContains(t, err, "another process")

	first.release()
	assert.False(t, testutil.FileExists(path+".lock"))

	again, err := lockDestination(path)
	require.NoError(t, err)
	again.release()
}

func TestDetectMIME(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "image")
	require.NoError(t, os.WriteFile(png, append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 64)...), 0o644))
	assert.Equal(t, "image/png", detectMIME(png))

	raw, err := testutil.CreateTestFile(dir, "raw.bin", 512)
	require.NoError(t, err)
	assert.Equal(t, "", detectMIME(raw))
	assert.Equal(t, "", detectMIME(filepath.Join(dir, "missing")))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "-", formatBytes(0))
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 MiB", formatBytes(3*1024*1024))
}

func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Download.Dir = filepath.Join(dir, "downloads")
	cfg.Download.RetryDelay = "10ms"
	cfg.Logging.File = filepath.Join(dir, "logs", "resume-dl.log")
	cfg.Store.Path = filepath.Join(dir, "history.db")

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, cfg.WriteFile(path, false))
	return path, cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGetListResumeRm(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(64*1024),
		testutil.WithRandomData(true),
		testutil.WithFilename("payload.bin"),
		testutil.WithFailAfterBytes(8*1024, 1),
	)
	cfgPath, cfg := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "get", server.URL(), "--plain")
	require.NoError(t, err, out)
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, "saved")

	dest := filepath.Join(cfg.Download.Dir, "payload.bin")
	require.NoError(t, testutil.VerifyFileContent(dest, server.Data()))
	assert.False(t, testutil.FileExists(dest+".lock"))

	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	entries, err := st.List(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, store.StatusCompleted, entry.Status)
	assert.EqualValues(t, 64*1024, entry.Downloaded)
	assert.EqualValues(t, 64*1024, entry.TotalSize)

	out, err = execute(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, entry.ShortID())
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "100.0%")

	out, err = execute(t, "--config", cfgPath, "resume", entry.ShortID(), "--plain")
	require.NoError(t, err)
	assert.Contains(t, out, "already complete")

	out, err = execute(t, "--config", cfgPath, "rm", entry.ShortID(), "--purge")
	require.NoError(t, err)
	assert.Contains(t, out, "removed")
	assert.False(t, testutil.FileExists(dest))

	out, err = execute(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No downloads.")
}

func TestResumePartialDownload(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(32*1024), testutil.WithRandomData(true))
	cfgPath, cfg := writeTestConfig(t)

	dest := filepath.Join(cfg.Download.Dir, "partial.bin")
	require.NoError(t, os.MkdirAll(cfg.Download.Dir, 0o755))
	require.NoError(t, os.WriteFile(dest, server.Data()[:5000], 0o644))

	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	entry := store.NewEntry(server.URL(), "partial.bin", dest, 32*1024)
	entry.Status = store.StatusPaused
	entry.Downloaded = 5000
	require.NoError(t, st.Save(context.Background(), entry))
	require.NoError(t, st.Close())

	out, err := execute(t, "--config", cfgPath, "resume", entry.ID, "--plain")
	require.NoError(t, err, out)

	require.NoError(t, testutil.VerifyFileContent(dest, server.Data()))
	assert.EqualValues(t, 32*1024-5000, server.BytesServed.Load())
}

func seedPausedEntry(t *testing.T, cfg *config.Config, rawurl, name string, partial []byte, totalSize int64) *store.Entry {
	t.Helper()
	dest := filepath.Join(cfg.Download.Dir, name)
	require.NoError(t, os.MkdirAll(cfg.Download.Dir, 0o755))
	require.NoError(t, os.WriteFile(dest, partial, 0o644))

	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer st.Close()

	entry := store.NewEntry(rawurl, name, dest, totalSize)
	entry.Status = store.StatusPaused
	entry.Downloaded = int64(len(partial))
	require.NoError(t, st.Save(context.Background(), entry))
	return entry
}

func listEntries(t *testing.T, cfg *config.Config) []*store.Entry {
	t.Helper()
	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer st.Close()

	entries, err := st.List(context.Background(), "")
	require.NoError(t, err)
	return entries
}

func TestGetContinuesUnfinishedDownload(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(32*1024), testutil.WithRandomData(true))
	cfgPath, cfg := writeTestConfig(t)
	entry := seedPausedEntry(t, cfg, server.URL(), "partial.bin", server.Data()[:5000], 0)

	out, err := execute(t, "--config", cfgPath, "get", server.URL(), "--name", "partial.bin", "--plain")
	require.NoError(t, err, out)
	assert.Contains(t, out, entry.ShortID()+" resuming")

	require.NoError(t, testutil.VerifyFileContent(entry.DestPath, server.Data()))
	assert.EqualValues(t, 32*1024-5000, server.BytesServed.Load())

	entries := listEntries(t, cfg)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, store.StatusCompleted, entries[0].Status)
	assert.EqualValues(t, 32*1024, entries[0].TotalSize)
}

func TestGetRefusesDestinationOfOtherDownload(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(1024))
	cfgPath, cfg := writeTestConfig(t)
	entry := seedPausedEntry(t, cfg, "http://example.com/other.bin", "partial.bin", []byte("partial"), 4096)

	_, err := execute(t, "--config", cfgPath, "get", server.URL(), "--name", "partial.bin", "--plain")
	require.Error(t, err)
	assert.ErrorContains(t, err, "resume-dl resume "+entry.ShortID())

	data, err := os.ReadFile(entry.DestPath)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data))
	assert.EqualValues(t, 0, server.BytesServed.Load())
	assert.Len(t, listEntries(t, cfg), 1)
}

func TestGetRequiresURL(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	_, err := execute(t, "--config", cfgPath, "get")
	assert.ErrorContains(t, err, "URL argument or --clipboard")
}

func TestConfigInitAndShow(t *testing.T) {
	// Default store and log paths live under the user config dir.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	assert.True(t, testutil.FileExists(path))

	_, err = execute(t, "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "retry_delay: 3s")
	assert.Contains(t, out, "buffer_size: 1024")
}
