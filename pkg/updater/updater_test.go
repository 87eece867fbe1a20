package updater

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o755))
}

func newTestUpdater(t *testing.T, current []byte) (*Updater, string) {
	t.Helper()
	dir := t.TempDir()
	binary := filepath.Join(dir, "drover-agent")
	writeFile(t, binary, current)
	return &Updater{
		BinaryPath: binary,
		BackupDir:  filepath.Join(dir, "backup"),
	}, dir
}

func stage(t *testing.T, dir string, content []byte) string {
	t.Helper()
	staged := filepath.Join(dir, "staged")
	writeFile(t, staged, content)
	return staged
}

func TestApplyInstallsVerifiedBinary(t *testing.T) {
	oldBytes := []byte("old-binary")
	newBytes := []byte("new-binary")
	u, dir := newTestUpdater(t, oldBytes)
	staged := stage(t, dir, newBytes)

	hash, err := HashFile(staged)
	require.NoError(t, err)
	require.NoError(t, u.Apply(staged, hash))

	installed, err := os.ReadFile(u.BinaryPath)
	require.NoError(t, err)
	require.Equal(t, newBytes, installed)

	backups, err := filepath.Glob(filepath.Join(u.BackupDir, "drover-agent.*"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	backedUp, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	require.Equal(t, oldBytes, backedUp)
}

func TestApplyRejectsHashMismatch(t *testing.T) {
	oldBytes := []byte("old-binary")
	u, dir := newTestUpdater(t, oldBytes)
	staged := stage(t, dir, []byte("tampered"))

	hash, err := HashFile(u.BinaryPath) // digest of a different file
	require.NoError(t, err)

	err = u.Apply(staged, hash)
	require.ErrorIs(t, err, ErrHashMismatch)

	// Unverified content is purged and the installed binary untouched.
	_, statErr := os.Stat(staged)
	require.True(t, os.IsNotExist(statErr))
	installed, err := os.ReadFile(u.BinaryPath)
	require.NoError(t, err)
	require.Equal(t, oldBytes, installed)
}

func TestApplyRollsBackWhenRestartFails(t *testing.T) {
	oldBytes := []byte("old-binary")
	newBytes := []byte("new-binary")
	u, dir := newTestUpdater(t, oldBytes)
	u.Restart = func() error { return errors.New("service refused to start") }
	staged := stage(t, dir, newBytes)

	hash, err := HashFile(staged)
	require.NoError(t, err)

	err = u.Apply(staged, hash)
	require.Error(t, err)

	installed, err := os.ReadFile(u.BinaryPath)
	require.NoError(t, err)
	require.Equal(t, oldBytes, installed, "rollback must restore pre-update bytes")
}

func TestVerifyFileRejectsMalformedDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	writeFile(t, path, []byte("x"))
	require.ErrorIs(t, VerifyFile(path, "nothex"), ErrHashMismatch)
}
