// Package updater performs staged, hash-verified self-update with rollback.
// The invariant: after Apply returns, the binary on disk is either the fully
// verified new version or the byte-for-byte original. A half-updated agent
// that cannot restart would leave the device permanently unmonitored, so
// every post-backup failure path restores the backup before surfacing.
package updater

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

const backupTimeFormat = "20060102T150405"

// keepBackups bounds how many timestamped backups survive pruning.
const keepBackups = 3

// Updater swaps the running binary for a staged replacement.
type Updater struct {
	// BinaryPath is the installed binary to replace.
	BinaryPath string
	// BackupDir receives timestamped copies of the pre-update binary.
	BackupDir string
	// Restart is invoked after the swap; a non-nil error triggers rollback.
	// Nil means the caller restarts out of band (e.g. the service manager).
	Restart func() error
}

// Apply verifies the staged file against wantSHA256 and installs it.
// Ordering is deliberate: verify before anything is touched, back up before
// the swap, restart only after the swap, roll back on any failure after the
// backup exists.
func (u *Updater) Apply(stagedPath, wantSHA256 string) error {
	if err := VerifyFile(stagedPath, wantSHA256); err != nil {
		// Unverified content is never kept around for a later retry to
		// accidentally install.
		_ = os.Remove(stagedPath)
		return err
	}
	if err := os.Chmod(stagedPath, 0o755); err != nil {
		return fmt.Errorf("marking staged binary executable: %w", err)
	}

	backupPath, err := u.backupCurrent()
	if err != nil {
		return fmt.Errorf("backing up current binary: %w", err)
	}

	if err := os.Rename(stagedPath, u.BinaryPath); err != nil {
		restoreErr := u.restore(backupPath)
		if restoreErr != nil {
			return fmt.Errorf("swap failed: %w (rollback also failed: %v)", err, restoreErr)
		}
		return fmt.Errorf("swap failed, rolled back: %w", err)
	}

	if u.Restart != nil {
		if err := u.Restart(); err != nil {
			restoreErr := u.restore(backupPath)
			if restoreErr != nil {
				return fmt.Errorf("restart failed: %w (rollback also failed: %v)", err, restoreErr)
			}
			return fmt.Errorf("restart failed, rolled back: %w", err)
		}
	}

	u.pruneBackups()
	log.Info().Str("binary", u.BinaryPath).Str("backup", backupPath).Msg("Update applied")
	return nil
}

// backupCurrent copies the installed binary into BackupDir under a
// timestamped name. A copy rather than a rename keeps the running inode
// untouched until the swap itself.
func (u *Updater) backupCurrent() (string, error) {
	if err := os.MkdirAll(u.BackupDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s.%s", filepath.Base(u.BinaryPath), time.Now().UTC().Format(backupTimeFormat))
	backupPath := filepath.Join(u.BackupDir, name)
	if err := copyFile(u.BinaryPath, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

func (u *Updater) restore(backupPath string) error {
	if err := os.Remove(u.BinaryPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return copyFile(backupPath, u.BinaryPath)
}

func (u *Updater) pruneBackups() {
	pattern := filepath.Join(u.BackupDir, filepath.Base(u.BinaryPath)+".*")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= keepBackups {
		return
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-keepBackups] {
		_ = os.Remove(stale)
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
