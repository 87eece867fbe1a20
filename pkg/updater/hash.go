package updater

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrHashMismatch is returned when downloaded content does not match the
// published digest. Nothing carrying this error may ever be installed.
var ErrHashMismatch = errors.New("hash mismatch")

// HashFile computes the hex SHA-256 digest of the file at path. The file is
// streamed through the hash so memory stays constant regardless of size.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyFile checks the file at path against a published hex digest.
func VerifyFile(path, wantHex string) error {
	if len(wantHex) != sha256.Size*2 {
		return fmt.Errorf("%w: published digest %q is not a sha256 hex string", ErrHashMismatch, wantHex)
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, wantHex) {
		return fmt.Errorf("%w: %s has digest %s, want %s", ErrHashMismatch, path, got, wantHex)
	}
	return nil
}
