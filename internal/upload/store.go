package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// HashBytes returns the lowercase hex SHA-256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile streams the file at path through SHA-256
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ContentStore is the content-addressed file store. Files live at
// <root>/<h[0:2]>/<h[2:4]>/<hash> so directories stay shallow.
type ContentStore struct {
	Root string
}

func NewContentStore(root string) *ContentStore {
	return &ContentStore{Root: root}
}

// PathFor returns where the content for a given hash is (or would be) stored
func (cs *ContentStore) PathFor(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(cs.Root, hash)
	}
	return filepath.Join(cs.Root, hash[0:2], hash[2:4], hash)
}

// Exists reports whether content with this hash is already stored
func (cs *ContentStore) Exists(hash string) (bool, string) {
	path := cs.PathFor(hash)
	if _, err := os.Stat(path); err != nil {
		return false, path
	}
	return true, path
}

// Put moves an assembled file into the store under its hash. The source
// must already be hashed; Put does not re-verify.
func (cs *ContentStore) Put(hash, srcPath string) (string, error) {
	dst := cs.PathFor(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("creating storage dir: %w", err)
	}
	if err := os.Rename(srcPath, dst); err != nil {
		return "", fmt.Errorf("storing %s: %w", hash, err)
	}
	return dst, nil
}
