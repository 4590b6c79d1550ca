package relay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SnapshotFile copies srcPath into dir as <name>-<utc stamp><ext> and leaves
// the original in place. A file rewritten under the same name never
// overwrites an earlier snapshot.
func SnapshotFile(srcPath string, dir string, now time.Time) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("snapshot dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(srcPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stamp := now.UTC().Format("20060102T150405Z")
	dstPath := filepath.Join(dir, stem+"-"+stamp+ext)
	for i := 1; fileExists(dstPath); i++ {
		dstPath = filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", stem, stamp, i, ext))
	}
	if err := copyFile(srcPath, dstPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(dst)
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	}
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
