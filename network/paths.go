package network

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SanitizeFilename turns an advertised filename into a clean relative
// slash-separated path. Any ".." segment fails with ErrTraversal.
func SanitizeFilename(name string) (string, error) {
	clean := strings.ReplaceAll(name, `\`, "/")
	clean = strings.TrimLeft(clean, "/")

	for _, segment := range strings.Split(clean, "/") {
		if segment == ".." {
			return "", errors.Wrapf(ErrTraversal, "filename %q", name)
		}
	}

	clean = path.Clean(clean)
	if clean == "." || clean == "" {
		return "", errors.Wrapf(ErrProtocol, "empty filename %q", name)
	}
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", errors.Wrapf(ErrTraversal, "filename %q", name)
	}
	return clean, nil
}

// openDestination opens the file that receives rel under root. An existing
// shorter file is resumed: it is opened for append and its length is the
// offset. An existing file at least size long is left untouched and the
// transfer goes to the first free "stem_N.ext" name.
func openDestination(root, rel string, size int64) (*os.File, int64, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, 0, errors.Wrap(err, "create destination directory")
	}

	info, err := os.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		file, err := createUnique(target, false)
		return file, 0, err
	case err != nil:
		return nil, 0, errors.Wrap(err, "stat destination")
	case info.Mode().IsRegular() && info.Size() < size:
		file, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return nil, 0, errors.Wrap(err, "open for resume")
		}
		return file, info.Size(), nil
	default:
		file, err := createUnique(target, true)
		return file, 0, err
	}
}

// createUnique creates target, or its first free "stem_N.ext" sibling when
// target is taken or skipTarget is set.
func createUnique(target string, skipTarget bool) (*os.File, error) {
	ext := filepath.Ext(filepath.Base(target))
	if ext == filepath.Base(target) {
		ext = ""
	}
	stem := strings.TrimSuffix(target, ext)

	for n := 0; ; n++ {
		candidate := target
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
		} else if skipTarget {
			continue
		}

		file, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, errors.Wrap(err, "create destination")
		}
	}
}
