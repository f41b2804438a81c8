package upload

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// saveResponse streams an HTTP response body to dir, deriving the filename
// from Content-Disposition when present, the fallback name otherwise, and
// sniffing an extension when neither carries one.
func saveResponse(resp *http.Response, dir, fallback string) (string, error) {
	name := fallback
	if _, dispName, err := httpheader.ContentDisposition(resp.Header); err == nil && dispName != "" {
		name = dispName
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "download"
	}

	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	if filepath.Ext(path) == "" {
		if withExt, err := addSniffedExtension(path); err == nil {
			path = withExt
		}
	}
	return path, nil
}

// addSniffedExtension renames a bare file using its magic-number type.
func addSniffedExtension(path string) (string, error) {
	kind, err := filetype.MatchFile(path)
	if err != nil || kind == filetype.Unknown {
		return path, err
	}
	renamed := path + "." + kind.Extension
	if err := os.Rename(path, renamed); err != nil {
		return path, err
	}
	return renamed, nil
}

// CleanDir prunes zero-byte files and empty directories under root,
// leftovers from interrupted transfers.
func CleanDir(root string) error {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if info.Size() == 0 {
			os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Deepest first, so nested empty dirs collapse in one pass.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}
	return nil
}
