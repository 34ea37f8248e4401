package artifacts

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Assets resolves pre-rendered prompt audio under a read-only root.
type Assets struct {
	root string
}

func NewAssets(root string) *Assets {
	return &Assets{root: root}
}

func (a *Assets) Root() string { return a.root }

// Resolve returns the served URL of rel when the file exists under the root.
func (a *Assets) Resolve(rel string) (string, bool) {
	if a == nil || strings.TrimSpace(rel) == "" {
		return "", false
	}
	clean := path.Clean("/" + filepath.ToSlash(strings.TrimSpace(rel)))
	info, err := os.Stat(filepath.Join(a.root, filepath.FromSlash(clean)))
	if err != nil || info.IsDir() {
		return "", false
	}
	return "/assets" + clean, true
}
