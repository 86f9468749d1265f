// Package internal holds the bootstrap helpers of servicex: the search
// path resolver, the compatibility patches and build metadata.
package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"

	"github.com/pnavarro/nova/core/utils"
)

// ModulePath identifies a source checkout of this repository.
const ModulePath = "github.com/pnavarro/nova"

// SourceTreeMarker is the file that marks an unpacked source tree.
var SourceTreeMarker = filepath.Join("nova", ".source-tree")

// SearchPath is an ordered list of directories searched for config files.
type SearchPath []string

// ResolveSearchPath returns base with the source tree root prepended when
// the binary runs from a checkout. The candidate root is the grandparent
// directory of argv0 (e.g. <root>/bin/nova-compute).
//
// Filesystem errors are returned together with base unchanged; callers
// treat them as non-fatal.
func ResolveSearchPath(argv0 string, base SearchPath) (SearchPath, error) {
	if argv0 == "" {
		return base, nil
	}
	abs, err := filepath.Abs(argv0)
	if err != nil {
		return base, fmt.Errorf("resolve %s: %w", argv0, err)
	}
	root := filepath.Dir(filepath.Dir(abs))

	ok, err := isSourceTree(root)
	if err != nil || !ok {
		return base, err
	}
	if utils.Contains(base, root) {
		return base, nil
	}
	return append(SearchPath{root}, base...), nil
}

func isSourceTree(root string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	switch {
	case err == nil:
		if modfile.ModulePath(data) == ModulePath {
			return true, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("inspect %s: %w", root, err)
	}

	_, err = os.Stat(filepath.Join(root, SourceTreeMarker))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("inspect %s: %w", root, err)
	}
}
