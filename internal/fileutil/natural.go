// Package fileutil holds the folder listing rules shared by the codecs.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maruel/natural"
)

// NaturalLess orders paths by their base names so that runs of digits
// compare by numeric value: "slice2.dcm" sorts before "slice10.dcm"
func NaturalLess(a, b string) bool {
	return natural.Less(filepath.Base(a), filepath.Base(b))
}

// SortNatural sorts paths in place by the natural order of their base names.
// Names that compare equal keep their relative order.
func SortNatural(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		return NaturalLess(paths[i], paths[j])
	})
}

// ListFiles returns the regular, non-hidden files of folder in natural order.
// When ext is not empty only files with that extension (case-insensitive)
// are returned.
func ListFiles(folder, ext string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", folder, err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		files = append(files, filepath.Join(folder, name))
	}

	SortNatural(files)
	return files, nil
}
