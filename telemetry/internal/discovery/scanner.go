package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wind-telemetry-platform/telemetry/internal/records"
)

// Scanner lists telemetry files below {base}/{site} following the
// placement class of each record kind.
type Scanner struct{}

func NewScanner() Scanner { return Scanner{} }

func SitePath(base string, site string) string {
	return filepath.Join(base, site)
}

// SiteReachable reports whether the site directory exists.
func SiteReachable(base string, site string) bool {
	fi, err := os.Stat(SitePath(base, site))
	return err == nil && fi.IsDir()
}

// Scan returns the sorted, deduplicated absolute paths for kind. A missing
// site directory yields no files.
func (Scanner) Scan(base string, site string, kind records.Kind) ([]string, error) {
	spec, err := records.Lookup(kind)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(SitePath(base, site))
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat site dir: %w", err)
	}

	var dirs []string
	switch spec.Placement {
	case records.PlacementDaily:
		for _, y := range subdirs(root, 4) {
			dirs = append(dirs, subdirs(y, 2)...)
		}
	case records.PlacementMonthly:
		for _, y := range subdirs(root, 4) {
			dirs = append(dirs, y)
			dirs = append(dirs, subdirs(y, 2)...)
		}
	case records.PlacementYearly:
		dirs = append(dirs, root)
		dirs = append(dirs, subdirs(root, 4)...)
	case records.PlacementAlltime:
		dirs = append(dirs, root)
	}

	seen := map[string]bool{}
	out := make([]string, 0)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !matchesExt(e.Name(), spec.Ext) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func matchesExt(name string, ext string) bool {
	return strings.EqualFold(strings.TrimPrefix(filepath.Ext(name), "."), ext)
}

// subdirs lists child directories of dir whose name is width digits.
func subdirs(dir string, width int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && isDigits(e.Name(), width) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func isDigits(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
