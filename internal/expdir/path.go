package expdir

import (
	"path/filepath"
	"strings"
)

// Path is a filesystem path carried inside the experiment graph.
// It serializes as its list of segments so snapshots stay portable across
// path separators.
type Path string

// Parts splits the path into its segments. An absolute path keeps its root
// as the first segment.
func (p Path) Parts() []string {
	s := filepath.ToSlash(string(p))
	if s == "" {
		return []string{}
	}

	var parts []string
	if strings.HasPrefix(s, "/") {
		parts = append(parts, "/")
		s = strings.TrimLeft(s, "/")
	}
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

// String returns the path using the OS separator.
func (p Path) String() string {
	return filepath.FromSlash(string(p))
}

// Join appends elements to the path.
func (p Path) Join(elem ...string) Path {
	return Path(filepath.Join(append([]string{string(p)}, elem...)...))
}

// FromParts rebuilds a Path from segments produced by Parts.
func FromParts(parts []string) Path {
	if len(parts) == 0 {
		return ""
	}
	if parts[0] == "/" {
		return Path(filepath.FromSlash("/" + strings.Join(parts[1:], "/")))
	}
	return Path(filepath.FromSlash(strings.Join(parts, "/")))
}
