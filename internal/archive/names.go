package archive

import (
	"path"
	"strconv"
	"strings"
)

// Namer assigns archive entry names. The first occurrence of a filename is
// kept, later ones get an occurrence index before the extension:
// report.pdf, report_2.pdf, report_3.pdf. Output depends only on the order
// of calls.
type Namer struct {
	seen  map[string]int
	taken map[string]bool
}

func NewNamer() *Namer {
	return &Namer{
		seen:  make(map[string]int),
		taken: make(map[string]bool),
	}
}

// Next returns the entry name for filename.
func (n *Namer) Next(filename string) string {
	name := Sanitize(filename)
	key := strings.ToLower(name)

	n.seen[key]++
	candidate := name
	if n.seen[key] > 1 {
		candidate = withIndex(name, n.seen[key])
	}
	// An indexed name may collide with a literal filename seen earlier.
	for n.taken[strings.ToLower(candidate)] {
		n.seen[key]++
		candidate = withIndex(name, n.seen[key])
	}

	n.taken[strings.ToLower(candidate)] = true
	return candidate
}

func withIndex(name string, index int) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	return base + "_" + strconv.Itoa(index) + ext
}

// Sanitize flattens a display filename into a safe entry name.
func Sanitize(filename string) string {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = path.Base(path.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "/" || name == "." || name == ".." {
		return "file"
	}
	return name
}
