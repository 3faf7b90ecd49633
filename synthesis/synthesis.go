// Package synthesis parses the two media metadata formats urpm consumes:
// the line-oriented "synthesis" text format and the binary "hdlist"
// concatenated-RPM-header format. Both emit the same [Record] shape.
package synthesis

import (
	"bufio"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/urpmng/urpm"
)

// Record is one package as read off the wire, before it is associated
// with a [urpm.Media] and written to the index store.
type Record struct {
	Name, Version, Release, Arch, Epoch string

	Summary  string
	Size     int64 // installed size
	FileSize int64 // download size
	Group    string

	// Capabilities holds the raw dependency strings for each of the
	// eight capability kinds, as they appeared on the wire. rpmlib(...)
	// entries have already been filtered out (see filterCapability).
	Capabilities map[urpm.CapabilityKind][]string
}

// NEVRA renders the record's identity string.
func (r *Record) NEVRA() string {
	if r.Epoch == "" {
		return r.Name + "-" + r.Version + "-" + r.Release + "." + r.Arch
	}
	return r.Name + "-" + r.Epoch + ":" + r.Version + "-" + r.Release + "." + r.Arch
}

var synthesisTags = []urpm.CapabilityKind{
	urpm.Provides, urpm.Requires, urpm.Conflicts, urpm.Obsoletes,
	urpm.Recommends, urpm.Suggests, urpm.Supplements, urpm.Enhances,
}

func isCapabilityTag(tag string) (urpm.CapabilityKind, bool) {
	for _, k := range synthesisTags {
		if string(k) == tag {
			return k, true
		}
	}
	return "", false
}

// filterCapability reports whether dep should be kept; rpmlib(...)
// pseudo-dependencies describe rpm transaction-engine feature
// requirements, never real packages, and are dropped at load per spec.
func filterCapability(dep string) bool {
	return !strings.HasPrefix(dep, "rpmlib(")
}

// splitLine splits a synthesis line on '@', refusing to split on an '@'
// nested inside parentheses (rich boolean provides such as
// "bundled(npm(@xterm/addon-canvas))" must survive intact as one field).
func splitLine(line string) []string {
	parts := make([]string, 0, 8)
	var cur strings.Builder
	depth := 0
	for _, c := range line {
		switch {
		case c == '(':
			depth++
			cur.WriteRune(c)
		case c == ')':
			depth--
			cur.WriteRune(c)
		case c == '@' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// ParseNEVRA splits a NEVRA string into its name/version/release/arch
// components. Architecture is split off first (absent arch defaults to
// "noarch"), then version/release are split off the remainder from the
// right, since package names may themselves contain hyphens.
func ParseNEVRA(nevra string) (name, version, release, arch string) {
	arch = "noarch"
	nameVerRel := nevra
	if i := strings.LastIndexByte(nevra, '.'); i >= 0 && !strings.ContainsRune(nevra[i+1:], '-') {
		arch = nevra[i+1:]
		nameVerRel = nevra[:i]
	}

	i := strings.LastIndexByte(nameVerRel, '-')
	if i < 0 {
		return nameVerRel, "", "", arch
	}
	release = nameVerRel[i+1:]
	rest := nameVerRel[:i]
	j := strings.LastIndexByte(rest, '-')
	if j < 0 {
		return rest, release, "", arch
	}
	return rest[:j], rest[j+1:], release, arch
}

// ParseDependency splits a capability string of the shape "name", "name
// op version", or "name[op version]" into its parts. Rich boolean
// expressions and bare file-path capabilities are returned with an empty
// operator and version.
func ParseDependency(dep string) (name, op, version string) {
	if strings.HasSuffix(dep, "]") {
		if i := strings.IndexByte(dep, '['); i >= 0 {
			inner := strings.TrimSpace(dep[i+1 : len(dep)-1])
			name = dep[:i]
			rest := strings.TrimLeft(inner, depOperatorChars)
			if o := inner[:len(inner)-len(rest)]; o != "" {
				return name, o, strings.TrimSpace(rest)
			}
			return dep, "", ""
		}
	}
	if o, v, ok := splitOperator(dep); ok {
		return strings.TrimSpace(dep[:strings.Index(dep, o)]), o, v
	}
	return dep, "", ""
}

const depOperatorChars = "<>=!"

// splitOperator finds the first run of operator characters in s and
// splits it into (operator, version-after-operator, ok).
func splitOperator(s string) (op, version string, ok bool) {
	start := -1
	end := -1
	for i, c := range s {
		if strings.ContainsRune(depOperatorChars, c) {
			if start == -1 {
				start = i
			}
			end = i + 1
		} else if start != -1 {
			break
		}
	}
	if start == -1 || start == 0 {
		return "", "", false
	}
	return s[start:end], strings.TrimSpace(s[end:]), true
}

// Parse reads a synthesis text stream and yields one [Record] per
// "@info" line, in encounter order. It is a single-pass, non-restartable
// iterator and never buffers the whole input.
func Parse(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

		tags := make(map[urpm.CapabilityKind][]string, len(synthesisTags))
		var summary, filesizeStr string

		reset := func() {
			tags = make(map[urpm.CapabilityKind][]string, len(synthesisTags))
			summary = ""
			filesizeStr = "0"
		}
		reset()

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "@") {
				continue
			}
			parts := splitLine(line)
			if len(parts) < 2 {
				continue
			}
			tag := parts[1]

			if tag == "info" {
				nevra := field(parts, 2)
				epoch := field(parts, 3)
				if epoch == "0" {
					epoch = ""
				}
				size, _ := strconv.ParseInt(field(parts, 4), 10, 64)
				group := field(parts, 5)

				name, version, release, arch := ParseNEVRA(nevra)
				filesize, _ := strconv.ParseInt(filesizeStr, 10, 64)

				rec := Record{
					Name: name, Version: version, Release: release,
					Arch: arch, Epoch: epoch,
					Summary: summary, Size: size, Group: group,
					FileSize:     filesize,
					Capabilities: tags,
				}
				if !yield(rec, nil) {
					return
				}
				reset()
				continue
			}

			if kind, ok := isCapabilityTag(tag); ok {
				deps := make([]string, 0, len(parts)-2)
				for _, d := range parts[2:] {
					if filterCapability(d) {
						deps = append(deps, d)
					}
				}
				tags[kind] = deps
				continue
			}

			switch tag {
			case "summary":
				summary = field(parts, 2)
			case "filesize":
				filesizeStr = field(parts, 2)
				if filesizeStr == "" {
					filesizeStr = "0"
				}
			}
		}
		if err := sc.Err(); err != nil {
			yield(Record{}, &urpm.Error{Op: "synthesis.Parse", Kind: urpm.ErrParse, Message: "reading synthesis stream", Inner: err})
		}
	}
}

func field(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}
