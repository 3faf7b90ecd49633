// Package osrelease parses the host's /etc/os-release file, used by C4's
// accepted-versions gate to detect the running distro's version tag.
package osrelease

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/quay/zlog"
)

// Info is the subset of os-release fields the accepted-versions check
// and peer announce payload need.
type Info struct {
	DID             string
	Name            string
	Version         string
	VersionID       string
	VersionCodeName string
	PrettyName      string
}

// DefaultPath is the standard location of the os-release file.
const DefaultPath = "/etc/os-release"

// Read parses the os-release file at path.
func Read(ctx context.Context, path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("osrelease: opening %s: %w", path, err)
	}
	defer f.Close()
	return parse(ctx, f)
}

// parse returns the distribution information from the file contents
// provided on r.
func parse(ctx context.Context, r io.Reader) (Info, error) {
	log := zlog.ContextLogger(ctx)
	d := Info{Name: "Linux", DID: "linux"}
	s := bufio.NewScanner(r)
	s.Split(bufio.ScanLines)
	for s.Scan() && ctx.Err() == nil {
		b := s.Bytes()
		switch {
		case len(b) == 0:
			continue
		case b[0] == '#':
			continue
		}
		eq := bytes.IndexRune(b, '=')
		if eq == -1 {
			return Info{}, fmt.Errorf("osrelease: malformed line %q", s.Text())
		}
		key := strings.TrimSpace(string(b[:eq]))
		value := strings.TrimSpace(string(b[eq+1:]))
		if value == "" {
			continue
		}

		// The value side follows shell-like quoting rules: within single
		// quotes nothing is special; within double quotes a handful of
		// backslash escapes are. The arms below implement both cases.
		switch value[0] {
		case '\'':
			value = strings.TrimFunc(value, func(r rune) bool { return r == '\'' })
			value = strings.ReplaceAll(value, `'\''`, `'`)
		case '"':
			value = strings.TrimFunc(value, func(r rune) bool { return r == '"' })
			value = strings.NewReplacer(
				"\\`", "`",
				`\\`, `\`,
				`\"`, `"`,
				`\$`, `$`,
			).Replace(value)
		}

		switch key {
		case "ID":
			d.DID = value
		case "VERSION_ID":
			d.VersionID = value
		case "NAME":
			d.Name = value
		case "VERSION":
			d.Version = value
		case "VERSION_CODENAME":
			d.VersionCodeName = value
		case "PRETTY_NAME":
			d.PrettyName = value
		}
	}
	if err := s.Err(); err != nil {
		return Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	log.Debug().Str("name", d.Name).Str("version_id", d.VersionID).Msg("parsed os-release")
	return d, nil
}
