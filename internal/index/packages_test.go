package index

import "testing"

func TestPrefixColumns(t *testing.T) {
	got := prefixColumns("p")
	want := "p.id, p.name, p.epoch, p.version, p.release, p.arch, p.media_id, p.summary, p.description, p.size, p.file_size, p.group_name, p.url, p.license, p.source_format, p.fingerprint, p.ingested_at"
	if got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestHexOnly(t *testing.T) {
	tt := []struct{ in, want string }{
		{"sha256:abcd", "abcd"},
		{"abcd", "abcd"},
		{"", ""},
	}
	for _, tc := range tt {
		if got := hexOnly(tc.in); got != tc.want {
			t.Errorf("hexOnly(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
