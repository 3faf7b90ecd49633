package synthesis

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/urpmng/urpm"
)

// buildHeader assembles one raw hdlist header with the given string tags
// and string-array tags, for test fixtures.
func buildHeader(strTags map[uint32]string, arrTags map[uint32][]string) []byte {
	var store bytes.Buffer
	type idx struct {
		tag, typ, offset, count uint32
	}
	var entries []idx

	for tag, val := range strTags {
		off := uint32(store.Len())
		store.WriteString(val)
		store.WriteByte(0)
		entries = append(entries, idx{tag, rpmString, off, 1})
	}
	for tag, vals := range arrTags {
		off := uint32(store.Len())
		for _, v := range vals {
			store.WriteString(v)
			store.WriteByte(0)
		}
		entries = append(entries, idx{tag, rpmStringArray, off, uint32(len(vals))})
	}

	var buf bytes.Buffer
	buf.Write(hdlistMagic[:])
	buf.WriteByte(0x03)             // version
	buf.Write(make([]byte, 4))      // reserved
	binary.Write(&buf, binary.BigEndian, uint32(len(entries)))
	binary.Write(&buf, binary.BigEndian, uint32(store.Len()))
	for _, e := range entries {
		binary.Write(&buf, binary.BigEndian, e.tag)
		binary.Write(&buf, binary.BigEndian, e.typ)
		binary.Write(&buf, binary.BigEndian, e.offset)
		binary.Write(&buf, binary.BigEndian, e.count)
	}
	buf.Write(store.Bytes())
	return buf.Bytes()
}

func TestParseHdlistSingleHeader(t *testing.T) {
	raw := buildHeader(
		map[uint32]string{tagName: "vim", tagVersion: "9.0", tagRelease: "1.mga9", tagArch: "x86_64"},
		map[uint32][]string{tagProvideName: {"vim", "editor"}},
	)

	var got []Record
	for rec, err := range ParseHdlist(bytes.NewReader(raw)) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rec)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0].Name != "vim" || got[0].Version != "9.0" || got[0].Release != "1.mga9" || got[0].Arch != "x86_64" {
		t.Errorf("unexpected record: %+v", got[0])
	}
	want := []string{"vim", "editor"}
	got0 := got[0].Capabilities[urpm.Provides]
	if len(got0) != len(want) || got0[0] != want[0] || got0[1] != want[1] {
		t.Errorf("got provides: %v, want: %v", got0, want)
	}
}

func TestParseHdlistTwoHeadersConcatenated(t *testing.T) {
	h1 := buildHeader(map[uint32]string{tagName: "vim", tagVersion: "9.0", tagRelease: "1", tagArch: "x86_64"}, nil)
	h2 := buildHeader(map[uint32]string{tagName: "firefox", tagVersion: "120.0", tagRelease: "1", tagArch: "x86_64"}, nil)

	var all bytes.Buffer
	all.Write(h1)
	all.Write(h2)

	var names []string
	for rec, err := range ParseHdlist(&all) {
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, rec.Name)
	}
	if len(names) != 2 || names[0] != "vim" || names[1] != "firefox" {
		t.Errorf("got: %v, want: [vim firefox]", names)
	}
}

func TestParseHdlistBadMagicAtStart(t *testing.T) {
	_, err := firstRecord(bytes.NewReader([]byte("not-a-header")))
	if err == nil {
		t.Fatal("expected error for bad magic at offset 0")
	}
}

func TestParseHdlistTrailingGarbageIsSilent(t *testing.T) {
	h1 := buildHeader(map[uint32]string{tagName: "vim", tagVersion: "9.0", tagRelease: "1", tagArch: "x86_64"}, nil)
	var buf bytes.Buffer
	buf.Write(h1)
	buf.WriteString("\x00\x00trailing junk")

	var names []string
	var gotErr error
	for rec, err := range ParseHdlist(&buf) {
		if err != nil {
			gotErr = err
			break
		}
		names = append(names, rec.Name)
	}
	if gotErr != nil {
		t.Fatalf("unexpected error on trailing garbage: %v", gotErr)
	}
	if len(names) != 1 || names[0] != "vim" {
		t.Errorf("got: %v, want: [vim]", names)
	}
}

func firstRecord(r *bytes.Reader) (Record, error) {
	for rec, err := range ParseHdlist(r) {
		return rec, err
	}
	return Record{}, nil
}
