package synthesis

import (
	"encoding/binary"
	"errors"
	"io"
	"iter"

	"github.com/urpmng/urpm"
)

// hdlistMagic is the 3-byte marker at the start of every concatenated RPM
// header in an hdlist stream.
var hdlistMagic = [3]byte{0x8e, 0xad, 0xe8}

// RPM tag identifiers read out of an hdlist header. Only the tags the
// resolver and index store need are listed.
const (
	tagName        = 1000
	tagVersion     = 1001
	tagRelease     = 1002
	tagEpoch       = 1003
	tagSummary     = 1004
	tagDescription = 1005
	tagSize        = 1009
	tagLicense     = 1014
	tagGroup       = 1016
	tagURL         = 1020
	tagArch        = 1022

	tagProvideName    = 1047
	tagRequireName    = 1049
	tagConflictName   = 1054
	tagObsoleteName   = 1090
	tagRecommendName  = 5046
	tagSuggestName    = 5049
	tagSupplementName = 5052
	tagEnhanceName    = 5055
)

// RPM tag data types, as stored in an hdlist index entry.
const (
	rpmNull        = 0
	rpmChar        = 1
	rpmInt8        = 2
	rpmInt16       = 3
	rpmInt32       = 4
	rpmInt64       = 5
	rpmString      = 6
	rpmBin         = 7
	rpmStringArray = 8
	rpmI18NString  = 9
)

type indexEntry struct {
	tag, typ, offset, count uint32
}

// header is one parsed RPM header from an hdlist stream: a fixed index of
// (tag, type, offset, count) tuples pointing into a shared byte store.
// Tag values are decoded on first access and cached.
type header struct {
	index []indexEntry
	store []byte
	cache map[uint32]any
}

func (h *header) entry(tag uint32) (indexEntry, bool) {
	for _, e := range h.index {
		if e.tag == tag {
			return e, true
		}
	}
	return indexEntry{}, false
}

func (h *header) string(tag uint32) (string, error) {
	if v, ok := h.cache[tag]; ok {
		return v.(string), nil
	}
	e, ok := h.entry(tag)
	if !ok {
		return "", nil
	}
	if e.typ != rpmString && e.typ != rpmI18NString {
		return "", &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: badTagMessage(tag)}
	}
	if int(e.offset) > len(h.store) {
		return "", &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "tag offset out of range"}
	}
	end := indexByte(h.store[e.offset:], 0)
	var s string
	if end < 0 {
		s = string(h.store[e.offset:])
	} else {
		s = string(h.store[e.offset : int(e.offset)+end])
	}
	h.cache[tag] = s
	return s, nil
}

func (h *header) int32(tag uint32) (int32, error) {
	if v, ok := h.cache[tag]; ok {
		return v.(int32), nil
	}
	e, ok := h.entry(tag)
	if !ok {
		return 0, nil
	}
	if e.typ != rpmInt32 {
		return 0, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: badTagMessage(tag)}
	}
	if int(e.offset)+4 > len(h.store) {
		return 0, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "tag offset out of range"}
	}
	v := int32(binary.BigEndian.Uint32(h.store[e.offset:]))
	h.cache[tag] = v
	return v, nil
}

func (h *header) stringArray(tag uint32) ([]string, error) {
	if v, ok := h.cache[tag]; ok {
		return v.([]string), nil
	}
	e, ok := h.entry(tag)
	if !ok {
		return nil, nil
	}
	if e.typ != rpmStringArray {
		return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: badTagMessage(tag)}
	}
	out := make([]string, 0, e.count)
	pos := int(e.offset)
	for i := uint32(0); i < e.count; i++ {
		if pos > len(h.store) {
			return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "string array overruns store"}
		}
		end := indexByte(h.store[pos:], 0)
		if end < 0 {
			out = append(out, string(h.store[pos:]))
			break
		}
		out = append(out, string(h.store[pos:pos+end]))
		pos += end + 1
	}
	h.cache[tag] = out
	return out, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func badTagMessage(tag uint32) string {
	return "unexpected type for tag " + itoa(int(tag))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

var capabilityNameTags = map[urpm.CapabilityKind]uint32{
	urpm.Provides:    tagProvideName,
	urpm.Requires:    tagRequireName,
	urpm.Conflicts:   tagConflictName,
	urpm.Obsoletes:   tagObsoleteName,
	urpm.Recommends:  tagRecommendName,
	urpm.Suggests:    tagSuggestName,
	urpm.Supplements: tagSupplementName,
	urpm.Enhances:    tagEnhanceName,
}

// toRecord converts a parsed hdlist header into a [Record], matching the
// shape synthesis.Parse emits.
func (h *header) toRecord() (Record, error) {
	name, err := h.string(tagName)
	if err != nil {
		return Record{}, err
	}
	version, err := h.string(tagVersion)
	if err != nil {
		return Record{}, err
	}
	release, err := h.string(tagRelease)
	if err != nil {
		return Record{}, err
	}
	arch, err := h.string(tagArch)
	if err != nil {
		return Record{}, err
	}
	if arch == "" {
		arch = "noarch"
	}
	epochNum, err := h.int32(tagEpoch)
	if err != nil {
		return Record{}, err
	}
	epoch := ""
	if epochNum != 0 {
		epoch = itoa(int(epochNum))
	}
	summary, err := h.string(tagSummary)
	if err != nil {
		return Record{}, err
	}
	group, err := h.string(tagGroup)
	if err != nil {
		return Record{}, err
	}
	size, err := h.int32(tagSize)
	if err != nil {
		return Record{}, err
	}

	caps := make(map[urpm.CapabilityKind][]string, len(capabilityNameTags))
	for kind, tag := range capabilityNameTags {
		vals, err := h.stringArray(tag)
		if err != nil {
			return Record{}, err
		}
		if len(vals) == 0 {
			continue
		}
		filtered := make([]string, 0, len(vals))
		for _, v := range vals {
			if filterCapability(v) {
				filtered = append(filtered, v)
			}
		}
		caps[kind] = filtered
	}

	return Record{
		Name: name, Version: version, Release: release, Arch: arch, Epoch: epoch,
		Summary: summary, Group: group, Size: int64(size),
		Capabilities: caps,
	}, nil
}

// readHeader reads one RPM header from r, starting at the current read
// position. It returns (nil, nil) at a clean end of stream: either r
// is exhausted, or (when sawHeader is true, i.e. at least one header has
// already been read) the next bytes are not the hdlist magic, which is
// treated as trailing padding rather than a hard failure.
//
// Once the magic has matched, any further truncation is a hard
// [urpm.ErrParse] failure, including at offset 0.
func readHeader(r io.Reader, sawHeader bool) (*header, error) {
	var magic [3]byte
	n, err := io.ReadFull(r, magic[:])
	switch {
	case n == 0 && errors.Is(err, io.EOF):
		return nil, nil
	case err != nil:
		if sawHeader {
			return nil, nil
		}
		return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "truncated hdlist magic", Inner: err}
	}
	if magic != hdlistMagic {
		if sawHeader {
			return nil, nil
		}
		return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "bad hdlist magic"}
	}

	// version (1 byte) + reserved (4 bytes)
	var skip [5]byte
	if _, err := io.ReadFull(r, skip[:]); err != nil {
		return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "truncated hdlist header", Inner: err}
	}

	var counts [8]byte
	if _, err := io.ReadFull(r, counts[:]); err != nil {
		return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "truncated hdlist header", Inner: err}
	}
	nindex := binary.BigEndian.Uint32(counts[0:4])
	storeSize := binary.BigEndian.Uint32(counts[4:8])

	index := make([]indexEntry, nindex)
	var entry [16]byte
	for i := range index {
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "truncated hdlist index", Inner: err}
		}
		index[i] = indexEntry{
			tag:    binary.BigEndian.Uint32(entry[0:4]),
			typ:    binary.BigEndian.Uint32(entry[4:8]),
			offset: binary.BigEndian.Uint32(entry[8:12]),
			count:  binary.BigEndian.Uint32(entry[12:16]),
		}
	}

	store := make([]byte, storeSize)
	if _, err := io.ReadFull(r, store); err != nil {
		return nil, &urpm.Error{Op: "synthesis.hdlist", Kind: urpm.ErrParse, Message: "truncated hdlist store", Inner: err}
	}

	return &header{index: index, store: store, cache: make(map[uint32]any)}, nil
}

// ParseHdlist reads a stream of concatenated RPM headers and yields one
// [Record] per header, in encounter order. Like [Parse], it is a
// single-pass, non-restartable iterator.
func ParseHdlist(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		sawHeader := false
		for {
			h, err := readHeader(r, sawHeader)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if h == nil {
				return
			}
			sawHeader = true
			rec, err := h.toRecord()
			if err != nil {
				if !yield(Record{}, err) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
