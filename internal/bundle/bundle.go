// Package bundle decodes the binary container uploaded for each fuzzing
// run. The format is flat and positional: a timestamp, two version strings,
// then four length-prefixed sections. There is no tag dispatch and no
// padding; a bundle either decodes completely or is rejected.
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrTruncated is wrapped by every decode failure caused by a malformed or
// cut-short payload. Callers skip the bundle; partial data is never ingested.
var ErrTruncated = errors.New("bundle: truncated or malformed payload")

// Section is a byte range inside the raw bundle. Sections are exposed as
// ranges rather than copies so the archiver can stream them independently.
type Section struct {
	Offset int
	Len    int
}

// Bundle is one decoded fuzzing-run upload.
//
// Stdin, Stdout and Stderr hold raw-deflate compressed streams as captured
// by the fuzzer; Principal is the plaintext source-file snapshot that
// triggered the crash. Stderr feeds the signature extractor.
type Bundle struct {
	CreatedAt  time.Time
	ZigVersion string
	ZlsVersion string

	Stdin     Section
	Stdout    Section
	Principal Section
	Stderr    Section

	raw []byte
}

// Bytes returns the raw bytes of a section.
func (b *Bundle) Bytes(s Section) []byte {
	return b.raw[s.Offset : s.Offset+s.Len]
}

// Raw returns the full bundle payload, the basis for the entry id.
func (b *Bundle) Raw() []byte { return b.raw }

type decoder struct {
	raw []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.raw) - d.pos }

func (d *decoder) int64LE(field string) (int64, error) {
	if d.remaining() < 8 {
		return 0, fmt.Errorf("%w: %s at offset %d", ErrTruncated, field, d.pos)
	}
	v := int64(binary.LittleEndian.Uint64(d.raw[d.pos:]))
	d.pos += 8
	return v, nil
}

func (d *decoder) shortString(field string) (string, error) {
	if d.remaining() < 1 {
		return "", fmt.Errorf("%w: %s length at offset %d", ErrTruncated, field, d.pos)
	}
	n := int(d.raw[d.pos])
	d.pos++
	if d.remaining() < n {
		return "", fmt.Errorf("%w: %s wants %d bytes, %d left", ErrTruncated, field, n, d.remaining())
	}
	s := string(d.raw[d.pos : d.pos+n])
	d.pos += n
	return s, nil
}

func (d *decoder) section(field string) (Section, error) {
	if d.remaining() < 4 {
		return Section{}, fmt.Errorf("%w: %s length at offset %d", ErrTruncated, field, d.pos)
	}
	n := int(binary.LittleEndian.Uint32(d.raw[d.pos:]))
	d.pos += 4
	if d.remaining() < n {
		return Section{}, fmt.Errorf("%w: %s wants %d bytes, %d left", ErrTruncated, field, n, d.remaining())
	}
	s := Section{Offset: d.pos, Len: n}
	d.pos += n
	return s, nil
}

// Decode parses a raw bundle. Any truncation, a section length exceeding the
// remaining buffer, or trailing bytes after the last section is a fatal
// error for the whole bundle.
func Decode(raw []byte) (*Bundle, error) {
	d := &decoder{raw: raw}
	b := &Bundle{raw: raw}

	ms, err := d.int64LE("timestamp")
	if err != nil {
		return nil, err
	}
	b.CreatedAt = time.UnixMilli(ms).UTC()

	if b.ZigVersion, err = d.shortString("zig version"); err != nil {
		return nil, err
	}
	if b.ZlsVersion, err = d.shortString("zls version"); err != nil {
		return nil, err
	}

	if b.Stdin, err = d.section("stdin"); err != nil {
		return nil, err
	}
	if b.Stdout, err = d.section("stdout"); err != nil {
		return nil, err
	}
	if b.Principal, err = d.section("principal"); err != nil {
		return nil, err
	}
	if b.Stderr, err = d.section("stderr"); err != nil {
		return nil, err
	}

	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, d.remaining())
	}
	return b, nil
}

// Encode builds a bundle payload. The fuzzer is the real producer; this
// exists for tooling and round-trip tests. Version strings longer than 255
// bytes cannot be represented.
func Encode(createdAt time.Time, zigVersion, zlsVersion string, stdin, stdout, principal, stderr []byte) ([]byte, error) {
	if len(zigVersion) > 255 || len(zlsVersion) > 255 {
		return nil, fmt.Errorf("bundle: version string exceeds 255 bytes")
	}

	size := 8 + 1 + len(zigVersion) + 1 + len(zlsVersion) +
		4 + len(stdin) + 4 + len(stdout) + 4 + len(principal) + 4 + len(stderr)
	out := make([]byte, 0, size)

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(createdAt.UnixMilli()))
	out = append(out, ts[:]...)

	out = append(out, byte(len(zigVersion)))
	out = append(out, zigVersion...)
	out = append(out, byte(len(zlsVersion)))
	out = append(out, zlsVersion...)

	for _, sec := range [][]byte{stdin, stdout, principal, stderr} {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(sec)))
		out = append(out, n[:]...)
		out = append(out, sec...)
	}
	return out, nil
}
