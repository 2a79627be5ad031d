// Package signature turns a noisy diagnostic log into a stable crash
// summary. The summary is the dedup key: two runs that crash at the same
// source line must produce the identical string no matter which CI machine
// they ran on, which is why crash-site paths are normalized first.
package signature

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// NoSummary is the sentinel summary for logs where no panic marker was seen
// or too little text followed it. It is a valid group key: all such entries
// coalesce into one group.
const NoSummary = "No summary available"

// ErrNoSignature reports that a panic marker was present but the crash
// location line did not match. The entry is still ingested, just without a
// group; a later regroup pass may pick it up.
var ErrNoSignature = errors.New("signature: panic location not matched")

const panicMarker = "panic:"

var crashLocation = regexp.MustCompile(`(.*\.zig):(\d+):(\d+)`)

// Runner checkout and toolchain cache roots as they appear on CI machines.
const (
	runnerRoot    = "/home/runner/work"
	toolchainRoot = "/opt/hostedtoolcache/zig"
)

const (
	checkoutAnchor  = "zls/"
	toolchainAnchor = "x64/"
)

// NormalizePath strips the ephemeral CI prefix from a crash-site path,
// producing the same portable path for every run. Paths with no known
// prefix (already relative, or from an unknown machine) pass through
// unchanged.
func NormalizePath(p string) string {
	if strings.HasPrefix(p, runnerRoot) {
		if i := strings.LastIndex(p, checkoutAnchor); i != -1 {
			return p[i:]
		}
	}
	if strings.HasPrefix(p, toolchainRoot) {
		if i := strings.Index(p, toolchainAnchor); i != -1 {
			return "zig/" + p[i+len(toolchainAnchor):]
		}
	}
	return p
}

type scanState int

const (
	seekingMarker scanState = iota
	accumulating
)

// Scanner extracts a crash summary from a diagnostic stream fed in chunks.
// It implements io.Writer so it can sit at the end of a decompression
// pipeline. Feed the whole stream, then call Summary once.
type Scanner struct {
	state scanState
	tail  []byte // trailing bytes of the previous chunk, marker may straddle
	buf   bytes.Buffer
}

// Write consumes the next chunk of diagnostic text.
func (s *Scanner) Write(p []byte) (int, error) {
	if s.state == accumulating {
		s.buf.Write(p)
		return len(p), nil
	}

	window := p
	if len(s.tail) > 0 {
		window = append(s.tail, p...)
	}
	if i := bytes.Index(window, []byte(panicMarker)); i != -1 {
		s.state = accumulating
		s.buf.Write(window[i:])
		s.tail = nil
		return len(p), nil
	}

	keep := len(panicMarker) - 1
	if len(window) < keep {
		keep = len(window)
	}
	s.tail = append(s.tail[:0], window[len(window)-keep:]...)
	return len(p), nil
}

// Summary finishes the scan and composes the crash summary.
//
// No marker, or fewer than three lines after it, yields NoSummary. A marker
// followed by an unmatchable location line yields ErrNoSignature; callers
// must treat that as "no group", never as a usable key.
func (s *Scanner) Summary() (string, error) {
	if s.state == seekingMarker {
		return NoSummary, nil
	}

	lines := strings.Split(strings.TrimSpace(s.buf.String()), "\n")
	if len(lines) <= 2 {
		return NoSummary, nil
	}

	m := crashLocation.FindStringSubmatch(lines[1])
	if m == nil {
		return "", ErrNoSignature
	}
	return fmt.Sprintf("In %s:%s:%s; `%s`",
		NormalizePath(m[1]), m[2], m[3], strings.TrimSpace(lines[2])), nil
}

// Extract runs the scanner over a whole stream, typically a raw-deflate
// reader over the captured stderr.
func Extract(r io.Reader) (string, error) {
	var s Scanner
	if _, err := io.Copy(&s, r); err != nil {
		return "", fmt.Errorf("signature: read diagnostic stream: %w", err)
	}
	return s.Summary()
}

// ExtractText is the single-pass convenience over in-memory diagnostic text.
func ExtractText(text string) (string, error) {
	var s Scanner
	s.Write([]byte(text))
	return s.Summary()
}
