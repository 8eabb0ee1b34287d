package plugins

import (
	"regexp"
	"strings"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/logflags"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

// scanChunk is how much physical memory the chunked scanners read per
// iteration; it is also the cancellation check granularity.
const scanChunk = 1 << 20

// maxCarvedString bounds how much of a carved string is kept in a finding
// description.
const maxCarvedString = 256

type stringCarver struct {
	minLen int
	utf16  bool
}

// NewStringCarver returns the "strings" plugin: it carves printable ASCII
// and, optionally, UTF-16LE sequences of at least minLen characters out of
// every physical run and classifies them by content.
func NewStringCarver(minLen int, scanUTF16 bool) scan.Plugin {
	if minLen < 4 {
		minLen = 4
	}
	return &stringCarver{minLen: minLen, utf16: scanUTF16}
}

func (c *stringCarver) Name() string { return "strings" }

func (c *stringCarver) Description() string {
	return "carves printable ASCII and UTF-16LE strings out of physical memory"
}

func (c *stringCarver) Scan(img *dump.Image, h *scan.Handle) error {
	log := logflags.PluginLogger().WithField("plugin", c.Name())
	h.SetTotal(img.PhysicalSize())

	buf := make([]byte, scanChunk)
	for _, run := range img.Runs() {
		ascii := asciiCarveState{minLen: c.minLen, emit: func(addr uint64, s string) {
			h.Emit(makeStringFinding(addr, s, "ascii"))
		}}
		wide := utf16CarveState{minLen: c.minLen, emit: func(addr uint64, s string) {
			h.Emit(makeStringFinding(addr, s, "utf-16le"))
		}}

		for off := uint64(0); off < run.Length; off += scanChunk {
			n := run.Length - off
			if n > scanChunk {
				n = scanChunk
			}
			chunk := buf[:n]
			base := run.PhysStart + off
			if err := img.ReadPhysical(chunk, base); err != nil {
				// A read failure only loses this window; carving state is
				// discarded because the byte stream has a hole in it.
				log.WithError(err).Debugf("skipping %#x bytes at %#x", n, base)
				ascii.reset()
				wide.reset()
				h.Advance(n)
				continue
			}
			for i, b := range chunk {
				addr := base + uint64(i)
				ascii.feed(b, addr)
				if c.utf16 {
					wide.feed(b, addr)
				}
			}
			h.Advance(n)
			if h.Cancelled() {
				return h.Err()
			}
		}
		ascii.flush()
		wide.flush()
	}
	return nil
}

func printableASCII(b byte) bool {
	return b >= 0x20 && b <= 0x7e
}

// asciiCarveState accumulates one printable run at a time. It survives
// chunk boundaries so strings spanning two reads are not lost.
type asciiCarveState struct {
	minLen int
	emit   func(addr uint64, s string)

	start  uint64
	length int
	bytes  []byte
}

func (s *asciiCarveState) feed(b byte, addr uint64) {
	if printableASCII(b) {
		if s.length == 0 {
			s.start = addr
		}
		if s.length < maxCarvedString {
			s.bytes = append(s.bytes, b)
		}
		s.length++
		return
	}
	s.flush()
}

func (s *asciiCarveState) flush() {
	if s.length >= s.minLen {
		s.emit(s.start, string(s.bytes))
	}
	s.length = 0
	s.bytes = s.bytes[:0]
}

func (s *asciiCarveState) reset() {
	s.length = 0
	s.bytes = s.bytes[:0]
}

// utf16CarveState recognizes runs of (printable ASCII, 0x00) byte pairs,
// the dominant shape of Windows wide strings in memory.
type utf16CarveState struct {
	minLen int
	emit   func(addr uint64, s string)

	start   uint64
	pending byte
	haveLow bool
	chars   []byte
}

func (s *utf16CarveState) feed(b byte, addr uint64) {
	if !s.haveLow {
		if printableASCII(b) {
			if len(s.chars) == 0 {
				s.start = addr
			}
			s.pending = b
			s.haveLow = true
			return
		}
		s.flush()
		return
	}
	if b == 0 {
		if len(s.chars) < maxCarvedString {
			s.chars = append(s.chars, s.pending)
		}
		s.haveLow = false
		return
	}
	s.flush()
	if printableASCII(b) {
		s.start = addr
		s.pending = b
		s.haveLow = true
	}
}

func (s *utf16CarveState) flush() {
	if len(s.chars) >= s.minLen {
		s.emit(s.start, string(s.chars))
	}
	s.chars = s.chars[:0]
	s.haveLow = false
}

func (s *utf16CarveState) reset() {
	s.chars = s.chars[:0]
	s.haveLow = false
}

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

func makeStringFinding(addr uint64, s, encoding string) scan.Finding {
	kind, confidence := classifyString(s)
	desc := s
	if len(desc) > 120 {
		desc = desc[:117] + "..."
	}
	length := uint64(len(s))
	if encoding == "utf-16le" {
		length *= 2
	}
	return scan.Finding{
		Kind:        kind,
		Addr:        addr,
		Space:       scan.Physical,
		Length:      length,
		Description: desc,
		Confidence:  confidence,
		Details:     map[string]string{"encoding": encoding},
	}
}

// classifyString tags carved strings that look operationally interesting.
// The classification is a hint for triage, not an assertion.
func classifyString(s string) (string, int) {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "password") || strings.Contains(lower, "passwd") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "apikey"):
		return "credential", 90
	case strings.HasPrefix(lower, "ssh-rsa") || strings.HasPrefix(lower, "ssh-ed25519") ||
		strings.Contains(s, "-----BEGIN"):
		return "key-material", 90
	case strings.Contains(lower, "http://") || strings.Contains(lower, "https://"):
		return "url", 75
	case strings.Contains(lower, "select ") || strings.Contains(lower, "insert into") ||
		strings.Contains(lower, "update ") && strings.Contains(lower, " set "):
		return "sql", 70
	case isPathLike(s):
		return "path", 60
	case ipv4Pattern.MatchString(s):
		return "ip-address", 65
	}
	return "string", 50
}

func isPathLike(s string) bool {
	if len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/') {
		return true
	}
	return strings.HasPrefix(s, "/") && strings.Count(s, "/") >= 2
}
