package queue

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameLength bounds queue and namespace names.
	MaxNameLength = 255

	channelPrefix = "pqbus_"

	// PostgreSQL truncates identifiers at NAMEDATALEN-1 bytes.
	maxChannelLength = 63
	channelKeep      = 46
)

// ValidateName checks a queue or namespace name. Names are never spliced into
// SQL, so anything printable is accepted.
func ValidateName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty %s name", ErrInvalidName, kind)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: %s name longer than %d bytes", ErrInvalidName, kind, MaxNameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: %s name %q is not valid UTF-8", ErrInvalidName, kind, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %s name contains NUL", ErrInvalidName, kind)
	}
	return nil
}

// ChannelName derives the LISTEN/NOTIFY channel for a queue. Producers and
// consumers must agree on it, so it is a pure function of its inputs.
func ChannelName(namespace, queue string) string {
	name := channelPrefix + escape(namespace) + "_" + escape(queue)
	if len(name) <= maxChannelLength {
		return name
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return fmt.Sprintf("%s_%016x", name[:channelKeep], h.Sum64())
}

// escape keeps [a-z0-9] and hex-encodes every other byte as _xx, so distinct
// names always map to distinct channels.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}
