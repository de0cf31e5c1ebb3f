// Package bytesize parses and formats byte counts such as "32MB" or
// "1.5 GiB". All units are binary: 1KB is 1024 bytes.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a number of bytes.
type Size int64

// Binary units.
const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
	TB      = 1024 * GB
)

var units = []struct {
	size Size
	name string
}{
	{TB, "TB"},
	{GB, "GB"},
	{MB, "MB"},
	{KB, "KB"},
}

var suffixes = map[string]Size{
	"": B, "b": B, "byte": B, "bytes": B,
	"k": KB, "kb": KB, "kib": KB,
	"m": MB, "mb": MB, "mib": MB,
	"g": GB, "gb": GB, "gib": GB,
	"t": TB, "tb": TB, "tib": TB,
}

var pattern = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-zA-Z]*)\s*$`)

// Parse reads a size with an optional unit suffix. A bare number is bytes.
func Parse(s string) (Size, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}
	unit, ok := suffixes[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}
	return Size(n * float64(unit)), nil
}

// Format renders s in the largest unit that keeps the value at least 1,
// with up to two decimals, e.g. "1.5GB" or "512B".
func Format(s Size) string {
	sign := ""
	if s < 0 {
		sign, s = "-", -s
	}
	for _, u := range units {
		if s >= u.size {
			v := strconv.FormatFloat(float64(s)/float64(u.size), 'f', 2, 64)
			v = strings.TrimRight(strings.TrimRight(v, "0"), ".")
			return sign + v + u.name
		}
	}
	return fmt.Sprintf("%s%dB", sign, s)
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return Format(s)
}
