// Package bytesize parses and formats byte sizes for configuration files.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// units is ordered largest first. Each accepts "GB", "G" and the
// Kubernetes-style "Gi" spelling, case-insensitively.
var units = []struct {
	size  int64
	short string
	long  string
}{
	{TB, "T", "TB"},
	{GB, "G", "GB"},
	{MB, "M", "MB"},
	{KB, "K", "KB"},
}

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-zA-Z]*)$`)

func multiplier(suffix string) (int64, bool) {
	suffix = strings.ToUpper(suffix)
	if suffix == "" || suffix == "B" {
		return B, true
	}
	for _, u := range units {
		if suffix == u.short || suffix == u.long || suffix == u.short+"I" {
			return u.size, true
		}
	}
	return 0, false
}

// Parse turns "100MB", "1.5 GB", "15Gi" or a plain byte count into bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}
	mul, ok := multiplier(m[2])
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", m[2])
	}
	return int64(value * float64(mul)), nil
}

// Format renders bytes with two decimals in the largest unit that fits.
func Format(bytes int64) string {
	for _, u := range units {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.size), u.long)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte count that YAML may spell as a number or with units.
type Size int64

// UnmarshalYAML accepts any scalar Parse understands.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a number or string with units (e.g. 10Gi, 500Mi)", node.Line)
	}
	n, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, node.Value, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML writes the shortest exact binary-unit form ("15Gi").
func (s Size) MarshalYAML() (interface{}, error) {
	v := int64(s)
	for _, u := range units {
		if v != 0 && v%u.size == 0 {
			return fmt.Sprintf("%d%si", v/u.size, u.short), nil
		}
	}
	return v, nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
