package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one duration-valued config string. Empty
// means unset and yields zero; negative values are rejected so a stray
// minus sign cannot silently disable a retry budget or sweep interval.
func ParseDurationField(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: bad duration %q: %w", name, value, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", name, value)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// fields the file leaves unset.
func ParseDurationOrDefault(name, value string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, value)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}
