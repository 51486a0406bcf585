package config

import "strconv"

const redacted = "[REDACTED]"

// Secret holds a credential (DSN, webhook, bot token). Every printing and
// marshaling path redacts it; Reveal is the only way to read the value.
type Secret string

// Reveal returns the raw value
func (s Secret) Reveal() string {
	return string(s)
}

// IsSet reports whether a value was configured
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) masked() string {
	if !s.IsSet() {
		return ""
	}
	return redacted
}

func (s Secret) String() string {
	return s.masked()
}

// GoString covers %#v
func (s Secret) GoString() string {
	return strconv.Quote(s.masked())
}

func (s Secret) MarshalYAML() (interface{}, error) {
	return s.masked(), nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.masked())), nil
}
