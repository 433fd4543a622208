// Package validate checks table and column names against the server's
// file-name rules.  Names become directory and file names on the server,
// so the forbidden set mirrors what its filesystem layer rejects.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxNameLen is the name length limit applied when the client is
// not configured with max_name_len.
const DefaultMaxNameLen = 127

// Error types.
var (
	ErrEmptyName   = errors.New("name must not be empty")
	ErrNameTooLong = errors.New("name exceeds maximum length")
	ErrBadChar     = errors.New("name contains a forbidden character")
	ErrBadDots     = errors.New("table name has a leading, trailing or doubled dot")
)

// forbidden reports whether r may never appear in any name, table or
// column alike.
func forbidden(r rune) bool {
	switch r {
	case '?', ',', '\'', '"', '\\', '/', ':', '(', ')', '+', '*', '%', '~':
		return true
	}
	// U+0000..U+000F covers newline and carriage return.
	return r <= 0x000f || r == 0x007f || r == 0xfeff
}

// TableName returns nil if name is usable as a table name.  Tables allow
// '-' and a single interior '.', but may not start or end with a dot or
// contain consecutive dots.
func TableName(name string, maxLen int) error {
	if err := checkLen(name, maxLen); err != nil {
		return err
	}
	for _, r := range name {
		if forbidden(r) {
			return fmt.Errorf("%w: table name %q", ErrBadChar, name)
		}
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrBadDots, name)
	}
	return nil
}

// ColumnName returns nil if name is usable as a column name.  Columns
// additionally forbid '.' and '-'.
func ColumnName(name string, maxLen int) error {
	if err := checkLen(name, maxLen); err != nil {
		return err
	}
	for _, r := range name {
		if forbidden(r) || r == '.' || r == '-' {
			return fmt.Errorf("%w: column name %q", ErrBadChar, name)
		}
	}
	return nil
}

func checkLen(name string, maxLen int) error {
	if len(name) == 0 {
		return ErrEmptyName
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxNameLen
	}
	if len(name) > maxLen {
		return fmt.Errorf("%w: %q is %d bytes, limit %d", ErrNameTooLong, name, len(name), maxLen)
	}
	return nil
}
