package buffer

import "fmt"

// Decimal encoding limits fixed by the wire format.
const (
	maxDecimalScale = 76
	maxDecimalLen   = 32
)

// DecimalColumn appends a decimal column in binary form.  unscaled is
// the two's-complement big-endian representation of the unscaled value;
// an empty slice encodes NULL.  Requires protocol version 3.
func (b *Buffer) DecimalColumn(name string, unscaled []byte, scale int) error {
	if b.version < 3 {
		return fmt.Errorf("%w: decimals need version 3, have %d", ErrVersionUnsupported, b.version)
	}
	if scale < 0 || scale > maxDecimalScale {
		return fmt.Errorf("%w: scale %d out of range [0,%d]", ErrBadDecimal, scale, maxDecimalScale)
	}
	if len(unscaled) > maxDecimalLen {
		return fmt.Errorf("%w: unscaled value is %d bytes, limit %d", ErrBadDecimal, len(unscaled), maxDecimalLen)
	}
	return b.column(name, func() error {
		if err := b.ensure(3 + len(unscaled)); err != nil {
			return err
		}
		b.buf[b.position] = entityDecimal
		b.buf[b.position+1] = byte(scale)
		b.buf[b.position+2] = byte(len(unscaled))
		b.position += 3
		b.position += copy(b.buf[b.position:], unscaled)
		return nil
	})
}

// DecimalTextColumn appends a decimal column in textual form: an
// optional sign, decimal digits and at most one point, suffixed with
// 'd'.  Requires protocol version 3.
func (b *Buffer) DecimalTextColumn(name, value string) error {
	if b.version < 3 {
		return fmt.Errorf("%w: decimals need version 3, have %d", ErrVersionUnsupported, b.version)
	}
	if !validDecimalText(value) {
		return fmt.Errorf("%w: %q", ErrBadDecimal, value)
	}
	return b.column(name, func() error {
		if err := b.ensure(len(value) + 1); err != nil {
			return err
		}
		b.position += copy(b.buf[b.position:], value)
		b.buf[b.position] = 'd'
		b.position++
		return nil
	})
}

func validDecimalText(s string) bool {
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	digits, dots := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}
