// Package buffer implements the line-protocol encoder.  A Buffer is a
// grow-on-demand byte region that serializes rows under the protocol's
// ordering rules and keeps track of the end of the last complete row, so
// that a partial row survives a drain.
//
// Three wire-format versions are supported.  Version 1 is fully textual.
// Version 2 switches float columns to a binary form and adds
// n-dimensional float64 arrays.  Version 3 adds decimal columns.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/m-lab/qdb-client/validate"
)

// Buffer size limits, overridable through Config.
const (
	DefaultInitBufSize = 64 * 1024
	DefaultMaxBufSize  = 100 * 1024 * 1024
)

// Error types.
var (
	ErrOverflow           = errors.New("buffer would exceed its maximum size")
	ErrTableAlreadySet    = errors.New("table name already set for this row")
	ErrNoTable            = errors.New("table name must be set first")
	ErrSymbolAfterColumn  = errors.New("symbols must precede all columns")
	ErrRowIncomplete      = errors.New("row must have at least one symbol or column")
	ErrVersionUnsupported = errors.New("column type not supported by negotiated protocol version")
	ErrBadArray           = errors.New("invalid array value")
	ErrBadDecimal         = errors.New("invalid decimal value")
	ErrBadUnit            = errors.New("unknown timestamp unit")
)

// Unit is the granularity of a caller-supplied timestamp.
type Unit int

const (
	// Nanos is nanoseconds since the Unix epoch.
	Nanos Unit = iota
	// Micros is microseconds since the Unix epoch.
	Micros
	// Millis is milliseconds since the Unix epoch.
	Millis
)

// ParseUnit converts the textual unit names used in configuration and
// tooling ("ns", "us", "ms") to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "ns":
		return Nanos, nil
	case "us":
		return Micros, nil
	case "ms":
		return Millis, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadUnit, s)
}

// Config carries the construction parameters of a Buffer.  Zero values
// select the defaults.
type Config struct {
	Version     int // line-protocol version, 1..3; 0 means 1
	InitBufSize int
	MaxBufSize  int
	MaxNameLen  int
}

// Buffer is a line-protocol encoder.  It is NOT threadsafe.
type Buffer struct {
	buf          []byte
	position     int
	endOfLastRow int
	maxBufSize   int
	maxNameLen   int
	version      int

	// Per-row ordering state, reset on each row terminator.
	hasTable  bool
	hasFields bool // at least one symbol or column written
	inColumns bool // a column has been written; symbols are closed
}

// New creates a Buffer for the given protocol version.
func New(cfg Config) (*Buffer, error) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version < 1 || cfg.Version > 3 {
		return nil, fmt.Errorf("unsupported line-protocol version %d", cfg.Version)
	}
	if cfg.InitBufSize <= 0 {
		cfg.InitBufSize = DefaultInitBufSize
	}
	if cfg.MaxBufSize <= 0 {
		cfg.MaxBufSize = DefaultMaxBufSize
	}
	if cfg.MaxNameLen <= 0 {
		cfg.MaxNameLen = validate.DefaultMaxNameLen
	}
	if cfg.InitBufSize > cfg.MaxBufSize {
		return nil, fmt.Errorf("init buffer size %d exceeds max buffer size %d", cfg.InitBufSize, cfg.MaxBufSize)
	}
	return &Buffer{
		buf:        make([]byte, cfg.InitBufSize),
		maxBufSize: cfg.MaxBufSize,
		maxNameLen: cfg.MaxNameLen,
		version:    cfg.Version,
	}, nil
}

// Version returns the line-protocol version the buffer encodes.
func (b *Buffer) Version() int { return b.version }

// Position returns the current write position.  Bytes past the end of
// the last complete row belong to a partial row.
func (b *Buffer) Position() int { return b.position }

// Reset discards all buffered bytes, complete and partial rows alike.
// The backing allocation is kept.
func (b *Buffer) Reset() {
	b.position = 0
	b.endOfLastRow = 0
	b.clearRow()
}

func (b *Buffer) clearRow() {
	b.hasTable = false
	b.hasFields = false
	b.inColumns = false
}

// Drain returns a newly allocated copy of all complete rows and compacts
// the buffer, moving any partial row to the front.  It returns nil when
// no complete row is buffered.
func (b *Buffer) Drain() []byte {
	if b.endOfLastRow == 0 {
		return nil
	}
	out := make([]byte, b.endOfLastRow)
	copy(out, b.buf[:b.endOfLastRow])
	copy(b.buf, b.buf[b.endOfLastRow:b.position])
	b.position -= b.endOfLastRow
	b.endOfLastRow = 0
	return out
}

// ensure grows the backing region by doubling until need more bytes fit,
// capped at the configured maximum.
func (b *Buffer) ensure(need int) error {
	required := b.position + need
	if required <= len(b.buf) {
		return nil
	}
	if required > b.maxBufSize {
		return fmt.Errorf("%w: need %d bytes, max %d", ErrOverflow, required, b.maxBufSize)
	}
	size := len(b.buf)
	for size < required {
		size *= 2
		if size > b.maxBufSize {
			size = b.maxBufSize
		}
	}
	grown := make([]byte, size)
	copy(grown, b.buf[:b.position])
	b.buf = grown
	return nil
}

// Table starts a new row.  It must be called exactly once per row,
// before any symbol or column.
func (b *Buffer) Table(name string) error {
	if b.hasTable {
		return ErrTableAlreadySet
	}
	if err := validate.TableName(name, b.maxNameLen); err != nil {
		return err
	}
	pos := b.position
	if err := b.writeEscaped(name); err != nil {
		b.position = pos
		return err
	}
	b.hasTable = true
	return nil
}

// Symbol appends a symbol tag.  Symbols may only appear between the
// table name and the first column.
func (b *Buffer) Symbol(name, value string) error {
	if !b.hasTable {
		return ErrNoTable
	}
	if b.inColumns {
		return ErrSymbolAfterColumn
	}
	if err := validate.ColumnName(name, b.maxNameLen); err != nil {
		return err
	}
	pos := b.position
	err := b.writeByte(',')
	if err == nil {
		err = b.writeEscaped(name)
	}
	if err == nil {
		err = b.writeByte('=')
	}
	if err == nil {
		err = b.writeEscaped(value)
	}
	if err != nil {
		b.position = pos
		return err
	}
	b.hasFields = true
	return nil
}

// column writes the ordering-checked prelude of a typed column (the
// delimiter, the escaped name and '=') and then invokes writeValue for
// the type-specific payload.  The write position is restored on any
// failure, so a failing call leaves no partial bytes behind.
func (b *Buffer) column(name string, writeValue func() error) error {
	if !b.hasTable {
		return ErrNoTable
	}
	if err := validate.ColumnName(name, b.maxNameLen); err != nil {
		return err
	}
	pos := b.position
	delim := byte(',')
	if !b.inColumns {
		delim = ' '
	}
	err := b.writeByte(delim)
	if err == nil {
		err = b.writeEscaped(name)
	}
	if err == nil {
		err = b.writeByte('=')
	}
	if err == nil {
		err = writeValue()
	}
	if err != nil {
		b.position = pos
		return err
	}
	b.inColumns = true
	b.hasFields = true
	return nil
}

// StringColumn appends a quoted string column.
func (b *Buffer) StringColumn(name, value string) error {
	return b.column(name, func() error {
		return b.writeQuoted(value)
	})
}

// BoolColumn appends a boolean column.
func (b *Buffer) BoolColumn(name string, value bool) error {
	return b.column(name, func() error {
		v := byte('f')
		if value {
			v = 't'
		}
		return b.writeByte(v)
	})
}

// Int64Column appends an integer column.
func (b *Buffer) Int64Column(name string, value int64) error {
	return b.column(name, func() error {
		if err := b.writeInt(value); err != nil {
			return err
		}
		return b.writeByte('i')
	})
}

// Float64Column appends a float column, textual for version 1 and
// binary for versions 2 and up.
func (b *Buffer) Float64Column(name string, value float64) error {
	return b.column(name, func() error {
		if b.version >= 2 {
			if err := b.ensure(9); err != nil {
				return err
			}
			b.buf[b.position] = entityDouble
			binary.LittleEndian.PutUint64(b.buf[b.position+1:], math.Float64bits(value))
			b.position += 9
			return nil
		}
		text := strconv.AppendFloat(nil, value, 'g', -1, 64)
		if err := b.ensure(len(text)); err != nil {
			return err
		}
		b.position += copy(b.buf[b.position:], text)
		return nil
	})
}

// TimestampColumn appends a timestamp column.  On the wire the value is
// microseconds since the Unix epoch regardless of unit.
func (b *Buffer) TimestampColumn(name string, value int64, unit Unit) error {
	var micros int64
	switch unit {
	case Nanos:
		micros = value / 1000
	case Micros:
		micros = value
	case Millis:
		micros = value * 1000
	default:
		return fmt.Errorf("%w: %d", ErrBadUnit, unit)
	}
	return b.column(name, func() error {
		if err := b.writeInt(micros); err != nil {
			return err
		}
		return b.writeByte('t')
	})
}

// At terminates the row with a designated timestamp, normalized to
// nanoseconds since the Unix epoch.
func (b *Buffer) At(value int64, unit Unit) error {
	var nanos int64
	switch unit {
	case Nanos:
		nanos = value
	case Micros:
		nanos = value * 1000
	case Millis:
		nanos = value * 1000 * 1000
	default:
		return fmt.Errorf("%w: %d", ErrBadUnit, unit)
	}
	return b.terminate(func() error {
		if err := b.writeByte(' '); err != nil {
			return err
		}
		return b.writeInt(nanos)
	})
}

// AtNow terminates the row without a timestamp; the server assigns one
// on receipt.
func (b *Buffer) AtNow() error {
	return b.terminate(nil)
}

func (b *Buffer) terminate(writeTimestamp func() error) error {
	if !b.hasTable {
		return ErrNoTable
	}
	if !b.hasFields {
		return ErrRowIncomplete
	}
	pos := b.position
	if writeTimestamp != nil {
		if err := writeTimestamp(); err != nil {
			b.position = pos
			return err
		}
	}
	if err := b.writeByte('\n'); err != nil {
		b.position = pos
		return err
	}
	b.endOfLastRow = b.position
	b.clearRow()
	return nil
}

// writeEscaped appends s with the unquoted escaping rules: space, comma
// and equals are backslash-escaped, newline and carriage return are
// backslash-escaped, and backslash itself is doubled.
func (b *Buffer) writeEscaped(s string) error {
	// Worst case doubles every byte.
	if err := b.ensure(2 * len(s)); err != nil {
		return err
	}
	p := b.position
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ', ',', '=', '\\', '\n', '\r':
			b.buf[p] = '\\'
			p++
		}
		b.buf[p] = c
		p++
	}
	b.position = p
	return nil
}

// writeQuoted appends s wrapped in double quotes.  Inside the quotes
// only '"', backslash, newline and carriage return are escaped.
func (b *Buffer) writeQuoted(s string) error {
	if err := b.ensure(2*len(s) + 2); err != nil {
		return err
	}
	p := b.position
	b.buf[p] = '"'
	p++
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\', '\n', '\r':
			b.buf[p] = '\\'
			p++
		}
		b.buf[p] = c
		p++
	}
	b.buf[p] = '"'
	p++
	b.position = p
	return nil
}

func (b *Buffer) writeByte(c byte) error {
	if err := b.ensure(1); err != nil {
		return err
	}
	b.buf[b.position] = c
	b.position++
	return nil
}

func (b *Buffer) writeInt(v int64) error {
	text := strconv.AppendInt(nil, v, 10)
	if err := b.ensure(len(text)); err != nil {
		return err
	}
	b.position += copy(b.buf[b.position:], text)
	return nil
}
