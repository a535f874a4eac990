// Package csv reads comma-separated values as described in RFC 4180.
//
// Records end with CRLF, LF or a lone CR. Quoted fields may contain commas,
// line breaks and doubled quotes; their content is kept verbatim. Empty lines
// are skipped and records may have different numbers of fields.
package csv

import (
	"io"

	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/source"
)

// ringSize is the size of the tokenizer's ring buffer. It must be a power of two.
const ringSize = 4096

// ring is a fixed ring buffer the tokenizer pulls bytes from one at a time.
type ring struct {
	src  *source.Reader
	buf  [ringSize]byte
	r, w uint // Free-running positions; buf[r%ringSize] is the next byte.
	eof  bool
	err  error
}

// fill reads into the free space of the ring without wrapping.
func (q *ring) fill() {
	if q.eof {
		return
	}

	start := q.w % ringSize
	n := ringSize - (q.w - q.r)
	if n > ringSize-start {
		n = ringSize - start
	}

	if n == 0 {
		return
	}

	got, _ := q.src.Read(q.buf[start : start+n])
	if got == 0 {
		q.eof = true
		q.err = q.src.Err()

		return
	}

	q.w += uint(got)
}

// peek returns the next byte without consuming it.
func (q *ring) peek() (byte, bool) {
	if q.r == q.w {
		q.fill()
		if q.r == q.w {
			return 0, false
		}
	}

	return q.buf[q.r%ringSize], true
}

// next consumes and returns the next byte.
func (q *ring) next() (byte, bool) {
	c, ok := q.peek()
	if ok {
		q.r++
	}

	return c, ok
}

type parser struct {
	q     ring
	field []byte
	line  int
}

// Decode reads all records from r, or at most maxRecords of them when maxRecords
// is positive.
func Decode(r io.Reader, maxRecords int) ([][]string, error) {
	if r == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "csv: nil reader")
	}

	return DecodeSource(source.FromReader(r), maxRecords)
}

// DecodeSource is like Decode but reads from a Source.
func DecodeSource(src source.Source, maxRecords int) ([][]string, error) {
	if src == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "csv: nil source")
	}

	p := &parser{line: 1}
	p.q.src = source.NewReader(src, source.DefaultBuffer)

	var records [][]string
	for maxRecords <= 0 || len(records) < maxRecords {
		record, err := p.readRecord()
		if err != nil {
			return nil, err
		}

		if record == nil {
			break
		}

		records = append(records, record)
	}

	return records, nil
}

// readRecord returns the next record, or nil at the end of input.
func (p *parser) readRecord() ([]string, error) {
	for {
		c, ok := p.q.peek()
		if !ok {
			return nil, p.q.err
		}

		if c != '\n' && c != '\r' {
			break
		}

		p.newline()
	}

	var record []string
	for {
		field, last, err := p.readField()
		if err != nil {
			return nil, err
		}

		record = append(record, field)
		if last {
			return record, nil
		}
	}
}

// readField reads one field and reports whether it ended the record.
func (p *parser) readField() (string, bool, error) {
	p.field = p.field[:0]

	if c, ok := p.q.peek(); ok && c == '"' {
		p.q.next()

		start := p.line
		for {
			c, ok := p.q.next()
			if !ok {
				if p.q.err != nil {
					return "", false, p.q.err
				}

				return "", false, okerr.Errorf(okerr.ErrInvalid, "csv: line %d: unterminated quoted field", start)
			}

			if c == '"' {
				if c, ok := p.q.peek(); ok && c == '"' {
					p.q.next()
					p.field = append(p.field, '"')

					continue
				}

				break
			}

			if c == '\n' || c == '\r' && !p.crlf() {
				p.line++
			}

			p.field = append(p.field, c)
		}

		c, ok := p.q.peek()
		if !ok {
			return string(p.field), true, p.q.err
		}

		switch c {
		case ',':
			p.q.next()

			return string(p.field), false, nil
		case '\n', '\r':
			p.newline()

			return string(p.field), true, nil
		default:
			return "", false, okerr.Errorf(okerr.ErrInvalid, "csv: line %d: unexpected %q after quoted field", p.line, c)
		}
	}

	for {
		c, ok := p.q.peek()
		if !ok {
			return string(p.field), true, p.q.err
		}

		switch c {
		case ',':
			p.q.next()

			return string(p.field), false, nil
		case '\n', '\r':
			p.newline()

			return string(p.field), true, nil
		case '"':
			return "", false, okerr.Errorf(okerr.ErrInvalid, "csv: line %d: quote in unquoted field", p.line)
		}

		p.q.next()
		p.field = append(p.field, c)
	}
}

// crlf reports whether a CR just consumed is followed by LF.
func (p *parser) crlf() bool {
	c, ok := p.q.peek()

	return ok && c == '\n'
}

// newline consumes a CR, LF or CRLF line break.
func (p *parser) newline() {
	if c, _ := p.q.next(); c == '\r' && p.crlf() {
		p.q.next()
	}

	p.line++
}
