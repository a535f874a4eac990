// Package mo reads GNU gettext message catalogs in the binary MO format.
//
// Both byte orders are accepted. The hash table is ignored; lookups use a
// binary search over the sorted original strings.
package mo

import (
	"encoding/binary"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/source"
)

const magic = 0x950412de

// headerSize is the size of the fixed header up to and including the hash table offset.
const headerSize = 28

// contextSeparator joins a message context and its msgid in the original string.
const contextSeparator = "\x04"

// Catalog is a decoded message catalog.
type Catalog struct {
	// keys are the original strings without their plural part, sorted.
	keys []string
	// values are the translations; plural forms are separated by NUL.
	values []string
	header string
}

// Decode reads an MO file from r.
func Decode(r io.Reader) (*Catalog, error) {
	if r == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "mo: nil reader")
	}

	return DecodeSource(source.FromReader(r))
}

// DecodeSource is like Decode but reads from a Source.
// String offsets may point anywhere in the file, so it is read completely.
func DecodeSource(src source.Source) (*Catalog, error) {
	if src == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "mo: nil source")
	}

	data, err := source.NewReader(src, source.DefaultBuffer).ReadAll(0)
	if err != nil {
		return nil, err
	}

	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	if len(data) < headerSize {
		return nil, okerr.Errorf(okerr.ErrInvalid, "mo: file too short (%d bytes)", len(data))
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(data) == magic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(data) == magic:
		order = binary.BigEndian
	default:
		return nil, okerr.Errorf(okerr.ErrInvalid, "mo: bad magic number")
	}

	if rev := order.Uint32(data[4:]); rev>>16 != 0 {
		return nil, okerr.Errorf(okerr.ErrUnsupported, "mo: revision %d.%d", rev>>16, rev&0xFFFF)
	}

	n := int64(order.Uint32(data[8:]))
	origOff := int64(order.Uint32(data[12:]))
	transOff := int64(order.Uint32(data[16:]))

	size := int64(len(data))
	if origOff+n*8 > size || transOff+n*8 > size {
		return nil, okerr.Errorf(okerr.ErrInvalid, "mo: %d string descriptors do not fit in %d bytes", n, size)
	}

	str := func(table int64, i int64) (string, error) {
		d := data[table+i*8:]
		length := int64(order.Uint32(d))
		off := int64(order.Uint32(d[4:]))

		if off+length > size {
			return "", okerr.Errorf(okerr.ErrInvalid, "mo: string %d out of bounds", i)
		}

		s := string(data[off : off+length])
		if !utf8.ValidString(s) {
			return "", okerr.Errorf(okerr.ErrInvalid, "mo: string %d is not valid UTF-8", i)
		}

		return s, nil
	}

	c := &Catalog{
		keys:   make([]string, n),
		values: make([]string, n),
	}

	for i := int64(0); i < n; i++ {
		orig, err := str(origOff, i)
		if err != nil {
			return nil, err
		}

		trans, err := str(transOff, i)
		if err != nil {
			return nil, err
		}

		// Drop the plural msgid.
		if k := strings.IndexByte(orig, 0); k >= 0 {
			orig = orig[:k]
		}

		c.keys[i] = orig
		c.values[i] = trans
	}

	sort.Sort(byKey{c})

	for i := 1; i < len(c.keys); i++ {
		if c.keys[i] == c.keys[i-1] {
			return nil, okerr.Errorf(okerr.ErrInvalid, "mo: duplicate message %q", c.keys[i])
		}
	}

	c.header, _ = c.lookup("")

	return c, nil
}

// byKey sorts keys and values together.
type byKey struct{ c *Catalog }

func (b byKey) Len() int           { return len(b.c.keys) }
func (b byKey) Less(i, j int) bool { return b.c.keys[i] < b.c.keys[j] }
func (b byKey) Swap(i, j int) {
	b.c.keys[i], b.c.keys[j] = b.c.keys[j], b.c.keys[i]
	b.c.values[i], b.c.values[j] = b.c.values[j], b.c.values[i]
}

func (c *Catalog) lookup(key string) (string, bool) {
	i := sort.SearchStrings(c.keys, key)
	if i < len(c.keys) && c.keys[i] == key {
		return c.values[i], true
	}

	return "", false
}

// Count returns the number of messages, including the header entry.
func (c *Catalog) Count() int {
	return len(c.keys)
}

// Header returns the catalog metadata stored as the translation of the empty msgid.
func (c *Catalog) Header() string {
	return c.header
}

// Lookup returns the translation of msgid and whether one exists.
// For plural messages it returns the first form.
func (c *Catalog) Lookup(msgid string) (string, bool) {
	s, ok := c.lookup(msgid)
	if !ok {
		return "", false
	}

	form, _, _ := strings.Cut(s, "\x00")

	return form, true
}

// Text returns the translation of msgid, or msgid itself if there is none.
func (c *Catalog) Text(msgid string) string {
	if s, ok := c.Lookup(msgid); ok && s != "" {
		return s
	}

	return msgid
}

// Context returns the translation of msgid in the message context ctx,
// or msgid itself if there is none.
func (c *Catalog) Context(ctx, msgid string) string {
	if s, ok := c.Lookup(ctx + contextSeparator + msgid); ok && s != "" {
		return s
	}

	return msgid
}

// Plural returns the translation of msgid for count n. Form 0 is used when n is
// 1 and form 1 otherwise. Without a translation it returns msgid or plural.
func (c *Catalog) Plural(msgid, plural string, n int) string {
	form := 1
	if n == 1 {
		form = 0
	}

	if s, ok := c.lookup(msgid); ok {
		forms := strings.Split(s, "\x00")
		if form < len(forms) && forms[form] != "" {
			return forms[form]
		}
	}

	if form == 0 {
		return msgid
	}

	return plural
}
