// Package ply reads and writes the vertex element of PLY files: seed point
// clouds and trained splat models using the property names common to 3D
// Gaussian splatting tools.
package ply

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("ply: unsupported format")
	ErrMissingProperty   = errors.New("ply: missing property")
	ErrMalformed         = errors.New("ply: malformed file")
)

// Format is the body encoding declared in the header.
type Format int

const (
	ASCII Format = iota
	BinaryLittleEndian
)

func (f Format) String() string {
	if f == ASCII {
		return "ascii"
	}
	return "binary_little_endian"
}

type scalar int

const (
	int8T scalar = iota
	uint8T
	int16T
	uint16T
	int32T
	uint32T
	float32T
	float64T
)

var scalarNames = map[string]scalar{
	"char": int8T, "int8": int8T,
	"uchar": uint8T, "uint8": uint8T,
	"short": int16T, "int16": int16T,
	"ushort": uint16T, "uint16": uint16T,
	"int": int32T, "int32": int32T,
	"uint": uint32T, "uint32": uint32T,
	"float": float32T, "float32": float32T,
	"double": float64T, "float64": float64T,
}

func (s scalar) size() int {
	switch s {
	case int8T, uint8T:
		return 1
	case int16T, uint16T:
		return 2
	case int32T, uint32T, float32T:
		return 4
	}
	return 8
}

func (s scalar) decode(b []byte) float32 {
	le := binary.LittleEndian
	switch s {
	case int8T:
		return float32(int8(b[0]))
	case uint8T:
		return float32(b[0])
	case int16T:
		return float32(int16(le.Uint16(b)))
	case uint16T:
		return float32(le.Uint16(b))
	case int32T:
		return float32(int32(le.Uint32(b)))
	case uint32T:
		return float32(le.Uint32(b))
	case float32T:
		return math.Float32frombits(le.Uint32(b))
	}
	return float32(math.Float64frombits(le.Uint64(b)))
}

type property struct {
	name string
	typ  scalar
	list bool
}

type element struct {
	name  string
	count int
	props []property
}

type header struct {
	format   Format
	elements []element
}

func readHeader(r *bufio.Reader) (header, error) {
	var h header
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return h, fmt.Errorf("%w: missing ply signature", ErrMalformed)
	}
	sawFormat := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("%w: header: %v", ErrMalformed, err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "comment", "obj_info":
		case "format":
			if len(fields) < 2 {
				return h, fmt.Errorf("%w: %q", ErrMalformed, strings.TrimSpace(line))
			}
			switch fields[1] {
			case "ascii":
				h.format = ASCII
			case "binary_little_endian":
				h.format = BinaryLittleEndian
			default:
				return h, fmt.Errorf("%w: %s", ErrUnsupportedFormat, fields[1])
			}
			sawFormat = true
		case "element":
			if len(fields) != 3 {
				return h, fmt.Errorf("%w: %q", ErrMalformed, strings.TrimSpace(line))
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return h, fmt.Errorf("%w: element count %q", ErrMalformed, fields[2])
			}
			h.elements = append(h.elements, element{name: fields[1], count: n})
		case "property":
			if len(h.elements) == 0 {
				return h, fmt.Errorf("%w: property before element", ErrMalformed)
			}
			el := &h.elements[len(h.elements)-1]
			var p property
			switch {
			case len(fields) == 3:
				t, ok := scalarNames[fields[1]]
				if !ok {
					return h, fmt.Errorf("%w: property type %s", ErrUnsupportedFormat, fields[1])
				}
				p = property{name: fields[2], typ: t}
			case len(fields) == 5 && fields[1] == "list":
				p = property{name: fields[4], list: true}
			default:
				return h, fmt.Errorf("%w: %q", ErrMalformed, strings.TrimSpace(line))
			}
			el.props = append(el.props, p)
		case "end_header":
			if !sawFormat {
				return h, fmt.Errorf("%w: missing format line", ErrMalformed)
			}
			return h, nil
		default:
			return h, fmt.Errorf("%w: unknown header keyword %q", ErrMalformed, fields[0])
		}
	}
}

// Table holds the vertex element, one float32 column per property.
type Table struct {
	Format Format
	Len    int
	names  []string
	cols   [][]float32
}

// Column returns the named property column.
func (t *Table) Column(name string) ([]float32, bool) {
	for i, n := range t.names {
		if n == name {
			return t.cols[i], true
		}
	}
	return nil, false
}

// Has reports whether every name is present.
func (t *Table) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := t.Column(n); !ok {
			return false
		}
	}
	return true
}

// Properties lists the vertex property names in file order.
func (t *Table) Properties() []string { return t.names }

func (t *Table) require(names ...string) ([][]float32, error) {
	out := make([][]float32, len(names))
	for i, n := range names {
		c, ok := t.Column(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingProperty, n)
		}
		out[i] = c
	}
	return out, nil
}

// ReadVertices parses the header and the vertex element. Elements declared
// before the vertex element are skipped; they must not hold list properties
// in binary files.
func ReadVertices(r io.Reader) (*Table, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	for _, el := range h.elements {
		if el.name == "vertex" {
			return readElement(br, h.format, el)
		}
		if err := skipElement(br, h.format, el); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: vertex element", ErrMissingProperty)
}

func skipElement(br *bufio.Reader, f Format, el element) error {
	if f == ASCII {
		for range el.count {
			if _, err := br.ReadString('\n'); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformed, el.name, err)
			}
		}
		return nil
	}
	stride := 0
	for _, p := range el.props {
		if p.list {
			return fmt.Errorf("%w: list property %s before vertex element", ErrUnsupportedFormat, p.name)
		}
		stride += p.typ.size()
	}
	if _, err := br.Discard(stride * el.count); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, el.name, err)
	}
	return nil
}

func readElement(br *bufio.Reader, f Format, el element) (*Table, error) {
	t := &Table{Format: f, Len: el.count}
	for _, p := range el.props {
		if p.list {
			return nil, fmt.Errorf("%w: list property %s in vertex element", ErrUnsupportedFormat, p.name)
		}
		t.names = append(t.names, p.name)
		t.cols = append(t.cols, make([]float32, el.count))
	}

	if f == ASCII {
		for i := range el.count {
			line, err := br.ReadString('\n')
			if err != nil && !(err == io.EOF && line != "") {
				return nil, fmt.Errorf("%w: vertex %d: %v", ErrMalformed, i, err)
			}
			fields := strings.Fields(line)
			if len(fields) < len(el.props) {
				return nil, fmt.Errorf("%w: vertex %d has %d values, want %d", ErrMalformed, i, len(fields), len(el.props))
			}
			for j := range el.props {
				v, err := strconv.ParseFloat(fields[j], 32)
				if err != nil {
					return nil, fmt.Errorf("%w: vertex %d: %v", ErrMalformed, i, err)
				}
				t.cols[j][i] = float32(v)
			}
		}
		return t, nil
	}

	stride := 0
	for _, p := range el.props {
		stride += p.typ.size()
	}
	row := make([]byte, stride)
	for i := range el.count {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, fmt.Errorf("%w: vertex %d: %v", ErrMalformed, i, err)
		}
		off := 0
		for j, p := range el.props {
			t.cols[j][i] = p.typ.decode(row[off:])
			off += p.typ.size()
		}
	}
	return t, nil
}
