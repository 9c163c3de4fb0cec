// Package rowmap holds one spreadsheet row with unpredictable column names and
// locates logical fields in it by ranked header fragments.
package rowmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindNull
	// KindRaw keeps nested JSON values verbatim.
	KindRaw
)

type Cell struct {
	Key   string
	Value string
	Kind  Kind
}

// Row is an ordered column-name to cell mapping. The zero value is an empty row.
type Row struct {
	cells []Cell
}

// New builds a row from a header line and one line of values. Columns with an empty
// header are dropped and missing trailing values become null cells.
func New(headers, values []string) Row {
	row := Row{cells: make([]Cell, 0, len(headers))}
	for i, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		if i >= len(values) {
			row.set(Cell{Key: header, Kind: KindNull})
			continue
		}
		row.set(Cell{Key: header, Value: values[i], Kind: KindString})
	}
	return row
}

// FromPairs builds a string-only row from alternating keys and values.
func FromPairs(pairs ...string) Row {
	row := Row{cells: make([]Cell, 0, len(pairs)/2)}
	for i := 0; i+1 < len(pairs); i += 2 {
		row.set(Cell{Key: pairs[i], Value: pairs[i+1], Kind: KindString})
	}
	return row
}

func (r Row) Len() int { return len(r.cells) }

func (r Row) Cells() []Cell {
	out := make([]Cell, len(r.cells))
	copy(out, r.cells)
	return out
}

// Value returns the raw value stored under key.
func (r Row) Value(key string) (string, bool) {
	for _, c := range r.cells {
		if c.Key == key {
			return c.Value, c.Kind != KindNull
		}
	}
	return "", false
}

// Get returns the trimmed value of the first column whose normalized name contains a
// candidate. Candidates are tried in order; within one candidate columns are scanned
// in row order. Columns with blank values are skipped.
func (r Row) Get(candidates ...string) (string, bool) {
	for _, candidate := range candidates {
		needle := strings.ToLower(strings.TrimSpace(candidate))
		if needle == "" {
			continue
		}
		for _, c := range r.cells {
			if !strings.Contains(strings.ToLower(strings.TrimSpace(c.Key)), needle) {
				continue
			}
			if v, ok := c.text(); ok {
				return v, true
			}
		}
	}
	return "", false
}

// GetExact returns the trimmed value of the first exact key variant holding a value.
func (r Row) GetExact(variants ...string) (string, bool) {
	for _, variant := range variants {
		for _, c := range r.cells {
			if c.Key != variant {
				continue
			}
			if v, ok := c.text(); ok {
				return v, true
			}
		}
	}
	return "", false
}

// IsEmpty reports whether every cell is null or blank.
func (r Row) IsEmpty() bool {
	for _, c := range r.cells {
		if _, ok := c.text(); ok {
			return false
		}
	}
	return true
}

func (c Cell) text() (string, bool) {
	if c.Kind == KindNull {
		return "", false
	}
	v := strings.TrimSpace(c.Value)
	return v, v != ""
}

// set replaces an existing key in place so a repeated JSON key keeps its first position.
func (r *Row) set(cell Cell) {
	for i := range r.cells {
		if r.cells[i].Key == cell.Key {
			r.cells[i] = cell
			return
		}
	}
	r.cells = append(r.cells, cell)
}

func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("decode row: expected object")
	}

	row := Row{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode row key: %w", err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode row value %q: %w", key, err)
		}
		cell, err := cellFromJSON(key, raw)
		if err != nil {
			return err
		}
		row.set(cell)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	*r = row
	return nil
}

func cellFromJSON(key string, raw json.RawMessage) (Cell, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Cell{Key: key, Kind: KindNull}, nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Cell{}, fmt.Errorf("decode row value %q: %w", key, err)
		}
		return Cell{Key: key, Value: s, Kind: KindString}, nil
	case 'n':
		return Cell{Key: key, Kind: KindNull}, nil
	case 't', 'f':
		return Cell{Key: key, Value: string(trimmed), Kind: KindBool}, nil
	case '{', '[':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return Cell{}, fmt.Errorf("decode row value %q: %w", key, err)
		}
		return Cell{Key: key, Value: compact.String(), Kind: KindRaw}, nil
	default:
		return Cell{Key: key, Value: string(trimmed), Kind: KindNumber}, nil
	}
}

// MarshalJSON re-emits the row in its original key order with each cell's original
// JSON kind. HTML characters are not escaped.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.cells {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(&buf, c.Key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		switch c.Kind {
		case KindNull:
			buf.WriteString("null")
		case KindNumber, KindBool, KindRaw:
			buf.WriteString(c.Value)
		default:
			if err := writeString(&buf, c.Value); err != nil {
				return nil, err
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode row string: %w", err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

var numericPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// ParseNumber reads the longest leading numeric prefix of a trimmed cell, so
// "10 pcs" is 10. A cell without a numeric prefix yields NaN.
func ParseNumber(raw string) float64 {
	match := numericPrefix.FindString(strings.TrimSpace(raw))
	if match == "" {
		return math.NaN()
	}
	// Out-of-range exponents come back as ±Inf alongside a range error.
	v, _ := strconv.ParseFloat(match, 64)
	return v
}
