package rowjson

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/koustreak/pgdispatch/internal/errs"
)

// voidOID is the type of functions returning void; pgtype does not name it.
const voidOID = 2278

// ResultFormats is passed as the first query argument so that every type with
// a dedicated mapping comes back in binary and every other type in text.
// Text is what makes the string fallback work for arbitrary types.
var ResultFormats = pgx.QueryResultFormatsByOID{
	pgtype.BoolOID:           pgtype.BinaryFormatCode,
	pgtype.Int2OID:           pgtype.BinaryFormatCode,
	pgtype.Int4OID:           pgtype.BinaryFormatCode,
	pgtype.Int8OID:           pgtype.BinaryFormatCode,
	pgtype.OIDOID:            pgtype.BinaryFormatCode,
	pgtype.QCharOID:          pgtype.BinaryFormatCode,
	pgtype.Float4OID:         pgtype.BinaryFormatCode,
	pgtype.Float8OID:         pgtype.BinaryFormatCode,
	pgtype.NumericOID:        pgtype.BinaryFormatCode,
	pgtype.TimestampOID:      pgtype.BinaryFormatCode,
	pgtype.UUIDOID:           pgtype.BinaryFormatCode,
	pgtype.TextOID:           pgtype.BinaryFormatCode,
	pgtype.VarcharOID:        pgtype.BinaryFormatCode,
	pgtype.BoolArrayOID:      pgtype.BinaryFormatCode,
	pgtype.Int2ArrayOID:      pgtype.BinaryFormatCode,
	pgtype.Int4ArrayOID:      pgtype.BinaryFormatCode,
	pgtype.Int8ArrayOID:      pgtype.BinaryFormatCode,
	pgtype.Float4ArrayOID:    pgtype.BinaryFormatCode,
	pgtype.Float8ArrayOID:    pgtype.BinaryFormatCode,
	pgtype.NumericArrayOID:   pgtype.BinaryFormatCode,
	pgtype.TimestampArrayOID: pgtype.BinaryFormatCode,
	pgtype.TextArrayOID:      pgtype.BinaryFormatCode,
	pgtype.NameArrayOID:      pgtype.BinaryFormatCode,
	pgtype.VarcharArrayOID:   pgtype.BinaryFormatCode,
}

// Column is the metadata the converter needs for one result column.
type Column struct {
	Name   string
	OID    uint32
	Format int16 // pgtype.TextFormatCode or pgtype.BinaryFormatCode
}

// Columns extracts column metadata from pgx field descriptions.
func Columns(fields []pgconn.FieldDescription) []Column {
	cols := make([]Column, len(fields))
	for i, f := range fields {
		cols[i] = Column{Name: f.Name, OID: f.DataTypeOID, Format: f.Format}
	}
	return cols
}

// Converter turns raw cells into JSON values using a pgtype.Map for decoding.
// Decoding only reads from the map, so one Converter may be shared.
type Converter struct {
	types *pgtype.Map
}

// New returns a Converter. A nil map uses pgx's default type registrations.
func New(types *pgtype.Map) *Converter {
	if types == nil {
		types = pgtype.NewMap()
	}
	return &Converter{types: types}
}

// Collect drains rows into an Array and closes them. It fails as a whole: a
// decode error in any cell discards everything converted so far.
func Collect(rows pgx.Rows) (Array, error) {
	defer rows.Close()

	var types *pgtype.Map
	if conn := rows.Conn(); conn != nil {
		types = conn.TypeMap()
	}
	c := New(types)
	cols := Columns(rows.FieldDescriptions())

	out := make(Array, 0)
	for rows.Next() {
		obj, err := c.Row(cols, rows.RawValues())
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrKindDriver, "query failed", err)
	}
	return out, nil
}

// Rows converts an already materialized result set.
func (c *Converter) Rows(cols []Column, rows [][][]byte) (Array, error) {
	out := make(Array, 0, len(rows))
	for _, raw := range rows {
		obj, err := c.Row(cols, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Row converts one row. values[i] is the raw cell for cols[i]; nil is NULL.
func (c *Converter) Row(cols []Column, values [][]byte) (*Object, error) {
	if len(values) != len(cols) {
		return nil, errs.New(errs.ErrKindDecode,
			fmt.Sprintf("row has %d values for %d columns", len(values), len(cols)))
	}

	obj := NewObject(len(cols))
	for i, col := range cols {
		v, err := c.Value(col, values[i])
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindDecode,
				fmt.Sprintf("column %q (oid %d)", col.Name, col.OID), err)
		}
		obj.Set(col.Name, v)
	}
	return obj, nil
}

// Value converts a single cell.
func (c *Converter) Value(col Column, src []byte) (any, error) {
	if src == nil || col.OID == voidOID {
		return nil, nil
	}
	return c.decode(col, src)
}

// decode holds the per-type mapping. Each case scans into a typed target and
// maps it to a JSON-ready value.
func (c *Converter) decode(col Column, src []byte) (any, error) {
	switch col.OID {
	case pgtype.BoolOID:
		var v bool
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return v, nil

	case pgtype.Int2OID:
		var v int16
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return int64(v), nil

	case pgtype.Int4OID:
		var v int32
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return int64(v), nil

	case pgtype.Int8OID:
		var v int64
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return v, nil

	case pgtype.OIDOID:
		var v uint32
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return int64(v), nil

	case pgtype.QCharOID:
		// Decimal text of the signed byte, kept for compatibility with
		// existing consumers.
		var v byte
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return strconv.Itoa(int(int8(v))), nil

	case pgtype.Float4OID:
		var v float32
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return floatValue(float64(v)), nil

	case pgtype.Float8OID:
		var v float64
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return floatValue(v), nil

	case pgtype.NumericOID:
		var v pgtype.Numeric
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return numericValue(v)

	case pgtype.TimestampOID:
		var v pgtype.Timestamp
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return timestampValue(v), nil

	case pgtype.UUIDOID:
		var v pgtype.UUID
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return uuid.UUID(v.Bytes).String(), nil

	case pgtype.BoolArrayOID:
		var v []pgtype.Bool
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Bool) (any, error) {
			if !e.Valid {
				return nil, nil
			}
			return e.Bool, nil
		})

	case pgtype.Int2ArrayOID:
		var v []pgtype.Int2
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Int2) (any, error) {
			if !e.Valid {
				return nil, nil
			}
			return int64(e.Int16), nil
		})

	case pgtype.Int4ArrayOID:
		var v []pgtype.Int4
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Int4) (any, error) {
			if !e.Valid {
				return nil, nil
			}
			return int64(e.Int32), nil
		})

	case pgtype.Int8ArrayOID:
		var v []pgtype.Int8
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Int8) (any, error) {
			if !e.Valid {
				return nil, nil
			}
			return e.Int64, nil
		})

	case pgtype.Float4ArrayOID:
		var v []pgtype.Float4
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Float4) (any, error) {
			if !e.Valid {
				return nil, nil
			}
			return floatValue(float64(e.Float32)), nil
		})

	case pgtype.Float8ArrayOID:
		var v []pgtype.Float8
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Float8) (any, error) {
			if !e.Valid {
				return nil, nil
			}
			return floatValue(e.Float64), nil
		})

	case pgtype.NumericArrayOID:
		var v []pgtype.Numeric
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, numericValue)

	case pgtype.TimestampArrayOID:
		var v []pgtype.Timestamp
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Timestamp) (any, error) {
			return timestampValue(e), nil
		})

	case pgtype.TextArrayOID, pgtype.NameArrayOID, pgtype.VarcharArrayOID:
		var v []pgtype.Text
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return mapArray(v, func(e pgtype.Text) (any, error) {
			if !e.Valid {
				return nil, nil
			}
			return e.String, nil
		})

	default:
		// TEXT, NAME, VARCHAR and every type without a dedicated mapping.
		var v string
		if err := c.scan(col, src, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func (c *Converter) scan(col Column, src []byte, dst any) error {
	return c.types.Scan(col.OID, col.Format, src, dst)
}

// --- scalar mappings ---

// floatValue returns f as a JSON number, or as the strings "NaN",
// "Infinity" and "-Infinity" which the JSON number grammar cannot carry.
func floatValue(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

// numericValue keeps the exact decimal text as a JSON number. Special
// values become strings.
func numericValue(n pgtype.Numeric) (any, error) {
	switch {
	case !n.Valid:
		return nil, nil
	case n.NaN:
		return "NaN", nil
	case n.InfinityModifier == pgtype.Infinity:
		return "Infinity", nil
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return "-Infinity", nil
	}
	b, err := n.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Number(b), nil
}

// timestampValue treats a TIMESTAMP (without time zone) as a UTC instant.
// RFC 3339 only covers years 1 through 9999; timestamps outside that range
// are written the way PostgreSQL prints them, with a " BC" suffix before
// year 1.
func timestampValue(ts pgtype.Timestamp) any {
	if !ts.Valid {
		return nil
	}
	switch ts.InfinityModifier {
	case pgtype.Infinity:
		return "infinity"
	case pgtype.NegativeInfinity:
		return "-infinity"
	}
	t := ts.Time.UTC()
	if y := t.Year(); y < 1 || y > 9999 {
		return timestampText(t)
	}
	return t.Format(time.RFC3339Nano)
}

// timestampText renders t as PostgreSQL's ISO DateStyle output. Year 0 in
// Go's proleptic calendar is 1 BC.
func timestampText(t time.Time) string {
	year, suffix := t.Year(), ""
	if year < 1 {
		year, suffix = 1-year, " BC"
	}
	s := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
		year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
	if us := t.Nanosecond() / 1000; us > 0 {
		s += strings.TrimRight(fmt.Sprintf(".%06d", us), "0")
	}
	return s + suffix
}

func mapArray[T any](in []T, f func(T) (any, error)) (any, error) {
	out := make([]any, len(in))
	for i, e := range in {
		v, err := f(e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
