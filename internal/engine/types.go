package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
)

// decimalRe matches DECIMAL(p,s) / NUMERIC(p,s) type names.
var decimalRe = regexp.MustCompile(`^(?:DECIMAL|NUMERIC)\s*\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)$`)

// Naive timestamps carry no zone; only TIMESTAMPTZ is an instant.
var (
	timestampUS  = &arrow.TimestampType{Unit: arrow.Microsecond}
	timestampNS  = &arrow.TimestampType{Unit: arrow.Nanosecond}
	timestampUTC = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
)

// ArrowType maps a DuckDB column type name to the Arrow type used on the wire.
// Nested and exotic types are rendered as text.
func ArrowType(dbType string) arrow.DataType {
	t := strings.ToUpper(strings.TrimSpace(dbType))

	switch {
	case strings.HasSuffix(t, "]"),
		strings.HasPrefix(t, "STRUCT"),
		strings.HasPrefix(t, "MAP"),
		strings.HasPrefix(t, "UNION"):
		return arrow.BinaryTypes.String
	case strings.HasPrefix(t, "DECIMAL"), strings.HasPrefix(t, "NUMERIC"):
		return decimalType(t)
	case strings.HasPrefix(t, "VARCHAR"), strings.HasPrefix(t, "ENUM"):
		return arrow.BinaryTypes.String
	}

	switch t {
	case "BIGINT", "INT8", "LONG", "INT64":
		return arrow.PrimitiveTypes.Int64
	case "INTEGER", "INT4", "INT", "SIGNED", "INT32":
		return arrow.PrimitiveTypes.Int32
	case "SMALLINT", "INT2", "SHORT", "INT16":
		return arrow.PrimitiveTypes.Int16
	case "TINYINT", "INT1":
		return arrow.PrimitiveTypes.Int8
	case "UBIGINT":
		return arrow.PrimitiveTypes.Uint64
	case "UINTEGER":
		return arrow.PrimitiveTypes.Uint32
	case "USMALLINT":
		return arrow.PrimitiveTypes.Uint16
	case "UTINYINT":
		return arrow.PrimitiveTypes.Uint8
	case "HUGEINT", "INT128":
		return &arrow.Decimal128Type{Precision: 38, Scale: 0}
	case "DOUBLE", "FLOAT8":
		return arrow.PrimitiveTypes.Float64
	case "FLOAT", "REAL", "FLOAT4":
		return arrow.PrimitiveTypes.Float32
	case "BOOLEAN", "BOOL", "LOGICAL":
		return arrow.FixedWidthTypes.Boolean
	case "BLOB", "BYTEA", "BINARY", "VARBINARY":
		return arrow.BinaryTypes.Binary
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIME":
		return arrow.FixedWidthTypes.Time64us
	case "TIMESTAMP", "DATETIME", "TIMESTAMP_US", "TIMESTAMP_MS", "TIMESTAMP_S":
		return timestampUS
	case "TIMESTAMP_NS":
		return timestampNS
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return timestampUTC
	case "INTERVAL":
		return arrow.FixedWidthTypes.MonthDayNanoInterval
	default:
		return arrow.BinaryTypes.String
	}
}

func decimalType(t string) arrow.DataType {
	m := decimalRe.FindStringSubmatch(t)
	if m == nil {
		// DuckDB's default DECIMAL width and scale.
		return &arrow.Decimal128Type{Precision: 18, Scale: 3}
	}
	p, _ := strconv.Atoi(m[1])
	s := 0
	if m[2] != "" {
		s, _ = strconv.Atoi(m[2])
	}
	if p < 1 || p > 38 || s > p {
		return arrow.BinaryTypes.String
	}
	return &arrow.Decimal128Type{Precision: int32(p), Scale: int32(s)}
}

// column pairs a result column with its Arrow field.
type column struct {
	name   string
	dbType string
}

// schemaFromColumnTypes builds an Arrow schema from driver column metadata.
// Every field is nullable: DuckDB does not report nullability for query results.
func schemaFromColumnTypes(cts []*sql.ColumnType) (*arrow.Schema, []column) {
	fields := make([]arrow.Field, len(cts))
	cols := make([]column, len(cts))
	for i, ct := range cts {
		cols[i] = column{name: ct.Name(), dbType: strings.ToUpper(ct.DatabaseTypeName())}
		fields[i] = arrow.Field{
			Name:     ct.Name(),
			Type:     ArrowType(ct.DatabaseTypeName()),
			Nullable: true,
		}
	}
	return arrow.NewSchema(fields, nil), cols
}

// appendValue appends one scanned driver value to the builder for its column.
func appendValue(b array.Builder, col column, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Int32Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int32(n))
	case *array.Int16Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int16(n))
	case *array.Int8Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int8(n))
	case *array.Uint64Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Uint32Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		b.Append(uint32(n))
	case *array.Uint16Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		b.Append(uint16(n))
	case *array.Uint8Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		b.Append(uint8(n))
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.Float32Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(float32(f))
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot convert %T to bool", v)
		}
		b.Append(val)
	case *array.StringBuilder:
		b.Append(toString(col, v))
	case *array.BinaryBuilder:
		switch val := v.(type) {
		case []byte:
			b.Append(val)
		case string:
			b.AppendString(val)
		default:
			return fmt.Errorf("cannot convert %T to binary", v)
		}
	case *array.Date32Builder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot convert %T to date", v)
		}
		b.Append(arrow.Date32FromTime(t))
	case *array.Time64Builder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot convert %T to time", v)
		}
		sinceMidnight := time.Duration(t.Hour())*time.Hour +
			time.Duration(t.Minute())*time.Minute +
			time.Duration(t.Second())*time.Second +
			time.Duration(t.Nanosecond())
		b.Append(arrow.Time64(sinceMidnight.Microseconds()))
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot convert %T to timestamp", v)
		}
		unit := b.Type().(*arrow.TimestampType).Unit
		if unit == arrow.Nanosecond {
			b.Append(arrow.Timestamp(t.UnixNano()))
		} else {
			b.Append(arrow.Timestamp(t.UnixMicro()))
		}
	case *array.MonthDayNanoIntervalBuilder:
		switch iv := v.(type) {
		case duckdb.Interval:
			b.Append(arrow.MonthDayNanoInterval{Months: iv.Months, Days: iv.Days, Nanoseconds: iv.Micros * 1000})
		case *duckdb.Interval:
			b.Append(arrow.MonthDayNanoInterval{Months: iv.Months, Days: iv.Days, Nanoseconds: iv.Micros * 1000})
		default:
			return fmt.Errorf("cannot convert %T to interval", v)
		}
	case *array.Decimal128Builder:
		n, err := toDecimal128(v, b.Type().(*arrow.Decimal128Type))
		if err != nil {
			return err
		}
		b.Append(n)
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case int32:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to unsigned integer", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

func toDecimal128(v any, dt *arrow.Decimal128Type) (decimal128.Num, error) {
	switch n := v.(type) {
	case duckdb.Decimal:
		return decimal128.FromBigInt(n.Value), nil
	case *duckdb.Decimal:
		return decimal128.FromBigInt(n.Value), nil
	case *big.Int:
		return decimal128.FromBigInt(n), nil
	case int64:
		return decimal128.FromI64(n).Mul(decimal128.FromU64(pow10(dt.Scale))), nil
	case float64:
		return decimal128.FromFloat64(n, dt.Precision, dt.Scale)
	default:
		return decimal128.Num{}, fmt.Errorf("cannot convert %T to decimal", v)
	}
}

func pow10(scale int32) uint64 {
	out := uint64(1)
	for range scale {
		out *= 10
	}
	return out
}

// toString renders a value for a text column. Nested values become JSON when
// they can be encoded, otherwise Go's default formatting.
func toString(col column, v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		if col.dbType == "UUID" && len(val) == 16 {
			if id, err := uuid.FromBytes(val); err == nil {
				return id.String()
			}
		}
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	case []any, map[string]any:
		if data, err := json.Marshal(val); err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}
