package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"golang.org/x/term"
)

const (
	colorRed    = "31"
	colorGreen  = "32"
	colorYellow = "33"
	colorBlue   = "34"
)

var outputFormats = []string{"table", "json", "csv"}

func validateOutputFormat(output string) error {
	for _, f := range outputFormats {
		if output == f {
			return nil
		}
	}
	return fmt.Errorf("unknown output format %q: use one of %s", output, strings.Join(outputFormats, ", "))
}

// isTerminal reports whether w is a terminal. Only then are colors written.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

func colorize(w io.Writer, color, s string) string {
	if !isTerminal(w) {
		return s
	}
	return "\x1b[" + color + "m" + s + "\x1b[0m"
}

func printStatus(w io.Writer, color, msg string) {
	_, _ = fmt.Fprintln(w, colorize(w, color, msg))
}

// writeResult renders tbl in the given format.
func writeResult(w io.Writer, format string, tbl arrow.Table) error {
	switch format {
	case "json":
		return writeJSON(w, tbl)
	case "csv":
		return writeCSV(w, tbl)
	default:
		return writeTable(w, tbl)
	}
}

// eachRow calls fn with the row index and the arrays of every column for
// every row of tbl, chunk by chunk.
func eachRow(tbl arrow.Table, fn func(i int, cols []arrow.Array) error) error {
	rdr := array.NewTableReader(tbl, 0)
	defer rdr.Release()
	for rdr.Next() {
		rec := rdr.Record()
		cols := rec.Columns()
		for i := 0; i < int(rec.NumRows()); i++ {
			if err := fn(i, cols); err != nil {
				return err
			}
		}
	}
	return rdr.Err()
}

func cellString(arr arrow.Array, i int) string {
	if arr.IsNull(i) {
		return ""
	}
	return arr.ValueStr(i)
}

func writeTable(w io.Writer, tbl arrow.Table) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fields := tbl.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	if _, err := fmt.Fprintln(tw, strings.Join(names, "\t")); err != nil {
		return err
	}

	cells := make([]string, len(fields))
	err := eachRow(tbl, func(i int, cols []arrow.Array) error {
		for c, col := range cols {
			if col.IsNull(i) {
				cells[c] = "NULL"
			} else {
				cells[c] = col.ValueStr(i)
			}
		}
		_, err := fmt.Fprintln(tw, strings.Join(cells, "\t"))
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "(%d rows)\n", tbl.NumRows())
	return err
}

// writeJSON writes the rows as an array of objects with keys in column order.
func writeJSON(w io.Writer, tbl arrow.Table) error {
	fields := tbl.Schema().Fields()
	keys := make([][]byte, len(fields))
	for i, f := range fields {
		k, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		keys[i] = k
	}

	var b strings.Builder
	b.WriteString("[")
	first := true
	err := eachRow(tbl, func(i int, cols []arrow.Array) error {
		if !first {
			b.WriteString(",")
		}
		first = false
		b.WriteString("{")
		for c, col := range cols {
			if c > 0 {
				b.WriteString(",")
			}
			v, err := json.Marshal(col.GetOneForMarshal(i))
			if err != nil {
				return fmt.Errorf("encode column %s: %w", fields[c].Name, err)
			}
			b.Write(keys[c])
			b.WriteString(":")
			b.Write(v)
		}
		b.WriteString("}")
		return nil
	})
	if err != nil {
		return err
	}
	b.WriteString("]\n")
	_, err = io.WriteString(w, b.String())
	return err
}

func writeCSV(w io.Writer, tbl arrow.Table) error {
	cw := csv.NewWriter(w)
	fields := tbl.Schema().Fields()
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(fields))
	err := eachRow(tbl, func(i int, cols []arrow.Array) error {
		for c, col := range cols {
			row[c] = cellString(col, i)
		}
		return cw.Write(row)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
