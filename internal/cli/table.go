package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const (
	tablePadding = 2
	maxCellWidth = 60
)

// writeTable renders rows as aligned columns. Cells wider than
// maxCellWidth are truncated with an ellipsis.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	colCount := len(headers)
	for _, row := range rows {
		colCount = max(colCount, len(row))
	}
	if colCount == 0 {
		return nil
	}

	cell := func(row []string, idx int) string {
		if idx >= len(row) {
			return ""
		}
		value := strings.ReplaceAll(row[idx], "\n", " ")
		return runewidth.Truncate(value, maxCellWidth, "…")
	}

	widths := make([]int, colCount)
	measure := func(row []string) {
		for idx := range colCount {
			widths[idx] = max(widths[idx], runewidth.StringWidth(cell(row, idx)))
		}
	}
	if len(headers) > 0 {
		measure(headers)
	}
	for _, row := range rows {
		measure(row)
	}

	w := bufio.NewWriter(out)
	writeRow := func(row []string) {
		for idx := range colCount {
			value := cell(row, idx)
			if idx == colCount-1 {
				w.WriteString(value)
				break
			}
			w.WriteString(runewidth.FillRight(value, widths[idx]+tablePadding))
		}
		w.WriteString("\n")
	}
	if len(headers) > 0 {
		writeRow(headers)
	}
	for _, row := range rows {
		writeRow(row)
	}
	return w.Flush()
}

// WriteOutput writes v as indented JSON, or with --jsonl one object per line
// when v is a slice.
func WriteOutput(out io.Writer, v any) error {
	if IsJSONLOutput() {
		return writeJSONL(out, v)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONL(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return enc.Encode(v)
	}
	for i := range rv.Len() {
		if err := enc.Encode(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func structuredOutput() bool {
	return IsJSONOutput() || IsJSONLOutput()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		return "in " + (-d).String()
	}
	return d.String() + " ago"
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
