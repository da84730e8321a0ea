package normalize

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var unsafeSheetChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SheetSlug makes a sheet name safe for use in a filename.
func SheetSlug(name string) string {
	slug := strings.Trim(unsafeSheetChars.ReplaceAllString(name, "-"), "-")
	if slug == "" {
		return "sheet"
	}
	return slug
}

// convertXLSX writes one CSV per worksheet using the streaming row reader.
// Formulas contribute their cached results and plain numbers keep their
// stored decimal text. Date-styled numbers become "2006-01-02 15:04:05"
// (or "15:04:05" for time-only formats) and booleans "True"/"False".
func (n *Normalizer) convertXLSX(ctx context.Context, job Job) ([]string, error) {
	book, err := excelize.OpenFile(job.Src, excelize.Options{UnzipSizeLimit: n.cfg.MaxExtractBytes})
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", job.Src, err)
	}
	defer func() {
		if cerr := book.Close(); cerr != nil {
			n.logger.Debug("close workbook", zap.String("src", job.Src), zap.Error(cerr))
		}
	}()

	var outputs []string
	for _, sheet := range book.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return outputs, fmt.Errorf("workbook conversion canceled: %w", err)
		}
		out := filepath.Join(job.OutDir, fmt.Sprintf("%s-%s.csv", job.Stem, SheetSlug(sheet)))
		if err := writeSheet(book, sheet, out, newCellRenderer(book)); err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func writeSheet(book *excelize.File, sheet, out string, render *cellRenderer) error {
	width := sheetWidth(book, sheet)
	rows, err := book.Rows(sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	defer func() { _ = rows.Close() }()

	return writeCSV(out, func(w *csv.Writer) error {
		for row := 1; rows.Next(); row++ {
			cells, err := rows.Columns(excelize.Options{RawCellValue: true})
			if err != nil {
				return fmt.Errorf("read row in sheet %q: %w", sheet, err)
			}
			for i, raw := range cells {
				if raw != "" {
					cells[i] = render.text(sheet, i+1, row, raw)
				}
			}
			for len(cells) < width {
				cells = append(cells, "")
			}
			if err := w.Write(cleanRecord(cells)); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		if err := rows.Error(); err != nil {
			return fmt.Errorf("iterate sheet %q: %w", sheet, err)
		}
		return nil
	})
}

// sheetWidth reads the declared used range (e.g. "A1:F20") so short rows can
// be padded; 0 means unknown.
func sheetWidth(book *excelize.File, sheet string) int {
	dim, err := book.GetSheetDimension(sheet)
	if err != nil || dim == "" {
		return 0
	}
	parts := strings.Split(dim, ":")
	col, _, err := excelize.CellNameToCoordinates(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return col
}

// Built-in number formats that display dates or times.
var builtinDateFormats = map[int]bool{
	14: true, 15: true, 16: true, 17: true, 22: true,
	27: true, 28: true, 29: true, 30: true, 31: true, 32: true, 33: true, 34: true, 35: true, 36: true,
	50: true, 51: true, 52: true, 53: true, 54: true, 55: true, 56: true, 57: true, 58: true,
}

// Built-in number formats that display only a time of day.
var builtinTimeFormats = map[int]bool{18: true, 19: true, 20: true, 21: true, 45: true, 46: true, 47: true}

var (
	numFmtLiterals = regexp.MustCompile(`"[^"]*"|\\.|\[[^\]]*\]`)
	numFmtDateRune = regexp.MustCompile(`(?i)[dy]`)
	numFmtTimeRune = regexp.MustCompile(`(?i)[hs]`)
)

type dateKind int

const (
	notDate dateKind = iota
	dateTime
	timeOnly
)

// cellRenderer turns raw cell values into the text written to CSV. Style
// lookups are cached per style id.
type cellRenderer struct {
	book     *excelize.File
	date1904 bool
	kinds    map[int]dateKind
}

func newCellRenderer(book *excelize.File) *cellRenderer {
	r := &cellRenderer{book: book, kinds: map[int]dateKind{}}
	if props, err := book.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		r.date1904 = *props.Date1904
	}
	return r
}

func (r *cellRenderer) text(sheet string, col, row int, raw string) string {
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		// Only booleans and numbers need a type lookup.
		return raw
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return raw
	}
	typ, err := r.book.GetCellType(sheet, cell)
	if err != nil {
		return raw
	}
	switch typ {
	case excelize.CellTypeBool:
		if serial != 0 {
			return "True"
		}
		return "False"
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
		styleID, err := r.book.GetCellStyle(sheet, cell)
		if err != nil {
			return raw
		}
		kind := r.kind(styleID)
		if kind == notDate {
			return raw
		}
		if kind == timeOnly && serial >= 0 && serial < 1 {
			micros := math.Round(serial * 86400 * 1e6)
			return formatClock(time.Time{}.Add(time.Duration(micros) * time.Microsecond))
		}
		t, err := excelize.ExcelDateToTime(serial, r.date1904)
		if err != nil {
			return raw
		}
		return t.Format("2006-01-02 ") + formatClock(t)
	default:
		return raw
	}
}

func (r *cellRenderer) kind(styleID int) dateKind {
	if k, ok := r.kinds[styleID]; ok {
		return k
	}
	k := notDate
	if style, err := r.book.GetStyle(styleID); err == nil && style != nil {
		k = numFmtKind(style.NumFmt, style.CustomNumFmt)
	}
	r.kinds[styleID] = k
	return k
}

func numFmtKind(id int, custom *string) dateKind {
	switch {
	case builtinDateFormats[id]:
		return dateTime
	case builtinTimeFormats[id]:
		return timeOnly
	case custom == nil:
		return notDate
	}
	code := numFmtLiterals.ReplaceAllString(*custom, "")
	switch {
	case numFmtDateRune.MatchString(code):
		return dateTime
	case numFmtTimeRune.MatchString(code):
		return timeOnly
	default:
		return notDate
	}
}

// formatClock renders the time of day with microseconds only when present.
func formatClock(t time.Time) string {
	clock := t.Format("15:04:05")
	if us := t.Nanosecond() / int(time.Microsecond); us != 0 {
		clock += fmt.Sprintf(".%06d", us)
	}
	return clock
}
