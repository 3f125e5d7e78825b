package results

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/mapharvest/internal/record"
)

// Codec encodes and decodes the full result set in one file format.
type Codec interface {
	// Ext is the file extension including the dot.
	Ext() string
	Encode(w io.Writer, records []record.Record) error
	Decode(r io.Reader) ([]record.Record, error)
}

var errNoHeader = errors.New("file has no header row")

// CSVCodec writes UTF-8 CSV with a byte order mark so spreadsheet tools
// detect the encoding.
type CSVCodec struct{}

// Ext implements Codec.
func (CSVCodec) Ext() string { return ".csv" }

// Encode implements Codec.
func (CSVCodec) Encode(w io.Writer, records []record.Record) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("\ufeff"); err != nil {
		return fmt.Errorf("write bom: %w", err)
	}
	cw := csv.NewWriter(bw)
	if err := cw.Write(record.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(r.Row()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return bw.Flush()
}

// Decode implements Codec.
func (CSVCodec) Decode(r io.Reader) ([]record.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	h, err := record.ParseHeader(header)
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		out = append(out, h.Decode(row))
	}
	return out, nil
}

// XLSXCodec writes a single worksheet workbook.
type XLSXCodec struct {
	Sheet string
}

// Ext implements Codec.
func (XLSXCodec) Ext() string { return ".xlsx" }

func (c XLSXCodec) sheet() string {
	if c.Sheet == "" {
		return "Results"
	}
	return c.Sheet
}

// numericColumns are written as numbers rather than text.
var numericColumns = map[int]bool{4: true, 5: true, 10: true, 11: true, 13: true}

// Encode implements Codec.
func (c XLSXCodec) Encode(w io.Writer, records []record.Record) error {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck // in-memory workbook

	sheet := c.sheet()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}
	header := make([]any, len(record.Columns))
	for i, col := range record.Columns {
		header[i] = col
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}
	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, xlsxRow(r.Row())); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func xlsxRow(row []string) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
		if !numericColumns[i] || v == "" {
			continue
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[i] = n
		}
	}
	return out
}

// Decode implements Codec. The configured sheet is read when present,
// otherwise the first sheet.
func (c XLSXCodec) Decode(r io.Reader) ([]record.Record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only workbook

	sheet := c.sheet()
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errNoHeader
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, errNoHeader
	}
	h, err := record.ParseHeader(rows[0])
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		out = append(out, h.Decode(row))
	}
	return out, nil
}
