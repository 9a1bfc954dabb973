package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// timestampFormats is tried in order before falling back to regex extraction.
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006/01/02 15:04:05.999999",
	"2006年1月2日 15:04:05",
	"01/02/2006 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
}

var (
	timestampRe = regexp.MustCompile(`(\d{4})[-/年](\d{1,2})[-/月](\d{1,2})日?[\sT]+(\d{1,2}):(\d{1,2})(?::(\d{1,2}))?`)
	amountRe    = regexp.MustCompile(`[^0-9.\-]`)
)

// ParseResult holds the decoded grid, located header and column bindings for
// one bill file.
type ParseResult struct {
	Rows      [][]string
	HeaderRow int
	Columns   map[int]string
}

// ParseFile decodes and parses a bill export, routing on the file extension.
// CSV is decoded as UTF-8 with a GB18030 fallback for legacy exports.
// The returned error is always file-level (sentinel).
func ParseFile(data []byte, filename string, table *MappingTable, maxScan int) (*ParseResult, error) {
	var rows [][]string
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		rows, err = parseCSVFile(data)
	case ".xlsx":
		rows, err = parseExcelFile(data)
	case ".xls":
		rows, err = parseXLSFile(data)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}

	headerIdx := table.FindHeaderRow(rows, maxScan)
	if headerIdx < 0 {
		return nil, ErrNoHeaderRow
	}

	colmap := table.MapColumns(rows[headerIdx])
	if !HasRequiredFields(colmap) {
		return nil, ErrMissingColumns
	}

	return &ParseResult{Rows: rows, HeaderRow: headerIdx, Columns: colmap}, nil
}

// decodeText strips a UTF-8 BOM and falls back to GB18030 when the payload
// is not valid UTF-8. WeChat exports predating 2021 are GBK-encoded.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), data)
	if err != nil || !utf8.Valid(decoded) {
		return "", ErrUndecodableFile
	}
	return string(decoded), nil
}

func parseCSVFile(data []byte) ([][]string, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, ErrNoHeaderRow
	}
	return rows, nil
}

func parseExcelFile(data []byte) ([][]string, error) {
	xl, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer xl.Close()

	sheetName := xl.GetSheetName(0)
	rows, err := xl.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	if len(rows) < 2 {
		return nil, ErrNoHeaderRow
	}
	return rows, nil
}

func parseXLSFile(data []byte) ([][]string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-16")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	rows := wb.ReadAllCells(50000)
	if len(rows) < 2 {
		return nil, ErrNoHeaderRow
	}
	return rows, nil
}

// RowReader yields typed rows lazily from a parsed grid. It is finite and
// non-restartable; a row that fails to parse comes back as a *RowError and
// iteration continues.
type RowReader struct {
	result *ParseResult
	next   int
	done   bool
}

func NewRowReader(result *ParseResult) *RowReader {
	return &RowReader{result: result, next: result.HeaderRow + 1}
}

// CandidateCount returns the number of data rows the reader will yield,
// excluding blanks, repeated headers and trailing total rows. The
// orchestrator records it as the batch total before processing starts.
func (r *RowReader) CandidateCount() int {
	n := 0
	for i := r.result.HeaderRow + 1; i < len(r.result.Rows); i++ {
		if !r.skippable(r.result.Rows[i]) {
			n++
		}
	}
	return n
}

func (r *RowReader) skippable(row []string) bool {
	if isEmptyRow(row) {
		return true
	}
	if isTotalRow(row) {
		return true
	}
	return r.result.Columns != nil && len(row) > 0 && r.tableIsHeader(row)
}

func (r *RowReader) tableIsHeader(row []string) bool {
	// A data row re-matching header tokens is a repeated header block.
	hits := 0
	for i, cell := range row {
		field, ok := r.result.Columns[i]
		if !ok {
			continue
		}
		v := normalizeHeader(cell)
		if v == "" {
			continue
		}
		if v == field || strings.Contains(v, "时间") || strings.Contains(v, "amount") || strings.Contains(v, "金额") {
			hits++
		}
	}
	return hits >= 2
}

// Next returns the next typed row or a row-scoped error. Both results are
// nil once the reader is exhausted.
func (r *RowReader) Next() (*ParsedRow, *RowError) {
	for ; r.next < len(r.result.Rows); r.next++ {
		row := r.result.Rows[r.next]
		if r.skippable(row) {
			continue
		}
		rowNumber := r.next + 1 // 1-based position in the file
		r.next++
		return r.parseRow(row, rowNumber)
	}
	r.done = true
	return nil, nil
}

func (r *RowReader) cell(row []string, field string) string {
	for i, f := range r.result.Columns {
		if f == field && i < len(row) {
			return strings.TrimSpace(row[i])
		}
	}
	return ""
}

func (r *RowReader) rawRow(row []string) RawRow {
	raw := RawRow{
		TransactionTime:  r.cell(row, FieldTransactionTime),
		Direction:        r.cell(row, FieldDirection),
		Amount:           r.cell(row, FieldAmount),
		MerchantName:     r.cell(row, FieldMerchantName),
		PaymentMethod:    r.cell(row, FieldPaymentMethod),
		Remark:           r.cell(row, FieldRemark),
		ProviderTxnID:    r.cell(row, FieldProviderTxnID),
		ProviderCategory: r.cell(row, FieldProviderCategory),
	}
	for i, cell := range row {
		if _, mapped := r.result.Columns[i]; !mapped {
			v := strings.TrimSpace(cell)
			if v == "" {
				continue
			}
			if raw.Extra == nil {
				raw.Extra = map[string]string{}
			}
			key := fmt.Sprintf("col_%d", i)
			if i < len(r.result.Rows[r.result.HeaderRow]) {
				if h := strings.TrimSpace(r.result.Rows[r.result.HeaderRow][i]); h != "" {
					key = h
				}
			}
			raw.Extra[key] = v
		}
	}
	return raw
}

func (r *RowReader) parseRow(row []string, rowNumber int) (*ParsedRow, *RowError) {
	raw := r.rawRow(row)

	ts, err := ParseTimestamp(raw.TransactionTime)
	if err != nil {
		return nil, &RowError{
			RowNumber: rowNumber,
			Kind:      ErrKindInvalidDate,
			Message:   fmt.Sprintf("row %d: %v", rowNumber, err),
			Raw:       raw,
		}
	}

	amount, err := ParseAmount(raw.Amount)
	if err != nil {
		return nil, &RowError{
			RowNumber: rowNumber,
			Kind:      ErrKindInvalidAmount,
			Message:   fmt.Sprintf("row %d: %v", rowNumber, err),
			Raw:       raw,
		}
	}

	return &ParsedRow{
		RowNumber:        rowNumber,
		Time:             ts,
		DirectionText:    raw.Direction,
		Amount:           amount,
		MerchantName:     cleanMerchantName(raw.MerchantName),
		PaymentMethod:    raw.PaymentMethod,
		Remark:           raw.Remark,
		ProviderTxnID:    cleanProviderID(raw.ProviderTxnID),
		ProviderCategory: raw.ProviderCategory,
		Raw:              raw,
	}, nil
}

// ParseTimestamp tries the known formats in order, then regex extraction.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("transaction time is empty")
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if m := timestampRe.FindStringSubmatch(s); m != nil {
		sec := m[6]
		if sec == "" {
			sec = "0"
		}
		t, err := time.Parse("2006-1-2 15:4:5",
			fmt.Sprintf("%s-%s-%s %s:%s:%s", m[1], m[2], m[3], m[4], m[5], sec))
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}

// ParseAmount strips currency symbols and thousands separators while
// preserving the sign, and rounds to the ledger's 2-decimal scale.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	clean := amountRe.ReplaceAllString(s, "")
	if clean == "" || clean == "-" || clean == "." {
		return decimal.Zero, fmt.Errorf("unparseable amount %q", s)
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable amount %q", s)
	}
	return d.Round(2), nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// isTotalRow detects trailing summary lines appended by bill exporters.
func isTotalRow(row []string) bool {
	if len(row) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	return strings.HasPrefix(first, "总") || strings.HasPrefix(first, "合计") ||
		strings.HasPrefix(first, "total") || strings.HasPrefix(first, "笔数")
}

var invalidNames = map[string]bool{
	"": true, "-": true, "/": true, "null": true, "none": true, "nan": true, "未知": true,
}

func cleanMerchantName(s string) string {
	s = strings.TrimSpace(s)
	if invalidNames[strings.ToLower(s)] {
		return ""
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func cleanProviderID(s string) string {
	s = strings.TrimSpace(s)
	if invalidNames[strings.ToLower(s)] {
		return ""
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
