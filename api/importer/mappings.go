package importer

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Canonical field names the parser maps provider headers onto.
const (
	FieldTransactionTime  = "transaction_time"
	FieldDirection        = "direction"
	FieldAmount           = "amount"
	FieldMerchantName     = "merchant_name"
	FieldPaymentMethod    = "payment_method"
	FieldRemark           = "remark"
	FieldProviderTxnID    = "provider_txn_id"
	FieldProviderCategory = "provider_category"
	FieldStatus           = "status"
)

// requiredFields must all be mapped for a file to be importable.
var requiredFields = []string{FieldTransactionTime, FieldDirection, FieldAmount}

// canonicalFields fixes the match order so mapping is deterministic.
var canonicalFields = []string{
	FieldTransactionTime, FieldDirection, FieldAmount, FieldMerchantName,
	FieldPaymentMethod, FieldRemark, FieldProviderTxnID,
	FieldProviderCategory, FieldStatus,
}

// MappingTable is the versioned, data-driven header synonym table. New
// provider export formats are supported by editing the YAML file, not code.
type MappingTable struct {
	Version  int                 `yaml:"version"`
	Synonyms map[string][]string `yaml:"synonyms"`
	// Markers are tokens whose presence identifies the header row inside a
	// noisy export preamble.
	HeaderMarkers []string `yaml:"header_markers"`
}

// defaultMappingTable covers WeChat and Alipay bill exports plus common
// English bank headers. Loaded table files extend or replace it.
func defaultMappingTable() *MappingTable {
	return &MappingTable{
		Version: 1,
		Synonyms: map[string][]string{
			FieldTransactionTime: {
				"交易时间", "交易时间(北京时间)", "创建时间", "交易日期", "时间",
				"transaction time", "transaction date", "date", "txn date",
			},
			FieldDirection: {
				"收/支", "交易类型", "收支类型", "类型",
				"direction", "transaction type", "type", "dr/cr",
			},
			FieldAmount: {
				"金额(元)", "金额", "交易金额",
				"amount", "transaction amount", "amount (cny)",
			},
			FieldMerchantName: {
				"交易对方", "商户名称", "商品说明", "商品", "对方账户", "商家",
				"merchant", "counterparty", "description", "payee",
			},
			FieldPaymentMethod: {
				"收/付款方式", "支付方式", "付款方式", "交易方式",
				"payment method", "pay method", "instrument",
			},
			FieldRemark: {
				"备注", "说明", "附言", "留言",
				"remark", "remarks", "note", "memo", "narration",
			},
			FieldProviderTxnID: {
				"交易单号", "订单号", "流水号", "交易号",
				"transaction id", "txn id", "reference", "ref no",
			},
			FieldProviderCategory: {
				"交易分类", "分类",
				"category", "provider category",
			},
			FieldStatus: {
				"当前状态", "交易状态", "支付状态", "状态",
				"status", "transaction status",
			},
		},
		HeaderMarkers: []string{
			"交易时间", "金额", "收/支", "交易类型",
			"transaction time", "amount", "date",
		},
	}
}

// LoadMappingTable reads a synonym table from path, falling back to the
// built-in defaults when path is empty or unreadable.
func LoadMappingTable(path string) (*MappingTable, error) {
	table := defaultMappingTable()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping table %s: %w", path, err)
	}
	loaded := &MappingTable{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("parse mapping table %s: %w", path, err)
	}
	if loaded.Version == 0 || len(loaded.Synonyms) == 0 {
		return nil, fmt.Errorf("mapping table %s has no version or synonyms", path)
	}
	if len(loaded.HeaderMarkers) == 0 {
		loaded.HeaderMarkers = table.HeaderMarkers
	}
	return loaded, nil
}

// normalizeHeader trims, strips non-breaking spaces and collapses whitespace.
func normalizeHeader(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.ReplaceAll(s, "\uFEFF", "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MapColumns assigns canonical fields to header columns in two passes: exact
// match first, then substring match. Matching is field-major and synonym
// order encodes priority, so 收/支 beats 交易类型 for the direction column
// when an export carries both. A field binds at most one column and a column
// at most one field.
func (t *MappingTable) MapColumns(header []string) map[int]string {
	assigned := map[int]string{}
	taken := map[string]bool{}

	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = normalizeHeader(h)
	}

	bind := func(match func(col, syn string) bool) {
		for _, field := range t.fieldOrder() {
			if taken[field] {
				continue
			}
			for _, syn := range t.Synonyms[field] {
				ns := normalizeHeader(syn)
				found := false
				for i, col := range normalized {
					if col == "" {
						continue
					}
					if _, used := assigned[i]; used {
						continue
					}
					if match(col, ns) {
						assigned[i] = field
						taken[field] = true
						found = true
						break
					}
				}
				if found {
					break
				}
			}
		}
	}

	bind(func(col, syn string) bool { return col == syn })
	bind(func(col, syn string) bool {
		return strings.Contains(col, syn) || strings.Contains(syn, col)
	})

	return assigned
}

// fieldOrder returns the known canonical fields first, then any extra fields
// a loaded table defines, in sorted order.
func (t *MappingTable) fieldOrder() []string {
	order := make([]string, 0, len(t.Synonyms))
	seen := map[string]bool{}
	for _, f := range canonicalFields {
		if _, ok := t.Synonyms[f]; ok {
			order = append(order, f)
			seen[f] = true
		}
	}
	extras := make([]string, 0)
	for f := range t.Synonyms {
		if !seen[f] {
			extras = append(extras, f)
		}
	}
	sort.Strings(extras)
	return append(order, extras...)
}

// IsHeaderRow reports whether a row re-matches the header marker tokens.
// Used both to locate the header and to skip repeated header lines in data.
func (t *MappingTable) IsHeaderRow(row []string) bool {
	hits := 0
	for _, cell := range row {
		v := normalizeHeader(cell)
		if v == "" {
			continue
		}
		for _, marker := range t.HeaderMarkers {
			if strings.Contains(v, normalizeHeader(marker)) {
				hits++
				break
			}
		}
	}
	return hits >= 2
}

// FindHeaderRow scans the leading rows of a noisy export for the header.
// Returns -1 when no header is present within maxScan rows.
func (t *MappingTable) FindHeaderRow(rows [][]string, maxScan int) int {
	for i := 0; i < len(rows) && i < maxScan; i++ {
		if t.IsHeaderRow(rows[i]) {
			return i
		}
	}
	return -1
}

// HasRequiredFields checks that the mapped columns cover timestamp,
// direction and amount.
func HasRequiredFields(colmap map[int]string) bool {
	have := map[string]bool{}
	for _, f := range colmap {
		have[f] = true
	}
	for _, f := range requiredFields {
		if !have[f] {
			return false
		}
	}
	return true
}
