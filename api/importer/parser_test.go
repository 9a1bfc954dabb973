package importer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

var wechatCSV = strings.Join([]string{
	"微信支付账单明细",
	"微信昵称：[test]",
	"起始时间：[2024-01-01 00:00:00] 终止时间：[2024-01-31 23:59:59]",
	"----------------------微信支付账单明细列表--------------------",
	"交易时间,交易类型,交易对方,商品,收/支,金额(元),支付方式,当前状态,交易单号,商户单号,备注",
	`2024-01-15 12:30:45,商户消费,星巴克咖啡,拿铁,支出,¥35.00,零钱,支付成功,420001,M1001,"/"`,
	`2024-01-16 09:10:00,转账,张三,转账,支出,¥200.00,零钱,朋友已收钱,420002,M1002,"/"`,
	`2024-01-17 18:00:00,商户消费,美团外卖,晚餐,支出,"¥1,234.56",零钱,支付成功,420003,M1003,"/"`,
	"总交易 3 笔",
}, "\n")

func TestParseFileWeChatCSV(t *testing.T) {
	table := defaultMappingTable()
	result, err := ParseFile([]byte(wechatCSV), "微信支付账单.csv", table, 40)
	require.NoError(t, err)
	assert.Equal(t, 4, result.HeaderRow)

	reader := NewRowReader(result)
	assert.Equal(t, 3, reader.CandidateCount())

	row, rowErr := reader.Next()
	require.Nil(t, rowErr)
	require.NotNil(t, row)
	assert.Equal(t, 6, row.RowNumber)
	assert.Equal(t, "星巴克咖啡", row.MerchantName)
	assert.Equal(t, "35", row.Amount.String())
	assert.Equal(t, "支出", row.DirectionText)
	assert.Equal(t, "420001", row.ProviderTxnID)
}

func TestParseFileSkipsTotalRow(t *testing.T) {
	table := defaultMappingTable()
	result, err := ParseFile([]byte(wechatCSV), "bill.csv", table, 40)
	require.NoError(t, err)

	reader := NewRowReader(result)
	rows := 0
	for {
		row, rowErr := reader.Next()
		if row == nil && rowErr == nil {
			break
		}
		rows++
		require.Nil(t, rowErr)
	}
	assert.Equal(t, 3, rows)
}

func TestParseFileNoHeader(t *testing.T) {
	data := "just,some\nrandom,data\n"
	_, err := ParseFile([]byte(data), "bill.csv", defaultMappingTable(), 40)
	assert.ErrorIs(t, err, ErrNoHeaderRow)
}

func TestParseFileMissingColumns(t *testing.T) {
	data := "交易时间,金额(元)\n2024-01-01 10:00:00,35.00\n"
	_, err := ParseFile([]byte(data), "bill.csv", defaultMappingTable(), 40)
	assert.ErrorIs(t, err, ErrMissingColumns)
}

func TestParseFileUnsupportedFormat(t *testing.T) {
	_, err := ParseFile([]byte("x"), "bill.pdf", defaultMappingTable(), 40)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDecodeTextGB18030(t *testing.T) {
	encoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewEncoder(),
		[]byte("交易时间,金额"))
	require.NoError(t, err)

	decoded, err := decodeText(encoded)
	require.NoError(t, err)
	assert.Equal(t, "交易时间,金额", decoded)
}

func TestDecodeTextStripsBOM(t *testing.T) {
	decoded, err := decodeText([]byte("\xEF\xBB\xBFamount"))
	require.NoError(t, err)
	assert.Equal(t, "amount", decoded)
}

func TestParseTimestampFormats(t *testing.T) {
	cases := map[string]time.Time{
		"2024-01-15 12:30:45":   time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC),
		"2024/01/15 12:30:45":   time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC),
		"2024年1月15日 12:30:45":   time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC),
		"2024-01-15":            time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		"2024-1-5 9:05":         time.Date(2024, 1, 5, 9, 5, 0, 0, time.UTC),
	}
	for input, want := range cases {
		got, err := ParseTimestamp(input)
		require.NoError(t, err, input)
		assert.True(t, want.Equal(got), "input %q: got %v", input, got)
	}

	_, err := ParseTimestamp("not a date")
	assert.Error(t, err)
	_, err = ParseTimestamp("")
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"¥1,234.56": "1234.56",
		"￥35.00":    "35",
		"-88.00":    "-88",
		"$12.5":     "12.5",
		"100":       "100",
		"0.005":     "0.01",
	}
	for input, want := range cases {
		got, err := ParseAmount(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got.String(), "input %q", input)
	}

	for _, input := range []string{"", "abc", "-", "¥"} {
		_, err := ParseAmount(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestMapColumnsBindsFieldOnce(t *testing.T) {
	table := defaultMappingTable()
	header := []string{"交易时间", "时间", "金额(元)", "收/支"}
	colmap := table.MapColumns(header)

	assert.Equal(t, FieldTransactionTime, colmap[0])
	assert.Equal(t, FieldAmount, colmap[2])
	assert.Equal(t, FieldDirection, colmap[3])
	// The duplicate time column must not steal the binding.
	assert.NotEqual(t, FieldTransactionTime, colmap[1])
}

func TestFindHeaderRowScanLimit(t *testing.T) {
	rows := make([][]string, 50)
	for i := range rows {
		rows[i] = []string{"noise"}
	}
	rows[45] = []string{"交易时间", "金额", "收/支"}

	table := defaultMappingTable()
	assert.Equal(t, -1, table.FindHeaderRow(rows, 40))
	assert.Equal(t, 45, table.FindHeaderRow(rows, 50))
}
