package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SmartBillBook/internal/config"
)

func TestMatchRulesExactKeyword(t *testing.T) {
	match := MatchRules("星巴克", "", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "餐饮", match.CategoryName)
	assert.Equal(t, config.RuleConfidenceHigh, match.Confidence)
}

func TestMatchRulesSubstring(t *testing.T) {
	match := MatchRules("星巴克咖啡(北京朝阳店)", "", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "餐饮", match.CategoryName)
	assert.Equal(t, config.RuleConfidenceLow, match.Confidence)
}

func TestMatchRulesEnglish(t *testing.T) {
	match := MatchRules("Starbucks Reserve Roastery", "", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "餐饮", match.CategoryName)
}

func TestMatchRulesIncomeDirection(t *testing.T) {
	match := MatchRules("某公司工资代发", "", "income")
	require.NotNil(t, match)
	assert.Equal(t, "工资", match.CategoryName)

	// income tables are not consulted for expenses
	assert.Nil(t, MatchRules("某公司工资代发", "", "expense"))
}

func TestMatchRulesTransport(t *testing.T) {
	match := MatchRules("滴滴出行", "", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "交通", match.CategoryName)
}

func TestMatchRulesNoHit(t *testing.T) {
	assert.Nil(t, MatchRules("完全未知的商户", "", "expense"))
	assert.Nil(t, MatchRules("", "", "expense"))
	assert.Nil(t, MatchRules("   ", "", "income"))
}

func TestMatchRulesExactConfidence(t *testing.T) {
	match := MatchRules("加油", "", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "交通", match.CategoryName)
	assert.Equal(t, config.RuleConfidenceHigh, match.Confidence)
}

func TestMatchRulesBestScoreWins(t *testing.T) {
	// "美团" alone scores one point for 餐饮, but 打车 + 出行 give 交通
	// two points, so the higher-scoring later entry wins.
	match := MatchRules("美团打车出行", "", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "交通", match.CategoryName)
}

func TestMatchRulesDescriptionHit(t *testing.T) {
	// the merchant name alone is unknown; the description decides
	match := MatchRules("某某科技有限公司", "地铁乘车码充值", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "交通", match.CategoryName)
	assert.Equal(t, config.RuleConfidenceLow, match.Confidence)
}

func TestMatchRulesDescriptionDoesNotOutrankExact(t *testing.T) {
	// an exact name match keeps the high confidence even with extra
	// keywords in the description
	match := MatchRules("星巴克", "咖啡订单", "expense")
	require.NotNil(t, match)
	assert.Equal(t, "餐饮", match.CategoryName)
	assert.Equal(t, config.RuleConfidenceHigh, match.Confidence)
}
