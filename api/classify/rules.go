package classify

import (
	"strings"

	"SmartBillBook/internal/config"
)

// RuleMatch is a static-rule classification hit: a category name to be
// resolved against the user's category list.
type RuleMatch struct {
	CategoryName string
	Confidence   float64
}

// keywordRule binds keywords to a category name for one direction.
type keywordRule struct {
	category string
	keywords []string
}

// expenseRules and incomeRules are scored per category; ties keep table
// order. Tables are immutable at runtime, learning happens in merchant
// mappings instead.
var expenseRules = []keywordRule{
	{"餐饮", []string{
		"餐厅", "饭店", "美团", "饿了么", "外卖", "麦当劳", "肯德基", "星巴克",
		"瑞幸", "奶茶", "火锅", "烧烤", "食堂",
		"restaurant", "food", "cafe", "coffee", "dining", "mcdonald", "kfc", "starbucks",
	}},
	{"交通", []string{
		"滴滴", "出行", "地铁", "公交", "高铁", "火车", "加油", "停车", "打车", "共享单车",
		"taxi", "uber", "metro", "bus", "train", "fuel", "parking", "didi",
	}},
	{"购物", []string{
		"淘宝", "天猫", "京东", "拼多多", "超市", "便利店", "商场", "旗舰店",
		"taobao", "jd.com", "amazon", "mall", "store", "shop", "supermarket",
	}},
	{"娱乐", []string{
		"电影", "影院", "游戏", "视频会员", "演唱会", "ktv",
		"cinema", "movie", "game", "netflix", "spotify", "entertainment",
	}},
	{"生活缴费", []string{
		"电费", "水费", "燃气", "话费", "宽带", "物业", "充值",
		"electricity", "water bill", "gas bill", "utility", "recharge", "broadband",
	}},
	{"医疗", []string{
		"医院", "药店", "药房", "诊所", "体检",
		"hospital", "pharmacy", "clinic", "medical", "doctor",
	}},
	{"教育", []string{
		"学校", "培训", "书店", "课程", "学费",
		"school", "course", "tuition", "training", "bookstore",
	}},
	{"住房", []string{
		"房租", "酒店", "民宿", "住宿",
		"rent", "hotel", "airbnb", "lodging",
	}},
}

var incomeRules = []keywordRule{
	{"工资", []string{
		"工资", "薪资", "薪酬", "代发",
		"salary", "payroll", "wages",
	}},
	{"奖金", []string{
		"奖金", "年终奖", "绩效",
		"bonus", "incentive",
	}},
	{"退款", []string{
		"退款", "退货",
		"refund", "return",
	}},
	{"理财收益", []string{
		"利息", "收益", "分红", "理财",
		"interest", "dividend", "yield",
	}},
}

// MatchRules classifies a merchant against the static keyword tables by
// score: one point per keyword found in the merchant name or description,
// two for an exact name match. The best-scoring category wins, so a merchant
// hitting several keywords of one category beats a single hit in an earlier
// table entry. Returns nil when nothing matches.
func MatchRules(merchantName, description, direction string) *RuleMatch {
	name := strings.ToLower(strings.TrimSpace(merchantName))
	text := name
	if d := strings.ToLower(strings.TrimSpace(description)); d != "" {
		text = name + " " + d
	}
	if text == "" {
		return nil
	}
	rules := expenseRules
	if direction == "income" {
		rules = incomeRules
	}

	var best *RuleMatch
	bestScore := 0
	for _, rule := range rules {
		score := 0
		exact := false
		for _, kw := range rule.keywords {
			k := strings.ToLower(kw)
			switch {
			case name == k:
				score += 2
				exact = true
			case strings.Contains(text, k):
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			confidence := config.RuleConfidenceLow
			if exact {
				confidence = config.RuleConfidenceHigh
			}
			best = &RuleMatch{CategoryName: rule.category, Confidence: confidence}
		}
	}
	return best
}
