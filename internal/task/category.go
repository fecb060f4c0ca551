package task

import "strings"

// DefaultCategory is used when no rule matches.
const DefaultCategory = "task"

// CategoryRule maps a category to the keywords that select it.
type CategoryRule struct {
	Category string
	Keywords []string
}

// CategoryRules is evaluated in order; the first rule with a keyword contained
// in the lower-cased description wins.
var CategoryRules = []CategoryRule{
	{Category: "app", Keywords: []string{"web", "网站", "ui", "界面", "dashboard", "frontend", "后端", "服务", "server", "api"}},
	{Category: "analyzer", Keywords: []string{"分析", "analyze", "检查", "check", "审计", "audit", "report", "报告"}},
	{Category: "tool", Keywords: []string{"工具", "tool", "script", "脚本", "utility", "helper"}},
	{Category: "fix", Keywords: []string{"修复", "fix", "bug", "错误", "error", "问题"}},
	{Category: "feature", Keywords: []string{"功能", "feature", "添加", "add", "新功能", "新的"}},
	{Category: "data", Keywords: []string{"数据", "data", "数据库", "database", "存储", "storage", "爬虫", "crawler", "历史", "history", "记录", "record"}},
	{Category: "web3", Keywords: []string{"钱包", "wallet", "链", "chain", "多链", "multichain", "余额", "balance", "eth", "btc", "nft", "token", "合约", "contract"}},
}

// InferCategory applies rules to description and returns the matching category.
func InferCategory(rules []CategoryRule, description string) string {
	lower := strings.ToLower(description)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.Category
			}
		}
	}
	return DefaultCategory
}

// ParseID splits "{category}-{number}". The category may itself contain dashes.
func ParseID(id string) (category string, number int, ok bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n := 0
	for _, c := range id[i+1:] {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		n = n*10 + int(c-'0')
	}
	return id[:i], n, true
}
