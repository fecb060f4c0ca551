package agent

import (
	"strings"
	"unicode/utf8"
)

// Ack is the outcome of the acknowledgment heuristic.
type Ack struct {
	Send     bool
	Category string
	Text     string
	// Latency is an advisory band shown to the user, e.g. "10-30s".
	Latency string
}

type ackRule struct {
	Category string
	Keywords []string
	Text     string
	Latency  string
}

const (
	ackShortLimit = 60
	ackLongLimit  = 200
)

var ackGreetings = []string{
	"hi", "hello", "hey", "yo", "hola", "bonjour", "hallo", "good morning", "good afternoon",
	"good evening", "thanks", "thank you", "你好", "您好", "嗨", "早上好", "晚上好", "谢谢",
}

var ackQuestionPrefixes = []string{
	"what", "who", "when", "where", "why", "how", "which", "is", "are", "can", "could",
	"do", "does", "did", "should", "would", "will",
	"什么", "谁", "哪", "为什么", "怎么", "如何", "是不是", "能不能",
}

var ackComplexKeywords = []string{
	"build", "create", "implement", "develop", "deploy", "refactor", "generate", "write",
	"analyze", "analyse", "research", "search", "compare", "migrate",
	"开发", "创建", "实现", "编写", "分析", "搜索", "部署",
}

// ackRules are evaluated in order; the first rule with a matching keyword wins.
var ackRules = []ackRule{
	{
		Category: "development",
		Keywords: []string{"build", "create", "implement", "develop", "code", "program", "deploy", "refactor", "website", "开发", "创建", "实现", "编写", "代码", "网站"},
		Text:     "🛠️ On it. Setting up the work now.",
		Latency:  "30s-2m",
	},
	{
		Category: "search",
		Keywords: []string{"search", "find", "look up", "lookup", "research", "google", "latest", "news", "搜索", "查找", "查一下", "新闻"},
		Text:     "🔍 Searching, one moment.",
		Latency:  "10-30s",
	},
	{
		Category: "analysis",
		Keywords: []string{"analyze", "analyse", "analysis", "compare", "evaluate", "review", "explain", "summarize", "summarise", "分析", "比较", "评估", "总结", "解释"},
		Text:     "🧠 Thinking this through.",
		Latency:  "15-60s",
	},
	{
		Category: "file",
		Keywords: []string{"file", "folder", "directory", "save", "upload", "download", "文件", "目录", "保存"},
		Text:     "📁 Working with the files.",
		Latency:  "5-20s",
	},
}

var ackComplex = ackRule{
	Category: "complex",
	Text:     "⏳ Working on it, this may take a moment.",
	Latency:  "30s+",
}

// AssessAck decides whether a message deserves an immediate filler reply.
// It is deterministic and never calls the model.
func AssessAck(content string) Ack {
	text := normalizeAck(content)
	if text == "" {
		return Ack{}
	}
	for _, g := range ackGreetings {
		if text == g {
			return Ack{}
		}
	}

	length := utf8.RuneCountInString(text)
	if length <= ackShortLimit && hasQuestionPrefix(text) && !containsAny(text, ackComplexKeywords) {
		return Ack{}
	}

	for _, rule := range ackRules {
		if containsAny(text, rule.Keywords) {
			return rule.ack()
		}
	}
	if length > ackLongLimit {
		return ackComplex.ack()
	}
	return Ack{}
}

func (r ackRule) ack() Ack {
	return Ack{
		Send:     true,
		Category: r.Category,
		Text:     r.Text + " (" + r.Latency + ")",
		Latency:  r.Latency,
	}
}

func normalizeAck(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, " !.?,;:~。！？，")
}

func hasQuestionPrefix(text string) bool {
	first := text
	if i := strings.IndexAny(text, " \t\n,?"); i >= 0 {
		first = text[:i]
	}
	for _, p := range ackQuestionPrefixes {
		if !isASCII(p) {
			if strings.HasPrefix(text, p) {
				return true
			}
			continue
		}
		if first == p {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
