// Package moderation 检查非会员消息中的联系方式（目前只有电话号码）。
package moderation

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Pattern 是一条带名字的规则，名字只出现在 tracing 属性里。
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// DefaultPatterns 覆盖站点上常见的电话号码写法。
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "plain_10_digit", Re: regexp.MustCompile(`\b\d{10}\b`)},
		{Name: "delimited_3_3_4", Re: regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`)},
		{Name: "parenthesized_area_code", Re: regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.\s]?\d{4}\b`)},
		{Name: "country_code_1", Re: regexp.MustCompile(`\b1[-.\s]?\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
		{Name: "international", Re: regexp.MustCompile(`\+\d[\d\s().-]{7,}\d`)},
	}
}

type Moderator struct {
	patterns []Pattern
}

// New 在默认规则之后追加 extra 中的正则，任何一条编译失败都会返回错误。
func New(extra ...string) (*Moderator, error) {
	patterns := DefaultPatterns()
	for i, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
		}
		patterns = append(patterns, Pattern{Name: fmt.Sprintf("custom_%d", i+1), Re: re})
	}
	return &Moderator{patterns: patterns}, nil
}

// Match 返回第一条命中的规则名。
func (m *Moderator) Match(body string) (string, bool) {
	for _, p := range m.patterns {
		if p.Re.MatchString(body) {
			return p.Name, true
		}
	}
	return "", false
}

func (m *Moderator) Patterns() []Pattern { return m.patterns }

// LoadPatternFile 读取每行一条正则的文件，空行与 # 开头的行被忽略。
func LoadPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
