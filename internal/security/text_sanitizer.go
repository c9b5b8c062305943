package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxSanitizePasses はエンティティ展開で新たなタグが現れた場合に繰り返す上限。
const maxSanitizePasses = 4

// TextSanitizer はタスクのタイトル・説明などのプレーンテキスト入力を無害化する。
type TextSanitizer interface {
	// Sanitize はHTMLタグを除去したプレーンテキストを返す。
	// script, styleの内容は丸ごと除去される。前後の空白は取り除く。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(s string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エスケープされたエンティティを元の文字に戻す。
// 保存先はHTMLではないため、"Tom & Jerry" は "Tom &amp; Jerry" にはならない。
func (s *textSanitizer) Sanitize(in string) string {
	out := in
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}
	return strings.TrimSpace(out)
}

var _ TextSanitizer = (*textSanitizer)(nil)
