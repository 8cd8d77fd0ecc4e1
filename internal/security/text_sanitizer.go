package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は外部から受け取ったテキストからHTMLを取り除く。
// 管理者が入力したパネルのタイトル・説明や、結果ページに表示するメッセージに使用する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はすべてのタグを除去するTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去したプレーンテキストを返す。
// bluemondayがエスケープした文字参照は元に戻す（出力先で改めてエスケープされる）。
func (s *TextSanitizer) Clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}
