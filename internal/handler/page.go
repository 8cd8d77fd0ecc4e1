package handler

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/guildgate/internal/verify"
)

// resultPage は認証結果ページのテンプレート。
// メッセージはテンプレート側でエスケープされる。
var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body {
            margin: 0;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            font-family: system-ui, sans-serif;
            background-color: #1a1a1a;
            background-image: radial-gradient(circle, #404040 1px, transparent 1px);
            background-size: 20px 20px;
        }
        .card { text-align: center; max-width: 36rem; padding: 0 1rem; }
        .icon {
            margin: 0 auto 1.5rem;
            display: flex;
            align-items: center;
            justify-content: center;
            height: 4rem;
            width: 4rem;
            border-radius: 9999px;
        }
        .icon.ok { background-color: #14532d; color: #4ade80; }
        .icon.ng { background-color: #7f1d1d; color: #f87171; }
        h1 { color: #fff; font-size: 1.875rem; margin: 0 0 1rem; }
        p { color: #d1d5db; font-size: 1.25rem; margin: 0; }
    </style>
</head>
<body>
    <div class="card">
        <div class="icon {{if .Success}}ok{{else}}ng{{end}}">
            <svg width="32" height="32" fill="none" viewBox="0 0 24 24" stroke="currentColor">
                {{if .Success}}<path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M5 13l4 4L19 7" />{{else}}<path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M6 18L18 6M6 6l12 12" />{{end}}
            </svg>
        </div>
        <h1>{{.Title}}</h1>
        <p>{{.Message}}</p>
    </div>
</body>
</html>
`))

// pageData は結果ページに埋め込む値。
type pageData struct {
	Title   string
	Message string
	Success bool
}

// writePage は結果ページを200で書き込む。
// 認証の成否にかかわらずステータスは常に200とする。
func writePage(w http.ResponseWriter, data pageData) {
	var buf bytes.Buffer
	if err := resultPage.Execute(&buf, data); err != nil {
		slog.Error("failed to render result page", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// errorPageHandler は予期しない失敗時にエラーの結果ページを返す。
// Recoveryミドルウェアのfallbackとして使う。
func errorPageHandler(w http.ResponseWriter, r *http.Request) {
	result := verify.InternalErrorResult()
	writePage(w, pageData{Title: result.Title, Message: result.Message})
}
