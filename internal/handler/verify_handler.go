// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/guildgate/internal/middleware"
	"github.com/hitoshi/guildgate/internal/verify"
)

// CallbackProcessor は認証コールバックを処理して結果ページの内容を返す。
// verify.Orchestratorが実装する。
type CallbackProcessor interface {
	Handle(ctx context.Context, cb verify.Callback) verify.Result
}

// VerifyHandler はOAuthリダイレクト先のHTTPハンドラー。
type VerifyHandler struct {
	processor CallbackProcessor
}

// NewVerifyHandler はVerifyHandlerを生成する。
func NewVerifyHandler(processor CallbackProcessor) *VerifyHandler {
	return &VerifyHandler{processor: processor}
}

// Verify はOAuthコールバックを処理し、結果ページを返す。
// GET /verify?code=xxx&state=yyy
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ip, _ := middleware.ClientIPFromContext(r.Context())

	result := h.processor.Handle(r.Context(), verify.Callback{
		Code:      query.Get("code"),
		State:     query.Get("state"),
		IPAddress: ip,
	})

	writePage(w, pageData{
		Title:   result.Title,
		Message: result.Message,
		Success: result.Success,
	})
}
