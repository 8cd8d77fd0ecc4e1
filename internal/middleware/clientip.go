// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientIPContextKey はリクエストコンテキストにクライアントIPを格納するためのキー。
var clientIPContextKey = contextKey("client_ip")

// ClientIPResolver はリクエストからクライアントIPを決定する。
// security.ClientIPResolverが実装する。
type ClientIPResolver interface {
	Resolve(r *http.Request) string
}

// NewClientIPMiddleware は信頼するプロキシを考慮してクライアントIPを解決し、
// リクエストコンテキストに注入するミドルウェアを返す。
// レート制限とリクエストログはこの値をキーとして使う。
func NewClientIPMiddleware(resolver ClientIPResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolver.Resolve(r)
			ctx := context.WithValue(r.Context(), clientIPContextKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext はコンテキストからクライアントIPを取得する。
// NewClientIPMiddlewareを通過していない場合は空文字とfalseを返す。
func ClientIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPContextKey).(string)
	if !ok || ip == "" {
		return "", false
	}
	return ip, true
}
