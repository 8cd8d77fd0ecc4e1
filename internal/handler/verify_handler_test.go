package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/guildgate/internal/middleware"
	"github.com/hitoshi/guildgate/internal/model"
	"github.com/hitoshi/guildgate/internal/verify"
)

// --- モック定義 ---

type mockProcessor struct {
	handleFn func(ctx context.Context, cb verify.Callback) verify.Result
	calls    []verify.Callback
}

func (m *mockProcessor) Handle(ctx context.Context, cb verify.Callback) verify.Result {
	m.calls = append(m.calls, cb)
	if m.handleFn != nil {
		return m.handleFn(ctx, cb)
	}
	return verify.Result{Page: verify.PageOutcome, Reason: model.ReasonSuccess, Success: true, Title: "Success", Message: "ok"}
}

type stubResolver struct {
	ip string
}

func (s stubResolver) Resolve(r *http.Request) string { return s.ip }

func serveVerify(t *testing.T, processor CallbackProcessor, target string) *http.Response {
	t.Helper()
	h := middleware.NewClientIPMiddleware(stubResolver{ip: "203.0.113.7"})(http.HandlerFunc(NewVerifyHandler(processor).Verify))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w.Result()
}

// --- テスト ---

func TestVerify_PassesQueryAndClientIP(t *testing.T) {
	processor := &mockProcessor{}

	resp := serveVerify(t, processor, "/verify?code=C&state=T1")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(processor.calls) != 1 {
		t.Fatalf("Handle calls = %d, want 1", len(processor.calls))
	}
	got := processor.calls[0]
	if got.Code != "C" || got.State != "T1" || got.IPAddress != "203.0.113.7" {
		t.Errorf("callback = %+v", got)
	}
}

func TestVerify_RendersSuccessPage(t *testing.T) {
	processor := &mockProcessor{}

	resp := serveVerify(t, processor, "/verify?code=C&state=T1")
	body, _ := io.ReadAll(resp.Body)

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(string(body), "<title>Success</title>") {
		t.Error("page should carry the result title")
	}
	if !strings.Contains(string(body), `class="icon ok"`) {
		t.Error("success page should use the success icon")
	}
}

func TestVerify_FailurePagesAreAlways200(t *testing.T) {
	tests := []struct {
		name   string
		result verify.Result
	}{
		{"invalid request", verify.Result{Page: verify.PageInvalidRequest, Title: "Verification Failed", Message: "Invalid verification request."}},
		{"session expired", verify.Result{Page: verify.PageSessionExpired, Title: "Verification Failed", Message: "Verification session has expired."}},
		{"proxy", verify.Result{Page: verify.PageOutcome, Reason: model.ReasonProxy, Title: "VPN/Proxy Detected", Message: "VPN"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &mockProcessor{handleFn: func(ctx context.Context, cb verify.Callback) verify.Result {
				return tt.result
			}}

			resp := serveVerify(t, processor, "/verify?state=x")
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			if !strings.Contains(string(body), tt.result.Message) {
				t.Errorf("body should contain %q", tt.result.Message)
			}
			if !strings.Contains(string(body), `class="icon ng"`) {
				t.Error("failure page should use the failure icon")
			}
		})
	}
}

func TestVerify_EscapesMessage(t *testing.T) {
	processor := &mockProcessor{handleFn: func(ctx context.Context, cb verify.Callback) verify.Result {
		return verify.Result{Title: "Verification Failed", Message: `<script>alert(1)</script>`}
	}}

	resp := serveVerify(t, processor, "/verify?code=C&state=T1")
	body, _ := io.ReadAll(resp.Body)

	if strings.Contains(string(body), "<script>alert(1)</script>") {
		t.Error("message must be HTML-escaped")
	}
}
