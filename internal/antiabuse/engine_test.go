package antiabuse

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/hitoshi/guildgate/internal/model"
	"github.com/hitoshi/guildgate/internal/reputation"
)

// --- モック定義 ---

type mockChecker struct {
	result reputation.Result
	calls  int
}

func (m *mockChecker) Check(ctx context.Context, ipAddress string) reputation.Result {
	m.calls++
	return m.result
}

type mockBindingFinder struct {
	findFn func(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error)
}

func (m *mockBindingFinder) FindOtherIdentityByIP(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error) {
	if m.findFn != nil {
		return m.findFn(ctx, guildID, roleID, ipAddress, identityID)
	}
	return nil, nil
}

type mockRoleService struct {
	hasRoleFn  func(ctx context.Context, guildID, userID, roleID string) (bool, error)
	grantFn    func(ctx context.Context, userID, guildID, roleID string) bool
	grantCalls int
}

func (m *mockRoleService) HasRole(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	if m.hasRoleFn != nil {
		return m.hasRoleFn(ctx, guildID, userID, roleID)
	}
	return false, nil
}

func (m *mockRoleService) Grant(ctx context.Context, userID, guildID, roleID string) bool {
	m.grantCalls++
	if m.grantFn != nil {
		return m.grantFn(ctx, userID, guildID, roleID)
	}
	return true
}

// --- ヘルパー ---

func testSession() *model.VerificationSession {
	return &model.VerificationSession{State: "T1", GuildID: "1", ChannelID: "5", RoleID: "99"}
}

func newTestEngine(checker *mockChecker, bindings *mockBindingFinder, roles *mockRoleService) *Engine {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return NewEngine(checker, bindings, roles, nil, logger)
}

// --- テスト ---

func TestEvaluate_CleanNewIdentity_GrantsRole(t *testing.T) {
	roles := &mockRoleService{}
	e := newTestEngine(&mockChecker{}, &mockBindingFinder{}, roles)

	d := e.Evaluate(context.Background(), "A", "203.0.113.7", testSession())

	if _, ok := d.(model.Allowed); !ok || d.Reason() != model.ReasonSuccess {
		t.Errorf("decision = %#v, want Allowed{success}", d)
	}
	if roles.grantCalls != 1 {
		t.Errorf("grantCalls = %d, want 1", roles.grantCalls)
	}
}

func TestEvaluate_Suspicious_DeniedAsProxy(t *testing.T) {
	roles := &mockRoleService{}
	bindingsCalled := false
	bindings := &mockBindingFinder{findFn: func(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error) {
		bindingsCalled = true
		return nil, nil
	}}
	e := newTestEngine(&mockChecker{result: reputation.Result{Suspicious: true}}, bindings, roles)

	d := e.Evaluate(context.Background(), "A", "198.51.100.1", testSession())

	if d.Allowed() || d.Reason() != model.ReasonProxy {
		t.Errorf("decision = %#v, want Denied{proxy}", d)
	}
	if bindingsCalled {
		t.Error("pipeline should short-circuit before the alt-account check")
	}
	if roles.grantCalls != 0 {
		t.Error("role must not be granted for a suspicious address")
	}
}

func TestEvaluate_ReputationFailure_FailsClosed(t *testing.T) {
	roles := &mockRoleService{}
	e := newTestEngine(&mockChecker{result: reputation.Result{Suspicious: true, Failed: true}}, &mockBindingFinder{}, roles)

	d := e.Evaluate(context.Background(), "A", "203.0.113.7", testSession())

	if d.Allowed() || d.Reason() != model.ReasonProxy {
		t.Errorf("decision = %#v, want Denied{proxy}", d)
	}
	if roles.grantCalls != 0 {
		t.Error("role must not be granted when the reputation service fails")
	}
}

func TestEvaluate_SameIPOtherIdentity_DeniedAsAlt(t *testing.T) {
	roles := &mockRoleService{}
	bindings := &mockBindingFinder{findFn: func(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error) {
		if guildID != "1" || roleID != "99" || ipAddress != "203.0.113.7" || identityID != "B" {
			t.Errorf("unexpected lookup args: %s %s %s %s", guildID, roleID, ipAddress, identityID)
		}
		return &model.IdentityBinding{IdentityID: "A", GuildID: "1", RoleID: "99", IPAddress: "203.0.113.7"}, nil
	}}
	e := newTestEngine(&mockChecker{}, bindings, roles)

	d := e.Evaluate(context.Background(), "B", "203.0.113.7", testSession())

	denied, ok := d.(model.Denied)
	if !ok || denied.Why != model.ReasonAltAccount {
		t.Fatalf("decision = %#v, want Denied{alt_account}", d)
	}
	if denied.OriginalIdentityID != "A" {
		t.Errorf("OriginalIdentityID = %q, want A", denied.OriginalIdentityID)
	}
	if roles.grantCalls != 0 {
		t.Error("role must not be granted to an alt account")
	}
}

func TestEvaluate_AlreadyHasRole_NoGrant(t *testing.T) {
	roles := &mockRoleService{hasRoleFn: func(ctx context.Context, guildID, userID, roleID string) (bool, error) {
		return true, nil
	}}
	e := newTestEngine(&mockChecker{}, &mockBindingFinder{}, roles)

	d := e.Evaluate(context.Background(), "A", "203.0.113.7", testSession())

	if !d.Allowed() || d.Reason() != model.ReasonAlreadyHadRole {
		t.Errorf("decision = %#v, want Allowed{already_had_role}", d)
	}
	if roles.grantCalls != 0 {
		t.Errorf("grantCalls = %d, want 0", roles.grantCalls)
	}
}

func TestEvaluate_HasRoleError_FallsThroughToGrant(t *testing.T) {
	roles := &mockRoleService{
		hasRoleFn: func(ctx context.Context, guildID, userID, roleID string) (bool, error) {
			return false, errors.New("discord unavailable")
		},
		grantFn: func(ctx context.Context, userID, guildID, roleID string) bool { return false },
	}
	e := newTestEngine(&mockChecker{}, &mockBindingFinder{}, roles)

	d := e.Evaluate(context.Background(), "A", "203.0.113.7", testSession())

	if d.Allowed() || d.Reason() != model.ReasonRoleError {
		t.Errorf("decision = %#v, want Denied{role_error}", d)
	}
}

func TestEvaluate_BindingLookupError_DeniedAsError(t *testing.T) {
	roles := &mockRoleService{}
	bindings := &mockBindingFinder{findFn: func(ctx context.Context, guildID, roleID, ipAddress, identityID string) (*model.IdentityBinding, error) {
		return nil, errors.New("connection refused")
	}}
	e := newTestEngine(&mockChecker{}, bindings, roles)

	d := e.Evaluate(context.Background(), "A", "203.0.113.7", testSession())

	if d.Allowed() || d.Reason() != model.ReasonError {
		t.Errorf("decision = %#v, want Denied{error}", d)
	}
	if roles.grantCalls != 0 {
		t.Error("role must not be granted after a lookup error")
	}
}
