package model

// Reason は認証結果の理由コード。監査ログのreason列にそのまま保存される。
type Reason string

const (
	ReasonSuccess        Reason = "success"
	ReasonAlreadyHadRole Reason = "already_had_role"
	ReasonProxy          Reason = "proxy"
	ReasonAltAccount     Reason = "alt_account"
	ReasonRoleError      Reason = "role_error"
	ReasonError          Reason = "error"
)

// Audited は監査ログとWebhook通知の対象となる理由かを返す。
// already_had_role は独立したセキュリティイベントではないため対象外。
func (r Reason) Audited() bool {
	return r != ReasonAlreadyHadRole
}

// Decision は不正利用判定パイプラインの結果。Allowed または Denied のいずれか。
type Decision interface {
	Reason() Reason
	Allowed() bool
	decision()
}

// Allowed は認証を許可した結果。
type Allowed struct {
	Why Reason
}

func (a Allowed) Reason() Reason { return a.Why }
func (a Allowed) Allowed() bool  { return true }
func (Allowed) decision()        {}

// Denied は認証を拒否した結果。
// alt_account の場合は OriginalIdentityID に先に認証したIDが入る。
type Denied struct {
	Why                Reason
	OriginalIdentityID string
}

func (d Denied) Reason() Reason { return d.Why }
func (d Denied) Allowed() bool  { return false }
func (Denied) decision()        {}
