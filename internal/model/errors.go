package model

import "errors"

// 検証セッションに関するエラー。
var (
	// ErrSessionNotFound はstateトークンに対応するセッションが存在しないことを示す。
	ErrSessionNotFound = errors.New("verification session not found")
	// ErrSessionExpired はセッションが存在するが有効期限を過ぎていることを示す。
	// 呼び出し側はセッションを削除する責任を持つ。
	ErrSessionExpired = errors.New("verification session expired")
)
