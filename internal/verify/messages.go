package verify

import (
	"fmt"

	"github.com/hitoshi/guildgate/internal/model"
)

// 結果ページのエラーメッセージ。
const (
	msgInvalidRequest = "Invalid verification request."
	msgSessionInvalid = "Invalid or expired verification session."
	msgSessionExpired = "Verification session has expired."
	msgError          = "An error occurred during verification."
)

// pageMessages は判定理由ごとの結果ページのメッセージ。
var pageMessages = map[model.Reason]string{
	model.ReasonSuccess:        "You have been given access to whatever role you were verifying for.",
	model.ReasonAlreadyHadRole: "You already have this role, so nothing was changed.",
	model.ReasonProxy:          "Verification failed: VPN/Proxy detected. Please disable your VPN and try again.",
	model.ReasonAltAccount:     "We believe that you have already verified on another Discord account. If you think we made a mistake, make a ticket and explain your situation.",
	model.ReasonRoleError:      "Verification failed: Unable to grant role. Please contact an admin!",
	model.ReasonError:          "Oh no! An error happened during the verification process. Please try again.",
}

// pageTitle は判定理由に対応する結果ページのタイトルを返す。
func pageTitle(d model.Decision) string {
	switch {
	case d.Allowed():
		return "Success"
	case d.Reason() == model.ReasonAltAccount:
		return "Account already verified"
	case d.Reason() == model.ReasonProxy:
		return "VPN/Proxy Detected"
	default:
		return titleFailed
	}
}

const titleFailed = "Verification Failed"

// interactionContent はDiscordのインタラクション応答に表示する本文を返す。
func interactionContent(d model.Decision) string {
	switch d.Reason() {
	case model.ReasonAlreadyHadRole:
		return "**Already Verified!**\n\nYou already have this role."
	case model.ReasonSuccess:
		return "**Verification Successful!**\n\nYou have been successfully verified and granted the required role."
	case model.ReasonProxy:
		return "**Verification Failed**\n\nVPN/Proxy detected. Please disable your VPN and try again."
	case model.ReasonAltAccount:
		return "**Verification Failed**\n\n" + pageMessages[model.ReasonAltAccount]
	default:
		return "**Verification Failed**\n\nAn error occurred during verification. Please retry or contact support."
	}
}

// webhookDetail はWebhook通知の説明文を返す。
func webhookDetail(d model.Decision) string {
	switch d.Reason() {
	case model.ReasonSuccess:
		return "Successfully verified"
	case model.ReasonProxy:
		return "Verification failed: VPN/Proxy detected"
	case model.ReasonAltAccount:
		if denied, ok := d.(model.Denied); ok && denied.OriginalIdentityID != "" {
			return fmt.Sprintf("Verification failed: Alt account detected. Original account: %s", denied.OriginalIdentityID)
		}
		return "Verification failed: Alt account detected"
	case model.ReasonRoleError:
		return "Verification failed: Unable to grant role"
	default:
		return "Verification failed: An error occurred"
	}
}

// InternalErrorResult は処理中の予期しない失敗に対する結果ページを返す。
func InternalErrorResult() Result {
	return errorPage(PageError, msgError)
}
