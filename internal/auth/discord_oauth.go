// Package auth はDiscord OAuth 2.0 (authorization code grant) によるID確認を提供する。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/guildgate/internal/model"
)

const (
	defaultDiscordAuthURL     = "https://discord.com/oauth2/authorize"
	defaultDiscordTokenURL    = "https://discord.com/api/oauth2/token"
	defaultDiscordUserInfoURL = "https://discord.com/api/users/@me"
)

// ErrIdentityExchange は認可コードからIDを解決できなかったことを示す。
var ErrIdentityExchange = errors.New("identity exchange failed")

// DiscordOAuthConfig はDiscord OAuthプロバイダーの設定。
type DiscordOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// IdentityExchanger は認可コードをIDに交換するインターフェース。
type IdentityExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*model.Identity, error)
}

// DiscordOAuthProvider はDiscord OAuth 2.0による認証を提供する。
type DiscordOAuthProvider struct {
	config DiscordOAuthConfig
}

// NewDiscordOAuthProvider はDiscordOAuthProviderを生成する。
func NewDiscordOAuthProvider(config DiscordOAuthConfig) *DiscordOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultDiscordAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultDiscordTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultDiscordUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &DiscordOAuthProvider{config: config}
}

// AuthorizeURL は派生セッションのstateトークンを含む認可URLを生成する。
// スコープはidentifyのみ。
func (p *DiscordOAuthProvider) AuthorizeURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"identify"},
		"state":         {state},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// discordTokenResponse はDiscordのトークンエンドポイントのレスポンス。
type discordTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// discordUser は /users/@me のレスポンス。
type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// 失敗した場合はErrIdentityExchangeをラップしたエラーを返す。
func (p *DiscordOAuthProvider) ExchangeCode(ctx context.Context, code string) (*model.Identity, error) {
	// 1. 認可コードをアクセストークンに交換
	tokenResp, err := p.exchangeToken(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to exchange token: %v", ErrIdentityExchange, err)
	}

	// 2. アクセストークンでユーザー情報を取得
	user, err := p.fetchUser(ctx, tokenResp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch user: %v", ErrIdentityExchange, err)
	}

	return &model.Identity{
		ID:         user.ID,
		Username:   user.Username,
		GlobalName: user.GlobalName,
	}, nil
}

// exchangeToken は認可コードをアクセストークンに交換する。
func (p *DiscordOAuthProvider) exchangeToken(ctx context.Context, code string) (*discordTokenResponse, error) {
	data := url.Values{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.config.RedirectURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var tokenResp discordTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &tokenResp, nil
}

// fetchUser はアクセストークンでDiscordのユーザー情報を取得する。
func (p *DiscordOAuthProvider) fetchUser(ctx context.Context, accessToken string) (*discordUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var user discordUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}

	if user.ID == "" {
		return nil, fmt.Errorf("empty id in user response")
	}

	return &user, nil
}

// do はリクエストを送信し、200以外のステータスをエラーとして返す。
func (p *DiscordOAuthProvider) do(req *http.Request) ([]byte, error) {
	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}

	return body, nil
}

// compile-time interface check
var _ IdentityExchanger = (*DiscordOAuthProvider)(nil)
