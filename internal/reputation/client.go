// Package reputation はIPアドレスの評判チェックを提供する。
// 外部のIPレピュテーションサービス（ipapi.is）に問い合わせ、
// プロキシ・VPN・データセンター・Tor・既知の不正利用者を疑わしいと判定する。
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// defaultEndpoint はipapi.isのエンドポイント。
const defaultEndpoint = "https://api.ipapi.is/"

// maxResponseSize はレスポンスボディの読み取り上限（1MB）。
const maxResponseSize = 1 << 20

// unknown はメタデータが取得できない場合の値。
const unknown = "Unknown"

// Result はIPアドレスの判定結果。
type Result struct {
	Suspicious bool
	// Failed はサービスへの問い合わせに失敗し、fail-closedでSuspiciousとしたことを示す。
	Failed  bool
	Country string
	City    string
	ISP     string
	Org     string
	Hosting bool
	Mobile  bool
}

// Checker はIPアドレスの評判チェックのインターフェース。
type Checker interface {
	Check(ctx context.Context, ipAddress string) Result
}

// ipapiResponse はipapi.isのレスポンスのうち判定に使用するフィールド。
type ipapiResponse struct {
	IsProxy      bool `json:"is_proxy"`
	IsVPN        bool `json:"is_vpn"`
	IsDatacenter bool `json:"is_datacenter"`
	IsTor        bool `json:"is_tor"`
	IsAbuser     bool `json:"is_abuser"`
	IsMobile     bool `json:"is_mobile"`
	Location     *struct {
		Country string `json:"country"`
		City    string `json:"city"`
	} `json:"location"`
	Company *struct {
		Name string `json:"name"`
	} `json:"company"`
	ASN *struct {
		Org string `json:"org"`
	} `json:"asn"`
}

// Client はipapi.isのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, apiKey string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
	}
}

// Check はIPアドレスを判定する。
// 通信エラー、エラーステータス、パースエラーのいずれの場合もSuspicious=trueを返す（fail-closed）。
// 評判サービスに到達できないことを理由に認証を通してはならない。
func (c *Client) Check(ctx context.Context, ipAddress string) Result {
	data, err := c.lookup(ctx, ipAddress)
	if err != nil {
		c.logger.Error("reputation check failed, treating address as suspicious",
			slog.String("ip", ipAddress),
			slog.String("error", err.Error()),
		)
		return Result{
			Suspicious: true,
			Failed:     true,
			Country:    unknown,
			City:       unknown,
			ISP:        unknown,
			Org:        unknown,
		}
	}

	result := Result{
		Suspicious: data.IsProxy || data.IsVPN || data.IsDatacenter || data.IsTor || data.IsAbuser,
		Country:    unknown,
		City:       unknown,
		ISP:        unknown,
		Org:        unknown,
		Hosting:    data.IsDatacenter,
		Mobile:     data.IsMobile,
	}
	if data.Location != nil {
		result.Country = orUnknown(data.Location.Country)
		result.City = orUnknown(data.Location.City)
	}
	if data.Company != nil {
		result.ISP = orUnknown(data.Company.Name)
	}
	if data.ASN != nil {
		result.Org = orUnknown(data.ASN.Org)
	}

	c.logger.Info("ipapi lookup completed",
		slog.String("ip", ipAddress),
		slog.Bool("suspicious", result.Suspicious),
		slog.String("country", result.Country),
		slog.String("isp", result.ISP),
		slog.Bool("hosting", result.Hosting),
		slog.Bool("mobile", result.Mobile),
	)

	return result
}

// lookup はipapi.isに問い合わせてレスポンスをデコードする。
func (c *Client) lookup(ctx context.Context, ipAddress string) (*ipapiResponse, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint url: %w", err)
	}
	q := reqURL.Query()
	q.Set("q", ipAddress)
	q.Set("key", c.apiKey)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call reputation api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reputation api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var data ipapiResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &data, nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

// compile-time interface check
var _ Checker = (*Client)(nil)
