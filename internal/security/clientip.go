package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/yl2chen/cidranger"
)

// DefaultTrustedProxies は信頼するリバースプロキシのデフォルトのネットワーク範囲。
// ループバックのみ。プライベートネットワーク上のプロキシはTRUSTED_PROXIESで明示的に指定する。
var DefaultTrustedProxies = []string{
	"127.0.0.0/8",
	"::1/128",
}

// ClientIPResolver はリクエストの送信元IPアドレスを解決する。
// 直接の接続元が信頼するプロキシの場合のみX-Forwarded-Forを参照する。
type ClientIPResolver struct {
	trusted cidranger.Ranger
}

// NewClientIPResolver は信頼するプロキシのCIDR一覧からClientIPResolverを生成する。
func NewClientIPResolver(trustedCIDRs []string) (*ClientIPResolver, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range trustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("failed to register trusted proxy %q: %w", cidr, err)
		}
	}
	return &ClientIPResolver{trusted: ranger}, nil
}

// Resolve はリクエストの送信元IPアドレスを返す。
// 接続元が信頼するプロキシであれば、X-Forwarded-Forを右から辿り、
// 信頼するプロキシ以外の最初のアドレスを使用する。
// 左側の値はクライアントが自由に設定できるため参照しない。
func (r *ClientIPResolver) Resolve(req *http.Request) string {
	peer := remoteHost(req.RemoteAddr)

	if !r.isTrusted(peer) {
		return peer
	}

	hops := forwardedFor(req.Header.Values("X-Forwarded-For"))
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		if net.ParseIP(hops[i]) == nil {
			// 解釈できない値より左は信用できない
			break
		}
		client = hops[i]
		if !r.isTrusted(hops[i]) {
			break
		}
	}
	return client
}

// forwardedFor は複数のX-Forwarded-Forヘッダーを1つのアドレス列にまとめる。
func forwardedFor(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			hops = append(hops, strings.TrimSpace(part))
		}
	}
	return hops
}

func (r *ClientIPResolver) isTrusted(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	ok, err := r.trusted.Contains(ip)
	return err == nil && ok
}

// remoteHost はRemoteAddrからポートを除いたホスト部分を返す。
func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
