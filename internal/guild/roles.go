// Package guild はDiscordギルドのメンバーシップ参照とロール付与を提供する。
package guild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"
)

// ErrRoleNotFound はギルドに指定ロールが存在しないことを示す。
var ErrRoleNotFound = errors.New("role not found in guild")

// API はロール付与に必要なDiscord REST APIのサブセット。
// *discordgo.Session がこのインターフェースを満たす。
type API interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// RoleGranter はギルドの現在のメンバーシップを参照してロールを冪等に付与する。
type RoleGranter struct {
	api    API
	logger *slog.Logger
}

// NewRoleGranter はRoleGranterを生成する。
func NewRoleGranter(api API, logger *slog.Logger) *RoleGranter {
	return &RoleGranter{api: api, logger: logger}
}

// HasRole はユーザーが現在ギルドでロールを保持しているかを返す。
// 保存済みの紐付けではなく、Discord上の現在の状態を参照する。
func (g *RoleGranter) HasRole(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	member, err := g.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to fetch guild member: %w", err)
	}
	return slices.Contains(member.Roles, roleID), nil
}

// Grant はユーザーにロールを付与する。
// 既にロールを保持している場合は何もせずtrueを返す。
// ギルド・メンバー・ロールが解決できない場合や付与に失敗した場合はfalseを返し、エラーは返さない。
func (g *RoleGranter) Grant(ctx context.Context, userID, guildID, roleID string) bool {
	logger := g.logger.With(
		slog.String("user_id", userID),
		slog.String("guild_id", guildID),
		slog.String("role_id", roleID),
	)

	// 1. メンバーの解決（ギルドが存在しない場合もここで失敗する）
	member, err := g.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		logger.Error("guild member not found", slog.String("error", err.Error()))
		return false
	}

	// 2. ロールの解決
	role, err := g.findRole(ctx, guildID, roleID)
	if err != nil {
		logger.Error("role not found", slog.String("error", err.Error()))
		return false
	}

	// 3. 既に保持している場合は付与しない
	if slices.Contains(member.Roles, roleID) {
		logger.Info("user already has role")
		return true
	}

	// 4. 付与
	if err := g.api.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		logger.Error("failed to grant role", slog.String("error", err.Error()))
		return false
	}

	logger.Info("role granted", slog.String("role_name", role.Name))
	return true
}

// findRole はギルドのロール一覧から指定ロールを探す。
func (g *RoleGranter) findRole(ctx context.Context, guildID, roleID string) (*discordgo.Role, error) {
	roles, err := g.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch guild roles: %w", err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return r, nil
		}
	}
	return nil, ErrRoleNotFound
}
