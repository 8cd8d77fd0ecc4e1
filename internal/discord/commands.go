package discord

import "github.com/bwmarrin/discordgo"

const (
	commandSendVerificationEmbed = "sendverificationembed"
	verifyButtonPrefix           = "verify_"
)

var adminPermission = int64(discordgo.PermissionAdministrator)

// Commands は登録するスラッシュコマンドの一覧。
var Commands = []*discordgo.ApplicationCommand{
	{
		Name:                     commandSendVerificationEmbed,
		Description:              "Send a verification embed",
		DefaultMemberPermissions: &adminPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "title",
				Description: "The title of the verification embed",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "description",
				Description: "The description of the verification embed",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        "role",
				Description: "The role to give upon successful verification",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "webhookurl",
				Description: "Webhook URL to log verification events (optional)",
				Required:    false,
			},
		},
	},
}
