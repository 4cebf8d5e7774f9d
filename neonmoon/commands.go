package neonmoon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandRemind = "remind"
	DiscordSlashCommandSetTZ  = "settz"
	DiscordSlashCommandMyTime = "mytime"
	DiscordSlashCommandAsk    = "ask"

	// DiscordMessageCommandAsk is the message context-menu entry.
	DiscordMessageCommandAsk = "Ask about this message"

	remindTextOption = "text"
	remindWhenOption = "when"
	setTZZoneOption  = "tz"
	askPromptOption  = "message"

	chatRoleUser = "user"

	genericErrorMessage = "sorry, something went wrong!"

	timestampDisplayLayout = "Mon, 02 Jan 2006 15:04 MST"
)

func appCommandRemind() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandRemind,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Set a reminder to be posted in this channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        remindTextOption,
				Description: "What should I remind you about?",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        remindWhenOption,
				Description: `When? Ex: "2026-01-02 15:04" or "15:04" (your timezone)`,
				Required:    true,
			},
		},
	}
}

func appCommandSetTZ() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSetTZ,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Set your timezone for reminders and /mytime",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        setTZZoneOption,
				Description: `IANA zone name, ex: "America/Chicago"`,
				Required:    true,
			},
		},
	}
}

func appCommandMyTime() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandMyTime,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show the current time in your timezone",
	}
}

func appCommandAsk() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAsk,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Ask me anything",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        askPromptOption,
				Description: "What would you like to say or ask?",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

func appCommandAskMessage() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name: DiscordMessageCommandAsk,
		Type: discordgo.MessageApplicationCommand,
	}
}

// handleInteraction dispatches slash and message-context commands. Panics
// are recovered and converted to a generic user-visible failure notice; a
// single bad interaction never takes the process down.
func (nm *NeonMoon) handleInteraction(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	ctx := context.Background()
	logger := nm.logger.With(
		"interaction_id", i.ID,
		"channel_id", i.ChannelID,
		"guild_id", i.GuildID,
	)
	defer func() {
		if rc := recover(); rc != nil {
			logger.Error(
				"panic handling interaction",
				"recovered", rc,
				"stack", string(debug.Stack()),
			)
			nm.respondEphemeral(i, genericErrorMessage)
		}
	}()

	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		logger.Warn("interaction with no user, ignoring")
		return
	}

	data := i.ApplicationCommandData()
	logger.Info("received command", "name", data.Name, "user_id", user.ID)

	switch data.Name {
	case DiscordSlashCommandRemind:
		nm.handleRemind(ctx, i, user)
	case DiscordSlashCommandSetTZ:
		nm.handleSetTZ(ctx, i, user)
	case DiscordSlashCommandMyTime:
		nm.handleMyTime(ctx, i, user)
	case DiscordSlashCommandAsk:
		opts := discordInteractionOptions(i)
		prompt := opts[askPromptOption].StringValue()
		nm.startAsk(ctx, i, user, prompt, nil)
	case DiscordMessageCommandAsk:
		target := data.Resolved.Messages[data.TargetID]
		if target == nil || target.Content == "" {
			nm.respondEphemeral(i, "that message has no text I can work with")
			return
		}
		nm.startAsk(
			ctx, i, user, target.Content,
			map[string]string{
				"source":     "message_command",
				"message_id": data.TargetID,
			},
		)
	default:
		logger.Warn("unknown command", "name", data.Name)
	}
}

// userZone returns the user's stored zone name, falling back to the
// configured default.
func (nm *NeonMoon) userZone(ctx context.Context, userID string) string {
	tz, err := nm.store.GetTimezone(ctx, userID)
	if err != nil {
		nm.logger.ErrorContext(ctx, "timezone lookup failed", tint.Err(err))
	}
	if tz == "" {
		return nm.config.DefaultTimezone
	}
	return tz
}

func (nm *NeonMoon) handleRemind(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	opts := discordInteractionOptions(i)
	content := opts[remindTextOption].StringValue()
	when := opts[remindWhenOption].StringValue()
	zoneName := nm.userZone(ctx, user.ID)

	reminder, err := nm.scheduler.Schedule(
		ctx,
		user.ID,
		i.ChannelID,
		i.GuildID,
		content,
		when,
		zoneName,
	)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			nm.respondEphemeral(i, validationErr.UserMessage())
			return
		}
		nm.logger.ErrorContext(ctx, "error scheduling reminder", tint.Err(err))
		nm.respondEphemeral(i, genericErrorMessage)
		return
	}

	loc, _ := time.LoadLocation(zoneName)
	nm.respondEphemeral(
		i,
		fmt.Sprintf(
			"got it - I'll remind you here at %s (%s UTC)",
			reminder.RunAt.In(loc).Format(timestampDisplayLayout),
			reminder.RunAt.Format("2006-01-02 15:04"),
		),
	)
}

func (nm *NeonMoon) handleSetTZ(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	opts := discordInteractionOptions(i)
	zoneName := strings.TrimSpace(opts[setTZZoneOption].StringValue())
	if _, err := loadZone(zoneName); err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			nm.respondEphemeral(i, validationErr.UserMessage())
			return
		}
		nm.respondEphemeral(i, genericErrorMessage)
		return
	}
	if err := nm.store.SetTimezone(ctx, user.ID, zoneName); err != nil {
		nm.logger.ErrorContext(ctx, "error saving timezone", tint.Err(err))
		nm.respondEphemeral(i, genericErrorMessage)
		return
	}
	nm.respondEphemeral(i, fmt.Sprintf("your timezone is now `%s`", zoneName))
}

func (nm *NeonMoon) handleMyTime(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	zoneName := nm.userZone(ctx, user.ID)
	loc, err := loadZone(zoneName)
	if err != nil {
		nm.respondEphemeral(i, genericErrorMessage)
		return
	}
	now := nm.clk.Now().In(loc)
	nm.respondEphemeral(
		i,
		fmt.Sprintf(
			"it's %s in `%s`",
			now.Format(timestampDisplayLayout),
			zoneName,
		),
	)
}

// startAsk defers the interaction, then runs the relay on its own
// goroutine so concurrent questions from different users don't queue
// behind each other.
func (nm *NeonMoon) startAsk(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	prompt string,
	metadata map[string]string,
) {
	if err := nm.discord.session.InteractionRespond(
		i.Interaction,
		nm.discord.ackResponse(false),
	); err != nil {
		nm.logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}
	go nm.runAsk(ctx, i, user, prompt, metadata)
}

// runAsk relays the prompt to the chat backend, chunks the buffered
// response, edits the deferred interaction response with the first
// segment, and threads each following segment as a reply to the previous
// message so the channel reads as one continuous answer.
func (nm *NeonMoon) runAsk(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	prompt string,
	metadata map[string]string,
) {
	logger := nm.logger.With("user_id", user.ID, "channel_id", i.ChannelID)
	defer func() {
		if rc := recover(); rc != nil {
			logger.Error(
				"panic relaying question",
				"recovered", rc,
				"stack", string(debug.Stack()),
			)
			nm.editResponse(i, genericErrorMessage)
		}
	}()

	req := RelayRequest{
		Messages:        []ChatMessage{{Role: chatRoleUser, Content: prompt}},
		UserID:          user.ID,
		UserName:        user.Username,
		ConversationID:  i.ChannelID,
		UseServerMemory: nm.config.Relay.UseServerMemory,
		Metadata:        metadata,
	}
	if tz, err := nm.store.GetTimezone(ctx, user.ID); err == nil && tz != "" {
		req.UserTZ = tz
	}

	stream, err := nm.relay.Ask(ctx, req)
	if err != nil {
		var upstreamErr *UpstreamError
		if errors.As(err, &upstreamErr) {
			logger.Error("chat backend rejected request", tint.Err(upstreamErr))
		} else {
			logger.Error("relay request failed", tint.Err(err))
		}
		nm.editResponse(i, nm.config.Relay.FallbackMessage)
		return
	}

	answer := stream.Collect()
	if answer == "" {
		answer = nm.config.Relay.FallbackMessage
	}

	segments := ChunkMessage(answer, discordMaxMessageLength)
	first, err := nm.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &segments[0]},
	)
	if err != nil {
		logger.Error("error editing interaction response", tint.Err(err))
		return
	}

	previous := first
	for _, segment := range segments[1:] {
		msg, sendErr := nm.discord.session.ChannelMessageSendReply(
			i.ChannelID,
			segment,
			&discordgo.MessageReference{
				MessageID: previous.ID,
				ChannelID: i.ChannelID,
				GuildID:   i.GuildID,
			},
		)
		if sendErr != nil {
			logger.Error("error sending chunked reply", tint.Err(sendErr))
			return
		}
		previous = msg
	}
}

// respondEphemeral sends an immediate, caller-only-visible reply.
func (nm *NeonMoon) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := nm.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		nm.logger.Error("error responding to interaction", tint.Err(err))
	}
}

func (nm *NeonMoon) editResponse(i *discordgo.InteractionCreate, content string) {
	_, err := nm.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	)
	if err != nil {
		nm.logger.Error("error editing interaction response", tint.Err(err))
	}
}

// handleMessageCreate dispatches the prefix text commands (the key/value
// store surface): set, get, del, all, help.
func (nm *NeonMoon) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !strings.HasPrefix(m.Content, nm.config.CommandPrefix) {
		return
	}
	ctx := context.Background()
	logger := nm.logger.With(
		"channel_id", m.ChannelID,
		"guild_id", m.GuildID,
		"user_id", m.Author.ID,
	)
	defer func() {
		if rc := recover(); rc != nil {
			logger.Error(
				"panic handling message command",
				"recovered", rc,
				"stack", string(debug.Stack()),
			)
			nm.replyTo(m, genericErrorMessage)
		}
	}()

	// direct messages have no guild; the channel becomes the record scope
	scope := m.GuildID
	if scope == "" {
		scope = m.ChannelID
	}

	trimmed := strings.TrimPrefix(m.Content, nm.config.CommandPrefix)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	logger.Info("received text command", "command", command)

	switch command {
	case "set":
		args := strings.SplitN(strings.TrimSpace(trimmed), " ", 3)
		if len(args) < 3 || strings.TrimSpace(args[1]) == "" {
			nm.replyTo(m, ErrEmptyKey.UserMessage())
			return
		}
		key, value := args[1], strings.TrimSpace(args[2])
		if err := nm.store.SetKV(ctx, scope, key, value, m.Author.ID); err != nil {
			logger.Error("error saving record", tint.Err(err))
			nm.replyTo(m, genericErrorMessage)
			return
		}
		nm.replyTo(m, fmt.Sprintf("saved `%s`", key))
	case "get":
		if len(fields) < 2 {
			nm.replyTo(m, "usage: get <key>")
			return
		}
		rec, found, err := nm.store.GetKV(ctx, scope, fields[1])
		if err != nil {
			logger.Error("error reading record", tint.Err(err))
			nm.replyTo(m, genericErrorMessage)
			return
		}
		if !found {
			nm.replyTo(m, fmt.Sprintf("nothing stored for `%s`", fields[1]))
			return
		}
		nm.replyTo(m, rec.Value)
	case "del":
		if len(fields) < 2 {
			nm.replyTo(m, "usage: del <key>")
			return
		}
		rows, err := nm.store.DeleteKV(ctx, scope, fields[1])
		if err != nil {
			logger.Error("error deleting record", tint.Err(err))
			nm.replyTo(m, genericErrorMessage)
			return
		}
		if rows == 0 {
			nm.replyTo(m, fmt.Sprintf("nothing stored for `%s`", fields[1]))
			return
		}
		nm.replyTo(m, fmt.Sprintf("deleted `%s`", fields[1]))
	case "all":
		var prefix string
		if len(fields) > 1 {
			prefix = fields[1]
		}
		recs, err := nm.store.ListKV(ctx, scope, prefix)
		if err != nil {
			logger.Error("error listing records", tint.Err(err))
			nm.replyTo(m, genericErrorMessage)
			return
		}
		if len(recs) == 0 {
			nm.replyTo(m, "no records found")
			return
		}
		lines := make([]string, 0, len(recs))
		for _, rec := range recs {
			lines = append(lines, fmt.Sprintf("`%s`: %s", rec.Key, rec.Value))
		}
		for _, segment := range ChunkMessage(strings.Join(lines, "\n"), discordMaxMessageLength) {
			nm.replyTo(m, segment)
		}
	case "help":
		nm.replyTo(m, nm.helpText())
	default:
		nm.replyTo(
			m,
			fmt.Sprintf("I don't know `%s` - try `%shelp`", command, nm.config.CommandPrefix),
		)
	}
}

func (nm *NeonMoon) helpText() string {
	p := nm.config.CommandPrefix
	return strings.Join(
		[]string{
			fmt.Sprintf("`%sset <key> <value>` - store a note for this server", p),
			fmt.Sprintf("`%sget <key>` - look up a note", p),
			fmt.Sprintf("`%sdel <key>` - delete a note", p),
			fmt.Sprintf("`%sall [prefix]` - list notes, optionally filtered by prefix", p),
			"`/remind <text> <when>` - set a reminder",
			"`/settz <tz>` / `/mytime` - timezone preferences",
			"`/ask <message>` - ask me anything",
		},
		"\n",
	)
}

// replyTo sends content to the invoking message's channel, referencing the
// invoking message.
func (nm *NeonMoon) replyTo(m *discordgo.MessageCreate, content string) {
	_, err := nm.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
	)
	if err != nil {
		nm.logger.Error("error sending reply", tint.Err(err))
	}
}
