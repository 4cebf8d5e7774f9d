// Package neonmoon implements NeonMoon, a Discord bot that keeps small
// per-guild key/value notes, schedules and delivers timed reminders, and
// relays free-text questions to a remote chat-completion service, streaming
// the response back into Discord in message-sized chunks.
//
// The bot is a single process. Inbound commands (prefix text commands and
// slash commands) are dispatched from discordgo gateway handlers. A polling
// scheduler, independent of command handling, periodically queries the
// database for due reminders and posts them to their target channels.
// Responses from the chat backend arrive as a server-sent-event style byte
// stream, which is parsed frame-by-frame and re-emitted as text fragments.
package neonmoon
