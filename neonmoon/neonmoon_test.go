package neonmoon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore opens a throwaway SQLite database under t.TempDir.
func newTestStore(t testing.TB) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	handler := slog.NewTextHandler(io.Discard, nil)
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		dbPath,
		handler,
		time.Second,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewStore(db, testLogger(), false)
}

// newTestBot wires a NeonMoon around a mock discord session, a fresh
// SQLite store and a fake clock. No network connections are made.
func newTestBot(t testing.TB) (*NeonMoon, *mockDiscordSession, clock.FakeClock) {
	t.Helper()
	config := DefaultConfig()
	config.Scheduler.DeliveriesPerSecond = 0

	logger := testLogger()
	session := &mockDiscordSession{}
	store := newTestStore(t)
	clk := clock.NewFake()

	nm := &NeonMoon{
		config: config,
		logger: logger,
		store:  store,
		clk:    clk,
	}
	nm.discord = &Discord{
		session: session,
		config:  config.Discord,
		logger:  logger,
		nm:      nm,
	}
	nm.scheduler = NewReminderScheduler(
		config.Scheduler,
		store,
		nm.deliverReminder,
		clk,
		logger,
	)
	return nm, session, clk
}

type mockSentMessage struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// mockDiscordSession is an in-memory DiscordSessionHandler that records
// everything sent through it.
type mockDiscordSession struct {
	mu sync.Mutex

	channelSends  []mockSentMessage
	replies       []mockSentMessage
	responses     []*discordgo.InteractionResponse
	responseEdits []string
	overwrites    [][]*discordgo.ApplicationCommand
	customStatus  string
	nextMessageID int

	sendErr    error
	replyErr   error
	respondErr error
	editErr    error
}

var _ DiscordSessionHandler = (*mockDiscordSession)(nil)

func (m *mockDiscordSession) Open() error {
	return nil
}

func (m *mockDiscordSession) Close() error {
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	return func() {}
}

func (m *mockDiscordSession) nextMessage(channelID string) *discordgo.Message {
	m.nextMessageID++
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", m.nextMessageID),
		ChannelID: channelID,
	}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.channelSends = append(
		m.channelSends,
		mockSentMessage{ChannelID: channelID, Content: message},
	)
	return m.nextMessage(channelID), nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return nil, m.replyErr
	}
	m.replies = append(
		m.replies,
		mockSentMessage{
			ChannelID: channelID,
			Content:   content,
			Reference: reference,
		},
	)
	return m.nextMessage(channelID), nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overwrites = append(m.overwrites, commands)
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.respondErr != nil {
		return m.respondErr
	}
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	var content string
	if newresp.Content != nil {
		content = *newresp.Content
	}
	m.responseEdits = append(m.responseEdits, content)
	return m.nextMessage(interaction.ChannelID), nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(client *http.Client) {}

func (m *mockDiscordSession) sentReplies() []mockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSentMessage, len(m.replies))
	copy(out, m.replies)
	return out
}

func (m *mockDiscordSession) sentEdits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.responseEdits))
	copy(out, m.responseEdits)
	return out
}

func (m *mockDiscordSession) sentChannelMessages() []mockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSentMessage, len(m.channelSends))
	copy(out, m.channelSends)
	return out
}
