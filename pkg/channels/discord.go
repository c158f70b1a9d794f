package channels

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/presenced/pkg/bus"
	"github.com/dotsetgreg/presenced/pkg/config"
	"github.com/dotsetgreg/presenced/pkg/logger"
)

const sendTimeout = 10 * time.Second

// Discord message limit is 2000 characters; split below it to leave
// room for natural boundaries around code blocks.
const discordChunkLimit = 1500

type DiscordChannel struct {
	session *discordgo.Session
	cfg     config.DiscordConfig
	eb      *bus.EventBus
	allow   allowlist
	running atomic.Bool
}

func NewDiscordChannel(cfg config.DiscordConfig, eb *bus.EventBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordChannel{
		session: session,
		cfg:     cfg,
		eb:      eb,
		allow:   allowlist(cfg.AllowFrom),
	}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) IsRunning() bool { return c.running.Load() }

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.running.Store(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.running.Store(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	logger.InfoC("discord", "Discord disconnected")
	return nil
}

// Deliver sends one scheduler-initiated message to the configured
// channel, chunked under the Discord length limit.
func (c *DiscordChannel) Deliver(ctx context.Context, msg bus.ProactiveMessage) error {
	if !c.running.Load() {
		return fmt.Errorf("discord channel not running")
	}
	channelID := msg.ChatID
	if channelID == "" {
		channelID = c.cfg.ChannelID
	}
	if channelID == "" {
		return fmt.Errorf("no discord channel configured for delivery")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	// A single typing ping makes an unprompted message land less
	// abruptly.
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.DebugCF("discord", "Typing indicator failed", map[string]any{"error": err.Error()})
	}

	for _, chunk := range splitMessage(msg.Content, discordChunkLimit) {
		if err := c.sendChunk(ctx, channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send discord message: %w", sendCtx.Err())
	}
}

// handleMessage turns observed user turns into bus events. The
// scheduler never replies here; it only needs to know the user is
// around.
func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.ID == s.State.User.ID {
		return
	}
	if c.cfg.ChannelID != "" && m.ChannelID != c.cfg.ChannelID && m.GuildID != "" {
		return
	}
	if !c.allow.allows(m.Author.ID, m.Author.Username) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	content := m.Content
	for _, attachment := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", attachment.Filename)
	}
	if content == "" {
		return
	}

	c.eb.PublishUserMessage(bus.UserMessage{
		Channel:    c.Name(),
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		Content:    content,
		ReceivedAt: time.Now(),
	})
}

// splitMessage splits long messages at natural boundaries, extending a
// chunk rather than breaking a code block in half.
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastNewline(content[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(content[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		if unclosedIdx := findLastUnclosedCodeBlock(content[:msgEnd]); unclosedIdx >= 0 {
			extendedLimit := limit + 500
			if len(content) > extendedLimit {
				if closingIdx := findNextClosingCodeBlock(content, msgEnd); closingIdx > 0 && closingIdx <= extendedLimit {
					msgEnd = closingIdx
				} else {
					// No closing fence in reach; split before the block.
					msgEnd = findLastNewline(content[:unclosedIdx], 200)
					if msgEnd <= 0 {
						msgEnd = findLastSpace(content[:unclosedIdx], 100)
					}
					if msgEnd <= 0 {
						msgEnd = unclosedIdx
					}
				}
			} else {
				msgEnd = len(content)
			}
		}

		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

func findLastUnclosedCodeBlock(text string) int {
	count := 0
	lastOpenIdx := -1
	for i := 0; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}
	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

func findNextClosingCodeBlock(text string, startIdx int) int {
	for i := startIdx; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}

func findLastNewline(s string, searchWindow int) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func findLastSpace(s string, searchWindow int) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if s[i] == ' ' || s[i] == '\t' {
			return i
		}
	}
	return -1
}
