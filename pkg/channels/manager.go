package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/presenced/pkg/bus"
	"github.com/dotsetgreg/presenced/pkg/config"
	"github.com/dotsetgreg/presenced/pkg/logger"
)

// Manager owns the delivery channels and the outbound pump that drains
// proactive messages off the bus.
type Manager struct {
	channels map[string]Channel
	eb       *bus.EventBus
	cfg      *config.Config

	cancel context.CancelFunc
	mu     sync.RWMutex
}

func NewManager(cfg *config.Config, eb *bus.EventBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		eb:       eb,
		cfg:      cfg,
	}

	if strings.TrimSpace(cfg.Channels.Discord.Token) != "" {
		discord, err := NewDiscordChannel(cfg.Channels.Discord, eb)
		if err != nil {
			return nil, fmt.Errorf("initialize discord channel: %w", err)
		}
		m.channels[discord.Name()] = discord
	}

	logger.InfoCF("channels", "Channels initialized", map[string]any{
		"enabled": len(m.channels),
	})
	return m, nil
}

// RegisterChannel adds a non-default channel (the console uses this).
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		snapshot[name] = ch
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		logger.WarnC("channels", "No delivery channels configured; outbound messages will be dropped")
	}

	var started []string
	for name, ch := range snapshot {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = snapshot[s].Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		started = append(started, name)
		logger.InfoCF("channels", "Channel started", map[string]any{"channel": name})
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	go m.pumpOutbound(pumpCtx)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			logger.WarnCF("channels", "Channel stop failed", map[string]any{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
		}
	}
	logger.InfoC("channels", "All channels stopped")
}

// pumpOutbound drains the proactive queue and hands each message to its
// channel. Messages without an explicit channel go to Discord.
func (m *Manager) pumpOutbound(ctx context.Context) {
	for {
		msg, ok := m.eb.SubscribeProactive(ctx)
		if !ok {
			return
		}

		name := msg.Channel
		if name == "" {
			name = "discord"
		}

		m.mu.RLock()
		ch, exists := m.channels[name]
		m.mu.RUnlock()
		if !exists {
			logger.WarnCF("channels", "No channel for outbound message", map[string]any{
				"channel": name,
				"kind":    msg.Kind,
			})
			continue
		}

		if err := ch.Deliver(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Delivery failed", map[string]any{
				"channel": name,
				"kind":    msg.Kind,
				"error":   err.Error(),
			})
		}
	}
}
