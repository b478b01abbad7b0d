package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"ax/internal/domain"
)

// SlackChannel implements domain.Channel over Slack Socket Mode. It also
// satisfies domain.Reactor and domain.ThreadHistoryFetcher.
type SlackChannel struct {
	api         *slack.Client
	sock        *socketmode.Client
	agentID     string
	channelIDs  map[string]bool
	mentionOnly bool
	log         *slog.Logger

	botUserID string
	handler   domain.MessageHandler
	cancel    context.CancelFunc
}

// NewSlackChannel builds a Slack channel. channelIDs, when non-empty, is an
// allowlist of channels the bot responds in (DMs always pass).
func NewSlackChannel(botToken, appToken, agentID string, channelIDs []string, mentionOnly bool, log *slog.Logger) *SlackChannel {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	allow := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		allow[id] = true
	}
	return &SlackChannel{
		api:         api,
		sock:        socketmode.New(api),
		agentID:     agentID,
		channelIDs:  allow,
		mentionOnly: mentionOnly,
		log:         log,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

// OnMessage registers the single inbound handler. Must be called before
// Connect.
func (c *SlackChannel) OnMessage(handler domain.MessageHandler) {
	c.handler = handler
}

// Connect authenticates, starts the socket-mode loop, and returns once the
// loop is running.
func (c *SlackChannel) Connect(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.eventLoop(runCtx)
	go func() {
		if err := c.sock.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error("slack socket loop stopped", "error", err)
		}
	}()
	c.log.Info("slack channel connected", "bot_user", c.botUserID)
	return nil
}

// Disconnect stops the socket loop.
func (c *SlackChannel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sock.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.sock.Ack(*evt.Request)

			switch inner := apiEvent.InnerEvent.Data.(type) {
			case *slackevents.MessageEvent:
				c.deliver(ctx, c.translateMessage(inner))
			case *slackevents.AppMentionEvent:
				c.deliver(ctx, c.translateMention(inner))
			}
		}
	}
}

func (c *SlackChannel) deliver(ctx context.Context, msg domain.InboundMessage) {
	if c.handler == nil || msg.ID == "" {
		return
	}
	if err := c.handler(ctx, msg); err != nil {
		c.log.Error("slack message handling failed", "message", msg.ID, "error", err)
	}
}

// translateMessage maps a Slack message event onto the host's inbound shape.
func (c *SlackChannel) translateMessage(ev *slackevents.MessageEvent) domain.InboundMessage {
	// Ignore bot echoes and message edits.
	if ev.BotID != "" || ev.SubType != "" {
		return domain.InboundMessage{}
	}
	addr := domain.SessionAddress{
		Provider:  "slack",
		AgentID:   c.agentID,
		ChannelID: ev.Channel,
		UserID:    ev.User,
	}
	switch {
	case ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp:
		addr.Scope = domain.ScopeThread
		addr.ThreadID = ev.ThreadTimeStamp
	case ev.ChannelType == "im":
		addr.Scope = domain.ScopeDM
	default:
		addr.Scope = domain.ScopeChannel
	}
	return domain.InboundMessage{
		ID:        ev.TimeStamp,
		Address:   addr,
		Sender:    ev.User,
		Content:   c.stripMention(ev.Text),
		Timestamp: slackTime(ev.TimeStamp),
		IsMention: strings.Contains(ev.Text, "<@"+c.botUserID+">"),
	}
}

func (c *SlackChannel) translateMention(ev *slackevents.AppMentionEvent) domain.InboundMessage {
	addr := domain.SessionAddress{
		Provider:  "slack",
		Scope:     domain.ScopeChannel,
		AgentID:   c.agentID,
		ChannelID: ev.Channel,
		UserID:    ev.User,
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		addr.Scope = domain.ScopeThread
		addr.ThreadID = ev.ThreadTimeStamp
	}
	return domain.InboundMessage{
		ID:        ev.TimeStamp,
		Address:   addr,
		Sender:    ev.User,
		Content:   c.stripMention(ev.Text),
		Timestamp: slackTime(ev.TimeStamp),
		IsMention: true,
	}
}

// ShouldRespond filters before any processing: self-messages never pass,
// DMs always pass, channels honor the allowlist and the mention-only knob.
func (c *SlackChannel) ShouldRespond(msg domain.InboundMessage) bool {
	if msg.Sender == "" || msg.Sender == c.botUserID {
		return false
	}
	if msg.Address.Scope == domain.ScopeDM {
		return true
	}
	if len(c.channelIDs) > 0 && !c.channelIDs[msg.Address.ChannelID] {
		return false
	}
	if c.mentionOnly && msg.Address.Scope == domain.ScopeChannel && !msg.IsMention {
		return false
	}
	return true
}

// Send posts a response, threading it when the session is thread-scoped.
func (c *SlackChannel) Send(ctx context.Context, addr domain.SessionAddress, msg domain.OutboundMessage) error {
	target := addr.ChannelID
	if addr.Scope == domain.ScopeDM && target == "" {
		channel, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users: []string{addr.UserID},
		})
		if err != nil {
			return fmt.Errorf("slack open dm: %w", err)
		}
		target = channel.ID
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if addr.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(addr.ThreadID))
	}
	_, _, err := c.api.PostMessageContext(ctx, target, opts...)
	return err
}

// AddReaction implements domain.Reactor.
func (c *SlackChannel) AddReaction(ctx context.Context, msg domain.InboundMessage, name string) error {
	return c.api.AddReactionContext(ctx, name, slack.ItemRef{
		Channel:   msg.Address.ChannelID,
		Timestamp: msg.ID,
	})
}

// RemoveReaction implements domain.Reactor.
func (c *SlackChannel) RemoveReaction(ctx context.Context, msg domain.InboundMessage, name string) error {
	return c.api.RemoveReactionContext(ctx, name, slack.ItemRef{
		Channel:   msg.Address.ChannelID,
		Timestamp: msg.ID,
	})
}

// FetchThreadHistory implements domain.ThreadHistoryFetcher.
func (c *SlackChannel) FetchThreadHistory(ctx context.Context, addr domain.SessionAddress, limit int) ([]domain.InboundMessage, error) {
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: addr.ChannelID,
		Timestamp: addr.ThreadID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack thread history: %w", err)
	}
	out := make([]domain.InboundMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.BotID != "" {
			continue
		}
		out = append(out, domain.InboundMessage{
			ID:        m.Timestamp,
			Address:   addr,
			Sender:    m.User,
			Content:   c.stripMention(m.Text),
			Timestamp: slackTime(m.Timestamp),
		})
	}
	return out, nil
}

func (c *SlackChannel) stripMention(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+c.botUserID+">", ""))
}

// slackTime converts a Slack "seconds.fraction" timestamp.
func slackTime(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
