package usecase

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"ax/internal/domain"
)

const (
	dedupWindow  = 60 * time.Second
	dedupMaxSize = 1000
	backfillMax  = 20

	bootstrapReply = "I'm still being set up. Please check back once my operator has finished configuring me."
	blockedPrefix  = "Message blocked:"
)

// dedupMap is a TTL set with lazy pruning, capped at dedupMaxSize entries.
type dedupMap struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	maxSize int
	now     func() time.Time
}

func newDedupMap(window time.Duration, maxSize int) *dedupMap {
	return &dedupMap{
		seen:    make(map[string]time.Time),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen records key and reports whether it was already present within the
// window.
func (d *dedupMap) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true
	}
	if len(d.seen) >= d.maxSize {
		d.prune(now)
	}
	d.seen[key] = now
	return false
}

func (d *dedupMap) prune(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	// Still full of live entries: drop the oldest to stay bounded.
	for len(d.seen) >= d.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, at := range d.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(d.seen, oldestKey)
	}
}

// Ingestor is the per-channel message handler: filter, dedup, thread gate,
// backfill, bootstrap gate, acknowledge, process, track.
type Ingestor struct {
	channel  domain.Channel
	router   *Router
	orch     *Orchestrator
	convs    domain.ConversationStore
	sessions domain.SessionStore
	identity domain.IdentityStore
	agentID  string
	log      *slog.Logger
	dedup    *dedupMap
}

// NewIngestor builds the handler for one channel.
func NewIngestor(channel domain.Channel, router *Router, orch *Orchestrator, convs domain.ConversationStore, sessions domain.SessionStore, identity domain.IdentityStore, agentID string, log *slog.Logger) *Ingestor {
	return &Ingestor{
		channel:  channel,
		router:   router,
		orch:     orch,
		convs:    convs,
		sessions: sessions,
		identity: identity,
		agentID:  agentID,
		log:      log,
		dedup:    newDedupMap(dedupWindow, dedupMaxSize),
	}
}

// Register wires the ingestor as the channel's message handler.
func (in *Ingestor) Register() {
	in.channel.OnMessage(in.Handle)
}

// Handle processes one inbound message end to end. Errors from downstream
// sends are logged, not raised: by the time a send fails the agent has
// already completed its turn.
func (in *Ingestor) Handle(ctx context.Context, msg domain.InboundMessage) error {
	if !in.channel.ShouldRespond(msg) {
		return nil
	}
	if in.dedup.Seen(in.channel.Name() + ":" + msg.ID) {
		return nil
	}

	sessionID, err := msg.Address.SessionID()
	if err != nil {
		return domain.WrapOp("Ingestor.Handle", err)
	}

	if msg.Address.Scope == domain.ScopeThread {
		count, err := in.convs.Count(ctx, sessionID)
		if err != nil {
			return domain.WrapOp("Ingestor.Handle", err)
		}
		if !msg.IsMention && count == 0 {
			// Never engaged in this thread and not addressed: stay out.
			return nil
		}
		if msg.IsMention && count == 0 {
			in.backfillThread(ctx, sessionID, msg)
		}
	}

	if in.identity.InBootstrap(in.agentID) && !in.isAdmin(msg.Sender) {
		in.send(ctx, msg.Address, bootstrapReply)
		return nil
	}

	if reactor, ok := in.channel.(domain.Reactor); ok {
		if err := reactor.AddReaction(ctx, msg, "eyes"); err == nil {
			defer func() {
				if err := reactor.RemoveReaction(ctx, msg, "eyes"); err != nil {
					in.log.Debug("remove reaction failed", "message", msg.ID, "error", err)
				}
			}()
		}
	}

	result, err := in.router.ProcessInbound(ctx, msg, sessionID)
	if err != nil {
		return domain.WrapOp("Ingestor.Handle", err)
	}
	if !result.Queued {
		reason := result.BlockReason
		if reason == "" {
			reason = "content policy"
		}
		in.send(ctx, msg.Address, blockedPrefix+" "+reason)
		return nil
	}

	queued, err := in.orch.queue.DequeueByID(ctx, result.MessageID)
	if err != nil {
		return domain.WrapOp("Ingestor.Handle", err)
	}
	turn, err := in.orch.RunTurn(ctx, queued, TurnOptions{
		Address:       msg.Address,
		UserID:        msg.Sender,
		ReplyOptional: !msg.IsMention,
	})
	if err != nil {
		in.send(ctx, msg.Address, failurePrefix+" internal error")
		return domain.WrapOp("Ingestor.Handle", err)
	}
	if turn.Content != "" {
		in.send(ctx, msg.Address, turn.Content)
	}

	if err := in.sessions.SetLast(ctx, in.agentID, msg.Address); err != nil {
		in.log.Error("track last session failed", "agent", in.agentID, "error", err)
	}
	return nil
}

// backfillThread loads up to backfillMax prior thread messages as user
// turns, excluding the message currently being handled, in order.
func (in *Ingestor) backfillThread(ctx context.Context, sessionID string, msg domain.InboundMessage) {
	fetcher, ok := in.channel.(domain.ThreadHistoryFetcher)
	if !ok {
		return
	}
	prior, err := fetcher.FetchThreadHistory(ctx, msg.Address, backfillMax)
	if err != nil {
		in.log.Warn("thread backfill failed", "session", sessionID, "error", err)
		return
	}
	for _, p := range prior {
		if p.ID == msg.ID {
			continue
		}
		if err := in.convs.Append(ctx, sessionID, domain.RoleUser, p.Content, p.Sender); err != nil {
			in.log.Error("backfill append failed", "session", sessionID, "error", err)
			return
		}
	}
}

func (in *Ingestor) isAdmin(sender string) bool {
	admins, err := in.identity.Admins(in.agentID)
	if err != nil {
		in.log.Error("read admins failed", "agent", in.agentID, "error", err)
		return false
	}
	return slices.Contains(admins, sender)
}

func (in *Ingestor) send(ctx context.Context, addr domain.SessionAddress, content string) {
	if err := in.channel.Send(ctx, addr, domain.OutboundMessage{Content: content}); err != nil {
		in.log.Error("channel send failed", "channel", in.channel.Name(), "error", err)
	}
}
