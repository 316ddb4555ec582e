package actor

import (
	"regexp"
	"time"

	"WorkChat/logger"
	"WorkChat/service/bus"
	"WorkChat/service/storage"
	"WorkChat/tools/errs"
	"WorkChat/tools/ids"
)

// membership entry: created on first join, removed when the connection
// set empties.
type member struct {
	userID       string
	joinedAt     time.Time
	lastActivity time.Time
	conns        map[string]struct{}
}

type ChannelConf struct {
	TypingTTL   time.Duration
	RecentCache int
	Clock       func() time.Time
}

func (c *ChannelConf) norm() {
	if c.TypingTTL <= 0 {
		c.TypingTTL = 3 * time.Second
	}
	if c.RecentCache <= 0 {
		c.RecentCache = 100
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Toucher receives activity pings so channel traffic keeps the sender's
// presence fresh. Satisfied by the presence tracker.
type Toucher interface {
	Touch(userID string)
}

// Sink takes messages bound for durable storage. Satisfied by the
// message buffer.
type Sink interface {
	Enqueue(msg storage.Message)
}

// Channel owns one channel's real-time state: membership, typing
// indicators and the bounded recent-message cache. Message ordering as
// observed here is FIFO in SendMessage arrival order.
type Channel struct {
	mb     *Mailbox
	timers *Timers
	conf   ChannelConf

	id       string
	wsID     string // owning workspace
	bus      bus.Bus
	buf      Sink
	presence Toucher // nil when not wired

	members map[string]*member
	typing  map[string]struct{}
	recent  []storage.Message
}

func NewChannel(id, workspaceID string, conf ChannelConf, b bus.Bus, buf Sink, presence Toucher) *Channel {
	conf.norm()
	c := &Channel{
		mb:       NewMailbox(256),
		conf:     conf,
		id:       id,
		wsID:     workspaceID,
		bus:      b,
		buf:      buf,
		presence: presence,
		members:  make(map[string]*member),
		typing:   make(map[string]struct{}),
	}
	c.timers = NewTimers(c.mb)
	return c
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) WorkspaceID() string { return c.wsID }

func typingTimerKey(user string) string { return "typing:" + user }

// Join adds a connection for user, creating the membership entry on first
// join.
func (c *Channel) Join(userID, connID string) error {
	return CallErr(c.mb, func() error {
		now := c.conf.Clock()
		m, ok := c.members[userID]
		if !ok {
			m = &member{userID: userID, joinedAt: now, conns: make(map[string]struct{})}
			c.members[userID] = m
		}
		m.conns[connID] = struct{}{}
		m.lastActivity = now
		if !ok {
			c.publishMember(bus.EvMemberJoined, userID, "")
		}
		return nil
	})
}

// Leave drops one connection. The membership entry survives while other
// devices remain; the last one removes it and publishes the departure.
func (c *Channel) Leave(userID, connID string) error {
	return CallErr(c.mb, func() error {
		m, ok := c.members[userID]
		if !ok {
			return nil
		}
		delete(m.conns, connID)
		if len(m.conns) > 0 {
			m.lastActivity = c.conf.Clock()
			return nil
		}
		delete(c.members, userID)
		c.clearTyping(userID)
		c.publishMember(bus.EvMemberLeft, userID, "leave")
		return nil
	})
}

// SendMessage assigns id and timestamp, buffers the durable write, caches
// the message, publishes it, and clears the sender's typing state.
// Non-members are rejected with no side effects.
func (c *Channel) SendMessage(userID, content string, meta map[string]any) (storage.Message, error) {
	type result struct {
		msg storage.Message
		err error
	}
	r, callErr := Call(c.mb, func() result {
		m, ok := c.members[userID]
		if !ok {
			logger.Warnf("[channel:%s] drop message from non-member user=%s", c.id, userID)
			return result{err: errs.ErrNotMember.WrapMsg("send_message", "channel", c.id, "user", userID)}
		}
		now := c.conf.Clock()
		m.lastActivity = now
		if c.presence != nil {
			c.presence.Touch(userID)
		}

		msg := storage.Message{
			ID:        ids.GenerateString(),
			ChannelID: c.id,
			UserID:    userID,
			Content:   content,
			Meta:      meta,
			CreatedAt: now,
		}
		c.buf.Enqueue(msg)
		c.pushRecent(msg)

		c.bus.Publish(bus.ChannelMessagesTopic(c.id), bus.Event{
			Type: bus.EvMessageNew,
			Payload: map[string]any{
				"message_id":   msg.ID,
				"channel_id":   c.id,
				"workspace_id": c.wsID,
				"user_id":      userID,
				"content":      content,
				"meta":         meta,
				"mentions":     extractMentions(content),
				"created_at":   msg.CreatedAt,
			},
		})

		// sending counts as "stopped typing"
		if _, typing := c.typing[userID]; typing {
			c.clearTyping(userID)
			c.publishTyping()
		}
		return result{msg: msg}
	})
	if callErr != nil {
		return storage.Message{}, callErr
	}
	return r.msg, r.err
}

// SetTyping flips the typing indicator; true arms (or re-arms) the expiry
// timer, false clears it.
func (c *Channel) SetTyping(userID string, typing bool) error {
	return CallErr(c.mb, func() error {
		if _, ok := c.members[userID]; !ok {
			return errs.ErrNotMember.WrapMsg("set_typing", "channel", c.id, "user", userID)
		}
		_, cur := c.typing[userID]
		if typing {
			c.typing[userID] = struct{}{}
			c.timers.Set(typingTimerKey(userID), c.conf.TypingTTL, func() {
				delete(c.typing, userID)
				c.publishTyping()
			})
			if !cur {
				c.publishTyping()
			}
			return nil
		}
		if cur {
			c.clearTyping(userID)
			c.publishTyping()
		}
		return nil
	})
}

// RecentMessages returns up to limit of the newest cached messages,
// oldest first.
func (c *Channel) RecentMessages(limit int) []storage.Message {
	out, _ := Call(c.mb, func() []storage.Message {
		n := len(c.recent)
		if limit > 0 && limit < n {
			n = limit
		}
		cp := make([]storage.Message, n)
		copy(cp, c.recent[len(c.recent)-n:])
		return cp
	})
	return out
}

// Members returns the current member ids.
func (c *Channel) Members() []string {
	out, _ := Call(c.mb, func() []string {
		ids := make([]string, 0, len(c.members))
		for id := range c.members {
			ids = append(ids, id)
		}
		return ids
	})
	return out
}

// TypingSet returns who is currently typing; test hook alongside
// TypingTimerCount for the one-timer-per-typist invariant.
func (c *Channel) TypingSet() []string {
	out, _ := Call(c.mb, func() []string {
		ids := make([]string, 0, len(c.typing))
		for id := range c.typing {
			ids = append(ids, id)
		}
		return ids
	})
	return out
}

func (c *Channel) TypingTimerCount() int {
	n, _ := Call(c.mb, func() int { return c.timers.Len() })
	return n
}

// Done reports actor-loop termination; the coordinator watches it to
// clear bookkeeping for actors that die unexpectedly.
func (c *Channel) Done() <-chan struct{} { return c.mb.Done() }

func (c *Channel) Stop() {
	_ = CallErr(c.mb, func() error {
		c.timers.StopAll()
		return nil
	})
	c.mb.Stop()
	c.mb.Join(2 * time.Second)
}

// ----- internal (channel goroutine only) -----

func (c *Channel) pushRecent(msg storage.Message) {
	c.recent = append(c.recent, msg)
	if len(c.recent) > c.conf.RecentCache {
		// evict oldest; copy keeps the backing array from growing forever
		over := len(c.recent) - c.conf.RecentCache
		c.recent = append(c.recent[:0:0], c.recent[over:]...)
	}
}

// clearTyping removes the set entry and its timer as one unit.
func (c *Channel) clearTyping(userID string) {
	delete(c.typing, userID)
	c.timers.Cancel(typingTimerKey(userID))
}

func (c *Channel) publishTyping() {
	users := make([]string, 0, len(c.typing))
	for id := range c.typing {
		users = append(users, id)
	}
	c.bus.Publish(bus.ChannelTypingTopic(c.id), bus.Event{
		Type: bus.EvTypingChanged,
		Payload: map[string]any{
			"channel_id": c.id,
			"typing":     users,
		},
	})
}

func (c *Channel) publishMember(evType, userID, reason string) {
	c.bus.Publish(bus.ChannelMembersTopic(c.id), bus.Event{
		Type: evType,
		Payload: map[string]any{
			"channel_id":   c.id,
			"workspace_id": c.wsID,
			"user_id":      userID,
			"reason":       reason,
		},
	})
}

var mentionRe = regexp.MustCompile(`@([\w.-]+)`)

func extractMentions(content string) []string {
	matches := mentionRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}
