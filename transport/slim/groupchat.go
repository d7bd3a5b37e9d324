package slim

import (
	"context"
	"sync"

	"github.com/agntcy/appsdk-go/transport"
)

// groupState is one moderated conversation channel: every joined member
// can Publish to, and Receive from, every other member. The raw relay
// makes no judgment about end-message strings or timeouts — that policy
// belongs to the bridge layer built on top of GroupSession.
type groupState struct {
	mu      sync.Mutex
	channel string
	members map[string]*groupMember
}

type groupMember struct {
	identity string
	inbox    chan groupMsg
	done     chan struct{}
	once     sync.Once
}

type groupMsg struct {
	from    string
	payload []byte
}

func (b *broker) joinGroup(channel, identity string) *groupSession {
	b.mu.Lock()
	g, ok := b.groups[channel]
	if !ok {
		g = &groupState{channel: channel, members: make(map[string]*groupMember)}
		b.groups[channel] = g
	}
	b.mu.Unlock()

	g.mu.Lock()
	member := &groupMember{identity: identity, inbox: make(chan groupMsg, 64), done: make(chan struct{})}
	g.members[identity] = member
	g.mu.Unlock()

	return &groupSession{broker: b, group: g, self: member}
}

// groupSession is one participant's handle on a groupState, satisfying
// transport.GroupSession.
type groupSession struct {
	broker *broker
	group  *groupState
	self   *groupMember
}

func (s *groupSession) Channel() string { return s.group.channel }

func (s *groupSession) Publish(ctx context.Context, payload []byte) error {
	s.group.mu.Lock()
	recipients := make([]*groupMember, 0, len(s.group.members)-1)
	for id, m := range s.group.members {
		if id != s.self.identity {
			recipients = append(recipients, m)
		}
	}
	s.group.mu.Unlock()

	for _, m := range recipients {
		msg := groupMsg{from: s.self.identity, payload: payload}
		select {
		case m.inbox <- msg:
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *groupSession) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case msg := <-s.self.inbox:
		return msg.from, msg.payload, nil
	case <-s.self.done:
		return "", nil, transport.ErrCancelled
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (s *groupSession) Close() error {
	s.self.once.Do(func() {
		close(s.self.done)
	})

	s.group.mu.Lock()
	delete(s.group.members, s.self.identity)
	empty := len(s.group.members) == 0
	s.group.mu.Unlock()

	if empty {
		s.broker.mu.Lock()
		delete(s.broker.groups, s.group.channel)
		s.broker.mu.Unlock()
	}
	return nil
}
