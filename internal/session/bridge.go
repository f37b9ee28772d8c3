package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/blagajna/internal/model"
)

// MessageType names the messages exchanged between the agent and the
// interactive till session.
type MessageType string

const (
	MsgRequestCredential  MessageType = "request-credential"
	MsgCredentialResponse MessageType = "credential-response"
	MsgSyncComplete       MessageType = "sync-complete"
	MsgSyncError          MessageType = "sync-error"
)

// Message is the single schema carried over the bridge.
type Message struct {
	Type MessageType `json:"type"`

	// ID correlates a credential-response with its request-credential.
	ID string `json:"id,omitempty"`

	Token  string            `json:"token,omitempty"`
	Result *model.SyncResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	At     time.Time         `json:"at"`
}

var (
	// ErrTimeout is returned when nobody answers a request in time.
	ErrTimeout = errors.New("session did not answer in time")

	// ErrNoWaiter is returned for a response nobody is waiting for.
	ErrNoWaiter = errors.New("no pending request with that id")
)

// subscriberBuffer is the per-subscriber queue; slow subscribers lose messages.
const subscriberBuffer = 16

// Bridge is the message channel between the agent and interactive sessions.
// Broadcasts fan out to every subscriber; credential requests are correlated
// with their responses by id.
type Bridge struct {
	mu      sync.Mutex
	nextSub int
	subs    map[int]chan Message
	waiting map[string]chan Message
}

// NewBridge creates an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{
		subs:    make(map[int]chan Message),
		waiting: make(map[string]chan Message),
	}
}

// Subscribe returns a channel of broadcast messages and a function that
// unsubscribes and closes it.
func (b *Bridge) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Message, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish broadcasts m to every subscriber without blocking.
func (b *Bridge) Publish(m Message) {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// RequestCredential broadcasts a request-credential message and waits for
// the matching credential-response, the context, or the timeout.
func (b *Bridge) RequestCredential(ctx context.Context, timeout time.Duration) (Message, error) {
	id := uuid.NewString()
	reply := make(chan Message, 1)

	b.mu.Lock()
	b.waiting[id] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiting, id)
		b.mu.Unlock()
	}()

	b.Publish(Message{Type: MsgRequestCredential, ID: id})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-reply:
		if m.Error != "" {
			return m, errors.New(m.Error)
		}
		return m, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Respond delivers a credential-response to the request waiting on its id.
func (b *Bridge) Respond(m Message) error {
	if m.Type != MsgCredentialResponse {
		return errors.New("only credential responses can be answered")
	}

	b.mu.Lock()
	reply, ok := b.waiting[m.ID]
	if ok {
		delete(b.waiting, m.ID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNoWaiter
	}
	reply <- m
	return nil
}
