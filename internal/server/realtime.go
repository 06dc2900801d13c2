package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	RealtimeEventContactsChanged = "contacts-changed"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "rolodex-backend"
	realtimeHeartbeatInterval    = 25 * time.Second
	realtimeSubscriberBuffer     = 16
)

// RealtimeMessage announces that some of a user's contacts changed.
type RealtimeMessage struct {
	UserID     string
	EventType  string
	ContactIDs []string
	Timestamp  time.Time
}

// RealtimeDispatcher fans contact change events out to every open event stream of a user.
// A subscriber whose buffer is full misses the event; writers never block on readers.
type RealtimeDispatcher struct {
	mu      sync.RWMutex
	streams map[string]map[int64]chan RealtimeMessage
	lastID  atomic.Int64
	dropped atomic.Int64
	clock   func() time.Time
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		streams: make(map[string]map[int64]chan RealtimeMessage),
		clock:   time.Now,
	}
}

// Subscribe registers a stream for userID. The returned cleanup is idempotent and also runs
// when ctx ends.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	id := d.lastID.Add(1)
	stream := make(chan RealtimeMessage, realtimeSubscriberBuffer)
	d.mu.Lock()
	userStreams, ok := d.streams[userID]
	if !ok {
		userStreams = make(map[int64]chan RealtimeMessage)
		d.streams[userID] = userStreams
	}
	userStreams[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(userID, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers message to the user's streams and reports how many received it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) int {
	if message.UserID == "" || message.EventType == "" {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	delivered := 0
	for _, stream := range d.streams[message.UserID] {
		select {
		case stream <- message:
			delivered++
		default:
			d.dropped.Add(1)
		}
	}
	return delivered
}

// ContactsChanged publishes one contacts-changed event with duplicate ids removed. It
// satisfies contacts.ChangeNotifier.
func (d *RealtimeDispatcher) ContactsChanged(userID string, contactIDs []string) {
	if d == nil {
		return
	}
	unique := make([]string, 0, len(contactIDs))
	seen := make(map[string]struct{}, len(contactIDs))
	for _, id := range contactIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return
	}
	d.Publish(RealtimeMessage{
		UserID:     userID,
		EventType:  RealtimeEventContactsChanged,
		ContactIDs: unique,
		Timestamp:  d.clock().UTC(),
	})
}

// Dropped counts events skipped because a subscriber fell behind.
func (d *RealtimeDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *RealtimeDispatcher) subscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams[userID])
}

func (d *RealtimeDispatcher) unsubscribe(userID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userStreams := d.streams[userID]
	delete(userStreams, id)
	if len(userStreams) == 0 {
		delete(d.streams, userID)
	}
}
