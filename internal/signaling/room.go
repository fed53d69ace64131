package signaling

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/cosimhq/cosim/pkg/models"
)

// pairKey orders the two participant ids of a peer pair canonically
type pairKey struct {
	low, high string
}

func makePairKey(a, b string) pairKey {
	if a < b {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

// pairState tracks signaling progress between one broadcaster/viewer pair.
// ICE candidates arriving before the remote description is set (the answer
// has been relayed) are buffered in arrival order and flushed on
// description application.
type pairState struct {
	descriptionSet bool
	pendingICE     *queue.Queue // of pendingDelivery, in arrival order
}

// pendingDelivery is one buffered ICE candidate with its resolved target
type pendingDelivery struct {
	target *Client
	data   []byte
}

// Room is the media rendezvous object for one session. All fields are
// guarded by the room lock; inter-room operations never take two room locks.
type Room struct {
	id string

	mu          sync.Mutex
	broadcaster *Client
	viewers     map[string]*Client
	pairs       map[pairKey]*pairState

	// Armed when the broadcaster departs; the room survives for the grace
	// window to allow reconnect
	graceTimer *time.Timer
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		viewers: make(map[string]*Client),
		pairs:   make(map[pairKey]*pairState),
	}
}

// join admits a participant. A second broadcaster is rejected with
// BroadcasterPresent.
func (r *Room) join(c *Client, role Role) ([]Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if role == ROLE_BROADCASTER {
		if r.broadcaster != nil && r.broadcaster != c {
			return nil, models.NewError(models.ERR_BROADCASTER_PRESENT,
				"room %s already has a broadcaster", r.id)
		}
		r.broadcaster = c
		if r.graceTimer != nil {
			r.graceTimer.Stop()
			r.graceTimer = nil
		}
	} else {
		r.viewers[c.id] = c
	}

	c.room = r
	c.role = role
	return r.participantsLocked(), nil
}

func (r *Room) participantsLocked() []Participant {
	list := make([]Participant, 0, len(r.viewers)+1)
	if r.broadcaster != nil {
		list = append(list, Participant{ID: r.broadcaster.id, Role: ROLE_BROADCASTER})
	}
	for id := range r.viewers {
		list = append(list, Participant{ID: id, Role: ROLE_VIEWER})
	}
	return list
}

// leave removes a participant. Returns the notification to broadcast and
// whether the room should be scheduled for teardown after the grace window.
func (r *Room) leave(c *Client) (notify Message, keepAlive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster == c {
		r.broadcaster = nil
		r.clearPairsLocked(c.id)
		return Message{Type: MSG_PRODUCER_GONE, RoomID: r.id, FromID: c.id}, true
	}

	if _, ok := r.viewers[c.id]; ok {
		delete(r.viewers, c.id)
		r.clearPairsLocked(c.id)
		return Message{Type: MSG_PEER_LEFT, RoomID: r.id, FromID: c.id}, false
	}

	return Message{}, false
}

func (r *Room) clearPairsLocked(id string) {
	for key := range r.pairs {
		if key.low == id || key.high == id {
			delete(r.pairs, key)
		}
	}
}

// relay forwards a signaling message to its target, preserving FIFO order
// within the pair. ICE candidates ahead of the remote description are
// buffered; relaying an answer marks the description applied and flushes
// the buffer in arrival order.
func (r *Room) relay(from *Client, msg Message) error {
	r.mu.Lock()

	target, ok := r.findLocked(msg.TargetID)
	if !ok {
		r.mu.Unlock()
		return models.NewError(models.ERR_PEER_UNKNOWN, "no participant %s in room %s", msg.TargetID, r.id)
	}

	msg.FromID = from.id
	msg.RoomID = r.id
	key := makePairKey(from.id, target.id)

	state, exists := r.pairs[key]
	if !exists {
		state = &pairState{pendingICE: queue.New()}
		r.pairs[key] = state
	}

	var deliveries []pendingDelivery

	switch msg.Type {
	case MSG_ICE_CANDIDATE:
		if !state.descriptionSet {
			state.pendingICE.Add(pendingDelivery{target: target, data: msg.Encode()})
			r.mu.Unlock()
			return nil
		}
		deliveries = append(deliveries, pendingDelivery{target: target, data: msg.Encode()})

	case MSG_ANSWER:
		deliveries = append(deliveries, pendingDelivery{target: target, data: msg.Encode()})
		state.descriptionSet = true
		for state.pendingICE.Length() > 0 {
			deliveries = append(deliveries, state.pendingICE.Remove().(pendingDelivery))
		}

	default:
		deliveries = append(deliveries, pendingDelivery{target: target, data: msg.Encode()})
	}

	r.mu.Unlock()

	for _, d := range deliveries {
		d.target.enqueue(d.data)
	}
	return nil
}

func (r *Room) findLocked(id string) (*Client, bool) {
	if r.broadcaster != nil && r.broadcaster.id == id {
		return r.broadcaster, true
	}
	c, ok := r.viewers[id]
	return c, ok
}

// broadcast sends a message to every participant except the sender
func (r *Room) broadcast(exclude string, msg Message) {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.viewers)+1)
	if r.broadcaster != nil && r.broadcaster.id != exclude {
		targets = append(targets, r.broadcaster)
	}
	for id, v := range r.viewers {
		if id != exclude {
			targets = append(targets, v)
		}
	}
	r.mu.Unlock()

	data := msg.Encode()
	for _, t := range targets {
		t.enqueue(data)
	}
}

// empty reports whether no participants remain
func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcaster == nil && len(r.viewers) == 0
}

// hasBroadcaster reports whether a producer is currently joined
func (r *Room) hasBroadcaster() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcaster != nil
}
