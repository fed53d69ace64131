package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	docRedialBase = time.Second
	docRedialCap  = 30 * time.Second
)

// DocWatcher maintains one read-only subscription per session to the
// collaboration server's control document. Recognized keys are seed,
// scenario_id, step_mode, and play; everything else is ignored.
type DocWatcher struct {
	endpoint string
	log      *logrus.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewDocWatcher creates a watcher. An empty endpoint disables watching.
func NewDocWatcher(endpoint string, log *logrus.Logger) *DocWatcher {
	return &DocWatcher{
		endpoint: endpoint,
		log:      log,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Watch subscribes an instance to its session's document
func (w *DocWatcher) Watch(in *Instance) {
	if w.endpoint == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if prev, ok := w.cancels[in.spec.SessionID]; ok {
		prev()
	}
	w.cancels[in.spec.SessionID] = cancel
	w.mu.Unlock()

	go w.watch(ctx, in)
}

// Unwatch drops the subscription for a session
func (w *DocWatcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.cancels[sessionID]; ok {
		cancel()
		delete(w.cancels, sessionID)
	}
}

// Close drops every subscription
func (w *DocWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, cancel := range w.cancels {
		cancel()
		delete(w.cancels, id)
	}
}

// watch dials and reads until canceled, redialing with capped backoff
func (w *DocWatcher) watch(ctx context.Context, in *Instance) {
	url := w.endpoint + "?session=" + in.spec.SessionID
	log := w.log.WithField("session_id", in.spec.SessionID)
	delay := docRedialBase

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.WithError(err).Warn("control doc dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > docRedialCap {
				delay = docRedialCap
			}
			continue
		}
		delay = docRedialBase

		w.read(ctx, conn, in, log)
		conn.Close()
	}
}

func (w *DocWatcher) read(ctx context.Context, conn *websocket.Conn, in *Instance, log *logrus.Entry) {
	// Unblock the reader when the watch is canceled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("control doc read failed")
			}
			return
		}

		var update ControlDocUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			log.WithError(err).Warn("malformed control doc update")
			continue
		}
		in.ApplyDocUpdate(update)
	}
}
