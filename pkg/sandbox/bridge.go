package sandbox

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"

	"github.com/cosimhq/cosim/pkg/engine"
	"github.com/cosimhq/cosim/pkg/models"
)

// bridge serves the `sim` object of a running script over a unix socket,
// mirroring the engine adapter surface. Requests and responses are JSON
// lines. All engine calls go through the bridge serially, so the engine sees
// the same single-caller discipline as the producer task.
type bridge struct {
	sim      engine.Adapter
	listener net.Listener
	path     string

	mu     sync.Mutex // Serializes engine calls across connections
	closed chan struct{}
}

type bridgeRequest struct {
	Op      string               `json:"op"`
	Actions []float64            `json:"actions,omitempty"`
	Camera  *models.CameraParams `json:"camera,omitempty"`
}

type bridgeResponse struct {
	OK    bool          `json:"ok"`
	State *engine.State `json:"state,omitempty"`
	Error string        `json:"error,omitempty"`
}

func newBridge(runDir string, sim engine.Adapter) (*bridge, error) {
	path := filepath.Join(runDir, "sim.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	b := &bridge{
		sim:      sim,
		listener: listener,
		path:     path,
		closed:   make(chan struct{}),
	}
	go b.accept()
	return b, nil
}

func (b *bridge) SocketPath() string {
	return b.path
}

func (b *bridge) Close() error {
	close(b.closed)
	return b.listener.Close()
}

func (b *bridge) accept() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				continue
			}
		}
		go b.serve(conn)
	}
}

func (b *bridge) serve(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req bridgeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(bridgeResponse{Error: "malformed request"})
			continue
		}
		_ = enc.Encode(b.dispatch(req))
	}
}

func (b *bridge) dispatch(req bridgeRequest) bridgeResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Op {
	case "step":
		state, err := b.sim.Step(req.Actions)
		if err != nil {
			return bridgeResponse{Error: err.Error()}
		}
		return bridgeResponse{OK: true, State: &state}

	case "reset":
		state := b.sim.Reset()
		return bridgeResponse{OK: true, State: &state}

	case "state":
		state := b.sim.State()
		return bridgeResponse{OK: true, State: &state}

	case "set_camera":
		if req.Camera == nil {
			return bridgeResponse{Error: "camera params required"}
		}
		if err := b.sim.SetCamera(*req.Camera); err != nil {
			return bridgeResponse{Error: err.Error()}
		}
		state := b.sim.State()
		return bridgeResponse{OK: true, State: &state}

	default:
		return bridgeResponse{Error: "unknown op " + req.Op}
	}
}
