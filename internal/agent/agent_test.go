package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimhq/cosim/pkg/models"
	"github.com/cosimhq/cosim/pkg/sandbox"
)

const cartpoleMJCF = `<mujoco model="cartpole">
  <option timestep="0.002"/>
  <worldbody>
    <body name="cart">
      <joint name="slider" type="slide" axis="1 0 0"/>
      <body name="pole">
        <joint name="hinge" type="hinge" axis="0 1 0"/>
      </body>
    </body>
  </worldbody>
  <actuator>
    <motor name="slide" joint="slider"/>
  </actuator>
</mujoco>`

type countingReporter struct {
	mu    sync.Mutex
	calls []string
}

func (r *countingReporter) ReportActivity(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
}

func (r *countingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testRegistry(t *testing.T, reporter ActivityReporter) *Registry {
	t.Helper()

	store := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(store, "cartpole.xml"), []byte(cartpoleMJCF), 0o644))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	r := NewRegistry(store, nil, 4, reporter, prometheus.NewRegistry(), log)
	t.Cleanup(r.Shutdown)
	return r
}

func cartpoleSpec(sessionID string) CreateSpec {
	return CreateSpec{
		SessionID: sessionID,
		Engine:    models.MUJOCO,
		ModelPath: "cartpole.xml",
		Width:     160,
		Height:    120,
		FPS:       50,
		Headless:  true,
	}
}

func TestCreateSimulationIdempotent(t *testing.T) {
	r := testRegistry(t, nil)

	first, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	again, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)
	assert.Same(t, first, again)

	conflicting := cartpoleSpec("s1")
	conflicting.FPS = 10
	_, err = r.CreateSimulation(conflicting)
	assert.True(t, models.IsKind(err, models.ERR_ALREADY_EXISTS_DIFFERENT))
}

func TestCreateSimulationModelNotFound(t *testing.T) {
	r := testRegistry(t, nil)

	spec := cartpoleSpec("s1")
	spec.ModelPath = "missing.xml"
	_, err := r.CreateSimulation(spec)
	assert.True(t, models.IsKind(err, models.ERR_MODEL_NOT_FOUND))
}

func TestControlStepAdvancesFrameCounter(t *testing.T) {
	r := testRegistry(t, nil)
	_, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	res, err := r.Control(context.Background(), "s1", models.ControlCommand{
		Kind:    models.CMD_STEP,
		Actions: []float64{0.5},
	})
	require.NoError(t, err)
	require.NotNil(t, res.State)
	assert.Equal(t, int64(1), res.State.FrameCounter)

	status, err := r.GetState("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.State.FrameCounter)
}

func TestControlIdempotencyKeyDedup(t *testing.T) {
	r := testRegistry(t, nil)
	_, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	cmd := models.ControlCommand{Kind: models.CMD_STEP, IdempotencyKey: "step-1"}

	first, err := r.Control(context.Background(), "s1", cmd)
	require.NoError(t, err)
	repeat, err := r.Control(context.Background(), "s1", cmd)
	require.NoError(t, err)

	assert.Equal(t, first.State.FrameCounter, repeat.State.FrameCounter)

	status, err := r.GetState("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.State.FrameCounter, "the repeated command must not step again")
}

func TestControlActionShapeSurfaced(t *testing.T) {
	r := testRegistry(t, nil)
	_, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	_, err = r.Control(context.Background(), "s1", models.ControlCommand{
		Kind:    models.CMD_STEP,
		Actions: []float64{1, 2, 3},
	})
	assert.True(t, models.IsKind(err, models.ERR_ACTION_SHAPE))

	// The instance stays usable
	res, err := r.Control(context.Background(), "s1", models.ControlCommand{Kind: models.CMD_STEP})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.State.FrameCounter)
}

func TestSubscribeReceivesOrderedFrames(t *testing.T) {
	r := testRegistry(t, nil)
	in, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	subID, frames, err := in.Subscribe()
	require.NoError(t, err)
	defer in.Unsubscribe(subID)

	_, err = r.Control(context.Background(), "s1", models.ControlCommand{Kind: models.CMD_PLAY})
	require.NoError(t, err)

	var prev models.Frame
	for i := 0; i < 3; i++ {
		select {
		case frame := <-frames:
			if i > 0 {
				assert.True(t, frame.After(prev), "frames must be strictly ordered")
			}
			assert.Equal(t, "jpeg", frame.Encoding)
			prev = frame
		case <-time.After(2 * time.Second):
			t.Fatal("no frame produced while playing")
		}
	}
}

func TestResetEmitsMarkerFrame(t *testing.T) {
	r := testRegistry(t, nil)
	in, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	subID, frames, err := in.Subscribe()
	require.NoError(t, err)
	defer in.Unsubscribe(subID)

	_, err = r.Control(context.Background(), "s1", models.ControlCommand{Kind: models.CMD_STEP})
	require.NoError(t, err)

	res, err := r.Control(context.Background(), "s1", models.ControlCommand{Kind: models.CMD_RESET})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.State.FrameCounter)

	_, err = r.Control(context.Background(), "s1", models.ControlCommand{Kind: models.CMD_STEP})
	require.NoError(t, err)

	first := <-frames
	assert.Equal(t, models.MARKER_NONE, first.Marker)
	assert.Equal(t, int64(1), first.FrameCounter)

	resetFrame := <-frames
	assert.Equal(t, models.MARKER_RESET, resetFrame.Marker, "the reset is acknowledged with its own marker frame")
	assert.Equal(t, int64(0), resetFrame.FrameCounter, "the frame counter restarts at zero on the marker frame")
	assert.Equal(t, 0.0, resetFrame.PhysicsTime)

	afterReset := <-frames
	assert.Equal(t, models.MARKER_NONE, afterReset.Marker)
	assert.Equal(t, int64(1), afterReset.FrameCounter)
}

func TestExecuteHardKillFaultsInstance(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	store := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(store, "cartpole.xml"), []byte(cartpoleMJCF), 0o644))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sb := sandbox.New(t.TempDir(), log, sandbox.WithGrace(100*time.Millisecond))
	r := NewRegistry(store, sb, 4, nil, prometheus.NewRegistry(), log)
	t.Cleanup(r.Shutdown)

	in, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	subID, frames, err := in.Subscribe()
	require.NoError(t, err)
	defer in.Unsubscribe(subID)

	res, err := r.Control(context.Background(), "s1", models.ControlCommand{
		Kind: models.CMD_EXECUTE,
		Execute: &models.ExecuteParams{
			Code: strings.Join([]string{
				"import signal",
				"signal.signal(signal.SIGTERM, signal.SIG_IGN)",
				"while True: pass",
			}, "\n"),
			Language:  "python",
			TimeoutMS: 300,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Sandbox)
	assert.Equal(t, models.ERR_RUNTIME_FAULT, res.Sandbox.ErrorKind)
	assert.Nil(t, res.Sandbox.FinalState)

	// The producer stops with a faulted terminator frame
	select {
	case frame, ok := <-frames:
		require.True(t, ok)
		assert.Equal(t, models.MARKER_FAULTED, frame.Marker)
	case <-time.After(2 * time.Second):
		t.Fatal("no faulted terminator frame")
	}

	_, err = r.Control(context.Background(), "s1", models.ControlCommand{Kind: models.CMD_STEP})
	assert.True(t, models.IsKind(err, models.ERR_RUNTIME_FAULT))
}

func TestSubscriberCap(t *testing.T) {
	r := testRegistry(t, nil)
	in, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, err := in.Subscribe()
		require.NoError(t, err)
	}
	_, _, err = in.Subscribe()
	assert.Error(t, err)
}

func TestDocUpdateAppliedBetweenTicks(t *testing.T) {
	r := testRegistry(t, nil)
	in, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	play := true
	in.ApplyDocUpdate(ControlDocUpdate{Play: &play})

	require.Eventually(t, func() bool {
		return in.Status().Playing && in.Status().State.FrameCounter > 0
	}, 2*time.Second, 10*time.Millisecond)

	manual := models.STEP_MANUAL
	in.ApplyDocUpdate(ControlDocUpdate{StepMode: &manual})

	require.Eventually(t, func() bool {
		return !in.Status().Playing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActivityHeartbeatThrottled(t *testing.T) {
	reporter := &countingReporter{}
	r := testRegistry(t, reporter)
	_, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := r.Control(context.Background(), "s1", models.ControlCommand{Kind: models.CMD_STEP})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, reporter.count(), "heartbeats are capped at one per second per session")
}

func TestDeleteStopsProducer(t *testing.T) {
	r := testRegistry(t, nil)
	_, err := r.CreateSimulation(cartpoleSpec("s1"))
	require.NoError(t, err)

	require.NoError(t, r.Delete("s1"))

	_, err = r.GetState("s1")
	assert.True(t, models.IsKind(err, models.ERR_SESSION_NOT_FOUND))

	assert.True(t, models.IsKind(r.Delete("s1"), models.ERR_SESSION_NOT_FOUND))
}

func testServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := testRegistry(t, nil)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := NewServer(registry, nil, prometheus.NewRegistry(), "0", log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, registry
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPCreateAndConflict(t *testing.T) {
	ts, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/simulations/create", cartpoleSpec("s1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conflicting := cartpoleSpec("s1")
	conflicting.Width = 64
	conflicting.Height = 64
	resp = postJSON(t, ts.URL+"/simulations/create", conflicting)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "AlreadyExistsDifferent", body["kind"])
}

func TestHTTPControlAndState(t *testing.T) {
	ts, _ := testServer(t)
	postJSON(t, ts.URL+"/simulations/create", cartpoleSpec("s1"))

	resp := postJSON(t, ts.URL+"/simulations/s1/control", models.ControlCommand{Kind: models.CMD_STEP})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res CommandResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.NotNil(t, res.State)
	assert.Equal(t, int64(1), res.State.FrameCounter)

	stateResp, err := http.Get(ts.URL + "/simulations/s1/state")
	require.NoError(t, err)
	defer stateResp.Body.Close()
	assert.Equal(t, http.StatusOK, stateResp.StatusCode)

	missing, err := http.Get(ts.URL + "/simulations/nope/state")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHTTPStreamHeaderAndFrames(t *testing.T) {
	ts, _ := testServer(t)
	postJSON(t, ts.URL+"/simulations/create", cartpoleSpec("s1"))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/simulations/s1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var header models.StreamHeader
	require.NoError(t, json.Unmarshal(data, &header))
	assert.Equal(t, 160, header.Width)
	assert.Equal(t, "jpeg", header.Encoding)

	postJSON(t, ts.URL+"/simulations/s1/control", models.ControlCommand{Kind: models.CMD_PLAY})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	require.True(t, len(data) > 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "frames are JPEG encoded")
}

func TestHTTPDelete(t *testing.T) {
	ts, registry := testServer(t)
	postJSON(t, ts.URL+"/simulations/create", cartpoleSpec("s1"))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/simulations/s1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, registry.List())
}
