package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimhq/cosim/pkg/models"
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

const armURDF = `<robot name="arm">
  <joint name="shoulder" type="revolute"><axis xyz="0 0 1"/></joint>
  <joint name="elbow" type="revolute"><axis xyz="0 1 0"/></joint>
  <joint name="mount" type="fixed"/>
</robot>`

func writeModelStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cartpole.xml"), []byte(cartpoleMJCF), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arm.urdf"), []byte(armURDF), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.xml"), []byte("<mujoco><unclosed"), 0o644))
	return dir
}

func defaultSpec(ref string) LoadSpec {
	return LoadSpec{ModelRef: ref, Width: 320, Height: 240, FPS: 30, Headless: true, Seed: 7}
}

func TestLoadMuJoCoCartpole(t *testing.T) {
	store := writeModelStore(t)

	adapter, err := Load(models.MUJOCO, store, defaultSpec("cartpole.xml"))
	require.NoError(t, err)
	defer adapter.Close()

	assert.Equal(t, models.MUJOCO, adapter.Kind())
	assert.NotEmpty(t, adapter.ModelDigest())

	state := adapter.State()
	assert.Equal(t, 1, state.Nu, "cartpole declares one motor")
	assert.Equal(t, int64(0), state.FrameCounter)
	assert.Equal(t, 0.0, state.PhysicsTime)
}

func TestLoadPyBulletCountsMovableJoints(t *testing.T) {
	store := writeModelStore(t)

	adapter, err := Load(models.PYBULLET, store, defaultSpec("arm.urdf"))
	require.NoError(t, err)
	defer adapter.Close()

	// Fixed joints are not actuated
	assert.Equal(t, 2, adapter.State().Nu)
}

func TestLoadErrors(t *testing.T) {
	store := writeModelStore(t)

	_, err := Load(models.MUJOCO, store, defaultSpec("missing.xml"))
	assert.True(t, models.IsKind(err, models.ERR_MODEL_NOT_FOUND))

	_, err = Load(models.MUJOCO, store, defaultSpec("broken.xml"))
	assert.True(t, models.IsKind(err, models.ERR_MODEL_PARSE))

	_, err = Load(models.MUJOCO, store, defaultSpec("../cartpole.xml"))
	assert.True(t, models.IsKind(err, models.ERR_MODEL_NOT_FOUND), "path escapes must not resolve")

	huge := defaultSpec("cartpole.xml")
	huge.Width = 10000
	huge.Height = 10000
	_, err = Load(models.MUJOCO, store, huge)
	assert.True(t, models.IsKind(err, models.ERR_FRAMEBUFFER_TOO_SMALL))
}

func TestStepAdvancesAndOrdersState(t *testing.T) {
	store := writeModelStore(t)

	adapter, err := Load(models.MUJOCO, store, defaultSpec("cartpole.xml"))
	require.NoError(t, err)
	defer adapter.Close()

	var lastTime float64
	for i := 1; i <= 10; i++ {
		state, err := adapter.Step([]float64{0.5})
		require.NoError(t, err)
		assert.Equal(t, int64(i), state.FrameCounter)
		assert.Greater(t, state.PhysicsTime, lastTime)
		lastTime = state.PhysicsTime
	}
}

func TestStepWrongShapeLeavesStateUnchanged(t *testing.T) {
	store := writeModelStore(t)

	adapter, err := Load(models.MUJOCO, store, defaultSpec("cartpole.xml"))
	require.NoError(t, err)
	defer adapter.Close()

	before, err := adapter.Step([]float64{0.1})
	require.NoError(t, err)

	_, err = adapter.Step([]float64{0.1, 0.2})
	assert.True(t, models.IsKind(err, models.ERR_ACTION_SHAPE))

	after := adapter.State()
	assert.Equal(t, before.FrameCounter, after.FrameCounter)
	assert.Equal(t, before.PhysicsTime, after.PhysicsTime)
	assert.Equal(t, before.Positions, after.Positions)
}

func TestResetZeroesCountersButNotDigest(t *testing.T) {
	store := writeModelStore(t)

	adapter, err := Load(models.MUJOCO, store, defaultSpec("cartpole.xml"))
	require.NoError(t, err)
	defer adapter.Close()

	digest := adapter.ModelDigest()
	for i := 0; i < 5; i++ {
		_, err := adapter.Step([]float64{1.0})
		require.NoError(t, err)
	}

	state := adapter.Reset()
	assert.Equal(t, int64(0), state.FrameCounter)
	assert.Equal(t, 0.0, state.PhysicsTime)
	assert.Equal(t, digest, adapter.ModelDigest())
}

func TestResetIsDeterministicForSameSeed(t *testing.T) {
	store := writeModelStore(t)

	adapter, err := Load(models.MUJOCO, store, defaultSpec("cartpole.xml"))
	require.NoError(t, err)
	defer adapter.Close()

	run := func() []float64 {
		adapter.Reset()
		var last State
		for i := 0; i < 20; i++ {
			last, err = adapter.Step([]float64{0.3})
			require.NoError(t, err)
		}
		return last.Positions
	}

	assert.Equal(t, run(), run())
}

func TestRenderWithoutStepping(t *testing.T) {
	store := writeModelStore(t)

	adapter, err := Load(models.MUJOCO, store, defaultSpec("cartpole.xml"))
	require.NoError(t, err)
	defer adapter.Close()

	data, err := adapter.Render()
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	// JPEG SOI marker
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	// Rendering must not advance physics
	assert.Equal(t, int64(0), adapter.State().FrameCounter)
}

func TestSetCameraSupportMatrix(t *testing.T) {
	store := writeModelStore(t)

	mj, err := Load(models.MUJOCO, store, defaultSpec("cartpole.xml"))
	require.NoError(t, err)
	defer mj.Close()

	err = mj.SetCamera(models.CameraParams{Distance: 3})
	assert.True(t, models.IsKind(err, models.ERR_NOT_SUPPORTED))

	pb, err := Load(models.PYBULLET, store, defaultSpec("arm.urdf"))
	require.NoError(t, err)
	defer pb.Close()

	assert.NoError(t, pb.SetCamera(models.CameraParams{Distance: 3, Yaw: 90}))
}
