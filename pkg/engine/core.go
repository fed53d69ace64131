package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cosimhq/cosim/pkg/models"
)

const jpegQuality = 80

// dynamicsCore integrates the per-actuator generalized coordinates shared by
// both adapters. Each actuator drives one degree of freedom with
// semi-implicit Euler under damping and a gravity projection; determinism is
// fixed by the seed.
type dynamicsCore struct {
	mu sync.Mutex

	kind        models.EngineKind
	digest      string
	width       int
	height      int
	fps         int
	timestep    float64
	nu          int
	damping     float64
	gravityProj []float64 // Per-dof gravity component, from model joint axes

	positions    []float64
	velocities   []float64
	physicsTime  float64
	frameCounter int64

	seed       int64
	nextSeed   int64
	rng        *rand.Rand
	noiseScale float64
}

func newDynamicsCore(kind models.EngineKind, digest string, spec LoadSpec, nu int, timestep float64, gravityProj []float64) *dynamicsCore {
	c := &dynamicsCore{
		kind:        kind,
		digest:      digest,
		width:       spec.Width,
		height:      spec.Height,
		fps:         spec.FPS,
		timestep:    timestep,
		nu:          nu,
		damping:     0.1,
		gravityProj: gravityProj,
		seed:        spec.Seed,
		nextSeed:    spec.Seed,
		noiseScale:  1e-4,
	}
	c.resetLocked()
	return c
}

func (c *dynamicsCore) resetLocked() {
	c.seed = c.nextSeed
	c.rng = rand.New(rand.NewSource(c.seed))
	c.positions = make([]float64, c.nu)
	c.velocities = make([]float64, c.nu)
	c.physicsTime = 0
	c.frameCounter = 0
}

func (c *dynamicsCore) Kind() models.EngineKind { return c.kind }
func (c *dynamicsCore) ModelDigest() string     { return c.digest }
func (c *dynamicsCore) Dims() (int, int)        { return c.width, c.height }
func (c *dynamicsCore) FPS() int                { return c.fps }

func (c *dynamicsCore) Reset() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return c.stateLocked()
}

func (c *dynamicsCore) Reseed(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeed = seed
}

func (c *dynamicsCore) Step(actions []float64) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(actions) != c.nu {
		return State{}, models.NewError(models.ERR_ACTION_SHAPE,
			"expected %d actions, got %d", c.nu, len(actions))
	}

	dt := c.timestep
	for i := 0; i < c.nu; i++ {
		accel := actions[i] - c.damping*c.velocities[i] + c.gravityProj[i]
		accel += c.rng.NormFloat64() * c.noiseScale
		c.velocities[i] += accel * dt
		c.positions[i] += c.velocities[i] * dt
	}

	c.physicsTime += dt
	c.frameCounter++
	return c.stateLocked(), nil
}

func (c *dynamicsCore) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *dynamicsCore) stateLocked() State {
	pos := make([]float64, len(c.positions))
	vel := make([]float64, len(c.velocities))
	copy(pos, c.positions)
	copy(vel, c.velocities)
	return State{
		Positions:    pos,
		Velocities:   vel,
		PhysicsTime:  c.physicsTime,
		FrameCounter: c.frameCounter,
		Nu:           c.nu,
	}
}

// renderScene rasterizes the current coordinates into a synthetic scene and
// encodes it as JPEG. The horizon shading keys off the engine kind so the
// two backends are visually distinguishable in a stream.
func (c *dynamicsCore) renderScene(camYaw, camPitch float64) ([]byte, error) {
	c.mu.Lock()
	positions := make([]float64, len(c.positions))
	copy(positions, c.positions)
	w, h := c.width, c.height
	kind := c.kind
	c.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w, h))

	var skyTint uint8 = 40
	if kind == models.PYBULLET {
		skyTint = 70
	}
	horizon := h/2 + int(camPitch/90.0*float64(h)/4)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if y < horizon {
				shade := uint8(200 - 120*y/maxInt(horizon, 1))
				img.SetRGBA(x, y, color.RGBA{skyTint, shade, 230, 255})
			} else {
				shade := uint8(90 + 60*(y-horizon)/maxInt(h-horizon, 1))
				img.SetRGBA(x, y, color.RGBA{shade, shade, shade, 255})
			}
		}
	}

	// One marker per dof, displaced by its coordinate and the camera yaw.
	for i, p := range positions {
		cx := w/2 + int((p+camYaw/180.0)*float64(w)/8) + (i-len(positions)/2)*w/maxInt(4*maxInt(len(positions), 1), 1)
		cy := horizon - int(math.Abs(math.Sin(p))*float64(h)/6)
		drawBox(img, cx, cy, maxInt(w/40, 3), color.RGBA{220, 60 + uint8(30*i%180), 50, 255})
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, models.WrapError(models.ERR_INTERNAL, err, "jpeg encode failed")
	}
	return buf.Bytes(), nil
}

func drawBox(img *image.RGBA, cx, cy, half int, col color.RGBA) {
	b := img.Bounds()
	for y := cy - half; y <= cy+half; y++ {
		for x := cx - half; x <= cx+half; x++ {
			if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
				img.SetRGBA(x, y, col)
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// readModel resolves a model reference inside the store, rejecting path
// escapes, and returns the raw bytes plus their sha256 digest.
func readModel(storeDir, modelRef string) ([]byte, string, error) {
	clean := filepath.Clean(modelRef)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, "", models.NewError(models.ERR_MODEL_NOT_FOUND, "model ref %q escapes the store", modelRef)
	}

	path := filepath.Join(storeDir, clean)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", models.NewError(models.ERR_MODEL_NOT_FOUND, "model %q not in store", modelRef)
		}
		return nil, "", models.WrapError(models.ERR_INTERNAL, err, "reading model %q", modelRef)
	}

	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func validateDims(spec LoadSpec, maxW, maxH int) error {
	if spec.Width <= 0 || spec.Height <= 0 {
		return models.NewError(models.ERR_FRAMEBUFFER_TOO_SMALL,
			"dimensions %dx%d are not renderable", spec.Width, spec.Height)
	}
	if spec.Width > maxW || spec.Height > maxH {
		return models.NewError(models.ERR_FRAMEBUFFER_TOO_SMALL,
			"requested %dx%d exceeds offscreen buffer %dx%d", spec.Width, spec.Height, maxW, maxH)
	}
	return nil
}
