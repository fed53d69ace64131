package engine

import (
	"encoding/xml"
	"sync"

	"github.com/cosimhq/cosim/pkg/models"
)

// PyBullet steps at 240 Hz by default
const pybulletTimestep = 1.0 / 240.0

// Renderer backends. Headless pods get the software tiny renderer; pods with
// a display use hardware GL.
type rendererKind string

const (
	rendererTiny       rendererKind = "tiny"
	rendererHardwareGL rendererKind = "opengl"
)

// The tiny renderer rasterizes in software, so its buffer is only bounded by
// memory; hardware GL is bounded by the context default framebuffer.
const (
	tinyRendererMaxDim = 4096
	hardwareGLMaxDim   = 8192
)

// urdfModel is the subset of URDF we introspect: every non-fixed joint is an
// actuated dof.
type urdfModel struct {
	XMLName xml.Name    `xml:"robot"`
	Name    string      `xml:"name,attr"`
	Joints  []urdfJoint `xml:"joint"`
}

type urdfJoint struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
	Axis struct {
		XYZ string `xml:"xyz,attr"`
	} `xml:"axis"`
}

// pybulletAdapter wraps one loaded URDF instance with an adjustable camera
type pybulletAdapter struct {
	*dynamicsCore

	renderer rendererKind

	camMu  sync.Mutex
	camera models.CameraParams
}

func loadPyBullet(storeDir string, spec LoadSpec) (Adapter, error) {
	data, digest, err := readModel(storeDir, spec.ModelRef)
	if err != nil {
		return nil, err
	}

	var model urdfModel
	if err := xml.Unmarshal(data, &model); err != nil {
		return nil, models.WrapError(models.ERR_MODEL_PARSE, err, "URDF parse of %q failed", spec.ModelRef)
	}

	renderer := rendererHardwareGL
	maxDim := hardwareGLMaxDim
	if spec.Headless {
		renderer = rendererTiny
		maxDim = tinyRendererMaxDim
	}
	if err := validateDims(spec, maxDim, maxDim); err != nil {
		return nil, err
	}

	var actuated []urdfJoint
	for _, j := range model.Joints {
		if j.Type != "fixed" {
			actuated = append(actuated, j)
		}
	}
	if len(actuated) == 0 {
		return nil, models.NewError(models.ERR_MODEL_PARSE, "model %q has no movable joints", spec.ModelRef)
	}

	gravityProj := make([]float64, len(actuated))
	for i, j := range actuated {
		gravityProj[i] = gravityProjection(urdfToDOFType(j.Type), j.Axis.XYZ)
	}

	core := newDynamicsCore(models.PYBULLET, digest, spec, len(actuated), pybulletTimestep, gravityProj)
	return &pybulletAdapter{
		dynamicsCore: core,
		renderer:     renderer,
		camera:       models.CameraParams{Distance: 2.0, Yaw: 45, Pitch: -30},
	}, nil
}

func (a *pybulletAdapter) Render() ([]byte, error) {
	a.camMu.Lock()
	yaw, pitch := a.camera.Yaw, a.camera.Pitch
	a.camMu.Unlock()
	return a.renderScene(yaw, pitch)
}

func (a *pybulletAdapter) SetCamera(params models.CameraParams) error {
	a.camMu.Lock()
	defer a.camMu.Unlock()
	a.camera = params
	return nil
}

func (a *pybulletAdapter) Close() error {
	return nil
}

// Renderer reports which backend the adapter selected at load time
func (a *pybulletAdapter) Renderer() string {
	return string(a.renderer)
}

func urdfToDOFType(urdfType string) string {
	switch urdfType {
	case "prismatic":
		return "slide"
	case "floating":
		return "free"
	default:
		return "hinge"
	}
}
