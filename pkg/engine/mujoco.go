package engine

import (
	"encoding/xml"
	"os"
	"strconv"
	"strings"

	"github.com/cosimhq/cosim/pkg/models"
)

// MuJoCo steps at 500 Hz by default
const mujocoTimestep = 0.002

// Headless MuJoCo renders through an EGL offscreen buffer whose size bounds
// the requestable framebuffer.
const (
	defaultEGLWidth  = 1920
	defaultEGLHeight = 1080
)

// mjcfModel is the subset of MJCF we introspect: actuators give nu, joints
// give the gravity projection per dof.
type mjcfModel struct {
	XMLName  xml.Name `xml:"mujoco"`
	Option   struct {
		Timestep string `xml:"timestep,attr"`
	} `xml:"option"`
	Actuator struct {
		Motors    []mjcfActuator `xml:"motor"`
		Positions []mjcfActuator `xml:"position"`
		Velocity  []mjcfActuator `xml:"velocity"`
	} `xml:"actuator"`
	Worldbody mjcfBody `xml:"worldbody"`
}

type mjcfActuator struct {
	Name  string `xml:"name,attr"`
	Joint string `xml:"joint,attr"`
}

type mjcfBody struct {
	Joints []mjcfJoint `xml:"joint"`
	Bodies []mjcfBody  `xml:"body"`
}

type mjcfJoint struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
	Axis string `xml:"axis,attr"`
}

func (b mjcfBody) collectJoints(into map[string]mjcfJoint) {
	for _, j := range b.Joints {
		into[j.Name] = j
	}
	for _, child := range b.Bodies {
		child.collectJoints(into)
	}
}

// mujocoAdapter wraps one loaded MJCF instance. SetCamera is not part of the
// MuJoCo offscreen surface.
type mujocoAdapter struct {
	*dynamicsCore
}

func loadMuJoCo(storeDir string, spec LoadSpec) (Adapter, error) {
	data, digest, err := readModel(storeDir, spec.ModelRef)
	if err != nil {
		return nil, err
	}

	var model mjcfModel
	if err := xml.Unmarshal(data, &model); err != nil {
		return nil, models.WrapError(models.ERR_MODEL_PARSE, err, "MJCF parse of %q failed", spec.ModelRef)
	}

	eglW, eglH := eglBufferDims()
	if err := validateDims(spec, eglW, eglH); err != nil {
		return nil, err
	}

	actuators := make([]mjcfActuator, 0,
		len(model.Actuator.Motors)+len(model.Actuator.Positions)+len(model.Actuator.Velocity))
	actuators = append(actuators, model.Actuator.Motors...)
	actuators = append(actuators, model.Actuator.Positions...)
	actuators = append(actuators, model.Actuator.Velocity...)
	if len(actuators) == 0 {
		return nil, models.NewError(models.ERR_MODEL_PARSE, "model %q declares no actuators", spec.ModelRef)
	}

	joints := make(map[string]mjcfJoint)
	model.Worldbody.collectJoints(joints)

	gravityProj := make([]float64, len(actuators))
	for i, act := range actuators {
		if j, ok := joints[act.Joint]; ok {
			gravityProj[i] = gravityProjection(j.Type, j.Axis)
		}
	}

	timestep := mujocoTimestep
	if model.Option.Timestep != "" {
		if ts, perr := strconv.ParseFloat(model.Option.Timestep, 64); perr == nil && ts > 0 {
			timestep = ts
		}
	}

	core := newDynamicsCore(models.MUJOCO, digest, spec, len(actuators), timestep, gravityProj)
	return &mujocoAdapter{dynamicsCore: core}, nil
}

func (a *mujocoAdapter) Render() ([]byte, error) {
	return a.renderScene(0, 0)
}

func (a *mujocoAdapter) SetCamera(models.CameraParams) error {
	return models.NewError(models.ERR_NOT_SUPPORTED, "mujoco offscreen rendering has a fixed camera")
}

func (a *mujocoAdapter) Close() error {
	return nil
}

// gravityProjection maps a joint declaration to the gravity component felt
// along its dof. Slide joints feel gravity along the vertical axis
// component; hinges feel none.
func gravityProjection(jointType, axis string) float64 {
	if jointType != "slide" && jointType != "free" {
		return 0
	}
	fields := strings.Fields(axis)
	if len(fields) != 3 {
		return 0
	}
	z, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return 0
	}
	return -9.81 * z
}

func eglBufferDims() (int, int) {
	w, h := defaultEGLWidth, defaultEGLHeight
	if v := os.Getenv("MUJOCO_OFFSCREEN_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			w = n
		}
	}
	if v := os.Getenv("MUJOCO_OFFSCREEN_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			h = n
		}
	}
	return w, h
}
