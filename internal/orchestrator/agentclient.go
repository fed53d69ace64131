package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cosimhq/cosim/internal/agent"
	"github.com/cosimhq/cosim/pkg/models"
)

// AgentHealth is the probe reply from a simulation agent
type AgentHealth struct {
	Engine       models.EngineKind `json:"engine"`
	FrameCounter int64             `json:"frame_counter"`
	Playing      bool              `json:"playing"`
	Faulted      bool              `json:"faulted"`
}

// AgentClient is the orchestrator's view of a simulation agent pod
type AgentClient interface {
	CreateSimulation(ctx context.Context, address string, spec agent.CreateSpec) error
	Control(ctx context.Context, address, sessionID string, cmd models.ControlCommand) error
	Delete(ctx context.Context, address, sessionID string) error
	Probe(ctx context.Context, address, sessionID string) (AgentHealth, error)
}

// HTTPAgentClient talks to agents over their pod-local HTTP surface
type HTTPAgentClient struct {
	client *http.Client
}

// NewHTTPAgentClient creates a client with a probe-friendly timeout
func NewHTTPAgentClient() *HTTPAgentClient {
	return &HTTPAgentClient{client: &http.Client{Timeout: 5 * time.Second}}
}

// CreateSimulation asks the agent to boot an engine instance
func (c *HTTPAgentClient) CreateSimulation(ctx context.Context, address string, spec agent.CreateSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return c.post(ctx, address+"/simulations/create", body)
}

// Control forwards one command
func (c *HTTPAgentClient) Control(ctx context.Context, address, sessionID string, cmd models.ControlCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.post(ctx, fmt.Sprintf("%s/simulations/%s/control", address, sessionID), body)
}

// Delete stops the agent's producer for the session
func (c *HTTPAgentClient) Delete(ctx context.Context, address, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/simulations/%s", address, sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return models.WrapError(models.ERR_INTERNAL, err, "agent delete failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return models.NewError(models.ERR_INTERNAL, "agent delete returned %d", resp.StatusCode)
	}
	return nil
}

// Probe fetches the lightweight per-session health
func (c *HTTPAgentClient) Probe(ctx context.Context, address, sessionID string) (AgentHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/simulations/%s/health", address, sessionID), nil)
	if err != nil {
		return AgentHealth{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return AgentHealth{}, models.WrapError(models.ERR_INTERNAL, err, "agent unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AgentHealth{}, models.NewError(models.ERR_INTERNAL, "agent probe returned %d", resp.StatusCode)
	}

	var health AgentHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return AgentHealth{}, err
	}
	return health, nil
}

func (c *HTTPAgentClient) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.WrapError(models.ERR_INTERNAL, err, "agent request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Kind != "" {
			return models.NewError(models.ErrorKind(body.Kind), "%s", body.Error)
		}
		return models.NewError(models.ERR_INTERNAL, "agent returned %d", resp.StatusCode)
	}
	return nil
}
