package agent

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPReporter posts activity heartbeats to the orchestrator. Failures are
// logged and dropped; the orchestrator treats heartbeats as best-effort.
type HTTPReporter struct {
	endpoint string
	client   *http.Client
	log      *logrus.Logger
}

// NewHTTPReporter targets the orchestrator base URL, e.g. http://orchestrator:8080
func NewHTTPReporter(endpoint string, log *logrus.Logger) *HTTPReporter {
	return &HTTPReporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Second},
		log:      log,
	}
}

// ReportActivity sends one heartbeat; throttling happens in the registry
func (r *HTTPReporter) ReportActivity(sessionID string) {
	url := r.endpoint + "/internal/sessions/" + sessionID + "/activity"
	resp, err := r.client.Post(url, "application/json", nil)
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Debug("activity heartbeat failed")
		return
	}
	resp.Body.Close()
}
