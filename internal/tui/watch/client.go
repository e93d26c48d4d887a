package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jmswain/foreman/internal/worker"
)

// --- Message types ---

type workersMsg []worker.Descriptor

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkersActive int    `json:"workers_active"`
}

type eventRecord struct {
	Seq      int64           `json:"seq"`
	At       time.Time       `json:"at"`
	Kind     string          `json:"kind"`
	WorkerID string          `json:"worker_id"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

type eventsMsg []eventRecord

type tickMsg time.Time

type errMsg error

// client talks to the foreman admin API.
type client struct {
	apiURL string
	apiKey string
	http   *http.Client
}

func newClient(apiURL, apiKey string) *client {
	return &client{
		apiURL: apiURL,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Commands ---

func (c *client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.get("/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

func (c *client) fetchWorkers() tea.Msg {
	var list []worker.Descriptor
	if err := c.get("/v1/workers", &list); err != nil {
		return errMsg(err)
	}
	return workersMsg(list)
}

func (c *client) fetchEvents(after int64) tea.Cmd {
	return func() tea.Msg {
		var records []eventRecord
		if err := c.get(fmt.Sprintf("/v1/events?after=%d", after), &records); err != nil {
			return errMsg(err)
		}
		return eventsMsg(records)
	}
}
