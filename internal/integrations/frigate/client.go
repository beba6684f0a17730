// Package frigate analyses the snapshots of Frigate NVR events.
package frigate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"person-detect-go/config"
	"person-detect-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

const maxSnapshotBytes = 32 << 20

// Processor analyses one image.
type Processor interface {
	Process(ctx context.Context, data []byte, filename, source string) (*models.Analysis, error)
}

// Event is a message from Frigate's events topic.
type Event struct {
	Before *EventData `json:"before,omitempty"`
	After  *EventData `json:"after,omitempty"`
	Type   string     `json:"type"` // new, update, end
}

// EventData holds the details of one tracked object.
type EventData struct {
	ID          string  `json:"id"`
	Camera      string  `json:"camera"`
	Label       string  `json:"label"`
	Score       float64 `json:"score"`
	TopScore    float64 `json:"top_score"`
	HasSnapshot bool    `json:"has_snapshot"`
	FrameTime   float64 `json:"frame_time"`
}

// Client fetches event snapshots from the Frigate API and hands them to the
// processor.
type Client struct {
	config     config.FrigateConfig
	processor  Processor
	httpClient *http.Client
}

// NewClient creates a Frigate client.
func NewClient(cfg config.FrigateConfig, processor Processor) *Client {
	return &Client{
		config:    cfg,
		processor: processor,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ParseEvent decodes an events-topic payload.
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Frigate event: %w", err)
	}
	return &event, nil
}

// Data returns the most recent state of the event's object.
func (e *Event) Data() *EventData {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

// Wants reports whether the event should be analysed: new or ended events
// with a snapshot, for a configured camera and label. Updates are skipped.
func (c *Client) Wants(event *Event) bool {
	if event.Type != "new" && event.Type != "end" {
		return false
	}
	data := event.Data()
	if data == nil || data.ID == "" || !data.HasSnapshot {
		return false
	}
	return matches(c.config.Cameras, data.Camera) && matches(c.config.Labels, data.Label)
}

// HandleSnapshot handles a message from the events topic.
func (c *Client) HandleSnapshot(ctx context.Context, topic string, payload []byte) error {
	event, err := ParseEvent(payload)
	if err != nil {
		return err
	}
	if !c.Wants(event) {
		return nil
	}

	data := event.Data()
	log.Debugf("Processing Frigate %s event %s from camera %s", event.Type, data.ID, data.Camera)

	snapshot, err := c.DownloadSnapshot(ctx, data.ID)
	if err != nil {
		return err
	}

	analysis, err := c.processor.Process(ctx, snapshot, Filename(data), "frigate:"+data.Camera)
	if err != nil {
		return fmt.Errorf("failed to analyse Frigate event %s: %w", data.ID, err)
	}
	log.Infof("Frigate event %s on %s: %s", data.ID, data.Camera, analysis.Outcome)
	return nil
}

// DownloadSnapshot fetches the snapshot of an event.
func (c *Client) DownloadSnapshot(ctx context.Context, eventID string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/events/%s/snapshot.jpg", strings.TrimRight(c.config.Host, "/"), eventID)
	log.Debugf("Downloading snapshot from: %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download snapshot, status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Filename names a snapshot after its camera and event,
// e.g. frigate_front_1700000000.123-abc.jpg.
func Filename(data *EventData) string {
	return fmt.Sprintf("frigate_%s_%s.jpg", data.Camera, data.ID)
}

func matches(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return true
		}
	}
	return false
}
