package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/platformd/internal/api"
	"github.com/mattjoyce/platformd/internal/events"
)

type eventMsg events.Event

// pollMsg carries one /healthz plus /instances poll.
type pollMsg struct {
	health    api.HealthzResponse
	instances []InstanceRow
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}
type repollMsg struct{}

// Client talks to the supervisor API.
type Client struct {
	URL string
	Key string

	http *http.Client
}

func NewClient(url, key string) *Client {
	return &Client{
		URL:  strings.TrimRight(url, "/"),
		Key:  key,
		http: &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Key)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	err := c.get(ctx, "/healthz", &h)
	return h, err
}

// Instances fetches /instances.
func (c *Client) Instances(ctx context.Context) ([]InstanceRow, error) {
	var resp api.InstanceListResponse
	if err := c.get(ctx, "/instances", &resp); err != nil {
		return nil, err
	}
	rows := make([]InstanceRow, 0, len(resp.Instances))
	for _, info := range resp.Instances {
		rows = append(rows, rowFromInfo(info))
	}
	return rows, nil
}

// Stream reads /events until the connection drops, sending each event to
// ch. since resumes after an already seen event id.
func (c *Client) Stream(ctx context.Context, since int64, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Key)
	if since > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(since, 10))
	}

	// The stream has no deadline.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /events: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				select {
				case ch <- cur:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			cur.ID, _ = strconv.ParseInt(line[4:], 10, 64)
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
		}
	}
	return scanner.Err()
}

// --- Commands ---

func subscribeToEvents(c *Client, since int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(context.Background(), since, ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func poll(c *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h, err := c.Health(ctx)
		if err != nil {
			return errMsg(err)
		}
		rows, err := c.Instances(ctx)
		if err != nil {
			return errMsg(err)
		}
		return pollMsg{health: h, instances: rows}
	}
}
