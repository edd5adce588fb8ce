package wda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"iosmirror/logger"
)

// requestTimeout is deliberately shorter than the bridge's command timeout
// so a hung WDA call can never stall the serialized command queue for good.
const requestTimeout = 10 * time.Second

var (
	// ErrUnreachable marks transport-level failures; the bridge retries the
	// connection on a backoff schedule.
	ErrUnreachable = errors.New("automation service unreachable")
	// ErrSessionInvalid marks a session the remote no longer recognizes; the
	// bridge creates a fresh one.
	ErrSessionInvalid = errors.New("automation session invalid")
)

// Client is a minimal WebDriverAgent REST client. It is not safe for
// concurrent use; the bridge's single worker is its only caller.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger

	sessionID    string
	screenWidth  int
	screenHeight int
}

func NewClient(host string, port int, log *logger.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) request(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var parsed map[string]any
	if len(raw) > 0 {
		// WDA always answers JSON; a parse failure on a 200 is still usable
		// as success for fire-and-forget endpoints.
		json.Unmarshal(raw, &parsed)
	}

	if resp.StatusCode != http.StatusOK {
		if isSessionError(resp.StatusCode, parsed, raw) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrSessionInvalid, resp.StatusCode)
		}
		return nil, fmt.Errorf("wda %s %s: HTTP %d: %s", method, path, resp.StatusCode, truncate(raw, 200))
	}
	return parsed, nil
}

func isSessionError(status int, parsed map[string]any, raw []byte) bool {
	if v, ok := parsed["value"].(map[string]any); ok {
		if e, ok := v["error"].(string); ok && strings.Contains(e, "invalid session") {
			return true
		}
	}
	return status == http.StatusNotFound && bytes.Contains(raw, []byte("session"))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func (c *Client) get(ctx context.Context, path string) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	if body == nil {
		body = map[string]any{}
	}
	return c.request(ctx, http.MethodPost, path, body)
}

// Probe checks WDA liveness without touching any session.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.get(ctx, "/status")
	return err
}

// CreateSession obtains a fresh WDA session, replacing whatever the client
// held before. Falls back to adopting an existing session when the create
// endpoint declines.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/session", map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{},
			"firstMatch":  []any{map[string]any{}},
		},
	})
	if err != nil && !errors.Is(err, ErrUnreachable) {
		// Some WDA builds refuse a second session; adopt the existing one.
		if existing, adoptErr := c.adoptSession(ctx); adoptErr == nil {
			c.sessionID = existing
			c.updateScreenSize(ctx)
			return existing, nil
		}
		return "", err
	}
	if err != nil {
		return "", err
	}

	id := sessionIDFrom(resp)
	if id == "" {
		return "", errors.New("wda session response had no sessionId")
	}
	c.sessionID = id
	c.updateScreenSize(ctx)
	return id, nil
}

func (c *Client) adoptSession(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "/sessions")
	if err != nil {
		return "", err
	}
	if list, ok := resp["value"].([]any); ok && len(list) > 0 {
		if entry, ok := list[0].(map[string]any); ok {
			if id, ok := entry["id"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("no existing wda session")
}

func sessionIDFrom(resp map[string]any) string {
	if id, ok := resp["sessionId"].(string); ok && id != "" {
		return id
	}
	if v, ok := resp["value"].(map[string]any); ok {
		if id, ok := v["sessionId"].(string); ok {
			return id
		}
	}
	return ""
}

func (c *Client) DeleteSession(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	c.request(ctx, http.MethodDelete, "/session/"+c.sessionID, nil)
	c.sessionID = ""
}

func (c *Client) updateScreenSize(ctx context.Context) {
	resp, err := c.get(ctx, "/session/"+c.sessionID+"/window/size")
	if err != nil {
		c.log.Warnf("failed to fetch wda window size: %v", err)
		return
	}
	if v, ok := resp["value"].(map[string]any); ok {
		if w, ok := v["width"].(float64); ok {
			c.screenWidth = int(w)
		}
		if h, ok := v["height"].(float64); ok {
			c.screenHeight = int(h)
		}
	}
	c.log.Infof("wda reports screen %dx%d", c.screenWidth, c.screenHeight)
}

// ScreenSize is the logical size WDA reported at session creation. May be
// (0,0) when the size endpoint failed; callers fall back to DeviceInfo.
func (c *Client) ScreenSize() (int, int) {
	return c.screenWidth, c.screenHeight
}

// pointerActions builds a W3C actions payload for a single touch pointer.
func pointerActions(steps []map[string]any) map[string]any {
	return map[string]any{
		"actions": []any{
			map[string]any{
				"type":       "pointer",
				"id":         "finger1",
				"parameters": map[string]any{"pointerType": "touch"},
				"actions":    steps,
			},
		},
	}
}

func (c *Client) performActions(ctx context.Context, steps []map[string]any) error {
	_, err := c.post(ctx, "/session/"+c.sessionID+"/actions", pointerActions(steps))
	return err
}

func (c *Client) Tap(ctx context.Context, x, y int) error {
	return c.performActions(ctx, []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": 50},
		{"type": "pointerUp", "button": 0},
	})
}

func (c *Client) DoubleTap(ctx context.Context, x, y int) error {
	return c.performActions(ctx, []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": 50},
		{"type": "pointerUp", "button": 0},
		{"type": "pause", "duration": 100},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": 50},
		{"type": "pointerUp", "button": 0},
	})
}

func (c *Client) LongPress(ctx context.Context, x, y, durationMs int) error {
	if durationMs <= 0 {
		durationMs = 1000
	}
	return c.performActions(ctx, []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": durationMs},
		{"type": "pointerUp", "button": 0},
	})
}

func (c *Client) Swipe(ctx context.Context, x, y, endX, endY, durationMs int) error {
	if durationMs <= 0 {
		durationMs = 300
	}
	return c.performActions(ctx, []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y},
		{"type": "pointerDown", "button": 0},
		{"type": "pointerMove", "duration": durationMs, "x": endX, "y": endY},
		{"type": "pointerUp", "button": 0},
	})
}

// Scroll is a short swipe from the anchor point by the given deltas.
func (c *Client) Scroll(ctx context.Context, x, y, deltaX, deltaY int) error {
	return c.Swipe(ctx, x, y, x+deltaX, y+deltaY, 200)
}

// PressButton presses a physical button. WDA supports home, volumeUp and
// volumeDown; anything else is rejected remotely.
func (c *Client) PressButton(ctx context.Context, name string) error {
	_, err := c.post(ctx, "/session/"+c.sessionID+"/wda/pressButton", map[string]any{"name": name})
	return err
}

func (c *Client) Unlock(ctx context.Context) error {
	_, err := c.post(ctx, "/session/"+c.sessionID+"/wda/unlock", nil)
	return err
}

func (c *Client) TypeText(ctx context.Context, text string) error {
	_, err := c.post(ctx, "/session/"+c.sessionID+"/wda/keys", map[string]any{
		"value": strings.Split(text, ""),
	})
	return err
}

func (c *Client) LaunchApp(ctx context.Context, bundleID string) error {
	_, err := c.post(ctx, "/session/"+c.sessionID+"/wda/apps/launch", map[string]any{
		"bundleId": bundleID,
	})
	return err
}

func (c *Client) BatteryInfo(ctx context.Context) (map[string]any, error) {
	resp, err := c.get(ctx, "/session/"+c.sessionID+"/wda/batteryInfo")
	if err != nil {
		return nil, err
	}
	if v, ok := resp["value"].(map[string]any); ok {
		return v, nil
	}
	return nil, nil
}
