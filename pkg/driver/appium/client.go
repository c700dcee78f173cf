// Package appium drives devices through an Appium server using the W3C
// WebDriver protocol.
package appium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// W3C WebDriver element identifier key (standard constant).
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// WebDriver error codes that mean the device session is gone.
var lostSessionErrors = map[string]bool{
	"invalid session id":  true,
	"session not created": true,
}

// Client handles HTTP communication with Appium server.
type Client struct {
	serverURL string
	sessionID string
	client    *http.Client
	platform  string // ios, android
	screenW   int
	screenH   int
}

// NewClient creates a new Appium client.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for install/screenshot
		},
	}
}

// Connect creates a new session with the given capabilities.
func (c *Client) Connect(ctx context.Context, capabilities map[string]interface{}) error {
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": capabilities,
		},
	}

	resp, err := c.post(ctx, "/session", body)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	value, ok := resp["value"].(map[string]interface{})
	if !ok {
		return core.ErrDriver.WithMessage("invalid session response")
	}

	c.sessionID, _ = value["sessionId"].(string)
	if c.sessionID == "" {
		return core.ErrDriver.WithMessage("no session ID in response")
	}

	if caps, ok := value["capabilities"].(map[string]interface{}); ok {
		if platform, ok := caps["platformName"].(string); ok {
			c.platform = strings.ToLower(platform)
		}
	}

	c.fetchScreenSize(ctx)
	return nil
}

// Disconnect closes the session.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.delete(ctx, c.sessionPath())
	c.sessionID = ""
	return err
}

// SessionID returns the WebDriver session id.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Platform returns the platform (ios/android).
func (c *Client) Platform() string {
	return c.platform
}

// ScreenSize returns the screen dimensions.
func (c *Client) ScreenSize() (int, int) {
	return c.screenW, c.screenH
}

func (c *Client) fetchScreenSize(ctx context.Context) {
	resp, err := c.get(ctx, c.sessionPath()+"/window/rect")
	if err != nil {
		return
	}
	if value, ok := resp["value"].(map[string]interface{}); ok {
		if w, ok := value["width"].(float64); ok {
			c.screenW = int(w)
		}
		if h, ok := value["height"].(float64); ok {
			c.screenH = int(h)
		}
	}
}

// Element Operations

// FindElements finds multiple elements.
func (c *Client) FindElements(ctx context.Context, strategy, value string) ([]string, error) {
	body := map[string]interface{}{
		"using": strategy,
		"value": value,
	}

	resp, err := c.post(ctx, c.sessionPath()+"/elements", body)
	if err != nil {
		return nil, err
	}

	values, ok := resp["value"].([]interface{})
	if !ok {
		return nil, nil
	}

	var ids []string
	for _, v := range values {
		if elem, ok := v.(map[string]interface{}); ok {
			if id := extractElementID(elem); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// ActiveElement returns the currently focused element.
func (c *Client) ActiveElement(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, c.sessionPath()+"/element/active")
	if err != nil {
		return "", err
	}
	if value, ok := resp["value"].(map[string]interface{}); ok {
		if id := extractElementID(value); id != "" {
			return id, nil
		}
	}
	return "", core.ErrDriver.WithMessage("no active element")
}

// ClearElement clears an element's text.
func (c *Client) ClearElement(ctx context.Context, elementID string) error {
	_, err := c.post(ctx, c.elementPath(elementID)+"/clear", nil)
	return err
}

// ElementText returns an element's text.
func (c *Client) ElementText(ctx context.Context, elementID string) (string, error) {
	resp, err := c.get(ctx, c.elementPath(elementID)+"/text")
	if err != nil {
		return "", err
	}
	text, _ := resp["value"].(string)
	return text, nil
}

// Touch/Gesture Operations (W3C Actions)

func (c *Client) performTouchAction(ctx context.Context, actions []map[string]interface{}) error {
	payload := []map[string]interface{}{
		{
			"type":       "pointer",
			"id":         "finger1",
			"parameters": map[string]interface{}{"pointerType": "touch"},
			"actions":    actions,
		},
	}
	_, err := c.post(ctx, c.sessionPath()+"/actions", map[string]interface{}{"actions": payload})
	return err
}

// Tap performs a tap at coordinates using W3C touch actions.
func (c *Client) Tap(ctx context.Context, x, y int) error {
	return c.performTouchAction(ctx, []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": 50},
		{"type": "pointerUp", "button": 0},
	})
}

// LongPress performs a long press at coordinates.
func (c *Client) LongPress(ctx context.Context, x, y, durationMs int) error {
	return c.performTouchAction(ctx, []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": durationMs},
		{"type": "pointerUp", "button": 0},
	})
}

// Swipe performs a swipe gesture.
func (c *Client) Swipe(ctx context.Context, startX, startY, endX, endY, durationMs int) error {
	return c.performTouchAction(ctx, []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": startX, "y": startY, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
		{"type": "pointerMove", "duration": durationMs, "x": endX, "y": endY, "origin": "viewport"},
		{"type": "pointerUp", "button": 0},
	})
}

// Text Input

// SendKeys sends text to the active element.
func (c *Client) SendKeys(ctx context.Context, text string) error {
	var keyActions []map[string]interface{}
	for _, ch := range text {
		keyActions = append(keyActions,
			map[string]interface{}{"type": "keyDown", "value": string(ch)},
			map[string]interface{}{"type": "keyUp", "value": string(ch)},
		)
	}

	_, err := c.post(ctx, c.sessionPath()+"/actions", map[string]interface{}{
		"actions": []map[string]interface{}{
			{
				"type":    "key",
				"id":      "keyboard",
				"actions": keyActions,
			},
		},
	})
	if err != nil && core.CategoryOf(err) != core.ErrCategoryConnection && ctx.Err() == nil {
		// Fallback: Appium element value endpoint
		_, err = c.post(ctx, c.sessionPath()+"/appium/element/active/value", map[string]interface{}{
			"text": text,
		})
	}
	return err
}

// PressKeyCode presses a key by keycode (Android).
func (c *Client) PressKeyCode(ctx context.Context, keycode int) error {
	_, err := c.post(ctx, c.sessionPath()+"/appium/device/press_keycode", map[string]interface{}{
		"keycode": keycode,
	})
	return err
}

// App Management

// LaunchApp activates an app.
func (c *Client) LaunchApp(ctx context.Context, appID string) error {
	_, err := c.post(ctx, c.sessionPath()+"/appium/device/activate_app", c.appBody(appID))
	return err
}

// TerminateApp terminates an app.
func (c *Client) TerminateApp(ctx context.Context, appID string) error {
	_, err := c.post(ctx, c.sessionPath()+"/appium/device/terminate_app", c.appBody(appID))
	return err
}

func (c *Client) appBody(appID string) map[string]interface{} {
	if c.platform == "ios" {
		return map[string]interface{}{"bundleId": appID}
	}
	return map[string]interface{}{"appId": appID}
}

// Screen Operations

// Screenshot returns a screenshot as PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := c.get(ctx, c.sessionPath()+"/screenshot")
	if err != nil {
		return nil, err
	}
	encoded, ok := resp["value"].(string)
	if !ok {
		return nil, core.ErrDriver.WithMessage("invalid screenshot response")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// Source returns the page source XML.
func (c *Client) Source(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, c.sessionPath()+"/source")
	if err != nil {
		return "", err
	}
	source, _ := resp["value"].(string)
	return source, nil
}

// HTTP Helpers

func (c *Client) sessionPath() string {
	return "/session/" + c.sessionID
}

func (c *Client) elementPath(elementID string) string {
	return c.sessionPath() + "/element/" + elementID
}

func (c *Client) get(ctx context.Context, path string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodPost, path, body)
}

func (c *Client) delete(ctx context.Context, path string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodDelete, path, nil)
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	url := c.serverURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.TimeoutFromContext(ctx)
		}
		return nil, core.ErrDeviceDisconnected.
			WithMessagef("appium %s %s", method, path).
			WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.ErrDeviceDisconnected.WithMessage("appium response interrupted").WithCause(err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, core.ErrDriver.
			WithMessagef("appium %s %s: status %d", method, path, resp.StatusCode).
			WithCause(fmt.Errorf("failed to parse response: %w", err))
	}

	// Check for WebDriver error
	if errValue, ok := result["value"].(map[string]interface{}); ok {
		if errMsg, ok := errValue["message"].(string); ok {
			if errType, ok := errValue["error"].(string); ok {
				base := core.ErrDriver
				if lostSessionErrors[errType] {
					base = core.ErrDeviceDisconnected
				}
				return result, base.
					WithMessagef("%s: %s", errType, errMsg).
					WithDetails(map[string]any{"webdriver_error": errType})
			}
		}
	}

	return result, nil
}

func extractElementID(value map[string]interface{}) string {
	// W3C format
	if id, ok := value[w3cElementKey].(string); ok {
		return id
	}
	// Legacy format
	if id, ok := value["ELEMENT"].(string); ok {
		return id
	}
	return ""
}
