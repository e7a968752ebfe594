// Package cdp implements the browser port over the Chrome DevTools Protocol,
// speaking JSON-RPC to a remote headless browser over a websocket.
package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/marcospaulo/makeitrain/internal/config"
	"github.com/marcospaulo/makeitrain/internal/port/browser"
)

// Client drives a remote browser session over a DevTools websocket. Every
// action is paced by the humanizer so interaction timing never looks
// machine-generated to retailer defenses.
type Client struct {
	conn *websocket.Conn
	pace browser.Humanizer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan result

	readDone chan struct{}
}

type command struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type result struct {
	data json.RawMessage
	err  error
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Dial connects to the DevTools endpoint and starts the response reader.
func Dial(ctx context.Context, cfg config.Browser, pace browser.Humanizer) (*Client, error) {
	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp dial %s: %w", cfg.Endpoint, err)
	}
	// Screenshots can exceed the default read limit.
	conn.SetReadLimit(32 << 20)

	c := &Client{
		conn:     conn,
		pace:     pace,
		pending:  make(map[int64]chan result),
		readDone: make(chan struct{}),
	}
	go c.readLoop()

	slog.Info("cdp connected", "endpoint", cfg.Endpoint)
	return c, nil
}

// readLoop dispatches DevTools responses to their waiting callers. Protocol
// events (messages without an id) are ignored.
func (c *Client) readLoop() {
	defer close(c.readDone)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.failPending(fmt.Errorf("cdp connection closed: %w", err))
			return
		}

		var resp response
		if jsonErr := json.Unmarshal(data, &resp); jsonErr != nil || resp.ID == 0 {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			continue
		}

		if resp.Error != nil {
			ch <- result{err: fmt.Errorf("cdp: %s (code %d)", resp.Error.Message, resp.Error.Code)}
		} else {
			ch <- result{data: resp.Result}
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, id)
	}
}

// call sends one DevTools command and waits for its response.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan result, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cmd := command{ID: id, Method: method, Params: params}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("cdp marshal %s: %w", method, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("cdp write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out != nil && len(res.data) > 0 {
			if err := json.Unmarshal(res.data, out); err != nil {
				return fmt.Errorf("cdp decode %s: %w", method, err)
			}
		}
		return nil
	}
}

// pause sleeps for one humanized delay, honoring cancellation.
func (c *Client) pause(ctx context.Context) error {
	if c.pace == nil {
		return nil
	}
	t := c.pace.Delay()
	if t <= 0 {
		return nil
	}
	timer, cancel := context.WithTimeout(ctx, t)
	defer cancel()
	<-timer.Done()
	return ctx.Err()
}

// Navigate loads the given URL in the remote page.
func (c *Client) Navigate(ctx context.Context, url string) error {
	if err := c.pause(ctx); err != nil {
		return err
	}
	return c.call(ctx, "Page.navigate", map[string]string{"url": url}, nil)
}

// Click dispatches a click on the first element matching the selector.
func (c *Client) Click(ctx context.Context, selector string) error {
	if err := c.pause(ctx); err != nil {
		return err
	}
	expr := fmt.Sprintf(`document.querySelector(%q).click()`, selector)
	return c.evaluate(ctx, expr)
}

// Type focuses the matching element and inserts text through the input
// domain, one DevTools call per action like a real keyboard session.
func (c *Client) Type(ctx context.Context, selector, text string) error {
	if err := c.pause(ctx); err != nil {
		return err
	}
	focus := fmt.Sprintf(`document.querySelector(%q).focus()`, selector)
	if err := c.evaluate(ctx, focus); err != nil {
		return err
	}
	return c.call(ctx, "Input.insertText", map[string]string{"text": text}, nil)
}

// Text returns the text content of the first element matching the selector.
func (c *Client) Text(ctx context.Context, selector string) (string, error) {
	expr := fmt.Sprintf(`document.querySelector(%q).textContent`, selector)
	var res struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	params := map[string]any{"expression": expr, "returnByValue": true}
	if err := c.call(ctx, "Runtime.evaluate", params, &res); err != nil {
		return "", err
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("cdp evaluate: %s", res.ExceptionDetails.Text)
	}
	return res.Result.Value, nil
}

// Screenshot captures the current page as PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	var res struct {
		Data string `json:"data"`
	}
	if err := c.call(ctx, "Page.captureScreenshot", nil, &res); err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("cdp screenshot decode: %w", err)
	}
	return img, nil
}

// evaluate runs a JS expression in the page and surfaces thrown exceptions.
func (c *Client) evaluate(ctx context.Context, expression string) error {
	var res struct {
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := c.call(ctx, "Runtime.evaluate", map[string]string{"expression": expression}, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("cdp evaluate: %s", res.ExceptionDetails.Text)
	}
	return nil
}

// Close shuts the websocket down and waits for the reader to exit.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.readDone
	return err
}
