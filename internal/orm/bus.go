package orm

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Subscribe streams change events for the given models (all models when
// empty) to handle until ctx is done or the connection drops.
func (c *HTTPClient) Subscribe(ctx context.Context, models []string, handle func(ChangeEvent)) error {
	busURL, err := c.busURL(models)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	header.Set("X-Correlation-Id", correlationID())
	opts := &websocket.DialOptions{HTTPHeader: header}
	if c.httpClient != nil && c.httpClient.Transport != nil {
		// websocket.Dial rejects clients with a Timeout; only the transport is reused.
		opts.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	}
	conn, _, err := websocket.Dial(ctx, busURL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if handle != nil {
			handle(event)
		}
	}
}

func (c *HTTPClient) busURL(models []string) (string, error) {
	parsed, err := url.Parse(c.baseURL + BusPath)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	q := parsed.Query()
	for _, model := range models {
		if model = strings.TrimSpace(model); model != "" {
			q.Add("model", model)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
