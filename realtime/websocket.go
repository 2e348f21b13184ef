/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is wrapped by dial errors when the server refuses the token.
var ErrUnauthorized = errors.New("event channel rejected access token")

// WebsocketDialer dials the event channel over gorilla/websocket, sending the
// token as a Bearer header and optionally as a query parameter.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings when positive
	PingInterval time.Duration
	// PongTimeout is how long past a ping the read deadline extends
	PongTimeout time.Duration
	// AuthQueryParam, when set, also carries the token in the URL
	AuthQueryParam string
	Header         http.Header
	Logger         zerolog.Logger
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid event channel URL: %w", err)
	}
	if d.AuthQueryParam != "" {
		q := u.Query()
		q.Set(d.AuthQueryParam, token)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	for k, v := range d.Header {
		headers[k] = append([]string(nil), v...)
	}
	headers.Set("Authorization", "Bearer "+token)

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	c, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("failed to connect to event channel: %w (%s)", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to event channel: %w", err)
	}

	wc := &wsConn{
		conn: c,
		done: make(chan struct{}),
		log:  d.Logger.With().Str("component", "realtime-ws").Logger(),
	}
	if d.PingInterval > 0 {
		wait := d.PingInterval + d.PongTimeout
		_ = c.SetReadDeadline(time.Now().Add(wait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(wait))
		})
		go wc.pingLoop(d.PingInterval)
	}
	return wc, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}
