package controlws

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ownerofglory/go-pion-whep-client/control"
)

const writeWait = 5 * time.Second

type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	// gorilla allows one concurrent writer; status reports come from session goroutines
	wmx sync.Mutex
}

func NewWebSocketClient(wsURL string, header http.Header, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		logger.Error("WebSocket Dial error:", "url", wsURL, "err", err)
		return nil, fmt.Errorf("WebSocket Dial error: %w", err)
	}

	return &Client{
		conn: ws,
		log:  logger,
	}, nil
}

func (c *Client) Write(report *control.StatusReport) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(report); err != nil {
		c.log.Error("error writing to websocket:", "err", err)
		return fmt.Errorf("error writing to websocket: %w", err)
	}

	return nil
}

func (c *Client) Read() (*control.Command, error) {
	var m control.Command
	if err := c.conn.ReadJSON(&m); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.log.Info("control channel closed by peer")
		} else {
			c.log.Error("error reading from control channel:", "err", err)
		}
		return nil, fmt.Errorf("error reading from control channel: %w", err)
	}

	return &m, nil
}

func (c *Client) Close() {
	c.log.Debug("closing websocket client")
	if c.conn == nil {
		return
	}

	c.wmx.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.wmx.Unlock()

	if err := c.conn.Close(); err != nil {
		c.log.Error("error when closing websocket connection", "err", err)
		return
	}
	c.log.Debug("closed websocket client")
}
