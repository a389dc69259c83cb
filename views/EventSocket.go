package views

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 编辑器事件推送

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 本地界面使用
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Events 升级为 WebSocket 后持续推送编辑器事件，客户端断开时结束
func (h *EditorHandler) Events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	events, cancel := h.editor.Subscribe()
	defer cancel()
	defer conn.Close()

	var mu sync.Mutex
	write := func(v interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	if err := write(gin.H{"type": "state", "data": h.editor.ViewState()}); err != nil {
		return
	}

	// 读循环只用于发现断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug().Err(err).Msg("websocket closed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := write(ev); err != nil {
				h.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
