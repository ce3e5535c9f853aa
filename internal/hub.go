package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把共享世界的每一次變更以低延遲扇出給所有在線客戶端？
//
// 核心挑戰：
//   1. 准入控制：容量檢查與會話創建必須是單一原子決策
//   2. 連接管理：斷線、死連接、慢消費者互不影響
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 故障隔離：單一連接的傳輸錯誤不得波及其他會話或全域關卡
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ Hub 模式 - 集中管理所有連接
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送（慢客戶端丟訊息而不阻塞）

// 心跳與發送參數
const (
	writeWait  = 10 * time.Second // 單次寫入期限
	pongWait   = 60 * time.Second // 讀取超時（收到 Pong 重置）
	pingPeriod = 54 * time.Second // Ping 間隔（避開常見的 60s 代理超時）
	sendBuffer = 256              // 每連接的出站緩衝
)

// Hub WebSocket 連接中心
//
// 集中管理所有連接，提供兩種投遞紀律：
//   - unicast：只發給單一連接
//   - broadcast：發給所有連接，可選排除發送者
//
// 連接映射用 RWMutex 保護：廣播頻繁（讀鎖），註冊/註銷少（寫鎖）。
type Hub struct {
	world  *World
	cfg    GameConfig
	logger *slog.Logger

	upgrader    websocket.Upgrader
	connections map[string]*Connection // playerID -> Connection
	mu          sync.RWMutex
}

// Connection WebSocket 連接
//
// throttle 是連接本地狀態，只被這條連接的 readPump 存取，無需加鎖。
type Connection struct {
	PlayerID  string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	throttle  *moveThrottle
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewHub 創建連接中心
func NewHub(world *World, cfg GameConfig, logger *slog.Logger) *Hub {
	return &Hub{
		world:  world,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]*Connection),
	}
}

// ServeWS 處理 WebSocket 連接
//
// 准入流程：升級 → 原子准入（容量檢查 + 創建會話）→ 註冊 →
// 單播完整快照（initGame）→ 向其他連接廣播 newPlayer → 啟動讀寫泵。
// 滿員時單播 serverFull 後立即關閉，不創建任何狀態。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	playerID := uuid.NewString()

	player, err := hub.world.AddPlayer(playerID)
	if err != nil {
		hub.rejectFull(conn)
		return
	}

	connection := &Connection{
		PlayerID: playerID,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		Hub:      hub,
		throttle: newMoveThrottle(hub.cfg.MoveInterval),
	}
	hub.register(connection)

	// 快照在註冊之後取：寧可與 newPlayer 廣播重複（客戶端覆蓋即可），
	// 不可漏掉註冊間隙加入的玩家
	hub.sendMessage(connection, MsgInitGame, initGamePayload{
		Players:    hub.world.Snapshot(),
		LevelIndex: hub.world.LevelIndex(),
		YourID:     playerID,
		Config:     gameClientConfig{TotalLevels: hub.cfg.TotalLevels},
	})
	hub.broadcastMessage(playerID, MsgNewPlayer, player)

	go connection.writePump()
	go connection.readPump()

	hub.logger.Info("玩家已准入",
		"player_id", playerID,
		"players", hub.world.PlayerCount())
}

// rejectFull 容量拒絕：單播 serverFull 後立即終止通道
func (hub *Hub) rejectFull(conn *websocket.Conn) {
	message, err := marshalMessage(MsgServerFull, noticePayload{Message: "伺服器已滿，請稍後再試"})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, message)
	}
	conn.Close()
	hub.logger.Warn("連接被容量拒絕", "max_players", hub.cfg.MaxPlayers)
}

// register 註冊連接
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[conn.PlayerID] = conn
}

// unregister 取消註冊連接
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, exists := hub.connections[conn.PlayerID]; exists && actual == conn {
		delete(hub.connections, conn.PlayerID)
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
	}
}

// broadcast 廣播訊息（exclude 非空時排除該連接）
func (hub *Hub) broadcast(exclude string, message []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for id, conn := range hub.connections {
		if id == exclude {
			continue
		}
		select {
		case conn.Send <- message:
		default:
			// 連接緩衝區滿了，丟棄訊息（慢客戶端不可拖累全場）
			hub.logger.Warn("連接緩衝區滿", "player_id", id)
		}
	}
}

// unicast 單播訊息
func (hub *Hub) unicast(conn *Connection, message []byte) {
	select {
	case conn.Send <- message:
	default:
		hub.logger.Warn("連接緩衝區滿", "player_id", conn.PlayerID)
	}
}

// sendMessage 序列化並單播
func (hub *Hub) sendMessage(conn *Connection, msgType string, data any) {
	message, err := marshalMessage(msgType, data)
	if err != nil {
		hub.logger.Error("序列化訊息失敗", "type", msgType, "error", err)
		return
	}
	hub.unicast(conn, message)
}

// broadcastMessage 序列化並廣播
func (hub *Hub) broadcastMessage(exclude, msgType string, data any) {
	message, err := marshalMessage(msgType, data)
	if err != nil {
		hub.logger.Error("序列化訊息失敗", "type", msgType, "error", err)
		return
	}
	hub.broadcast(exclude, message)
}

// OnEvict 閒置回收通知：廣播移除並關閉連接
//
// 世界狀態已經刪除記錄，所以稍後 readPump 退出時的 RemovePlayer
// 是 no-op——回收與斷線對同一連接是互斥的結局，移除通知恰好一次。
func (hub *Hub) OnEvict(player *Player) {
	hub.broadcastMessage("", MsgPlayerDisconnected, player.ID)

	hub.mu.Lock()
	conn, exists := hub.connections[player.ID]
	hub.mu.Unlock()

	if exists {
		conn.Conn.Close()
	}
}

// Stop 關閉所有連接
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for _, conn := range hub.connections {
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
		conn.Conn.Close()
	}
	hub.connections = make(map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("連接中心已停止")
}

// ConnectionCount 獲取連接數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// readPump 讀取客戶端訊息
//
// 心跳機制（讀取端）：60 秒內沒有任何訊息（包括 Pong）就關閉連接，
// 配合 writePump 的 54 秒 Ping（留 6 秒余量）。
//
// 退出時走斷線路徑：只有真正刪除記錄的呼叫才廣播 playerDisconnected，
// 被回收的連接在這裡拿到 false，不會二次廣播。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()

		if c.Hub.world.RemovePlayer(c.PlayerID) {
			c.Hub.broadcastMessage("", MsgPlayerDisconnected, c.PlayerID)
			c.Hub.logger.Info("玩家已斷線", "player_id", c.PlayerID)
		}
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"player_id", c.PlayerID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入訊息到客戶端
//
// 心跳機制（發送端）：54 秒 Ping 避開常見的 60 秒代理超時。
// 出站訊息經緩衝 channel 異步發送，單連接內順序保持。
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，優雅關閉連接
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的訊息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 處理客戶端訊息
//
// 入站 payload 在邊界解析成具型別的結構（先解析再信任）。
// 畸形訊息只影響這一條連接：丟棄並記警告，不觸碰共享狀態。
func (c *Connection) handleMessage(raw []byte) {
	hub := c.Hub

	env, err := parseEnvelope(raw)
	if err != nil {
		hub.logger.Warn("丟棄畸形訊息", "player_id", c.PlayerID, "error", err)
		return
	}

	switch env.Type {
	case MsgPlayerMovement:
		// 節流先於驗證：被節流丟棄的訊息連解析都不做
		if !c.throttle.Allow(time.Now()) {
			return
		}

		var move movementPayload
		if err := json.Unmarshal(env.Data, &move); err != nil {
			hub.logger.Warn("丟棄畸形移動訊息", "player_id", c.PlayerID, "error", err)
			return
		}
		if !movementValid(move.X, move.Y, hub.cfg.BoundsMaxX, hub.cfg.BoundsMaxY) {
			hub.logger.Warn("丟棄越界移動",
				"player_id", c.PlayerID,
				"x", move.X,
				"y", move.Y)
			return
		}

		if hub.world.UpdateMovement(c.PlayerID, move.X, move.Y, move.VelocityX, move.VelocityY) {
			hub.broadcastMessage(c.PlayerID, MsgPlayerMoved, playerMovedPayload{
				PlayerID:  c.PlayerID,
				X:         move.X,
				Y:         move.Y,
				VelocityX: move.VelocityX,
				VelocityY: move.VelocityY,
			})
		}

	case MsgLevelWin:
		result, outcome := hub.world.RecordWin(c.PlayerID)
		switch outcome {
		case WinAccepted:
			hub.broadcastMessage("", MsgChangeLevel, changeLevelPayload{
				LevelIndex: result.LevelIndex,
				Winner:     result.WinnerName,
				WinnerID:   result.WinnerID,
			})
			hub.logger.Info("關卡已切換",
				"level_index", result.LevelIndex,
				"winner", result.WinnerID)
		case WinRejectedCooldown:
			hub.sendMessage(c, MsgError, noticePayload{Message: "勝利間隔太短，請稍候再試"})
		case WinIgnored:
			// 玩家不存在，或轉換窗口內的重複勝利：靜默
		}

	case MsgPlayerDied:
		if x, y, ok := hub.world.RecordDeath(c.PlayerID); ok {
			hub.broadcastMessage("", MsgPlayerDeath, playerDeathPayload{
				PlayerID: c.PlayerID,
				X:        x,
				Y:        y,
			})
		}

	case MsgPing:
		hub.world.Touch(c.PlayerID)
		hub.sendMessage(c, MsgPong, pongPayload{Timestamp: time.Now().UnixMilli()})

	case MsgChatMessage:
		var chat chatPayload
		if err := json.Unmarshal(env.Data, &chat); err != nil {
			hub.logger.Warn("丟棄畸形聊天訊息", "player_id", c.PlayerID, "error", err)
			return
		}
		hub.world.Touch(c.PlayerID)

		name := ""
		if player, ok := hub.world.GetPlayer(c.PlayerID); ok {
			name = player.Name
		}
		hub.broadcastMessage("", MsgChatMessage, chatBroadcastPayload{
			PlayerID:  c.PlayerID,
			Name:      name,
			Message:   truncateRunes(chat.Message, maxChatLen),
			Timestamp: time.Now().Unix(),
		})

	default:
		hub.logger.Debug("收到未知訊息類型",
			"type", env.Type,
			"player_id", c.PlayerID)
	}
}
