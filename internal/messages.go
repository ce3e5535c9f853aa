package internal

import (
	"encoding/json"
	"fmt"
)

// 事件協議
//
// 伺服器與客戶端之間的訊息詞彙表。入站訊息是標記信封
// （type + data），在邊界解析成具型別的 payload——先解析再信任，
// 畸形的 payload 在進入任何處理器之前就被拒絕。
//
// 兩種投遞紀律：
//   - 單播：只給觸發的連接（initGame、serverFull、pong、error）
//   - 廣播：給所有連接，可選排除發送者（newPlayer、playerMoved、
//     changeLevel、playerDeath、chatMessage、playerDisconnected）
//
// 廣播是 fire-and-forget：除了單連接內的順序保持外不做任何投遞保證。

// 訊息類型
const (
	// 客戶端 → 伺服器
	MsgPlayerMovement = "playerMovement"
	MsgLevelWin       = "levelWin"
	MsgPlayerDied     = "playerDied"
	MsgPing           = "ping"
	MsgChatMessage    = "chatMessage"

	// 伺服器 → 客戶端
	MsgServerFull         = "serverFull"
	MsgInitGame           = "initGame"
	MsgNewPlayer          = "newPlayer"
	MsgPlayerMoved        = "playerMoved"
	MsgChangeLevel        = "changeLevel"
	MsgPlayerDeath        = "playerDeath"
	MsgPong               = "pong"
	MsgPlayerDisconnected = "playerDisconnected"
	MsgError              = "error"
)

// maxChatLen 聊天訊息的最大長度（rune 數，超出截斷）
const maxChatLen = 200

// envelope 訊息信封
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// parseEnvelope 解析入站信封
func parseEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("解析訊息信封失敗: %w", err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("訊息缺少類型")
	}
	return env, nil
}

// movementPayload 移動訊息（速度欄位可省略，預設 0）
type movementPayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VelocityX float64 `json:"velocityX"`
	VelocityY float64 `json:"velocityY"`
}

// chatPayload 聊天訊息
type chatPayload struct {
	Message string `json:"message"`
}

// initGamePayload 初始世界快照（准入後單播一次）
type initGamePayload struct {
	Players    map[string]*Player `json:"players"`
	LevelIndex int                `json:"levelIndex"`
	YourID     string             `json:"yourId"`
	Config     gameClientConfig   `json:"config"`
}

type gameClientConfig struct {
	TotalLevels int `json:"totalLevels"`
}

// playerMovedPayload 移動增量（不回送給發送者）
type playerMovedPayload struct {
	PlayerID  string  `json:"playerId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VelocityX float64 `json:"velocityX"`
	VelocityY float64 `json:"velocityY"`
}

// changeLevelPayload 換關廣播
type changeLevelPayload struct {
	LevelIndex int    `json:"levelIndex"`
	Winner     string `json:"winner"`
	WinnerID   string `json:"winnerId"`
}

// playerDeathPayload 死亡廣播
type playerDeathPayload struct {
	PlayerID string  `json:"playerId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// pongPayload 活性回覆
type pongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// chatBroadcastPayload 聊天轉發（帶發送者身份與時間戳）
type chatBroadcastPayload struct {
	PlayerID  string `json:"playerId"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// noticePayload 通知類訊息（serverFull / error）
type noticePayload struct {
	Message string `json:"message"`
}

// marshalMessage 序列化出站訊息
func marshalMessage(msgType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化 %s 失敗: %w", msgType, err)
	}
	return json.Marshal(envelope{Type: msgType, Data: payload})
}

// truncateRunes 以 rune 為單位截斷（UTF-8 傳輸下不可切斷碼點）
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
