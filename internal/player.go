package internal

import "time"

// Player 玩家記錄（每個活躍連接一筆）
//
// 生命週期：
//   - 准入成功時創建（spawn 於固定出生點）
//   - 移動處理器更新位置/速度/最後活動時間
//   - 換關協調器在勝利時累加分數
//   - 死亡處理器累加死亡次數
//   - 斷線或閒置回收時銷毀（兩條路徑互斥，各自只廣播一次）
//
// 不變量：記錄存在 ⟺ 連接已准入且尚未被回收/斷線；
// ID 在記錄存活期間不會被重用。
type Player struct {
	ID        string  `json:"playerId"`
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VelocityX float64 `json:"velocityX"`
	VelocityY float64 `json:"velocityY"`
	Color     int     `json:"color"`
	Score     int     `json:"score"`
	Deaths    int     `json:"deaths"`

	lastActive time.Time // 閒置回收依據，不序列化
	lastWin    time.Time // 勝利冷卻依據，不序列化
}

// 出生點座標
const (
	spawnX = 50
	spawnY = 200
)

// colorPalette 固定調色盤（0xRRGGBB）
var colorPalette = []int{
	0xff0000, // 紅
	0x0000ff, // 藍
	0x00cc44, // 綠
	0xffaa00, // 橙
	0xaa00ff, // 紫
	0x00cccc, // 青
	0xff44aa, // 粉
	0xcccc00, // 黃
}

// newPlayer 以連接 ID 創建玩家記錄
func newPlayer(id string, now time.Time) *Player {
	return &Player{
		ID:         id,
		Name:       deriveName(id),
		X:          spawnX,
		Y:          spawnY,
		Color:      colorPalette[randInt(len(colorPalette))],
		lastActive: now,
	}
}

// deriveName 從連接 ID 的前幾個字元派生顯示名稱
func deriveName(id string) string {
	const prefixLen = 8
	if len(id) > prefixLen {
		id = id[:prefixLen]
	}
	return "player-" + id
}

// clone 回傳淺拷貝（快照用，避免外部讀到之後的變更）
func (p *Player) clone() *Player {
	c := *p
	return &c
}
