package internal

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   如何維護一份多人共享的即時世界狀態，並在多連接並發讀寫下保持一致？
//
// 核心挑戰：
//   1. 原子准入：容量檢查與創建必須是單一決策（並發到達不可超賣）
//   2. 單一寫者：玩家位置、分數、全域關卡索引不可出現資料競爭
//   3. 跨時間的互斥：換關冷卻橫跨多個獨立事件，普通的逐訊息序列化不夠
//   4. 資源回收：閒置連接自動清除（避免死連接佔用名額）
//
// 設計方案：
//   ✅ RWMutex 保護的單一狀態物件 - 依賴注入，測試可建獨立實例
//   ✅ 鎖內完成「檢查 + 創建」- 准入原子性
//   ✅ 布林旗標 + 延遲重置計時器 - 時間窗口去抖動（不是真正的鎖）
//   ✅ 週期掃描 goroutine - 閒置回收

// ErrServerFull 容量已滿，連接不被准入
var ErrServerFull = errors.New("伺服器已滿")

// WinOutcome 勝利訊息的處理結果
//
// 三種結果對外表現不同（刻意區分，不可合併）：
//   - 接受：廣播換關
//   - 冷卻拒絕：單播 error 給發送者
//   - 忽略：完全靜默（玩家不存在，或轉換窗口內的重複勝利）
type WinOutcome int

const (
	WinAccepted WinOutcome = iota
	WinRejectedCooldown
	WinIgnored
)

// WinResult 成功換關的結果
type WinResult struct {
	LevelIndex int
	WinnerID   string
	WinnerName string
}

// World 共享世界狀態
//
// 系統設計考量：
//
//  1. 並發控制（RWMutex）：
//     所有讀寫都經過同一把鎖，臨界區保持最小（鎖內不做 I/O、不廣播）。
//     原設計依賴單執行緒事件迴圈的隱式序列化；移植到多執行緒
//     運行時後，必須用顯式的單一寫者紀律保住相同的順序保證。
//
//  2. 轉換旗標（transitioning + resetTimer）：
//     換關廣播與回到穩定態之間隔著一段真實時間，期間任何連接的
//     勝利嘗試都要被全域抑制。這段窗口橫跨多個獨立的入站事件，
//     所以它是一個「布林 + 延遲重置」的協作式去抖動，不是互斥鎖。
//     重置計時器的句柄存在旗標旁邊，關閉時一併取消。
//
//  3. 閒置回收（reapLoop）：
//     唯一一個不經斷線信號就移除玩家的元件。回收與斷線兩條路徑
//     都經過冪等的 RemovePlayer，只有真正刪除記錄的那條路徑廣播，
//     保證移除通知恰好一次。
type World struct {
	cfg    GameConfig
	logger *slog.Logger

	mu            sync.RWMutex
	players       map[string]*Player
	levelIndex    int
	transitioning bool
	resetTimer    *time.Timer // 轉換重置句柄（與旗標同生命週期）

	onEvict   func(*Player) // 回收通知（由 Hub 設定）
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time
}

// NewWorld 創建世界狀態
//
// 初始關卡索引在 [0, TotalLevels) 均勻隨機。
func NewWorld(cfg GameConfig, logger *slog.Logger) *World {
	return &World{
		cfg:        cfg,
		logger:     logger,
		players:    make(map[string]*Player),
		levelIndex: randInt(cfg.TotalLevels),
		stopCh:     make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// Start 啟動閒置回收 goroutine
//
// onEvict 在玩家被回收後（鎖外）呼叫，由呼叫方負責廣播移除與關閉連接。
func (w *World) Start(onEvict func(*Player)) {
	w.onEvict = onEvict
	w.wg.Add(1)
	go w.reapLoop()
}

// Stop 停止世界狀態（回收 goroutine 與待決的轉換重置）
func (w *World) Stop() {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	if w.resetTimer != nil {
		w.resetTimer.Stop()
		w.resetTimer = nil
	}
	w.mu.Unlock()

	w.logger.Info("世界狀態已停止")
}

// AddPlayer 原子准入
//
// 容量檢查與記錄創建在同一臨界區內完成：
// 並發到達的連接不可能把在線人數推過 MaxPlayers。
// 滿員時回傳 ErrServerFull，不創建任何狀態。
func (w *World) AddPlayer(id string) (*Player, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.players) >= w.cfg.MaxPlayers {
		return nil, ErrServerFull
	}

	player := newPlayer(id, time.Now())
	w.players[id] = player

	return player.clone(), nil
}

// RemovePlayer 移除玩家（冪等）
//
// 回傳 true 表示本次呼叫真正刪除了記錄；
// 斷線與回收兩條路徑以此判定誰負責廣播（恰好一次）。
func (w *World) RemovePlayer(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.players[id]; !exists {
		return false
	}
	delete(w.players, id)
	return true
}

// GetPlayer 獲取玩家快照
func (w *World) GetPlayer(id string) (*Player, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	player, exists := w.players[id]
	if !exists {
		return nil, false
	}
	return player.clone(), true
}

// Snapshot 取得完整世界快照（新玩家的初始狀態投遞用）
//
// 快照反映取得當下的一致狀態，之後的變更不會透過它洩漏。
func (w *World) Snapshot() map[string]*Player {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snapshot := make(map[string]*Player, len(w.players))
	for id, player := range w.players {
		snapshot[id] = player.clone()
	}
	return snapshot
}

// PlayerCount 在線人數
func (w *World) PlayerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.players)
}

// LevelIndex 當前關卡索引
func (w *World) LevelIndex() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.levelIndex
}

// UpdateMovement 套用已通過驗證的移動
func (w *World) UpdateMovement(id string, x, y, vx, vy float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	player, exists := w.players[id]
	if !exists {
		return false
	}

	player.X = x
	player.Y = y
	player.VelocityX = vx
	player.VelocityY = vy
	player.lastActive = time.Now()
	return true
}

// Touch 刷新最後活動時間（liveness ping）
func (w *World) Touch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if player, exists := w.players[id]; exists {
		player.lastActive = time.Now()
	}
}

// RecordDeath 累加死亡次數，回傳死亡位置供廣播
func (w *World) RecordDeath(id string) (x, y float64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	player, exists := w.players[id]
	if !exists {
		return 0, 0, false
	}

	player.Deaths++
	player.lastActive = time.Now()
	return player.X, player.Y, true
}

// RecordWin 處理勝利訊息（換關協調）
//
// 檢查順序（兩個機制刻意分開）：
//  1. 玩家不存在 → 靜默忽略
//  2. 單連接勝利冷卻（比全域窗口更嚴格）→ 明確拒絕，呼叫方單播 error
//  3. 全域轉換窗口內 → 靜默忽略（每個窗口至多一個贏家，
//     沉默是刻意的：避免在已知短暫的窗口內對發送者洗版）
//
// 接受時：分數 +1，從 [0, TotalLevels) 均勻隨機選出排除當前索引的
// 新關卡（TotalLevels > 1 時保證必定換關），設置轉換旗標，
// 並排程 LevelChangeCooldown 後的重置——重置獨立於任何後續輸入。
func (w *World) RecordWin(id string) (WinResult, WinOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	player, exists := w.players[id]
	if !exists {
		return WinResult{}, WinIgnored
	}

	now := time.Now()
	if !player.lastWin.IsZero() && now.Sub(player.lastWin) < w.cfg.WinCooldown {
		return WinResult{}, WinRejectedCooldown
	}

	if w.transitioning {
		return WinResult{}, WinIgnored
	}

	player.Score++
	player.lastWin = now
	player.lastActive = now
	w.levelIndex = w.nextLevelLocked()
	w.transitioning = true
	w.resetTimer = time.AfterFunc(w.cfg.LevelChangeCooldown, w.endTransition)

	return WinResult{
		LevelIndex: w.levelIndex,
		WinnerID:   player.ID,
		WinnerName: player.Name,
	}, WinAccepted
}

// endTransition 轉換窗口結束，回到穩定態
func (w *World) endTransition() {
	w.mu.Lock()
	w.transitioning = false
	w.resetTimer = nil
	w.mu.Unlock()
}

// nextLevelLocked 選出下一個關卡索引（需持有鎖）
func (w *World) nextLevelLocked() int {
	if w.cfg.TotalLevels <= 1 {
		return 0
	}
	next := w.levelIndex
	for next == w.levelIndex {
		next = randInt(w.cfg.TotalLevels)
	}
	return next
}

// reapLoop 週期掃描閒置玩家
func (w *World) reapLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PlayerTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.reap()
		case <-w.stopCh:
			return
		}
	}
}

// Reap 執行一次閒置回收（公開方法供測試使用）
func (w *World) Reap() {
	w.reap()
}

// reap 移除所有超過 PlayerTimeout 未活動的玩家
func (w *World) reap() {
	now := time.Now()

	w.mu.Lock()
	var evicted []*Player
	for id, player := range w.players {
		if now.Sub(player.lastActive) > w.cfg.PlayerTimeout {
			evicted = append(evicted, player)
			delete(w.players, id)
		}
	}
	w.mu.Unlock()

	// 通知在鎖外進行（onEvict 會廣播並關閉連接）
	for _, player := range evicted {
		w.logger.Info("閒置玩家已回收",
			"player_id", player.ID,
			"idle", now.Sub(player.lastActive))
		if w.onEvict != nil {
			w.onEvict(player)
		}
	}
}

// HealthSnapshot 健康檢查視圖（只讀協作端點消費）
func (w *World) HealthSnapshot() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return map[string]any{
		"status":      "healthy",
		"uptime":      time.Since(w.startedAt).Round(time.Second).Seconds(),
		"players":     len(w.players),
		"level_index": w.levelIndex,
		"time":        time.Now().Unix(),
	}
}

// Stats 統計資訊（只讀協作端點消費）
func (w *World) Stats() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()

	players := make([]map[string]any, 0, len(w.players))
	totalScore := 0
	totalDeaths := 0
	for _, p := range w.players {
		players = append(players, map[string]any{
			"name":   p.Name,
			"score":  p.Score,
			"deaths": p.Deaths,
		})
		totalScore += p.Score
		totalDeaths += p.Deaths
	}

	return map[string]any{
		"total_players": len(w.players),
		"total_score":   totalScore,
		"total_deaths":  totalDeaths,
		"level_index":   w.levelIndex,
		"players":       players,
	}
}

// randInt 生成 [0, max) 的隨機數
func randInt(max int) int {
	if max <= 1 {
		return 0
	}
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		// 如果隨機讀取失敗，使用時間作為隨機源
		return int(time.Now().UnixNano()) % max
	}
	return int(b[0]) % max
}
