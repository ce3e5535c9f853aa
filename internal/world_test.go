package internal_test

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/position-sync/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// 測試用的遊戲配置（冷卻與超時都縮短，避免測試等待過久）
func testGameConfig() internal.GameConfig {
	return internal.GameConfig{
		MaxPlayers:          50,
		TotalLevels:         3,
		PlayerTimeout:       80 * time.Millisecond,
		LevelChangeCooldown: 60 * time.Millisecond,
		WinCooldown:         150 * time.Millisecond,
		MoveInterval:        20 * time.Millisecond,
		BoundsMaxX:          2000,
		BoundsMaxY:          800,
	}
}

// TestNewWorld 測試創建世界狀態
func TestNewWorld(t *testing.T) {
	world := internal.NewWorld(testGameConfig(), testLogger())
	require.NotNil(t, world)

	assert.Equal(t, 0, world.PlayerCount())
	assert.GreaterOrEqual(t, world.LevelIndex(), 0)
	assert.Less(t, world.LevelIndex(), 3)
}

// TestWorld_AddPlayer 測試玩家准入與初始狀態
func TestWorld_AddPlayer(t *testing.T) {
	world := internal.NewWorld(testGameConfig(), testLogger())

	player, err := world.AddPlayer("conn-abcdef12")
	require.NoError(t, err)
	require.NotNil(t, player)

	// 出生點與初始欄位
	assert.Equal(t, "conn-abcdef12", player.ID)
	assert.Equal(t, float64(50), player.X)
	assert.Equal(t, float64(200), player.Y)
	assert.Zero(t, player.VelocityX)
	assert.Zero(t, player.VelocityY)
	assert.Zero(t, player.Score)
	assert.Zero(t, player.Deaths)
	assert.NotZero(t, player.Color)

	// 名稱從身份的前幾個字元派生
	assert.Equal(t, "player-conn-abc", player.Name)

	assert.Equal(t, 1, world.PlayerCount())
}

// TestWorld_Capacity 測試容量上限
func TestWorld_Capacity(t *testing.T) {
	cfg := testGameConfig()
	cfg.MaxPlayers = 3
	world := internal.NewWorld(cfg, testLogger())

	// 前三個連接准入成功
	for _, id := range []string{"a", "b", "c"} {
		_, err := world.AddPlayer(id)
		require.NoError(t, err)
	}

	// 第四個被拒絕，且不創建任何狀態
	player, err := world.AddPlayer("d")
	require.ErrorIs(t, err, internal.ErrServerFull)
	assert.Nil(t, player)
	assert.Equal(t, 3, world.PlayerCount())

	_, exists := world.GetPlayer("d")
	assert.False(t, exists)

	// 有人離開後又可以進來
	assert.True(t, world.RemovePlayer("a"))
	_, err = world.AddPlayer("d")
	assert.NoError(t, err)
}

// TestWorld_ConcurrentAdmission 測試並發准入不超賣
//
// 不管到達順序如何，在線人數永遠不可超過 MaxPlayers。
func TestWorld_ConcurrentAdmission(t *testing.T) {
	cfg := testGameConfig()
	cfg.MaxPlayers = 10
	world := internal.NewWorld(cfg, testLogger())

	const attempts = 50
	var admitted atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := world.AddPlayer(string(rune('A'+n%26)) + string(rune('a'+n/26))); err == nil {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
	assert.Equal(t, 10, world.PlayerCount())
	assert.Len(t, world.Snapshot(), 10)
}

// TestWorld_RemovePlayer 測試移除的冪等性
func TestWorld_RemovePlayer(t *testing.T) {
	world := internal.NewWorld(testGameConfig(), testLogger())

	_, err := world.AddPlayer("p1")
	require.NoError(t, err)

	// 第一次移除真正刪除記錄
	assert.True(t, world.RemovePlayer("p1"))
	assert.Equal(t, 0, world.PlayerCount())

	// 重複移除是 no-op，不是錯誤
	assert.False(t, world.RemovePlayer("p1"))
	assert.False(t, world.RemovePlayer("不存在"))
}

// TestWorld_Snapshot 測試快照一致性
func TestWorld_Snapshot(t *testing.T) {
	world := internal.NewWorld(testGameConfig(), testLogger())

	// 依序准入三個玩家，快照大小依次為 1、2、3
	for i, id := range []string{"p1", "p2", "p3"} {
		_, err := world.AddPlayer(id)
		require.NoError(t, err)
		assert.Len(t, world.Snapshot(), i+1)
	}

	// 快照是深拷貝：改動快照不影響世界狀態
	snapshot := world.Snapshot()
	snapshot["p1"].X = 9999

	stored, exists := world.GetPlayer("p1")
	require.True(t, exists)
	assert.Equal(t, float64(50), stored.X)
}

// TestWorld_UpdateMovement 測試移動更新
func TestWorld_UpdateMovement(t *testing.T) {
	world := internal.NewWorld(testGameConfig(), testLogger())

	_, err := world.AddPlayer("p1")
	require.NoError(t, err)

	require.True(t, world.UpdateMovement("p1", 120, 240, 3, -4))

	player, exists := world.GetPlayer("p1")
	require.True(t, exists)
	assert.Equal(t, float64(120), player.X)
	assert.Equal(t, float64(240), player.Y)
	assert.Equal(t, float64(3), player.VelocityX)
	assert.Equal(t, float64(-4), player.VelocityY)

	// 不存在的玩家不可更新
	assert.False(t, world.UpdateMovement("ghost", 1, 1, 0, 0))
}

// TestWorld_RecordDeath 測試死亡計數
func TestWorld_RecordDeath(t *testing.T) {
	world := internal.NewWorld(testGameConfig(), testLogger())

	_, err := world.AddPlayer("p1")
	require.NoError(t, err)
	require.True(t, world.UpdateMovement("p1", 300, 400, 0, 0))

	x, y, ok := world.RecordDeath("p1")
	require.True(t, ok)
	assert.Equal(t, float64(300), x)
	assert.Equal(t, float64(400), y)

	player, _ := world.GetPlayer("p1")
	assert.Equal(t, 1, player.Deaths)

	_, _, ok = world.RecordDeath("ghost")
	assert.False(t, ok)
}

// TestWorld_RecordWin 測試換關協調
func TestWorld_RecordWin(t *testing.T) {
	t.Run("win changes level and increments score", func(t *testing.T) {
		world := internal.NewWorld(testGameConfig(), testLogger())
		_, err := world.AddPlayer("p1")
		require.NoError(t, err)

		before := world.LevelIndex()
		result, outcome := world.RecordWin("p1")

		require.Equal(t, internal.WinAccepted, outcome)
		// TotalLevels > 1 時保證必定換關
		assert.NotEqual(t, before, result.LevelIndex)
		assert.Equal(t, result.LevelIndex, world.LevelIndex())
		assert.Equal(t, "p1", result.WinnerID)
		assert.Equal(t, "player-p1", result.WinnerName)

		player, _ := world.GetPlayer("p1")
		assert.Equal(t, 1, player.Score)
	})

	t.Run("absent player is silently ignored", func(t *testing.T) {
		world := internal.NewWorld(testGameConfig(), testLogger())

		before := world.LevelIndex()
		_, outcome := world.RecordWin("ghost")

		assert.Equal(t, internal.WinIgnored, outcome)
		assert.Equal(t, before, world.LevelIndex())
	})

	t.Run("single level never changes", func(t *testing.T) {
		cfg := testGameConfig()
		cfg.TotalLevels = 1
		world := internal.NewWorld(cfg, testLogger())
		_, err := world.AddPlayer("p1")
		require.NoError(t, err)

		require.Equal(t, 0, world.LevelIndex())
		result, outcome := world.RecordWin("p1")
		require.Equal(t, internal.WinAccepted, outcome)
		assert.Equal(t, 0, result.LevelIndex)
	})
}

// TestWorld_WinCooldown 測試單連接勝利冷卻
//
// 冷卻違規要回報明確的拒絕（呼叫方單播 error），
// 與轉換窗口內的靜默忽略在對外表現上刻意不同。
func TestWorld_WinCooldown(t *testing.T) {
	cfg := testGameConfig()
	world := internal.NewWorld(cfg, testLogger())
	_, err := world.AddPlayer("p1")
	require.NoError(t, err)

	_, outcome := world.RecordWin("p1")
	require.Equal(t, internal.WinAccepted, outcome)

	// 轉換窗口結束後再試，但仍在勝利冷卻內 → 明確拒絕
	time.Sleep(cfg.LevelChangeCooldown + 20*time.Millisecond)
	levelAfterFirst := world.LevelIndex()
	_, outcome = world.RecordWin("p1")
	assert.Equal(t, internal.WinRejectedCooldown, outcome)
	assert.Equal(t, levelAfterFirst, world.LevelIndex())

	// 冷卻過後可以再贏
	time.Sleep(cfg.WinCooldown)
	_, outcome = world.RecordWin("p1")
	assert.Equal(t, internal.WinAccepted, outcome)

	player, _ := world.GetPlayer("p1")
	assert.Equal(t, 2, player.Score)
}

// TestWorld_TransitionWindow 測試全域轉換窗口
//
// 情境：A 贏了之後 B 在窗口內再贏 → B 被靜默忽略，
// 關卡索引維持 A 的轉換結果，B 的分數不變。
func TestWorld_TransitionWindow(t *testing.T) {
	cfg := testGameConfig()
	world := internal.NewWorld(cfg, testLogger())
	_, err := world.AddPlayer("a")
	require.NoError(t, err)
	_, err = world.AddPlayer("b")
	require.NoError(t, err)

	resultA, outcome := world.RecordWin("a")
	require.Equal(t, internal.WinAccepted, outcome)

	// B 在窗口內（約一半處）再贏
	time.Sleep(cfg.LevelChangeCooldown / 2)
	_, outcome = world.RecordWin("b")
	assert.Equal(t, internal.WinIgnored, outcome)
	assert.Equal(t, resultA.LevelIndex, world.LevelIndex())

	playerB, _ := world.GetPlayer("b")
	assert.Zero(t, playerB.Score)

	// 窗口結束後回到穩定態，B 的勝利被接受
	time.Sleep(cfg.LevelChangeCooldown)
	resultB, outcome := world.RecordWin("b")
	require.Equal(t, internal.WinAccepted, outcome)
	assert.NotEqual(t, resultA.LevelIndex, resultB.LevelIndex)

	playerB, _ = world.GetPlayer("b")
	assert.Equal(t, 1, playerB.Score)
}

// TestWorld_TransitionResetWithoutInput 測試重置獨立於後續輸入
//
// 就算窗口內沒有任何事件發生，延遲重置也必須觸發。
func TestWorld_TransitionResetWithoutInput(t *testing.T) {
	cfg := testGameConfig()
	world := internal.NewWorld(cfg, testLogger())
	_, err := world.AddPlayer("a")
	require.NoError(t, err)

	_, outcome := world.RecordWin("a")
	require.Equal(t, internal.WinAccepted, outcome)

	// 完全不送任何事件，只等待窗口結束
	time.Sleep(cfg.LevelChangeCooldown + 30*time.Millisecond)

	// 穩定態恢復：冷卻過後的新勝利被接受
	time.Sleep(cfg.WinCooldown)
	_, outcome = world.RecordWin("a")
	assert.Equal(t, internal.WinAccepted, outcome)
}

// TestWorld_Reaper 測試閒置回收
func TestWorld_Reaper(t *testing.T) {
	cfg := testGameConfig()
	world := internal.NewWorld(cfg, testLogger())

	var evicted []string
	var mu sync.Mutex
	world.Start(func(p *internal.Player) {
		mu.Lock()
		evicted = append(evicted, p.ID)
		mu.Unlock()
	})
	defer world.Stop()

	_, err := world.AddPlayer("idle")
	require.NoError(t, err)
	_, err = world.AddPlayer("active")
	require.NoError(t, err)

	// active 持續有活動，idle 完全沉默
	deadline := time.Now().Add(cfg.PlayerTimeout + 50*time.Millisecond)
	for time.Now().Before(deadline) {
		world.Touch("active")
		time.Sleep(10 * time.Millisecond)
	}
	world.Reap()

	mu.Lock()
	assert.Equal(t, []string{"idle"}, evicted)
	mu.Unlock()

	_, exists := world.GetPlayer("idle")
	assert.False(t, exists)
	_, exists = world.GetPlayer("active")
	assert.True(t, exists)

	// 重複掃描不會二次回收（通知恰好一次）
	world.Reap()
	mu.Lock()
	assert.Len(t, evicted, 1)
	mu.Unlock()
}

// TestWorld_ReapThenDisconnect 測試回收與斷線互斥
//
// 回收先刪除了記錄，之後的斷線路徑拿到 false，不會二次廣播。
func TestWorld_ReapThenDisconnect(t *testing.T) {
	cfg := testGameConfig()
	world := internal.NewWorld(cfg, testLogger())

	var evictions atomic.Int32
	world.Start(func(p *internal.Player) {
		evictions.Add(1)
	})
	defer world.Stop()

	_, err := world.AddPlayer("p1")
	require.NoError(t, err)

	time.Sleep(cfg.PlayerTimeout + 30*time.Millisecond)
	world.Reap()
	require.Equal(t, int32(1), evictions.Load())

	// 模擬稍後到來的斷線清理
	assert.False(t, world.RemovePlayer("p1"))
}

// TestWorld_Stats 測試統計視圖
func TestWorld_Stats(t *testing.T) {
	world := internal.NewWorld(testGameConfig(), testLogger())

	_, err := world.AddPlayer("p1")
	require.NoError(t, err)
	_, err = world.AddPlayer("p2")
	require.NoError(t, err)

	_, outcome := world.RecordWin("p1")
	require.Equal(t, internal.WinAccepted, outcome)
	_, _, ok := world.RecordDeath("p2")
	require.True(t, ok)

	stats := world.Stats()
	assert.Equal(t, 2, stats["total_players"])
	assert.Equal(t, 1, stats["total_score"])
	assert.Equal(t, 1, stats["total_deaths"])

	health := world.HealthSnapshot()
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, 2, health["players"])
}
