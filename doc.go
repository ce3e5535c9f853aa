// Package positionsync 提供了一個即時多人位置同步服務器。
//
// 多個客戶端透過持久的 WebSocket 通道連接，每個客戶端控制一個玩家
// 實體，服務器維護單一份共享世界視圖（玩家位置、當前關卡、分數）
// 並以低延遲扇出給所有在線客戶端。
//
// 會話與狀態同步核心
//
// 核心由以下元件組成：
//   - 准入控制：容量檢查與會話創建是單一原子決策，
//     並發到達也不可能超過 MAX_PLAYERS
//   - 會話存儲：連接身份到玩家狀態的映射，快照一致
//   - 移動驗證與節流：逐連接的最小間隔閘門 + 座標邊界驗證
//   - 換關協調：全域轉換窗口（布林旗標 + 延遲重置）疊加
//     更嚴格的單連接勝利冷卻
//   - 閒置回收：週期掃描，超時的會話如同斷線般移除並廣播
//
// # WebSocket 通訊
//
// 實現了即時雙向通訊機制：
//   - 支援心跳檢測（Ping/Pong，54s/60s）
//   - 訊息廣播與單播（廣播可排除發送者）
//   - 標記信封協議，payload 在邊界驗證
//   - 慢客戶端丟訊息而不阻塞全場
//
// 併發安全設計
//
// 共享世界狀態由單一 RWMutex 保護的狀態物件持有（依賴注入，
// 測試可建獨立實例）；節流狀態是連接本地的，不與共享狀態爭用。
// 所有狀態全部駐留記憶體，進程重啟即丟失（刻意設計）。
//
// 使用範例
//
// 啟動服務器：
//
//	world := internal.NewWorld(config.Game, logger)
//	hub := internal.NewHub(world, config.Game, logger)
//	world.Start(hub.OnEvict)
//
//	http.HandleFunc("/ws", hub.ServeWS)
//	log.Fatal(http.ListenAndServe(":3000", nil))
//
// 客戶端連接後會收到一次 initGame（完整快照 + 當前關卡 + 自己的
// ID），之後的移動、勝利、死亡、聊天都以增量事件廣播。
package positionsync
