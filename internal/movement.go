package internal

import (
	"math"
	"time"
)

// 移動驗證與節流
//
// 節流狀態是連接本地的（最後一次接受的時間戳），不進世界狀態，
// 所以任何連接的節流判定都不會與其他連接爭用鎖。

// movementValid 驗證座標是否為有限數且落在閉區間內
//
// 速度欄位不做範圍檢查（僅供渲染參考）。
func movementValid(x, y, maxX, maxY float64) bool {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return false
	}
	return x >= 0 && x <= maxX && y >= 0 && y <= maxY
}

// moveThrottle 單連接的最小間隔閘門
//
// Allow 只在距離上一次「被接受」的移動至少 interval 時放行；
// 被節流丟棄的訊息不刷新時間戳。
type moveThrottle struct {
	interval time.Duration
	last     time.Time
}

func newMoveThrottle(interval time.Duration) *moveThrottle {
	return &moveThrottle{interval: interval}
}

// Allow 回報本次移動是否通過節流，通過時記錄接受時間
func (t *moveThrottle) Allow(now time.Time) bool {
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
