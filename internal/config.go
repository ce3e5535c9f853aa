package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
//
// 所有欄位在進程啟動時固定，運行期間不可變更。
// 遊戲核心消費的配置面集中在 Game 區塊。
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Game GameConfig `yaml:"game"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// GameConfig 遊戲核心消費的配置面
type GameConfig struct {
	MaxPlayers          int           `yaml:"max_players"`           // 同時在線上限
	TotalLevels         int           `yaml:"total_levels"`          // 關卡總數
	PlayerTimeout       time.Duration `yaml:"player_timeout"`        // 閒置回收閾值
	LevelChangeCooldown time.Duration `yaml:"level_change_cooldown"` // 全域換關冷卻（轉換鎖窗口）
	WinCooldown         time.Duration `yaml:"win_cooldown"`          // 單一連接的勝利冷卻
	MoveInterval        time.Duration `yaml:"move_interval"`         // 移動節流最小間隔
	BoundsMaxX          float64       `yaml:"bounds_max_x"`          // 座標上限 x（下限固定為 0）
	BoundsMaxY          float64       `yaml:"bounds_max_y"`          // 座標上限 y（下限固定為 0）
}

// LoadConfig 載入配置
//
// 優先順序（後者覆蓋前者）：
//  1. 預設值
//  2. yaml 配置檔（檔案不存在時靜默跳過，方便本地開發）
//  3. 環境變數（生產環境常用）
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	config.applyDefaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析配置檔失敗 %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("讀取配置檔失敗 %s: %w", path, err)
	}

	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyDefaults 填入預設值（只處理零值欄位）
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}

	if c.Game.MaxPlayers == 0 {
		c.Game.MaxPlayers = 50
	}
	if c.Game.TotalLevels == 0 {
		c.Game.TotalLevels = 3
	}
	if c.Game.PlayerTimeout == 0 {
		c.Game.PlayerTimeout = 60 * time.Second
	}
	if c.Game.LevelChangeCooldown == 0 {
		c.Game.LevelChangeCooldown = 1 * time.Second
	}
	if c.Game.WinCooldown == 0 {
		c.Game.WinCooldown = 2 * time.Second
	}
	if c.Game.MoveInterval == 0 {
		// 約等於 60 次/秒的更新上限
		c.Game.MoveInterval = 16 * time.Millisecond
	}
	if c.Game.BoundsMaxX == 0 {
		c.Game.BoundsMaxX = 2000
	}
	if c.Game.BoundsMaxY == 0 {
		c.Game.BoundsMaxY = 800
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// applyEnv 環境變數覆蓋
func (c *Config) applyEnv() {
	if v, ok := envInt("PORT"); ok {
		c.Server.Port = v
	}
	if v, ok := envInt("MAX_PLAYERS"); ok {
		c.Game.MaxPlayers = v
	}
	if v, ok := envInt("TOTAL_LEVELS"); ok {
		c.Game.TotalLevels = v
	}
	if v, ok := envDuration("PLAYER_TIMEOUT"); ok {
		c.Game.PlayerTimeout = v
	}
	if v, ok := envDuration("LEVEL_CHANGE_COOLDOWN"); ok {
		c.Game.LevelChangeCooldown = v
	}
	if v, ok := envDuration("WIN_COOLDOWN"); ok {
		c.Game.WinCooldown = v
	}
	if v, ok := envDuration("MOVE_INTERVAL"); ok {
		c.Game.MoveInterval = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// validate 驗證配置合法性
func (c *Config) validate() error {
	if c.Game.MaxPlayers < 1 {
		return fmt.Errorf("max_players 必須至少為 1: %d", c.Game.MaxPlayers)
	}
	if c.Game.TotalLevels < 1 {
		return fmt.Errorf("total_levels 必須至少為 1: %d", c.Game.TotalLevels)
	}
	if c.Game.PlayerTimeout <= 0 {
		return fmt.Errorf("player_timeout 必須為正數: %s", c.Game.PlayerTimeout)
	}
	if c.Game.LevelChangeCooldown <= 0 {
		return fmt.Errorf("level_change_cooldown 必須為正數: %s", c.Game.LevelChangeCooldown)
	}
	if c.Game.WinCooldown <= 0 {
		return fmt.Errorf("win_cooldown 必須為正數: %s", c.Game.WinCooldown)
	}
	if c.Game.MoveInterval <= 0 {
		return fmt.Errorf("move_interval 必須為正數: %s", c.Game.MoveInterval)
	}
	if c.Game.BoundsMaxX <= 0 || c.Game.BoundsMaxY <= 0 {
		return fmt.Errorf("座標上限必須為正數: x=%v y=%v", c.Game.BoundsMaxX, c.Game.BoundsMaxY)
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
