package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	Allocation AllocationConfig `yaml:"allocation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// AllocationConfig holds allocation engine configuration
// 引当エンジンの設定を保持
type AllocationConfig struct {
	DefaultPolicy    string        `yaml:"default_policy"`     // FEFO または FIFO
	AllowPartial     bool          `yaml:"allow_partial"`      // バッチ実行の部分引当許可
	SafetyMarginDays int           `yaml:"safety_margin_days"` // 期限安全マージン日数
	LeaseTTL         time.Duration `yaml:"lease_ttl"`          // 編集リースの有効期間
	BatchLimit       int           `yaml:"batch_limit"`        // バッチ1回あたりの需要明細上限（0は無制限）
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, file
}

// Load loads configuration from environment variables. When CONFIG_FILE
// points to a YAML file, the file is loaded first and environment
// variables override it.
// 環境変数から設定を読み込み（CONFIG_FILE指定時はYAMLを先に読み環境変数で上書き）
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "allocation",
			DBName:  "allocation_db",
			SSLMode: "disable",
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Allocation: AllocationConfig{
			DefaultPolicy:    "FEFO",
			AllowPartial:     true,
			SafetyMarginDays: 0,
			LeaseTTL:         5 * time.Minute,
			BatchLimit:       0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイル読み込みに失敗しました: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("設定ファイル解析に失敗しました: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnv("DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.API.Port = getEnvAsInt("API_PORT", cfg.API.Port)
	cfg.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", cfg.API.ReadTimeout)
	cfg.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", cfg.API.WriteTimeout)
	cfg.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", cfg.API.IdleTimeout)
	cfg.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", cfg.API.EnableCORS)
	cfg.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", cfg.API.EnableMetrics)

	cfg.Allocation.DefaultPolicy = getEnv("ALLOCATION_DEFAULT_POLICY", cfg.Allocation.DefaultPolicy)
	cfg.Allocation.AllowPartial = getEnvAsBool("ALLOCATION_ALLOW_PARTIAL", cfg.Allocation.AllowPartial)
	cfg.Allocation.SafetyMarginDays = getEnvAsInt("ALLOCATION_SAFETY_MARGIN_DAYS", cfg.Allocation.SafetyMarginDays)
	cfg.Allocation.LeaseTTL = getEnvAsDuration("ALLOCATION_LEASE_TTL", cfg.Allocation.LeaseTTL)
	cfg.Allocation.BatchLimit = getEnvAsInt("ALLOCATION_BATCH_LIMIT", cfg.Allocation.BatchLimit)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnv("LOG_OUTPUT", cfg.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// データベース設定チェック
	if c.Database.Host == "" {
		return fmt.Errorf("データベースホストが指定されていません")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("データベースユーザーが指定されていません")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("データベース名が指定されていません")
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 引当設定チェック
	if c.Allocation.DefaultPolicy != "FEFO" && c.Allocation.DefaultPolicy != "FIFO" {
		return fmt.Errorf("無効な引当ポリシー: %s", c.Allocation.DefaultPolicy)
	}
	if c.Allocation.SafetyMarginDays < 0 {
		return fmt.Errorf("安全マージン日数は0以上である必要があります")
	}
	if c.Allocation.LeaseTTL <= 0 {
		return fmt.Errorf("リース有効期間は正の値である必要があります")
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.DBName,
		c.SSLMode,
	)
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
