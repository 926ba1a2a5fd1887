package main

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cybons-lab/lot-management-system-sub002/internal/config"
)

// スキーママイグレーション実行ツール。migrations/ 配下の .sql を
// ファイル名順に適用し、適用済みファイルはチェックサム付きで記録する。
func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", dir))
	}

	// データベース接続
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("データベースpingに失敗しました", zap.Error(err))
	}
	logger.Info("データベース接続が確立されました",
		zap.String("host", cfg.Database.Host),
		zap.String("dbname", cfg.Database.DBName),
	)

	m := &migrator{db: db, logger: logger}
	if err := m.ensureHistoryTable(); err != nil {
		logger.Fatal("マイグレーション履歴テーブル準備に失敗しました", zap.Error(err))
	}
	applied, err := m.run(dir)
	if err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}
	logger.Info("マイグレーション完了", zap.Int("applied", applied))
}

// buildLogger builds a zap logger per the logging configuration
// ログ設定に従ってzapロガーを構築
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if err := zapCfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}
	return zapCfg.Build()
}

// migrator applies SQL migration files in filename order, one
// transaction per file.
// SQLマイグレーションをファイル名順・1ファイル1トランザクションで適用
type migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

func (m *migrator) ensureHistoryTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("履歴テーブル作成に失敗しました: %w", err)
	}
	return nil
}

// run applies every pending migration under dir. Returns the number of
// files newly applied.
func (m *migrator) run(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("マイグレーションファイル検索に失敗しました: %w", err)
	}
	sort.Strings(files)

	done, err := m.appliedSet()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, file := range files {
		name := filepath.Base(file)
		if done[name] {
			m.logger.Debug("適用済みのためスキップ", zap.String("file", name))
			continue
		}
		if err := m.apply(file, name); err != nil {
			return applied, err
		}
		m.logger.Info("マイグレーション適用", zap.String("file", name))
		applied++
	}
	return applied, nil
}

func (m *migrator) apply(path, name string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s の読み込みに失敗しました: %w", name, err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("%s のトランザクション開始に失敗しました: %w", name, err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s の適用に失敗しました: %w", name, err)
	}
	checksum := fmt.Sprintf("%x", sha256.Sum256(content))
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		name, checksum,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s の履歴記録に失敗しました: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s のコミットに失敗しました: %w", name, err)
	}
	return nil
}

func (m *migrator) appliedSet() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("適用済み一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}
