package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cybons-lab/lot-management-system-sub002/internal/config"
	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation/storage"
)

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

	// データベース接続
	store, err := storage.NewPostgresStore(cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// メトリクスレジストリ
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := allocation.NewMetrics(registry)

	// 引当エンジン初期化
	clock := allocation.SystemClock{}
	demands := storage.NewPostgresDemandSource(store, logger)
	selector := allocation.NewSelector(store, clock, logger)
	reservations := allocation.NewReservationManager(store, nil, metrics, clock, logger)
	orchestrator := allocation.NewOrchestrator(selector, reservations, store, demands, nil, metrics, clock, logger)
	leases := allocation.NewLeaseManager(store, clock, cfg.Allocation.LeaseTTL, logger)
	versions := allocation.NewVersionGuard(store, logger)

	// HTTPハンドラー設定
	handlers := NewHandlers(store, selector, reservations, orchestrator, leases, versions, cfg, logger)
	router := setupRouter(handlers, cfg, registry)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("ロット引当APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
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

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, cfg *config.Config, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if cfg.API.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// ロット照会・操作
	api.HandleFunc("/lots/sweep-expired", handlers.SweepExpiredLots).Methods("POST")
	api.HandleFunc("/lots/{lotId}", handlers.GetLot).Methods("GET")
	api.HandleFunc("/lots/{lotId}/split", handlers.SplitLot).Methods("POST")
	api.HandleFunc("/lots/{lotId}/consume", handlers.ConsumeLot).Methods("POST")
	api.HandleFunc("/lots/{lotId}/freeze", handlers.FreezeLot).Methods("POST")

	// 候補照会（プレビュー、ロックなし）
	api.HandleFunc("/candidates/{productId}", handlers.GetCandidates).Methods("GET")

	// 引当
	api.HandleFunc("/allocations", handlers.Allocate).Methods("POST")
	api.HandleFunc("/allocations/batch", handlers.AllocateBatch).Methods("POST")

	// 予約管理
	api.HandleFunc("/reservations/manual", handlers.ReserveManual).Methods("POST")
	api.HandleFunc("/reservations/replace", handlers.ReplaceReservations).Methods("POST")
	api.HandleFunc("/reservations/source/{sourceType}/{sourceId}", handlers.ListReservations).Methods("GET")
	api.HandleFunc("/reservations/{reservationId}", handlers.ReleaseReservation).Methods("DELETE")

	// 編集リース・バージョン検査
	api.HandleFunc("/locks/acquire", handlers.AcquireLease).Methods("POST")
	api.HandleFunc("/locks/release", handlers.ReleaseLease).Methods("POST")
	api.HandleFunc("/versions/check", handlers.CheckVersion).Methods("POST")

	// CORS設定（開発用）
	if cfg.API.EnableCORS {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

				if r.Method == "OPTIONS" {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
