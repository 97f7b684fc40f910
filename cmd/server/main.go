package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voltra/chargeproof/internal/api/geocoder"
	"github.com/voltra/chargeproof/internal/api/handlers"
	"github.com/voltra/chargeproof/internal/api/tesla"
	"github.com/voltra/chargeproof/internal/config"
	"github.com/voltra/chargeproof/internal/geo"
	"github.com/voltra/chargeproof/internal/models"
	"github.com/voltra/chargeproof/internal/notify"
	"github.com/voltra/chargeproof/internal/repository"
	"github.com/voltra/chargeproof/internal/service"
	"github.com/voltra/chargeproof/internal/state"
	"github.com/voltra/chargeproof/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Chargeproof", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	sessionRepo := repository.NewSessionRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	userRepo := repository.NewUserRepository(db)
	energyRepo := repository.NewEnergyRepository(db)

	// 创建 Tesla API 客户端
	teslaClient := tesla.NewClient(
		cfg.TeslaAuthHost,
		cfg.TeslaAPIHost,
		cfg.TeslaClientID,
	)

	// 地理编码与推送
	geoClient := geocoder.NewClient(cfg.GeocoderHost)
	notifier := notify.NewNotifier(cfg.NotifyURL)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 会话生命周期状态机，迁移事件实时广播
	machines := state.NewManager(func(deviceID, from, to string) {
		wsHub.BroadcastMessage(ws.MsgTypeStateChange, map[string]string{
			"device_id": deviceID,
			"from":      from,
			"to":        to,
		})
	})
	wsHub.SetInitDataProvider(func() interface{} {
		return machines.GetAllStates()
	})

	// 业务装配
	matcher := geo.NewMatcher(cfg.HomeRadiusMiles, cfg.AssumeHomeWithoutGPS)
	refresher, err := service.NewTokenRefresher(tokenRepo, teslaClient, cfg.TeslaProvider, cfg.TokenRefreshWindow, logger)
	if err != nil {
		logger.Fatal("Failed to create token refresher", zap.Error(err))
	}
	machine := service.NewSessionMachine(sessionRepo, energyRepo, notifier, matcher, machines, cfg.TeslaProvider, logger)
	reconciler := service.NewReconciler(sessionRepo, machine, logger)
	orchestrator := service.NewOrchestrator(
		tokenRepo,
		userRepo,
		teslaClient,
		geoClient,
		refresher,
		machine,
		reconciler,
		&wsBroadcaster{hub: wsHub},
		cfg.TeslaProvider,
		cfg.MaxConcurrentUsers,
		logger,
	)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(
		logger,
		sessionRepo,
		energyRepo,
		orchestrator,
		machines,
		wsHub,
		cfg.JWTSecret,
	)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 内置调度器可选，默认交给外部定时触发 /api/charging/poll
	if cfg.PollInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					orchestrator.RunCycle(ctx, "")
				}
			}
		}()
		logger.Info("Internal poll scheduler enabled", zap.Duration("interval", cfg.PollInterval))
	}

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// wsBroadcaster 把轮询结果接到 WebSocket Hub
type wsBroadcaster struct {
	hub *ws.Hub
}

func (b *wsBroadcaster) BroadcastResult(result models.VehicleResult) {
	b.hub.BroadcastPollResult(result)
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
