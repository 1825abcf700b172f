package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visabilling/internal/config"
	"visabilling/internal/handler"
	"visabilling/internal/infrastructure/cache"
	"visabilling/internal/infrastructure/database"
	"visabilling/internal/infrastructure/lock"
	"visabilling/internal/infrastructure/mq"
	"visabilling/internal/job"
	"visabilling/internal/repository"
	"visabilling/internal/service"
	"visabilling/pkg/idgen"
	"visabilling/pkg/logger"

	_ "go.uber.org/automaxprocs"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "服务启动失败: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "visabilling",
	})
	slog.SetDefault(log)

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL, log)
	if err != nil {
		return err
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis, log)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// 初始化 Kafka
	publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 套餐：配置文件中的套餐写入数据库，读取走 Redis 缓存
	planRepo := repository.NewPlanRepository(db)
	catalog := service.NewCachedCatalog(service.NewDBCatalog(planRepo), redisClient, cfg.Catalog.CacheTTL, log)
	if len(cfg.Catalog.Plans) > 0 {
		ids, err := service.SeedPlans(ctx, planRepo, cfg.Catalog.Plans)
		if err != nil {
			return err
		}
		if err := catalog.Invalidate(ctx, ids...); err != nil {
			log.Warn("清理套餐缓存失败", logger.Error(err))
		}
		log.Info("套餐初始化完成", slog.Int("count", len(ids)))
	}

	ledger := service.NewLedgerService(db, catalog, cfg, log)
	reconciler := service.NewReconciler(db, ledger, catalog, cfg, log)
	entitlements := service.NewEntitlementService(db)

	// 启动后台任务
	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%d-%d", hostname, cfg.Server.WorkerID, os.Getpid())
	outboxLock := lock.NewOutboxLock(redisClient, instanceID, cfg.Outbox.LockTTL)
	outboxSender := job.NewOutboxSender(db, publisher, outboxLock, &cfg.Outbox, log)
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		outboxSender.Start(ctx)
	}()

	// 设置路由
	h := handler.NewHandler(handler.Services{
		Ledger:       ledger,
		Reconciler:   reconciler,
		Entitlements: entitlements,
		Catalog:      catalog,
	}, cfg.Payment.ResultURL, log)
	router := handler.SetupRouter(h, handler.RouterOptions{
		Mode:         cfg.Server.Mode,
		AllowOrigins: cfg.Server.AllowOrigins,
		Log:          log,
	})

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("服务启动", slog.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("正在关闭服务...", slog.String("signal", sig.String()))
	case err := <-serveErr:
		log.Error("HTTP 服务异常退出", logger.Error(err))
		cancel()
		<-senderDone
		return err
	}

	// 关闭 HTTP 服务（等待最多5秒），处理中的回调会完成各自的事务
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", logger.Error(err))
	}

	// 停止后台任务，释放投递锁
	cancel()
	<-senderDone

	log.Info("服务已关闭")
	return nil
}
