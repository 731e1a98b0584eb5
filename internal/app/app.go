// Package app 频道准入履约服务的应用入口
//
// ## 依赖
// - PostgreSQL: 订单、订阅、争议、退款、通知、任务执行记录
// - Redis: 三个异步派发队列、定时任务分布式锁
// - Kafka: 入站链上支付事件 (sarama 消费组)，出站通知 (kafka-go)
// - 托管签名服务: 退款出款 (JSON-RPC)
// - Telegram Bot API: 频道邀请、移除、权限检查
//
// ## 端口
// - HTTP: /health, /metrics, /admin/queues, /admin/jobs
// - gRPC: 标准健康检查
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chanpass/fulfillment/internal/address"
	"github.com/chanpass/fulfillment/internal/client"
	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/config"
	"github.com/chanpass/fulfillment/internal/handler"
	"github.com/chanpass/fulfillment/internal/jobs"
	"github.com/chanpass/fulfillment/internal/kafka"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/queue"
	"github.com/chanpass/fulfillment/internal/repository"
	"github.com/chanpass/fulfillment/internal/scheduler"
	"github.com/chanpass/fulfillment/internal/service"
	"github.com/chanpass/fulfillment/internal/worker"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// stopper 可停止的后台组件
type stopper interface {
	Stop()
}

// App 履约服务应用
type App struct {
	cfg   *config.Config
	clock clock.Clock

	// 基础设施
	db           *gorm.DB
	redisClient  redis.UniversalClient
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	// 仓储层
	repos *repositories

	// 队列
	channelQ *queue.Queue[model.ChannelOp]
	refundQ  *queue.Queue[model.RefundOp]
	notifyQ  *queue.Queue[model.NotificationOp]

	// 服务层
	orders        *service.OrderService
	subscriptions *service.SubscriptionService
	disputes      *service.DisputeService
	escrow        *service.EscrowService
	verifier      *service.PaymentVerifier
	notifications *service.NotificationService

	// 外部客户端
	telegram  *client.TelegramClient
	custody   *client.CustodyClient
	publisher *kafka.NotificationPublisher

	// 后台组件
	paymentConsumer *kafka.PaymentConsumer
	consumers       []stopper
	scheduler       *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

type repositories struct {
	base         *repository.Repository
	orders       repository.OrderRepository
	listings     repository.ListingRepository
	buyers       repository.BuyerRepository
	addresses    repository.DepositAddressRepository
	payments     repository.PaymentTransactionRepository
	subs         repository.SubscriptionRepository
	disputes     repository.DisputeRepository
	refunds      repository.RefundRepository
	escrow       repository.EscrowRepository
	notification repository.NotificationRepository
	deadLetters  repository.DeadLetterRepository
	executions   *repository.ExecutionRepository
}

// New 创建应用实例
func New(cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:    cfg,
		clock:  clock.NewSystem(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run 启动应用
func (a *App) Run() error {
	// 1. 初始化数据库
	if err := a.initDB(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}

	// 2. 初始化 Redis
	if err := a.initRedis(); err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}

	// 3. 仓储、队列、服务
	a.initRepositories()
	a.initQueues()
	a.initServices()

	// 4. 外部客户端
	if err := a.initClients(); err != nil {
		return fmt.Errorf("failed to init clients: %w", err)
	}

	// 5. 队列消费者
	a.startQueueConsumers()

	// 6. 链上支付事件消费
	if err := a.startPaymentConsumer(); err != nil {
		return fmt.Errorf("failed to start payment consumer: %w", err)
	}

	// 7. 定时任务
	if a.cfg.Scheduler.Enabled {
		a.initScheduler()
		a.registerJobs()
		a.scheduler.Start()
	}

	// 8. HTTP 运维接口
	if err := a.startHTTP(); err != nil {
		return fmt.Errorf("failed to start http: %w", err)
	}

	// 9. gRPC 健康检查
	if err := a.startGRPC(); err != nil {
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	return nil
}

// Shutdown 优雅关闭
// 先停止入口，再停止消费者和任务，最后关闭连接
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down fulfillment service...")

	if a.healthServer != nil {
		a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
	}

	if a.paymentConsumer != nil {
		if err := a.paymentConsumer.Stop(); err != nil {
			logger.Warn("payment consumer stop error", zap.Error(err))
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	for _, c := range a.consumers {
		c.Stop()
	}

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.Warn("notification publisher close error", zap.Error(err))
		}
	}
	if a.custody != nil {
		a.custody.Close()
	}

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	if a.redisClient != nil {
		a.redisClient.Close()
	}
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	a.cancel()
	logger.Info("fulfillment service stopped")
	return nil
}

// initDB 初始化数据库
func (a *App) initDB() error {
	pg := a.cfg.Postgres
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(pg.MaxConnections)
	sqlDB.SetMaxIdleConns(pg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(pg.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected",
		zap.String("host", pg.Host),
		zap.String("database", pg.Database))

	if pg.AutoMigrate {
		if err := repository.AutoMigrate(a.db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}
	return nil
}

// initRedis 初始化 Redis，单地址为单机，多地址为集群
func (a *App) initRedis() error {
	a.redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	logger.Info("redis connected",
		zap.Strings("addresses", a.cfg.Redis.Addresses),
		zap.Int("db", a.cfg.Redis.DB))
	return nil
}

// initRepositories 初始化仓储层
func (a *App) initRepositories() {
	a.repos = &repositories{
		base:         repository.NewRepository(a.db),
		orders:       repository.NewOrderRepository(a.db),
		listings:     repository.NewListingRepository(a.db),
		buyers:       repository.NewBuyerRepository(a.db),
		addresses:    repository.NewDepositAddressRepository(a.db),
		payments:     repository.NewPaymentTransactionRepository(a.db),
		subs:         repository.NewSubscriptionRepository(a.db),
		disputes:     repository.NewDisputeRepository(a.db),
		refunds:      repository.NewRefundRepository(a.db),
		escrow:       repository.NewEscrowRepository(a.db),
		notification: repository.NewNotificationRepository(a.db),
		deadLetters:  repository.NewDeadLetterRepository(a.db),
		executions:   repository.NewExecutionRepository(a.db),
	}
	logger.Info("repositories initialized")
}

// initQueues 初始化三个派发队列
func (a *App) initQueues() {
	broker := queue.NewRedisBroker(a.redisClient, a.clock)
	a.channelQ = queue.New[model.ChannelOp](broker, queue.NewConfig(a.cfg.Queues.ChannelAccess), a.clock)
	a.refundQ = queue.New[model.RefundOp](broker, queue.NewConfig(a.cfg.Queues.Refund), a.clock)
	a.notifyQ = queue.New[model.NotificationOp](broker, queue.NewConfig(a.cfg.Queues.Notification), a.clock)

	logger.Info("queues initialized",
		zap.String("channel_access", a.channelQ.Name()),
		zap.String("refund", a.refundQ.Name()),
		zap.String("notification", a.notifyQ.Name()))
}

// initServices 初始化服务层
func (a *App) initServices() {
	r := a.repos
	deriver := address.NewDeriver(r.addresses, a.clock)

	a.notifications = service.NewNotificationService(r.notification, a.notifyQ, a.clock)
	a.escrow = service.NewEscrowService(r.subs, r.orders, r.listings, r.refunds, r.escrow, a.clock)
	a.orders = service.NewOrderService(r.base, r.orders, r.listings, deriver, a.clock, &service.OrderServiceConfig{
		AllowFreeListings: a.cfg.Orders.AllowFreeListings,
		ExpireBatchSize:   a.cfg.Orders.ExpireBatchSize,
	})
	a.subscriptions = service.NewSubscriptionService(
		r.subs, r.orders, r.listings, r.buyers,
		a.channelQ, a.orders, a.escrow, a.notifications,
		a.clock, nil,
	)
	a.verifier = service.NewPaymentVerifier(r.base, r.orders, r.payments, deriver, a.clock)
	a.verifier.SetOnConfirmed(a.subscriptions.OnPaymentConfirmed)
	a.disputes = service.NewDisputeService(
		r.base, r.disputes, r.subs, r.orders, r.refunds,
		a.escrow, a.subscriptions,
		a.refundQ, a.channelQ, a.notifications,
		a.clock,
	)

	logger.Info("services initialized")
}

// initClients 初始化外部客户端
func (a *App) initClients() error {
	telegram, err := client.NewTelegramClient(client.NewTelegramConfig(a.cfg.Telegram), a.clock)
	if err != nil {
		return err
	}
	a.telegram = telegram

	custody, err := client.NewCustodyClient(a.ctx, a.cfg.Custody)
	if err != nil {
		return err
	}
	a.custody = custody

	publisher, err := kafka.NewNotificationPublisher(a.cfg.Kafka, a.cfg.Notifications.Topic)
	if err != nil {
		return err
	}
	a.publisher = publisher

	logger.Info("clients initialized",
		zap.String("custody", a.cfg.Custody.RPCURL),
		zap.String("notification_topic", a.cfg.Notifications.Topic))
	return nil
}

// startQueueConsumers 启动三个队列的消费者
func (a *App) startQueueConsumers() {
	channelConsumer := queue.NewConsumer[model.ChannelOp](a.channelQ,
		worker.NewChannelAccessHandler(a.telegram, a.subscriptions))
	refundConsumer := queue.NewConsumer[model.RefundOp](a.refundQ,
		worker.NewRefundHandler(a.repos.refunds, a.custody, a.notifications, a.clock))
	notifyConsumer := queue.NewConsumer[model.NotificationOp](a.notifyQ,
		worker.NewNotificationHandler(a.repos.notification, a.publisher, a.clock))

	channelConsumer.Start(a.ctx)
	refundConsumer.Start(a.ctx)
	notifyConsumer.Start(a.ctx)
	a.consumers = append(a.consumers, channelConsumer, refundConsumer, notifyConsumer)
}

// startPaymentConsumer 启动链上支付事件消费
func (a *App) startPaymentConsumer() error {
	h := kafka.NewPaymentHandler(
		kafka.NewPaymentConsumerConfig(a.cfg.ChainWatcher),
		a.verifier,
		a.repos.deadLetters,
		a.clock,
	)
	consumer, err := kafka.NewPaymentConsumer(a.cfg.Kafka, h)
	if err != nil {
		return err
	}
	a.paymentConsumer = consumer
	return consumer.Start(a.ctx)
}

// initScheduler 初始化调度器
func (a *App) initScheduler() {
	a.scheduler = scheduler.NewScheduler(&scheduler.Config{
		MaxConcurrentJobs: a.cfg.Scheduler.MaxConcurrentJobs,
		RedisClient:       a.redisClient,
		Clock:             a.clock,
	}, a.repos.executions)

	logger.Info("scheduler initialized",
		zap.Int("max_concurrent_jobs", a.cfg.Scheduler.MaxConcurrentJobs))
}

// registerJobs 注册任务
func (a *App) registerJobs() {
	all := []scheduler.Job{
		jobs.NewOrderExpiryJob(a.orders),
		jobs.NewSubscriptionExpiryJob(a.subscriptions),
		jobs.NewRenewalRemindersJob(a.subscriptions),
		jobs.NewPermissionAuditJob(a.subscriptions, a.telegram, a.repos.listings, a.notifications),
		jobs.NewQueueMonitorJob(a.channelQ, a.refundQ, a.notifyQ),
	}

	for _, job := range all {
		jobCfg := resolveJobConfig(job.Name(), a.cfg.Scheduler.Jobs)
		if !jobCfg.Enabled {
			logger.Info("job disabled", zap.String("job", job.Name()))
			continue
		}
		if err := a.scheduler.RegisterJob(job, jobCfg); err != nil {
			logger.Error("register job failed", zap.String("job", job.Name()), zap.Error(err))
		}
	}
	logger.Info("jobs registered")
}

// resolveJobConfig 未配置的任务按默认 cron 启用，配置了 cron 的优先使用配置
func resolveJobConfig(name string, configured map[string]config.JobConfig) scheduler.JobConfig {
	result := scheduler.JobConfig{Enabled: true}
	if defaults, ok := scheduler.DefaultJobConfigs[name]; ok {
		result.Cron = defaults.Cron
	}
	if c, ok := configured[name]; ok {
		result.Enabled = c.Enabled
		if c.Cron != "" {
			result.Cron = c.Cron
		}
	}
	return result
}

// startHTTP 启动运维 HTTP 服务
func (a *App) startHTTP() error {
	if a.cfg.Service.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(handler.Recovery(), handler.RequestLogger())

	var jobController handler.JobController
	if a.scheduler != nil {
		jobController = a.scheduler
	}
	ops := handler.NewOpsHandler(
		[]handler.QueueAdmin{a.channelQ, a.refundQ, a.notifyQ},
		jobController,
		a.healthChecks(),
	)
	handler.SetupRouter(engine, ops)

	addr := fmt.Sprintf(":%d", a.cfg.Service.HTTPPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting http server", zap.String("addr", addr))
	go func() {
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) healthChecks() map[string]handler.HealthCheck {
	return map[string]handler.HealthCheck{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		},
	}
}

// startGRPC 启动 gRPC 健康检查服务
func (a *App) startGRPC() error {
	addr := fmt.Sprintf(":%d", a.cfg.Service.GRPCPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	logger.Info("starting gRPC server",
		zap.String("addr", addr),
		zap.String("service", a.cfg.Service.Name))

	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// Disputes 争议服务，供外部接入层调用
func (a *App) Disputes() *service.DisputeService {
	return a.disputes
}

// Orders 订单服务，供外部接入层调用
func (a *App) Orders() *service.OrderService {
	return a.orders
}

// Subscriptions 订阅服务，供外部接入层调用
func (a *App) Subscriptions() *service.SubscriptionService {
	return a.subscriptions
}
