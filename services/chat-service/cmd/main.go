package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"stream-chat/config"
	"stream-chat/pkg/auth"
	"stream-chat/pkg/logger"
	"stream-chat/pkg/metrics"
	"stream-chat/pkg/registry"
	"stream-chat/services/chat-service/internal/application"
	"stream-chat/services/chat-service/internal/domain"
	"stream-chat/services/chat-service/internal/generation"
	"stream-chat/services/chat-service/internal/hub"
	"stream-chat/services/chat-service/internal/infrastructure/adapter"
	"stream-chat/services/chat-service/internal/infrastructure/llm"
	"stream-chat/services/chat-service/internal/infrastructure/mq"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/cache"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/db"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/dynamo"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/memory"
	"stream-chat/services/chat-service/internal/infrastructure/persistence/repository"
	"stream-chat/services/chat-service/internal/infrastructure/tokens"
	"stream-chat/services/chat-service/internal/interfaces/rest"
	"stream-chat/services/chat-service/internal/interfaces/ws"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	configPath := flag.String("config", "config/config.yml", "path to the YAML config")
	flag.Parse()

	cfg, cfgErr := config.LoadConfig(*configPath)
	if cfgErr != nil {
		cfg = config.Default()
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Service: cfg.ServerName})
	if cfgErr != nil {
		log.Warn().Err(cfgErr).Str("path", *configPath).Msg("配置文件读取失败, 使用默认配置")
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("存储初始化失败")
	}

	var (
		redisClient *redis.Client
		locker      domain.ConversationLocker
		repo        domain.ChatRepository = store
	)
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Address, cfg.Redis.Port),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.Database,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if redisCache, err := cache.NewRedisCache(redisClient, cfg.Redis.CacheTTL); err != nil {
			log.Warn().Err(err).Msg("Redis不可用, 不使用缓存")
		} else {
			repo = adapter.NewChatRepositoryAdapter(store, redisCache, log)
			locker = cache.NewGenerationLock(redisClient, cfg.Redis.LockTTL)
		}
	}

	generator, err := llm.New(cfg.LLM, log)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.LLM.Provider).Msg("LLM初始化失败")
	}

	var outcomes domain.OutcomePublisher
	producer, err := mq.InitProducer(cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("RocketMQ producer不可用, 不发布生成结果")
	} else if producer != nil {
		outcomes = producer
	}
	consumer, err := mq.InitConsumer(cfg, repo, log)
	if err != nil {
		log.Warn().Err(err).Msg("RocketMQ consumer不可用, 不统计用量")
	}

	localIP, err := registry.GetLocalIP()
	if err != nil {
		log.Warn().Err(err).Msg("获取本机IP失败")
		localIP = "127.0.0.1"
	}
	instanceID := registry.GenerateServiceID(cfg.ServerName, localIP, cfg.Port)

	h := hub.New(cfg.Stream.MaxSubscriptions, log, m)
	manager := generation.NewManager(generation.Dependencies{
		Repo:       repo,
		Generator:  generator,
		Dispatcher: h,
		Locker:     locker,
		Outcomes:   outcomes,
		Tokens:     tokens.NewCounter(),
		Metrics:    m,
	}, generation.Options{
		StatusText:        cfg.Stream.StatusText,
		GenerationTimeout: cfg.Stream.GenerationTimeout,
		FinalizeTimeout:   cfg.Stream.FinalizeTimeout,
		StopDrainTimeout:  cfg.Stream.StopDrainTimeout,
		InstanceID:        instanceID,
	}, log)
	app := application.NewChatService(repo, manager, cfg.LLM.HistoryLimit, log)
	jwtService := auth.NewJWTService(cfg.Auth.JwtSecret, cfg.Auth.Expire_Access_H)

	wsServer := ws.NewServer(ws.Config{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		PingInterval:     cfg.Stream.PingInterval,
		PongWait:         cfg.Stream.PongWait,
		WriteTimeout:     cfg.Stream.WriteTimeout,
		SendBuffer:       cfg.Stream.SendBuffer,
		SendTimeout:      cfg.Stream.SendTimeout,
		MaxPendingFrames: cfg.Stream.MaxPendingFrames,
		MaxMessageBytes:  cfg.Stream.MaxMessageBytes,
		AllowedOrigins:   cfg.Chat.AllowedOrigins,
	}, app, h, jwtService, m, log)

	router := rest.NewRouter(rest.RouterConfig{
		Chat:          rest.NewChatHandler(app, cfg.Stream.StopDrainTimeout, log),
		Authenticator: jwtService,
		WebSocket:     wsServer.Handle,
		Redis:         redisClient,
		RateLimitQPS:  cfg.Redis.RateLimitQPS,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Log:           log,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 注册健康检查服务
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus(cfg.Chat.ServerName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Chat.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Int("port", cfg.Chat.GRPCPort).Msg("Failed to listen")
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	var svcMgr *registry.ServiceManager
	if cfg.Consul.Address != "" {
		svcMgr, err = registry.NewServiceManager(&registry.ConsulConfig{
			Address:    cfg.Consul.Address,
			Scheme:     cfg.Consul.Scheme,
			Datacenter: cfg.Consul.Datacenter,
		}, &registry.ServiceConfig{
			ID:      registry.GenerateServiceID(cfg.Chat.ServerName, localIP, cfg.Chat.GRPCPort),
			Name:    cfg.Chat.ServerName,
			Tags:    []string{cfg.Chat.ServerName, "ws", "v1"},
			Address: localIP,
			Port:    cfg.Port,
			HealthCheck: &registry.HealthCheck{
				GRPC:                           fmt.Sprintf("%s:%d", localIP, cfg.Chat.GRPCPort),
				Interval:                       10 * time.Second,
				Timeout:                        3 * time.Second,
				DeregisterCriticalServiceAfter: time.Minute,
			},
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("初始化Consul客户端失败")
		} else if err := svcMgr.Start(); err != nil {
			log.Warn().Err(err).Msg("服务注册失败")
			svcMgr = nil
		}
	}

	go func() {
		log.Info().Int("port", cfg.Port).Int("grpc_port", cfg.Chat.GRPCPort).Str("storage", cfg.Storage.Driver).Msg("chat service listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if svcMgr != nil {
		svcMgr.Stop()
	}
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	// 先结束生成, 订阅者在连接关闭前收到终止事件
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("generation shutdown")
	}
	wsServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()

	if consumer != nil {
		if err := consumer.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("RocketMQ consumer shutdown")
		}
	}
	if producer != nil {
		if err := producer.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("RocketMQ producer shutdown")
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Info().Msg("bye")
}

// openStore builds the durable repository selected by storage.driver.
func openStore(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger) (domain.ChatRepository, error) {
	switch cfg.Storage.Driver {
	case "", "postgres":
		gormDB, err := db.InitGorm(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return repository.NewChatRepository(gormDB), nil
	case "dynamodb":
		client, err := dynamo.NewClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: %w", err)
		}
		return dynamo.NewChatRepository(client, cfg.DynamoDB.ConversationTable, cfg.DynamoDB.MessagesTable), nil
	case "memory":
		log.Warn().Msg("使用内存存储, 重启后数据丢失")
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
