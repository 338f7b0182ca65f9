package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"makeover/internal/api"
	"makeover/internal/config"
	"makeover/internal/metrics"
	"makeover/internal/model"
	"makeover/internal/relay"
	"makeover/internal/storage"
	"makeover/internal/transport"
	"makeover/internal/vendor"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 初始化配置
	cfg, err := config.ParseConfig()
	if err != nil {
		logrus.WithError(err).Error("Failed to parse config")
		return
	}

	// 初始化logger
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := model.InitRepository(&cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise repository")
		return
	}
	if repo != nil {
		defer repo.Close()
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise storage")
		return
	}

	buffer, err := newEventBuffer(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise event buffer")
		return
	}

	manager := vendor.NewManager(func(ctx context.Context) (vendor.Client, error) {
		return vendor.Dial(ctx, vendor.SocketOptions{
			APIURL:    cfg.VendorAPIURL,
			SocketURL: cfg.VendorSocketURL,
			AppID:     cfg.VendorAppID,
			Username:  cfg.VendorUsername,
			Password:  cfg.VendorPassword,
			Network:   cfg.VendorNetwork,
		})
	})
	defer manager.Close()

	sdk := transport.NewSDKTransport(manager, transport.SDKOptions{
		Network:       cfg.VendorNetwork,
		MaxImages:     cfg.MaxImagesPerRequest,
		Lifetime:      cfg.ProjectTimeout,
		FallbackDelay: cfg.FallbackDelay,
		FailsafeDelay: cfg.FailsafeDelay,
	})

	opts := relay.Options{Buffer: buffer, DisconnectDedup: cfg.DisconnectDedup}
	if repo != nil {
		opts.Recorder = repo
	}
	rl := relay.New(sdk, opts)

	metrics.MustRegister()

	// 设置Gin模式
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// 添加中间件
	r.Use(LoggingMiddleware())
	r.Use(CORSMiddleware())
	r.Use(gin.Recovery())

	api.NewHTTPHandler(cfg, rl, repo).RegisterRoutes(r)

	if localProvider, ok := store.(storage.LocalBaseDirProvider); ok {
		publicPrefix := strings.TrimSpace(cfg.StoragePublicBaseURL)
		if publicPrefix == "" {
			publicPrefix = "/files"
		}
		if !strings.HasPrefix(publicPrefix, "http://") && !strings.HasPrefix(publicPrefix, "https://") {
			if !strings.HasPrefix(publicPrefix, "/") {
				publicPrefix = "/" + publicPrefix
			}
			r.Static(publicPrefix, localProvider.LocalBaseDir())
		}
	}

	serverHost := fmt.Sprintf("0.0.0.0:%s", cfg.HTTPPort)
	// SSE 连接长时间保持，不设置 WriteTimeout
	httpServer := &http.Server{
		Addr:              serverHost,
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       1200 * time.Second,
	}

	go func() {
		logrus.WithField("host", serverHost).Info("服务器启动")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("服务器启动失败")
			stop()
		}
	}()

	<-ctx.Done()
	logrus.Info("服务器关闭中")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rl.Close(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("relay close failed")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown failed")
	}
}

// newEventBuffer 配置了 Redis 时使用共享缓冲，否则使用进程内缓冲
func newEventBuffer(ctx context.Context, cfg config.Config) (relay.EventBuffer, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return relay.NewMemoryBuffer(cfg.EventRetention, nil), nil
	}
	buffer, err := relay.NewRedisBuffer(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.EventRetention)
	if err != nil {
		return nil, err
	}
	logrus.WithField("redis_addr", cfg.RedisAddr).Info("using redis event buffer")
	return buffer, nil
}

// CORSMiddleware CORS跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Cache-Control, Last-Event-ID, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggingMiddleware 日志记录中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		// 处理请求
		c.Next()
		// 记录请求结束
		duration := time.Since(start)
		logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  duration.String(),
			"size":      c.Writer.Size(),
			"client_ip": c.ClientIP(),
		}).Info("http_request")
	}
}
