package server

import (
	"context"
	"net/http"
	"path/filepath"
	"remove-anything/app/config"
	"remove-anything/app/database"
	"remove-anything/app/handler"
	"remove-anything/app/logger"
	"remove-anything/app/middleware"
	"remove-anything/app/provider"
	"remove-anything/app/service"

	"github.com/gin-gonic/gin"
)

// Server HTTP服务器
type Server struct {
	config     *config.Config
	logger     *logger.Logger
	httpServer *http.Server

	client  *provider.WorkflowClient
	preview *service.PreviewService
	queue   *service.TaskQueueManager
	tasks   *service.TaskService
	cron    *service.CronService
}

// New 创建服务器实例并完成所有组件装配
func New(cfg *config.Config, log *logger.Logger) *Server {
	db := database.GetDB()

	client := provider.NewWorkflowClient(cfg.Provider, log)
	billing := service.NewBillingService(cfg.Billing, log)
	preview := service.NewPreviewService(cfg.Server.DataDir, log)
	reconciler := service.NewReconciler(db, client, billing, preview, log)
	queue := service.NewTaskQueueManager(db, reconciler, client, cfg.Queue, log)
	tasks := service.NewTaskService(db, client, queue, billing, cfg, log)
	retry := service.NewRetryService(db, client, queue, cfg, log)
	cronService := service.NewCronService(db, retry, reconciler, cfg, log)

	s := &Server{
		config:  cfg,
		logger:  log,
		client:  client,
		preview: preview,
		queue:   queue,
		tasks:   tasks,
		cron:    cronService,
	}

	router := s.setupRouter(billing, reconciler, retry)
	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	return s
}

// setupRouter 注册路由
func (s *Server) setupRouter(billing *service.BillingService, reconciler *service.Reconciler, retry *service.RetryService) *gin.Engine {
	if s.config.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	authHandler := handler.NewAuthHandler(s.config, s.logger, billing)
	taskHandler := handler.NewTaskHandler(s.config, s.logger, s.tasks, s.queue, retry)
	streamHandler := handler.NewStreamHandler(s.config, s.logger, s.tasks, reconciler)
	webhookHandler := handler.NewWebhookHandler(s.config, s.logger, database.GetDB(), reconciler)
	cronHandler := handler.NewCronHandler(s.config, s.logger, s.cron)
	creditHandler := handler.NewCreditHandler(s.logger, billing)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 匿名预览图
	router.Static("/previews", filepath.Join(s.config.Server.DataDir, "previews"))

	api := router.Group("/api")
	{
		// 认证
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/refresh", authHandler.RefreshToken)
		}

		// 远端回调与外部调度触发，不走用户认证
		api.POST("/webhook/task", webhookHandler.TaskCallback)
		api.GET("/cron/trigger", cronHandler.Trigger)

		// 任务接口允许匿名访问，带令牌时记录归属用户
		taskGroup := api.Group("")
		taskGroup.Use(middleware.OptionalJWTAuth(s.config))
		{
			taskGroup.POST("/tasks", taskHandler.SubmitTask)
			taskGroup.POST("/tasks/batch", taskHandler.SubmitBatch)
			taskGroup.GET("/tasks/:code", taskHandler.GetTask)
			taskGroup.GET("/tasks/:code/stream", streamHandler.StreamTask)
			taskGroup.POST("/tasks/:code/cancel", taskHandler.CancelTask)
			taskGroup.GET("/queue/status", taskHandler.GetQueueStatus)
		}

		// 需要登录的接口
		userGroup := api.Group("")
		userGroup.Use(middleware.JWTAuth(s.config))
		{
			userGroup.GET("/me", authHandler.Me)
			userGroup.GET("/credits", creditHandler.GetCredits)
			userGroup.GET("/credits/ledger", creditHandler.GetLedger)
		}
	}

	return router
}

// Start 启动服务器和后台组件
func (s *Server) Start() error {
	s.cron.Start()

	// 重启恢复：把在途任务重新交给队列管理器轮询
	go s.tasks.RecoverInflight()

	s.logger.Infof("服务器启动，监听端口: %s", s.config.Server.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown 优雅关闭：先停入口，再停后台组件，最后关数据库
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.cron.Stop()
	s.queue.Stop()

	if cerr := s.client.Close(); cerr != nil {
		s.logger.Errorf("关闭远端客户端失败: %v", cerr)
	}
	if cerr := s.preview.Close(); cerr != nil {
		s.logger.Errorf("关闭预览图服务失败: %v", cerr)
	}
	if cerr := database.Close(); cerr != nil {
		s.logger.Errorf("关闭数据库失败: %v", cerr)
	}

	return err
}
