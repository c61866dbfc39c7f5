package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ecg-triage-server/src/analyze"
	"ecg-triage-server/src/configs"
	"ecg-triage-server/src/configs/database"
	"ecg-triage-server/src/core/audit"
	"ecg-triage-server/src/core/health"
	"ecg-triage-server/src/core/pipeline"
	"ecg-triage-server/src/core/providers/llm"
	"ecg-triage-server/src/core/providers/vlllm"
	"ecg-triage-server/src/core/utils"

	// 导入所有providers以确保init函数被调用
	_ "ecg-triage-server/src/core/providers/llm/ollama"
	_ "ecg-triage-server/src/core/providers/llm/openai"
	_ "ecg-triage-server/src/core/providers/vlllm/ollama"
	_ "ecg-triage-server/src/core/providers/vlllm/openai"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func LoadConfigAndLogger() (*configs.Config, *utils.Logger, error) {
	// 加载配置,默认使用.config.yaml
	config, configPath, err := configs.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	// 初始化日志系统
	logger, err := utils.NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	logger.Info(fmt.Sprintf("日志系统初始化成功, 配置文件路径: %s", configPath))

	return config, logger, nil
}

// BuildPipeline 按selected_module创建文本模型和视觉模型，检查连通性后组装三阶段流水线
func BuildPipeline(ctx context.Context, config *configs.Config, logger *utils.Logger) (*pipeline.Pipeline, *vlllm.Provider, error) {
	selectedLLM := config.SelectedModule["LLM"]
	llmCfg, ok := config.LLM[selectedLLM]
	if !ok {
		return nil, nil, fmt.Errorf("LLM配置不存在: %q", selectedLLM)
	}
	llmType := llmCfg.Type
	if llmType == "" {
		llmType = selectedLLM
	}
	textModel, err := llm.Create(llmType, &llm.Config{
		Type:        llmType,
		ModelName:   llmCfg.ModelName,
		BaseURL:     llmCfg.BaseURL,
		APIKey:      llmCfg.APIKey,
		Temperature: llmCfg.Temperature,
		MaxTokens:   llmCfg.MaxTokens,
		TopP:        llmCfg.TopP,
		JSONMode:    llmCfg.JSONMode,
		Extra:       llmCfg.Extra,
	})
	if err != nil {
		return nil, nil, err
	}

	selectedVLLM := config.SelectedModule["VLLLM"]
	vlCfg, ok := config.VLLLM[selectedVLLM]
	if !ok {
		return nil, nil, fmt.Errorf("VLLLM配置不存在: %q", selectedVLLM)
	}
	vlType := vlCfg.Type
	if vlType == "" {
		vlType = selectedVLLM
	}
	visionModel, err := vlllm.Create(vlType, &vlCfg, logger)
	if err != nil {
		return nil, nil, err
	}

	stageTimeout, err := config.Pipeline.StageTimeoutDuration()
	if err != nil {
		return nil, nil, err
	}

	connConfig, err := health.ConfigFromYAML(&config.ConnectivityCheck)
	if err != nil {
		return nil, nil, err
	}
	checker := health.NewHealthChecker(connConfig, logger)
	checkErr := checker.CheckAllProviders(ctx, textModel, visionModel)
	checker.PrintReport()
	if checkErr != nil {
		return nil, nil, checkErr
	}

	logger.Info("推理流水线初始化成功", map[string]interface{}{
		"llm":           selectedLLM,
		"llm_model":     llmCfg.ModelName,
		"vlllm":         selectedVLLM,
		"vlllm_model":   vlCfg.ModelName,
		"stage_timeout": stageTimeout.String(),
	})
	return pipeline.New(textModel, visionModel, logger, pipeline.WithStageTimeout(stageTimeout)), visionModel, nil
}

// corsMiddleware 允许任意来源；"*" 不覆盖 Authorization，需要单独列出
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"*", "Authorization", "Content-Type", "X-Request-Id", "Client-Id"},
		ExposeHeaders:   []string{"X-Request-Id"},
		MaxAge:          12 * time.Hour,
	})
}

func StartHttpServer(config *configs.Config, logger *utils.Logger, recorder *audit.Recorder, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	// 初始化Gin引擎
	if config.Log.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.SetTrustedProxies(nil)

	analyzer, visionModel, err := BuildPipeline(groupCtx, config, logger)
	if err != nil {
		logger.Error("推理流水线初始化失败", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	// API路由全部挂载到/api前缀下
	apiGroup := router.Group("/api")

	analyzeService, err := analyze.NewDefaultAnalyzeService(config, analyzer, logger)
	if err != nil {
		logger.Error("Analyze 服务初始化失败", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	analyzeService.SetVisionStatus(visionModel)
	if recorder != nil {
		analyzeService.SetRecorder(recorder)
	}
	if err := analyzeService.Start(groupCtx, router, apiGroup); err != nil {
		logger.Error("Analyze 服务启动失败", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	// HTTP Server（支持优雅关机）
	httpServer := &http.Server{
		Addr:    config.Server.IP + ":" + strconv.Itoa(config.Web.Port),
		Handler: router,
	}

	g.Go(func() error {
		logger.Info(fmt.Sprintf("Gin 服务已启动，访问地址: http://%s", httpServer.Addr))

		// 在单独的 goroutine 中监听关闭信号
		go func() {
			<-groupCtx.Done()
			logger.Info("收到关闭信号，开始关闭HTTP服务...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP服务关闭失败", map[string]interface{}{"error": err.Error()})
			} else {
				logger.Info("HTTP服务已优雅关闭")
			}
		}()

		// ListenAndServe 返回 ErrServerClosed 时表示正常关闭
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP 服务启动失败", map[string]interface{}{"error": err.Error()})
			return err
		}
		return nil
	})

	return httpServer, nil
}

func GracefulShutdown(cancel context.CancelFunc, logger *utils.Logger, g *errgroup.Group) {
	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// 等待信号或服务自行退出
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case sig := <-sigChan:
		logger.Info(fmt.Sprintf("接收到系统信号: %v，开始优雅关闭服务", sig))
	case err := <-done:
		if err != nil {
			logger.Error("服务异常退出", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		return
	}

	// 取消上下文，通知所有服务开始关闭
	cancel()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("服务关闭过程中出现错误", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		logger.Info("所有服务已优雅关闭")
	case <-time.After(15 * time.Second):
		logger.Error("服务关闭超时，强制退出")
		os.Exit(1)
	}
}

// initRecorder 配置了DATABASE_URL且开启record_analyses时返回审计记录器
func initRecorder(config *configs.Config, logger *utils.Logger) (*audit.Recorder, error) {
	if !config.Pipeline.RecordAnalyses {
		return nil, nil
	}
	db, dbType, err := database.InitDB()
	if err != nil {
		return nil, err
	}
	if db == nil {
		logger.Warn("已开启审计记录但未设置 DATABASE_URL，跳过")
		return nil, nil
	}
	logger.Info(fmt.Sprintf("审计数据库连接成功: %s", dbType))
	return audit.NewRecorder(db, logger), nil
}

func main() {
	// 先加载 .env，配置中的api_key会回退到环境变量
	envErr := godotenv.Load()

	// 加载配置和初始化日志系统
	config, logger, err := LoadConfigAndLogger()
	if err != nil {
		fmt.Println("加载配置或初始化日志系统失败:", err)
		os.Exit(1)
	}
	defer logger.Close()
	if envErr != nil {
		logger.Warn("未找到 .env 文件，使用系统环境变量")
	}

	recorder, err := initRecorder(config, logger)
	if err != nil {
		logger.Error("数据库连接失败", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	// 创建可取消的上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, groupCtx := errgroup.WithContext(ctx)

	if _, err := StartHttpServer(config, logger, recorder, g, groupCtx); err != nil {
		logger.Error("启动服务失败", map[string]interface{}{"error": err.Error()})
		cancel()
		os.Exit(1)
	}

	// 启动优雅关机处理
	GracefulShutdown(cancel, logger, g)

	logger.Info("程序已成功退出")
}
