package analyze

import (
	"context"

	"ecg-triage-server/src/core/audit"
	"ecg-triage-server/src/core/image"
	"ecg-triage-server/src/core/pipeline"
	"ecg-triage-server/src/core/providers/vlllm"

	"github.com/gin-gonic/gin"
)

// AnalyzeService 定义分析服务接口
type AnalyzeService interface {
	// 将分析接口的路由注册到 engine 与 apiGroup
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
}

// Analyzer 执行一次三阶段分析，由 *pipeline.Pipeline 实现
type Analyzer interface {
	Run(ctx context.Context, req *pipeline.AnalysisRequest) (*pipeline.Report, error)
}

// Recorder 审计记录写入，由 *audit.Recorder 实现
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

// VisionStatus 视觉模型的配置与图片处理统计，由 *vlllm.Provider 实现
type VisionStatus interface {
	GetConfig() *vlllm.Config
	GetImageMetrics() image.ImageMetrics
}
