package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"

	"ecg-triage-server/src/configs"
	"ecg-triage-server/src/core/types"
	"ecg-triage-server/src/core/utils"
)

// ImageProcessor 上传图片的预处理：可选的安全校验 + 统计
type ImageProcessor struct {
	config    *configs.SecurityConfig
	validator *ImageSecurityValidator
	logger    *utils.Logger
	metrics   ImageMetrics
}

// NewImageProcessor 创建新的图片处理器
func NewImageProcessor(config *configs.SecurityConfig, logger *utils.Logger) *ImageProcessor {
	return &ImageProcessor{
		config:    config,
		validator: NewImageSecurityValidator(config, logger),
		logger:    logger,
	}
}

// Encode 把原始字节转成base64图片数据，格式按文件头识别
func Encode(raw []byte) types.ImageData {
	return types.ImageData{
		Data:   base64.StdEncoding.EncodeToString(raw),
		Format: DetectFormat(raw),
	}
}

// DataURI 构造 data:image/<fmt>;base64,<data>
func DataURI(format, base64Data string) string {
	if format == "" {
		format = "jpeg"
	}
	return fmt.Sprintf("data:image/%s;base64,%s", format, base64Data)
}

// DetectFormat 按文件头识别图片格式，识别不出时按jpeg处理
func DetectFormat(data []byte) string {
	for _, name := range []string{"jpeg", "png", "gif", "webp", "bmp"} {
		if hasSignature(data, name) {
			return name
		}
	}
	return "jpeg"
}

func hasSignature(data []byte, format string) bool {
	signature, ok := imageSignatures[format]
	if !ok || !bytes.HasPrefix(data, signature) {
		return false
	}
	if format == "webp" {
		return len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP"))
	}
	return true
}

// ProcessImage 返回要发给模型的base64数据。
// 未启用安全校验时不检查内容，原样转发。
func (p *ImageProcessor) ProcessImage(ctx context.Context, imageData types.ImageData) (string, error) {
	atomic.AddInt64(&p.metrics.TotalProcessed, 1)

	if imageData.Data == "" {
		return "", fmt.Errorf("图片数据为空")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !p.config.Enabled {
		return imageData.Data, nil
	}

	result := p.validator.ValidateImageData(imageData)
	if !result.IsValid {
		atomic.AddInt64(&p.metrics.FailedValidations, 1)
		if result.SecurityRisk != "" {
			atomic.AddInt64(&p.metrics.SecurityIncidents, 1)
			p.logger.Warn("检测到安全威胁", map[string]interface{}{
				"error":         result.Error.Error(),
				"security_risk": result.SecurityRisk,
				"format":        imageData.Format,
			})
		}
		return "", fmt.Errorf("图片验证失败: %w", result.Error)
	}
	atomic.AddInt64(&p.metrics.Validated, 1)

	p.logger.Debug("图片校验通过", map[string]interface{}{
		"format":    result.Format,
		"width":     result.Width,
		"height":    result.Height,
		"file_size": result.FileSize,
	})
	return imageData.Data, nil
}

// GetMetrics 获取处理统计信息
func (p *ImageProcessor) GetMetrics() ImageMetrics {
	return ImageMetrics{
		TotalProcessed:    atomic.LoadInt64(&p.metrics.TotalProcessed),
		Validated:         atomic.LoadInt64(&p.metrics.Validated),
		FailedValidations: atomic.LoadInt64(&p.metrics.FailedValidations),
		SecurityIncidents: atomic.LoadInt64(&p.metrics.SecurityIncidents),
	}
}
