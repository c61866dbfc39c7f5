package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"ecg-triage-server/src/configs"
	"ecg-triage-server/src/core/types"
	"ecg-triage-server/src/core/utils"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageSecurityValidator 图片安全验证器
type ImageSecurityValidator struct {
	config *configs.SecurityConfig
	logger *utils.Logger
}

// NewImageSecurityValidator 创建新的图片安全验证器
func NewImageSecurityValidator(config *configs.SecurityConfig, logger *utils.Logger) *ImageSecurityValidator {
	return &ImageSecurityValidator{
		config: config,
		logger: logger,
	}
}

// 图片格式魔数签名，webp还需检查第8-12字节
var imageSignatures = map[string][]byte{
	"jpeg": {0xFF, 0xD8},
	"jpg":  {0xFF, 0xD8},
	"png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"gif":  {0x47, 0x49, 0x46, 0x38},
	"webp": {0x52, 0x49, 0x46, 0x46},
	"bmp":  {0x42, 0x4D},
}

type namedSignature struct {
	name string
	sig  []byte
}

var (
	executableSignatures = []namedSignature{
		{"PE", []byte{0x4D, 0x5A}},
		{"ELF", []byte{0x7F, 0x45, 0x4C, 0x46}},
		{"Mach-O", []byte{0xCA, 0xFE, 0xBA, 0xBE}},
	}
	archiveSignatures = []namedSignature{
		{"ZIP", []byte{0x50, 0x4B, 0x03, 0x04}},
		{"GZIP", []byte{0x1F, 0x8B, 0x08}},
	}
	svgSuspicious = []string{
		"<script", "javascript:", "vbscript:", "onload=", "onerror=",
		"eval(", "document.cookie", "window.location", "<iframe", "<object", "<embed",
	}
)

// ValidateImageData 验证base64图片数据
func (v *ImageSecurityValidator) ValidateImageData(imageData types.ImageData) ValidationResult {
	if imageData.Data == "" {
		return ValidationResult{Error: fmt.Errorf("缺少图片数据")}
	}
	raw, err := base64.StdEncoding.DecodeString(imageData.Data)
	if err != nil {
		return ValidationResult{
			Error:        fmt.Errorf("base64解码失败: %w", err),
			SecurityRisk: "无效的base64数据",
		}
	}
	return v.ValidateBytes(raw, imageData.Format)
}

// ValidateBytes 依次检查 大小、格式白名单、恶意内容、解码与尺寸
func (v *ImageSecurityValidator) ValidateBytes(data []byte, declaredFormat string) ValidationResult {
	if int64(len(data)) > v.config.MaxFileSize {
		return ValidationResult{
			Error:        fmt.Errorf("文件大小超限: %d bytes，最大允许: %d bytes", len(data), v.config.MaxFileSize),
			SecurityRisk: "文件过大",
		}
	}

	if declaredFormat != "" && !v.isFormatAllowed(declaredFormat) {
		return ValidationResult{
			Error:        fmt.Errorf("不支持的格式: %s", declaredFormat),
			SecurityRisk: "使用了不被允许的格式",
		}
	}

	if v.config.EnableDeepScan {
		if risk := v.scanForMaliciousContent(data); risk != "" {
			return ValidationResult{
				Error:        fmt.Errorf("检测到潜在恶意内容: %s", risk),
				SecurityRisk: risk,
			}
		}
	}

	result := v.validateImageDecoding(data)
	if !result.IsValid && declaredFormat != "" && !hasSignature(data, strings.ToLower(declaredFormat)) {
		v.logger.Warn("文件头与声明格式不一致", map[string]interface{}{
			"declared_format": declaredFormat,
			"actual_header":   fmt.Sprintf("%x", data[:min(len(data), 16)]),
		})
	}
	return result
}

// isFormatAllowed 检查格式是否被允许
func (v *ImageSecurityValidator) isFormatAllowed(format string) bool {
	for _, allowed := range v.config.AllowedFormats {
		if strings.EqualFold(allowed, format) {
			return true
		}
	}
	return false
}

// scanForMaliciousContent 返回风险描述，空字符串表示未发现。
// 能正常解码的图片只检查文件头是否为可执行文件；解码失败的文件额外检查压缩包签名。
func (v *ImageSecurityValidator) scanForMaliciousContent(data []byte) string {
	_, _, decodeErr := image.DecodeConfig(bytes.NewReader(data))

	checks := executableSignatures
	if decodeErr != nil {
		checks = append(append([]namedSignature{}, executableSignatures...), archiveSignatures...)
	}
	for _, s := range checks {
		if bytes.HasPrefix(data, s.sig) {
			v.logger.Warn("文件开头检测到非图片签名", map[string]interface{}{
				"signature_type": s.name,
				"signature_hex":  fmt.Sprintf("%x", s.sig),
			})
			return "文件头为" + s.name + "签名"
		}
	}

	lower := strings.ToLower(string(data))
	if strings.Contains(lower, "<svg") {
		for _, needle := range svgSuspicious {
			if strings.Contains(lower, needle) {
				return "SVG中包含可疑脚本: " + needle
			}
		}
	}
	return ""
}

// validateImageDecoding 解码图片头获取尺寸并检查尺寸/像素限制
func (v *ImageSecurityValidator) validateImageDecoding(data []byte) ValidationResult {
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ValidationResult{
			Error:        fmt.Errorf("图片解码失败: %w", err),
			SecurityRisk: "损坏的图片数据或非图片文件",
		}
	}

	result := ValidationResult{Format: format, FileSize: int64(len(data))}
	if config.Width > v.config.MaxWidth || config.Height > v.config.MaxHeight {
		result.Error = fmt.Errorf("图片尺寸超限: %dx%d，最大允许: %dx%d",
			config.Width, config.Height, v.config.MaxWidth, v.config.MaxHeight)
		result.SecurityRisk = "图片过大"
		return result
	}

	totalPixels := int64(config.Width) * int64(config.Height)
	if totalPixels > v.config.MaxPixels {
		result.Error = fmt.Errorf("像素总数超限: %d，最大允许: %d", totalPixels, v.config.MaxPixels)
		result.SecurityRisk = "像素过多"
		return result
	}

	result.IsValid = true
	result.Width = config.Width
	result.Height = config.Height
	return result
}
