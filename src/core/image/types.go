package image

// ValidationResult 图片验证结果
type ValidationResult struct {
	IsValid      bool
	Format       string // 解码得到的实际格式
	Width        int
	Height       int
	FileSize     int64
	Error        error
	SecurityRisk string // 安全风险描述
}

// ImageMetrics 图片处理统计信息
type ImageMetrics struct {
	TotalProcessed    int64 `json:"total_processed"`
	Validated         int64 `json:"validated"`
	FailedValidations int64 `json:"failed_validations"`
	SecurityIncidents int64 `json:"security_incidents"`
}
