package analyze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ecg-triage-server/src/configs"
	"ecg-triage-server/src/core/audit"
	"ecg-triage-server/src/core/auth"
	"ecg-triage-server/src/core/pipeline"
	"ecg-triage-server/src/core/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type DefaultAnalyzeService struct {
	logger    *utils.Logger
	config    *configs.Config
	analyzer  Analyzer
	authToken *auth.AuthToken // 未启用认证时为nil
	recorder  Recorder
	vision    VisionStatus
}

// NewDefaultAnalyzeService 构造函数
func NewDefaultAnalyzeService(config *configs.Config, analyzer Analyzer, logger *utils.Logger) (*DefaultAnalyzeService, error) {
	if analyzer == nil {
		return nil, errors.New("analyzer is required")
	}
	service := &DefaultAnalyzeService{
		logger:   logger,
		config:   config,
		analyzer: analyzer,
	}

	if config.Server.Auth.Enabled {
		token, err := auth.NewAuthToken(config.Server.Auth.Secret)
		if err != nil {
			return nil, fmt.Errorf("初始化认证失败: %w", err)
		}
		service.authToken = token
	}
	return service, nil
}

// SetRecorder 设置审计记录器，为nil时不记录
func (s *DefaultAnalyzeService) SetRecorder(recorder Recorder) {
	s.recorder = recorder
}

// SetVisionStatus 设置视觉模型，用于状态检查接口
func (s *DefaultAnalyzeService) SetVisionStatus(vision VisionStatus) {
	s.vision = vision
}

// Start 实现 AnalyzeService 接口，注册分析相关路由
func (s *DefaultAnalyzeService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/analyze", s.handleGet)
	apiGroup.POST("/analyze", s.handlePost)
	apiGroup.OPTIONS("/analyze", s.handleOptions)

	s.logger.Info("Analyze HTTP服务路由注册完成")
	return nil
}

// handleOptions CORS预检一般由中间件处理，这里兜底
func (s *DefaultAnalyzeService) handleOptions(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// handleGet 状态检查
func (s *DefaultAnalyzeService) handleGet(c *gin.Context) {
	message := fmt.Sprintf("ECG analyze endpoint is running (LLM: %s, VLLLM: %s",
		s.config.SelectedModule["LLM"], s.config.SelectedModule["VLLLM"])
	if s.vision != nil {
		metrics := s.vision.GetImageMetrics()
		message += fmt.Sprintf(", vision model: %s, images processed: %d, validated: %d, rejected: %d",
			s.vision.GetConfig().ModelName, metrics.TotalProcessed, metrics.Validated, metrics.FailedValidations)
	}
	c.String(http.StatusOK, message+")")
}

// handlePost 解析表单并运行三阶段分析
func (s *DefaultAnalyzeService) handlePost(c *gin.Context) {
	start := time.Now()
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header(requestIDHeader, requestID)

	clientID, err := s.verifyAuth(c)
	if err != nil {
		s.logger.Warn("分析请求认证失败", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		s.respond(c, http.StatusUnauthorized, requestID, &pipeline.Report{Outcome: unauthorizedOutcome(err)})
		return
	}

	req, err := s.parseMultipartRequest(c)
	if err != nil {
		s.logger.Warn("分析请求解析失败", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		s.respond(c, http.StatusBadRequest, requestID, &pipeline.Report{Outcome: pipeline.InvalidRequestOutcome(err)})
		return
	}
	req.RequestID = requestID

	s.logger.Debug("收到分析请求", map[string]interface{}{
		"request_id":   requestID,
		"client_id":    clientID,
		"age":          req.Age,
		"sex":          req.Sex,
		"symptoms":     req.Symptoms,
		"risk_factors": req.RiskFactors,
		"image_size":   len(req.Image),
		"filename":     req.ImageFilename,
	})

	report, err := s.analyzer.Run(c.Request.Context(), req)

	if s.recorder != nil {
		s.recorder.Record(context.WithoutCancel(c.Request.Context()), audit.Entry{
			ClientID: clientID,
			Request:  req,
			Report:   report,
			Err:      err,
			Elapsed:  time.Since(start),
		})
	}

	status := http.StatusOK
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			status = http.StatusBadGateway
		} else {
			status = http.StatusBadRequest
		}
		s.logger.Warn("分析请求处理失败", map[string]interface{}{
			"request_id": requestID,
			"status":     status,
			"error":      err.Error(),
		})
	}
	if report == nil {
		if err == nil {
			err = errors.New("analyzer returned no report")
			status = http.StatusInternalServerError
		}
		report = &pipeline.Report{Outcome: pipeline.CallFailureOutcome(err), Degraded: true}
	}

	s.logger.Info("分析请求完成", map[string]interface{}{
		"request_id": requestID,
		"risk_level": report.Outcome.RiskLevel,
		"degraded":   report.Degraded,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	s.respond(c, status, requestID, report)
}

func (s *DefaultAnalyzeService) respond(c *gin.Context, status int, requestID string, report *pipeline.Report) {
	resp := newResponse(requestID, report.Outcome)
	resp.Degraded = report.Degraded
	if report.Perception.Payload != nil {
		resp.Perception = report.Perception.Payload
	}
	c.JSON(status, resp)
}

func unauthorizedOutcome(err error) pipeline.FusionOutcome {
	return pipeline.FusionOutcome{
		RiskLevel:          pipeline.RiskUndetermined,
		SuggestedDiagnosis: "Analysis could not be completed",
		Recommendations:    []string{"Provide a valid access token and try again."},
		Explanation:        "Unauthorized: " + err.Error(),
	}
}

// verifyAuth 验证Bearer token，返回client_id；未启用认证时直接通过
func (s *DefaultAnalyzeService) verifyAuth(c *gin.Context) (string, error) {
	if s.authToken == nil {
		return c.GetHeader("Client-Id"), nil
	}

	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("missing bearer token")
	}
	clientID, err := s.authToken.VerifyToken(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		return "", fmt.Errorf("invalid or expired token: %w", err)
	}
	return clientID, nil
}

// parseMultipartRequest 解析multipart表单
func (s *DefaultAnalyzeService) parseMultipartRequest(c *gin.Context) (*pipeline.AnalysisRequest, error) {
	maxSize := s.config.Web.MaxUploadSize
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
	if err := c.Request.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxSize)
		}
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}

	req := &pipeline.AnalysisRequest{
		Sex:             strings.TrimSpace(c.PostForm("sex")),
		Symptoms:        nonEmpty(c.PostFormArray("symptoms")),
		RiskFactors:     append(nonEmpty(c.PostFormArray("risk_factors")), splitList(c.PostForm("risk"))...),
		ScoreLevel:      strings.TrimSpace(c.PostForm("score_level")),
		MainSymptom:     strings.TrimSpace(c.PostForm("symptom_main")),
		Radiation:       strings.TrimSpace(c.PostForm("radiation")),
		NitrateResponse: strings.TrimSpace(c.PostForm("nitrate_response")),
	}
	// 早期表单字段名：gt_nitrate 对应 nitrate_response
	if req.NitrateResponse == "" {
		req.NitrateResponse = strings.TrimSpace(c.PostForm("gt_nitrate"))
	}

	required := []struct {
		field string
		dst   *int
	}{
		{"age", &req.Age},
		{"sbp", &req.Systolic},
		{"dbp", &req.Diastolic},
		{"hr", &req.HeartRate},
		{"spo2", &req.SpO2},
	}
	for _, r := range required {
		v, err := requiredInt(c, r.field)
		if err != nil {
			return nil, err
		}
		*r.dst = v
	}
	if req.Sex == "" {
		return nil, &formError{field: "sex", msg: "is required"}
	}

	var err error
	if req.Score, err = optionalInt(c, "score"); err != nil {
		return nil, err
	}
	if req.DurationMinutes, err = optionalInt(c, "duration"); err != nil {
		return nil, err
	}

	fileHeader, err := c.FormFile("ecg_file")
	if err != nil {
		return nil, &formError{field: "ecg_file", msg: "is required"}
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("open ecg_file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read ecg_file: %w", err)
	}
	if len(data) == 0 {
		return nil, &formError{field: "ecg_file", msg: "is empty"}
	}
	req.Image = data
	req.ImageFilename = fileHeader.Filename
	return req, nil
}

func requiredInt(c *gin.Context, field string) (int, error) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		return 0, &formError{field: field, msg: "is required"}
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &formError{field: field, msg: fmt.Sprintf("must be an integer, got %q", raw)}
	}
	return v, nil
}

func optionalInt(c *gin.Context, field string) (*int, error) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &formError{field: field, msg: fmt.Sprintf("must be an integer, got %q", raw)}
	}
	return &v, nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// splitList 早期表单的 risk 字段是一段逗号分隔的自由文本
func splitList(raw string) []string {
	return nonEmpty(strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '，' || r == '；' || r == '\n'
	}))
}
