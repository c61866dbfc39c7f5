package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ecg-triage-server/src/core/pipeline"
	"ecg-triage-server/src/core/utils"
	"ecg-triage-server/src/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recorder 把分析结果写入审计表。写入失败只记日志，不影响请求。
type Recorder struct {
	db     *gorm.DB
	logger *utils.TaggedLogger
}

func NewRecorder(db *gorm.DB, logger *utils.Logger) *Recorder {
	return &Recorder{db: db, logger: logger.WithTag("audit")}
}

// Entry 一次分析的审计输入
type Entry struct {
	ClientID string
	Request  *pipeline.AnalysisRequest
	Report   *pipeline.Report
	Err      error
	Elapsed  time.Duration
}

// Record 写入一条审计记录
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.db == nil {
		return
	}
	record := BuildRecord(entry)
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		r.logger.Warn("写入审计记录失败", map[string]interface{}{
			"request_id": record.RequestID,
			"error":      err.Error(),
		})
	}
}

// BuildRecord 把请求和流水线产物转换为数据库记录
func BuildRecord(entry Entry) *models.AnalysisRecord {
	record := &models.AnalysisRecord{
		ID:        uuid.NewString(),
		ClientID:  entry.ClientID,
		ElapsedMs: entry.Elapsed.Milliseconds(),
		CreatedAt: time.Now(),
	}

	if req := entry.Request; req != nil {
		record.RequestID = req.RequestID
		record.Age = req.Age
		record.Sex = req.Sex
		record.Systolic = req.Systolic
		record.Diastolic = req.Diastolic
		record.HeartRate = req.HeartRate
		record.SpO2 = req.SpO2
		record.ImageSize = len(req.Image)
		record.ClinicalInput = toJSON(map[string]interface{}{
			"symptoms":         req.Symptoms,
			"risk_factors":     req.RiskFactors,
			"score":            req.Score,
			"score_level":      req.ScoreLevel,
			"symptom_main":     req.MainSymptom,
			"duration":         req.DurationMinutes,
			"radiation":        req.Radiation,
			"nitrate_response": req.NitrateResponse,
		})
	}

	if rep := entry.Report; rep != nil {
		record.RiskLevel = string(rep.Outcome.RiskLevel)
		record.SuggestedDiagnosis = rep.Outcome.SuggestedDiagnosis
		record.Explanation = rep.Outcome.Explanation
		record.Degraded = rep.Degraded
		record.Perception = stageJSON(rep.Perception)
		record.Context = stageJSON(rep.Context)
		record.Fusion = stageJSON(rep.Fusion)
	}

	var stageErr *pipeline.StageError
	if errors.As(entry.Err, &stageErr) {
		record.FailedStage = string(stageErr.Stage)
	}
	return record
}

// stageJSON 未执行的阶段存为null
func stageJSON(result pipeline.StageResult) datatypes.JSON {
	if result.Stage == "" {
		return nil
	}
	return toJSON(map[string]interface{}{
		"ok":         result.OK,
		"payload":    result.Payload,
		"raw":        utils.Truncate(result.Raw, 2000),
		"diagnostic": result.Diagnostic,
	})
}

func toJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
