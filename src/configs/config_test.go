package configs

import (
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := ParseConfig([]byte(`
selected_module:
  LLM: OpenAILLM
  VLLLM: OpenAIVLLM
LLM:
  OpenAILLM:
    type: openai
    model_name: gpt-4o-mini
    json_mode: true
  Local:
    type: ollama
    api_key: keep-me
VLLLM:
  OpenAIVLLM:
    type: openai
    model_name: gpt-4o
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Web.Port != 8000 || cfg.Web.MaxUploadSize != 10<<20 || cfg.Log.LogLevel != "info" {
		t.Errorf("defaults = port %d, upload %d, level %q", cfg.Web.Port, cfg.Web.MaxUploadSize, cfg.Log.LogLevel)
	}
	if got := cfg.LLM["OpenAILLM"]; got.APIKey != "sk-env" || !got.JSONMode {
		t.Errorf("LLM config = %+v", got)
	}
	if got := cfg.LLM["Local"].APIKey; got != "keep-me" {
		t.Errorf("explicit api_key overwritten: %q", got)
	}

	sec := cfg.VLLLM["OpenAIVLLM"].Security
	if sec.Enabled || sec.MaxFileSize != 5<<20 || sec.MaxWidth != 8192 || len(sec.AllowedFormats) == 0 {
		t.Errorf("security defaults = %+v", sec)
	}
	if cfg.VLLLM["OpenAIVLLM"].APIKey != "sk-env" {
		t.Error("VLLLM api_key did not fall back to env")
	}
}

func TestStageTimeoutDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"45s", 45 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := PipelineConfig{StageTimeout: tt.in}.StageTimeoutDuration()
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("StageTimeoutDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestParseConfigInvalidYAML(t *testing.T) {
	if _, err := ParseConfig([]byte("server: [unclosed")); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
