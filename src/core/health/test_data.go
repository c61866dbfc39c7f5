package health

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
)

// TestDataGenerator 测试数据生成器
type TestDataGenerator struct {
	testModes TestModes
}

// NewTestDataGenerator 创建测试数据生成器
func NewTestDataGenerator(testModes TestModes) *TestDataGenerator {
	return &TestDataGenerator{testModes: testModes}
}

// GetTestPrompt 获取LLM测试提示词
func (tdg *TestDataGenerator) GetTestPrompt() string {
	if tdg.testModes.LLMTestPrompt != "" {
		return tdg.testModes.LLMTestPrompt
	}
	return `Reply with the JSON object {"status": "ok"} and nothing else.`
}

// GetTestImagePrompt 获取VLLLM测试提示词
func (tdg *TestDataGenerator) GetTestImagePrompt() string {
	if tdg.testModes.VLLMTestPrompt != "" {
		return tdg.testModes.VLLMTestPrompt
	}
	return "Describe this image in one short sentence."
}

// GetTestImageData 获取测试图片
// 优先读取配置的图片文件，否则生成一张带网格和波形的PNG
func (tdg *TestDataGenerator) GetTestImageData() ([]byte, error) {
	if tdg.testModes.VLLMTestImage != "" {
		data, err := os.ReadFile(tdg.testModes.VLLMTestImage)
		if err != nil {
			return nil, fmt.Errorf("读取配置的测试图片失败: %w", err)
		}
		return data, nil
	}
	return generateTracePNG(240, 120)
}

// generateTracePNG 粉色网格上的一条黑色周期波形
func generateTracePNG(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	background := color.RGBA{R: 255, G: 240, B: 240, A: 255}
	grid := color.RGBA{R: 240, G: 160, B: 160, A: 255}
	trace := color.RGBA{A: 255}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := background
			if x%10 == 0 || y%10 == 0 {
				c = grid
			}
			img.Set(x, y, c)
		}
	}

	baseline := height / 2
	for x := 0; x < width; x++ {
		phase := math.Mod(float64(x), 60) / 60
		offset := 0.0
		if phase > 0.45 && phase < 0.55 {
			offset = -float64(height) * 0.35 * math.Sin((phase-0.45)*10*math.Pi)
		}
		y := baseline + int(offset)
		if y >= 0 && y < height {
			img.Set(x, y, trace)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("生成测试图片失败: %w", err)
	}
	return buf.Bytes(), nil
}
