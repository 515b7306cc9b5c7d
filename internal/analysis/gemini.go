package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/flowcheck/capture-service/internal/reading"
)

// meterPrompt is the fixed domain instruction describing the two-region
// meter layout. The response contract (field names, [0,1000] box
// normalization) is load-bearing; the reading heuristics belong to the
// model, not to this service.
const meterPrompt = `Analyze this water meter image and extract the numerical reading.

CRITICAL VISUAL STRUCTURE (STRICT RULES):
1. **The Anchor**: Locate the Single White Digit on a Black Background. This is the TENTHS place.
2. **The Integers**: To the LEFT of the tenths digit, there are EXACTLY FIVE (5) Black Digits on a White Background. You MUST find all 5.

READING INSTRUCTIONS:
- **Integer Part**: Read the 5 black digits. Do not miss the 5th digit (the ones place) which is right next to the black tenths dial.
- **Decimal Part**: Read the single white digit on the black background.

ROLLING/TUMBLING LOGIC (PRECISION MODE):
- The white-on-black tenths digit often rolls continuously.
- **Centered**: If the digit (e.g., '8') is centered, the decimal is '.80'.
- **Rolling**: If the dial is halfway between two numbers (e.g., leaving '8' and entering '9'), read this as '.85'.
- **Example**:
  - 5 Black digits: "02268"
  - 1 White digit: Rolling between 8 and 9.
  - Result: "02268.85"

OUTPUT FORMAT:
- Return a JSON object containing:
  - reading: string "XXXXX.XX" (5 integers, 2 decimal places).
  - confidence: number (0-100).
  - box: object with ymin, xmin, ymax, xmax (bounding box of the entire detected reading area, normalized 0-1000).`

// responseSchema pins the structured output to exactly
// {reading, confidence, box:{ymin,xmin,ymax,xmax}}.
var responseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"reading": {
			Type:        genai.TypeString,
			Description: "The formatted meter reading string (e.g. '02268.85').",
		},
		"confidence": {
			Type:        genai.TypeNumber,
			Description: "A confidence score from 0 to 100.",
		},
		"box": {
			Type:        genai.TypeObject,
			Description: "The bounding box coordinates of the detected reading area, normalized to 1000x1000.",
			Properties: map[string]*genai.Schema{
				"ymin": {Type: genai.TypeNumber},
				"xmin": {Type: genai.TypeNumber},
				"ymax": {Type: genai.TypeNumber},
				"xmax": {Type: genai.TypeNumber},
			},
			Required: []string{"ymin", "xmin", "ymax", "xmax"},
		},
	},
	Required: []string{"reading", "confidence", "box"},
}

// GeminiRecognizer invokes Gemini with the fixed meter instruction and
// structured-output schema.
type GeminiRecognizer struct {
	APIKey string
	Model  string
}

// NewGeminiRecognizer creates a recognizer for the given key and model.
func NewGeminiRecognizer(apiKey, model string) *GeminiRecognizer {
	return &GeminiRecognizer{
		APIKey: strings.TrimSpace(apiKey),
		Model:  strings.TrimSpace(model),
	}
}

type wireBox struct {
	YMin *float64 `json:"ymin"`
	XMin *float64 `json:"xmin"`
	YMax *float64 `json:"ymax"`
	XMax *float64 `json:"xmax"`
}

type wireResult struct {
	Reading    *string  `json:"reading"`
	Confidence *float64 `json:"confidence"`
	Box        *wireBox `json:"box"`
}

// Recognize sends one image and parses the structured response. A single
// attempt only; retries are deliberate user actions upstream.
func (g *GeminiRecognizer) Recognize(ctx context.Context, image []byte, mime string) (reading.AnalysisResult, error) {
	if g.APIKey == "" {
		return reading.AnalysisResult{}, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(g.APIKey))
	if err != nil {
		return reading.AnalysisResult{}, err
	}
	defer cl.Close()

	m := cl.GenerativeModel(g.Model)
	if m == nil {
		return reading.AnalysisResult{}, fmt.Errorf("gemini: model is nil")
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema,
	}

	resp, err := m.GenerateContent(ctx,
		&genai.Blob{MIMEType: mime, Data: image},
		genai.Text(meterPrompt),
	)
	if err != nil {
		return reading.AnalysisResult{}, fmt.Errorf("gemini: %w", err)
	}

	txt := strings.TrimSpace(firstText(resp))
	if txt == "" {
		return reading.AnalysisResult{}, fmt.Errorf("gemini: empty response")
	}
	return parseWireResult(txt)
}

// parseWireResult validates the response contract. Missing top-level
// fields are a schema mismatch and surface as errors.
func parseWireResult(txt string) (reading.AnalysisResult, error) {
	var w wireResult
	if err := json.Unmarshal([]byte(txt), &w); err != nil {
		return reading.AnalysisResult{}, fmt.Errorf("gemini: bad JSON: %w", err)
	}
	if w.Reading == nil || w.Confidence == nil {
		return reading.AnalysisResult{}, fmt.Errorf("gemini: response missing required fields")
	}
	out := reading.AnalysisResult{
		Value:      *w.Reading,
		Confidence: *w.Confidence,
	}
	if b := w.Box; b != nil {
		if b.YMin == nil || b.XMin == nil || b.YMax == nil || b.XMax == nil {
			return reading.AnalysisResult{}, fmt.Errorf("gemini: response box missing coordinates")
		}
		out.BoundingBox = &reading.BoundingBox{
			YMin: *b.YMin,
			XMin: *b.XMin,
			YMax: *b.YMax,
			XMax: *b.XMax,
		}
	}
	return out, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
