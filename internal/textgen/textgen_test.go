package textgen

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/genai"
)

func TestWithTimeoutReturnsWhenGeneratorIgnoresContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := Func(func(context.Context, string) (string, error) {
		<-block
		return "late", nil
	})

	_, err := WithTimeout(slow, 20*time.Millisecond).Generate(context.Background(), "prompt")
	var terr *TimeoutError
	if !errors.As(err, &terr) || terr.Timeout != 20*time.Millisecond {
		t.Fatalf("err=%v, want TimeoutError", err)
	}
}

func TestWithTimeoutPassesResultsThrough(t *testing.T) {
	echo := Func(func(_ context.Context, prompt string) (string, error) { return "re: " + prompt, nil })
	got, err := WithTimeout(echo, time.Second).Generate(context.Background(), "hi")
	if err != nil || got != "re: hi" {
		t.Fatalf("got (%q, %v)", got, err)
	}

	boom := errors.New("quota")
	failing := Func(func(context.Context, string) (string, error) { return "", boom })
	if _, err := WithTimeout(failing, time.Second).Generate(context.Background(), "hi"); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
}

func TestWithTimeoutZeroIsPassthrough(t *testing.T) {
	g := Func(func(context.Context, string) (string, error) { return "x", nil })
	if _, ok := WithTimeout(g, 0).(Func); !ok {
		t.Fatalf("expected the original generator back")
	}
}

type fakeModels struct {
	model  string
	prompt string
	temp   float32
	resp   *genai.GenerateContentResponse
	err    error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	if config != nil && config.Temperature != nil {
		f.temp = *config.Temperature
	}
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
	}}}
}

func TestGeminiGenerate(t *testing.T) {
	models := &fakeModels{resp: textResponse("  three acts  ")}
	g := &Gemini{models: models, model: DefaultModel, temperature: DefaultTemperature}

	got, err := g.Generate(context.Background(), "describe the structure")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "three acts" {
		t.Fatalf("got %q", got)
	}
	if models.model != DefaultModel || models.prompt != "describe the structure" || models.temp != DefaultTemperature {
		t.Fatalf("unexpected request: %+v", models)
	}
}

func TestGeminiEmptyResponse(t *testing.T) {
	g := &Gemini{models: &fakeModels{resp: textResponse("   ")}, model: DefaultModel}
	if _, err := g.Generate(context.Background(), "p"); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err=%v, want ErrEmptyResponse", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SCRIPTLENS_GEMINI_API_KEY", "k")
	t.Setenv("SCRIPTLENS_GENERATOR_TIMEOUT", "45")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.APIKey != "k" || cfg.Timeout != 45*time.Second || cfg.Model != DefaultModel {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), Config{Model: DefaultModel}); err == nil {
		t.Fatalf("expected error without API key")
	}
}
