package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

// OllamaVerifier confirms low-confidence matches against a local Ollama
// model, the same backend the teacher's anonymizer used for this purpose.
// Generalized here to the Verifier interface so the scanner is not coupled
// to any one confirmation backend.
type OllamaVerifier struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaVerifier creates a verifier against the given Ollama endpoint
// (e.g. "http://localhost:11434") and model name.
func NewOllamaVerifier(endpoint, model string) *OllamaVerifier {
	return &OllamaVerifier{
		endpoint: strings.TrimSuffix(endpoint, "/") + "/api/generate",
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

type ollamaDetection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Verify asks the model whether value is PII and, if so, of which type. It
// returns ok=false on any transport, parse, or empty-result failure so the
// scanner simply leaves the cache unwarmed rather than trusting a guess.
func (v *OllamaVerifier) Verify(ctx context.Context, value string) (domain.PIIType, float64, bool) {
	prompt := fmt.Sprintf(`Is the following text a piece of personally identifiable information?
Respond with ONLY a JSON object: {"type": one of email|phone|ssn|credit-card|ip-address|passport|iban|name|address, "confidence": float 0.0-1.0}.
If it is not PII, respond {"type": "", "confidence": 0.0}.

Text: %s`, value)

	body, err := json.Marshal(ollamaRequest{Model: v.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", 0, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", 0, false
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, false
	}

	var envelope ollamaResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", 0, false
	}

	var detection ollamaDetection
	if err := json.Unmarshal([]byte(extractJSONObject(envelope.Response)), &detection); err != nil {
		return "", 0, false
	}
	if detection.Type == "" || detection.Confidence <= 0 {
		return "", 0, false
	}
	return domain.PIIType(detection.Type), detection.Confidence, true
}

// extractJSONObject pulls the span from the first '{' to the last '}' out
// of a model's free-form text response.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "{}"
	}
	return s[start : end+1]
}
