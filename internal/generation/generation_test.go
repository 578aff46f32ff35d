package generation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/config"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var docs = []ContextDocument{
	{ID: "doc-a", VersionHash: "v1", Text: "Metformin is first-line therapy for type 2 diabetes. It lowers hepatic glucose output."},
	{ID: "doc-b", VersionHash: "v1", Text: "Inhaled corticosteroids control persistent asthma."},
}

func TestRenderNumbersSources(t *testing.T) {
	p := GroundedAnswer.Render("What is first-line therapy for type 2 diabetes?", docs)
	assert.Equal(t, "grounded-answer", p.TemplateID)
	assert.NotEmpty(t, p.TemplateVersion)
	assert.Contains(t, p.User, "[1] (doc-a) Metformin")
	assert.Contains(t, p.User, "[2] (doc-b) Inhaled")
	assert.Contains(t, p.User, "Question: What is first-line")
}

func TestExtractiveQuotesRelevantSentences(t *testing.T) {
	p := GroundedAnswer.Render("first-line therapy for diabetes", docs)
	c, err := NewExtractive().Complete(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, c.Text, "Metformin is first-line therapy for type 2 diabetes. [1]")
	assert.NotContains(t, c.Text, "asthma")
	assert.Positive(t, c.InputTokens)
	assert.Positive(t, c.OutputTokens)
}

func TestExtractiveNoOverlap(t *testing.T) {
	p := GroundedAnswer.Render("zebra migration", docs)
	c, err := NewExtractive().Complete(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "The provided sources do not answer this question.", c.Text)
}

func TestGroundingRatio(t *testing.T) {
	ctx := []string{docs[0].Text}
	assert.Equal(t, 1.0, GroundingRatio("Metformin lowers hepatic glucose output.", ctx))
	assert.Equal(t, 0.5, GroundingRatio("Metformin lowers hepatic glucose. Quantum chromodynamics explains gluons.", ctx))
	assert.Equal(t, 1.0, GroundingRatio("Yes.", ctx))
	assert.Equal(t, 0.0, GroundingRatio("Metformin works.", nil))
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.5*1+0.5*0.8, Confidence(1, []float64{0.9, 0.8, 0.7, 0.1}), 1e-9)
	assert.InDelta(t, 0.25, Confidence(0.5, nil), 1e-9)
	assert.InDelta(t, 0.8, RetrievalConfidence([]float64{0.9, 0.8, 0.7}), 1e-9)
}

func TestInspectAddsDisclaimer(t *testing.T) {
	out, r := Inspect("The usual dosage is titrated weekly.", []string{"dosage titrated weekly"})
	assert.True(t, r.DisclaimerAdded)
	assert.True(t, strings.HasSuffix(out, Disclaimer))

	out, r = Inspect("The dosage is set by your team; please consult your doctor.", nil)
	assert.False(t, r.DisclaimerAdded)
	assert.NotContains(t, out, "Disclaimer")

	_, r = Inspect("You should stop metformin before surgery.", nil)
	assert.True(t, r.DirectAdvice)
}

func TestAnthropicComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-haiku-4-5-20251001",
			"content": [{"type": "text", "text": "Metformin [1]."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 8}
		}`))
	}))
	defer srv.Close()

	gen, err := NewAnthropic(AnthropicConfig{APIKey: "test", Model: "claude-haiku-4-5-20251001", MaxTokens: 256},
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	c, err := gen.Complete(context.Background(), GroundedAnswer.Render("diabetes therapy?", docs))
	require.NoError(t, err)
	assert.Equal(t, "Metformin [1].", c.Text)
	assert.Equal(t, int64(128), c.TotalTokens())
	assert.Equal(t, "claude-haiku-4-5-20251001", gotBody["model"])
	assert.EqualValues(t, 256, gotBody["max_tokens"])
	assert.Equal(t, "anthropic", gen.Describe()["provider"])
}

func TestAnthropicError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	}))
	defer srv.Close()

	gen, _ := NewAnthropic(AnthropicConfig{APIKey: "test", Model: "m"}, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := gen.Complete(context.Background(), Prompt{User: "q"})
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	g, err := New(config.GenerationConfig{Provider: "anthropic"})
	require.NoError(t, err)
	assert.IsType(t, &Extractive{}, g)

	g, err = New(config.GenerationConfig{Provider: "anthropic", APIKey: "k", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, g)

	_, err = New(config.GenerationConfig{Provider: "gpt"})
	assert.Error(t, err)
}
