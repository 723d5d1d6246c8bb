package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"corpora/internal/retrieval"
)

const judgeModel = "gemini-2.0-flash"

const judgePrompt = `You are validating whether retrieved knowledge base passages can answer a user question.

User question:
%s

Retrieved passages:
%s

Respond with a JSON object and nothing else:
{
  "is_suitable": <true if the passages are on-topic for the question>,
  "reason": "<one sentence explaining the decision>",
  "relevance_score": <float 0.0 to 1.0>,
  "has_sufficient_info": <true if the passages contain enough detail to answer>
}`

// Judge asks a generative model whether retrieved passages can answer
// the user's question.
type Judge struct {
	client *genai.Client
	model  string
}

func NewJudge(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Judge, error) {
	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Judge{client: client, model: judgeModel}, nil
}

func (j *Judge) Close() error {
	return j.client.Close()
}

func (j *Judge) Judge(ctx context.Context, query string, passages []string) (*retrieval.Verdict, error) {
	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, p)
	}

	model := j.client.GenerativeModel(j.model)
	model.ResponseMIMEType = "application/json"

	prompt := fmt.Sprintf(judgePrompt, query, sb.String())
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, err
	}

	raw, err := firstText(resp)
	if err != nil {
		return nil, err
	}

	var verdict retrieval.Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("judge returned malformed verdict: %w", err)
	}
	return &verdict, nil
}

func firstText(resp *genai.GenerateContentResponse) (string, error) {
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t), nil
			}
		}
	}
	return "", fmt.Errorf("empty response from judge model")
}
