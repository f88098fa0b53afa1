// -- pkg/oracle/oracle.go --

// Package oracle adapts the Gemini API to the agent.Oracle contract. The
// model is asked for a single JSON action; anything unparseable degrades to
// a no_op decision so a flaky model response never crashes an agent.
package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/websentry/internal/config"
	"github.com/xkilldash9x/websentry/pkg/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const systemPrompt = `You are an autonomous website auditor controlling a real browser.
You are given the current goal, the page URL, prior notes, and the actionable
elements on the page. Respond with a single JSON object and nothing else:
{
  "step": "click" | "type" | "navigate" | "scroll" | "done",
  "selector": "<candidate selector, for click/type>",
  "value": "<text to type or URL to navigate to>",
  "reason": "<one sentence>",
  "new_goal": "<only when you discover a more specific goal worth pursuing>",
  "analysis": "<security-relevant observations about this page, if any>"
}
Only use selectors from the candidate list. Use "done" when the goal is
complete or nothing useful remains.`

// Models may wrap the JSON in a fenced block despite instructions.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Gemini implements agent.Oracle on top of google.golang.org/genai.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	cfg         config.OracleConfig
	logger      *zap.Logger
}

// New builds the oracle client. The API key comes from config or the
// GEMINI_API_KEY environment the genai SDK reads on its own.
func New(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Gemini{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		cfg:         cfg,
		logger:      logger.Named("oracle"),
	}, nil
}

// Think asks the model for the next action.
func (g *Gemini) Think(ctx context.Context, in agent.ThinkInput) (agent.Decision, error) {
	prompt := buildPrompt(in)

	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	resp, err := g.client.Models.GenerateContent(callCtx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(g.temperature),
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	})
	if err != nil {
		return agent.Decision{}, fmt.Errorf("gemini generate: %w", err)
	}

	dec := parseDecision(resp.Text(), g.logger)
	if resp.UsageMetadata != nil {
		dec.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return dec, nil
}

// buildPrompt flattens the think input into the user turn.
func buildPrompt(in agent.ThinkInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", in.Goal)
	fmt.Fprintf(&b, "Current page: %s\n", in.PageURL)
	if in.LastAction != "" {
		fmt.Fprintf(&b, "Last action: %s\n", in.LastAction)
	}
	if len(in.Notes) > 0 {
		b.WriteString("Notes so far:\n")
		for _, n := range in.Notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	b.WriteString("Actionable elements:\n")
	for _, c := range in.Candidates {
		fmt.Fprintf(&b, "- selector=%q label=%q", c.Selector, c.Label)
		if c.Href != "" {
			fmt.Fprintf(&b, " href=%q", c.Href)
		}
		b.WriteByte('\n')
	}
	if len(in.Candidates) == 0 {
		b.WriteString("- (none detected)\n")
	}
	return b.String()
}

// rawDecision mirrors the JSON shape requested from the model.
type rawDecision struct {
	Step     string `json:"step"`
	Selector string `json:"selector"`
	Value    string `json:"value"`
	Reason   string `json:"reason"`
	NewGoal  string `json:"new_goal"`
	Analysis string `json:"analysis"`
}

// parseDecision extracts the JSON object from the model response. Order of
// attempts: fenced block, outermost braces, whole response. A response that
// still fails to parse degrades to no_op instead of erroring; the agent
// decides what a no_op means for its state.
func parseDecision(response string, logger *zap.Logger) agent.Decision {
	var candidate string
	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		candidate = strings.TrimSpace(matches[1])
	} else {
		first := strings.Index(response, "{")
		last := strings.LastIndex(response, "}")
		if first != -1 && last > first {
			candidate = response[first : last+1]
		} else {
			candidate = response
		}
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil || raw.Step == "" {
		logger.Warn("Unparseable oracle response, degrading to no_op",
			zap.String("response", truncate(response, 300)))
		return agent.Decision{Action: agent.Action{Step: agent.StepNoOp}}
	}

	return agent.Decision{
		Action: agent.Action{
			Step:     raw.Step,
			Selector: raw.Selector,
			Value:    raw.Value,
			Reason:   raw.Reason,
			NewGoal:  raw.NewGoal,
		},
		Analysis: raw.Analysis,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
