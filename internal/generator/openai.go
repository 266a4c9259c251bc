package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const defaultInstructions = `You write "Many Futures", a weekly strategic-intelligence briefing.
Write one episode in markdown. Start with a single "# " heading that is the episode title,
then 3-5 sections exploring plausible futures relevant to the reader's context.`

// OpenAIClient calls the Responses API.
type OpenAIClient struct {
	URL          string
	APIKey       string
	Model        string
	Instructions string
	Pricing      Pricing
	HTTPClient   *http.Client
	Log          *zap.Logger
}

type responsesRequest struct {
	Model        string            `json:"model"`
	Instructions string            `json:"instructions,omitempty"`
	Input        string            `json:"input"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type responsesResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Model  string `json:"model"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Result, error) {
	instructions := c.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	body, err := json.Marshal(responsesRequest{
		Model:        c.Model,
		Instructions: instructions,
		Input:        buildInput(req),
		Metadata: map[string]string{
			"job_id":          req.JobID,
			"subscription_id": req.SubscriptionID,
		},
	})
	if err != nil {
		return nil, Terminal("bad_request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Terminal("bad_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		// context and net errors are classified by the caller
		return nil, fmt.Errorf("call generator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read generator response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, raw)
	}

	var out responsesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, Retryable("bad_response", fmt.Errorf("decode: %w", err))
	}

	cost := c.Pricing.Cost(out.Usage.InputTokens, out.Usage.OutputTokens)
	if out.Error != nil {
		e := Terminal("response_error", fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message))
		e.Cost = cost
		return nil, e
	}
	if out.Status != "" && out.Status != "completed" {
		e := Terminal("incomplete", fmt.Errorf("%w: response status %s", ErrInvalidContent, out.Status))
		e.Cost = cost
		return nil, e
	}

	var text strings.Builder
	for _, item := range out.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				text.WriteString(part.Text)
			}
		}
	}

	model := out.Model
	if model == "" {
		model = c.Model
	}
	title, markdown := splitTitle(text.String())
	if title == "" && markdown != "" {
		title = "Many Futures: " + req.TargetDeliveryTime.UTC().Format(time.DateOnly)
	}
	res := &Result{
		Title:        title,
		Body:         markdown,
		Model:        model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Cost:         cost,
	}
	if err := validate(res); err != nil {
		e := Terminal("validation", err)
		e.Cost = cost
		return nil, e
	}

	if c.Log != nil {
		c.Log.Debug("episode generated",
			zap.String("response_id", out.ID),
			zap.String("job_id", req.JobID),
			zap.Int("input_tokens", res.InputTokens),
			zap.Int("output_tokens", res.OutputTokens),
		)
	}
	return res, nil
}

const maxErrorBody = 512

// clip returns valid UTF-8 of at most n bytes, cutting on a rune boundary.
func clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func statusError(code int, body []byte) error {
	msg := clip(strings.TrimSpace(string(body)), maxErrorBody)
	err := fmt.Errorf("status %d: %s", code, msg)
	switch {
	case code == http.StatusTooManyRequests:
		return Retryable("rate_limited", errors.Join(ErrRateLimited, err))
	case code == http.StatusRequestTimeout || code >= 500:
		return Retryable("upstream_unavailable", err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Terminal("unauthorized", err)
	default:
		return Terminal("rejected", err)
	}
}

func buildInput(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subscription: %s\n", req.SubscriptionID)
	if req.Plan != "" {
		fmt.Fprintf(&b, "Plan: %s\n", req.Plan)
	}
	fmt.Fprintf(&b, "Delivery date: %s\n", req.TargetDeliveryTime.UTC().Format(time.DateOnly))

	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		if k == "recipient_email" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\nReader context:\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, req.Context[k])
	}
	return b.String()
}

// splitTitle takes the first markdown heading as the title.
func splitTitle(text string) (string, string) {
	text = strings.TrimSpace(text)
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if strings.HasPrefix(first, "#") {
		return strings.TrimSpace(strings.TrimLeft(first, "#")), text
	}
	return "", text
}
