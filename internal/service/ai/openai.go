package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

// ZhipuBaseURL is the OpenAI-compatible endpoint of Zhipu's open platform.
const ZhipuBaseURL = "https://open.bigmodel.cn/api/paas/v4"

const (
	contentFilterMarker = "[contentFilter"
	// moderationCode 是智谱内容审查错误码。
	moderationCode = "1301"
)

// OpenAICompleter talks to any OpenAI-compatible chat endpoint.
type OpenAICompleter struct {
	client *openai.Client
}

// NewOpenAIClient builds a go-openai client whose transport annotates
// content-filter rejections so that ZhipuClassifier can see the role.
func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration) (*openai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if baseURL == "" {
		baseURL = ZhipuBaseURL
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: &contentFilterTransport{base: http.DefaultTransport},
	}
	return openai.NewClientWithConfig(cfg), nil
}

// NewOpenAICompleter wraps client.
func NewOpenAICompleter(client *openai.Client) *OpenAICompleter {
	return &OpenAICompleter{client: client}
}

// Complete sends one chat completion and returns the first choice's content.
func (c *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		User:     req.User,
	})
	if err != nil {
		return "", errors.Wrap(err, "create chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Completer = (*OpenAICompleter)(nil)

// contentFilterTransport rewrites Zhipu error bodies. Zhipu reports which
// side tripped moderation in a top-level contentFilter array that the
// OpenAI error schema drops, so the roles are folded into error.message.
type contentFilterTransport struct {
	base http.RoundTripper
}

func (t *contentFilterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "read error body")
	}

	body = annotateContentFilter(body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp, nil
}

type zhipuContentFilter struct {
	Role  string `json:"role"`
	Level int    `json:"level"`
}

// annotateContentFilter appends "[contentFilter role=...]" to error.message.
// A 1301 error without a contentFilter array gets a bare marker. Bodies it
// does not understand are returned unchanged.
func annotateContentFilter(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}

	var filters []zhipuContentFilter
	rawFilters, hasFilters := envelope["contentFilter"]
	if hasFilters {
		if err := json.Unmarshal(rawFilters, &filters); err != nil {
			return body
		}
	}

	apiErr := map[string]any{}
	if rawErr, ok := envelope["error"]; ok {
		if err := json.Unmarshal(rawErr, &apiErr); err != nil {
			return body
		}
	}
	code, hasCode := apiErr["code"]
	if !hasFilters && (!hasCode || fmt.Sprint(code) != moderationCode) {
		return body
	}
	if !hasCode {
		apiErr["code"] = moderationCode
	}

	var marker strings.Builder
	for _, f := range filters {
		role := f.Role
		if role == "" {
			role = "history"
		}
		fmt.Fprintf(&marker, " %s role=%s level=%d]", contentFilterMarker, role, f.Level)
	}
	if len(filters) == 0 {
		marker.WriteString(" " + contentFilterMarker + "]")
	}

	message, _ := apiErr["message"].(string)
	apiErr["message"] = message + marker.String()

	rewritten, err := json.Marshal(map[string]any{"error": apiErr})
	if err != nil {
		return body
	}
	return rewritten
}

func toOpenAIMessages(messages []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}
