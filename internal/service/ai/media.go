package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// 图片生成尺寸。
const DefaultImageSize = "1440x720"

// DefaultPollInterval is how often a video task is polled.
const DefaultPollInterval = 2 * time.Second

// Video task states reported by upstream.
const (
	TaskProcessing = "PROCESSING"
	TaskSuccess    = "SUCCESS"
	TaskFail       = "FAIL"
)

var (
	ErrVideoTaskFailed = errors.New("video generation failed")
	ErrVideoNoResult   = errors.New("video task succeeded without a video url")
)

// MediaModels names the models used by Media.
type MediaModels struct {
	Image              string
	Video              string
	ImageUnderstanding string
}

// Media wraps the image, video and vision endpoints.
type Media struct {
	client     *openai.Client
	httpClient *http.Client
	apiKey     string
	baseURL    string
	models     MediaModels

	PollInterval time.Duration
}

// NewMedia builds a media client against baseURL (Zhipu when empty).
func NewMedia(apiKey, baseURL string, timeout time.Duration, models MediaModels) (*Media, error) {
	if baseURL == "" {
		baseURL = ZhipuBaseURL
	}
	client, err := NewOpenAIClient(apiKey, baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &Media{
		client:       client,
		httpClient:   &http.Client{Timeout: timeout},
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		models:       models,
		PollInterval: DefaultPollInterval,
	}, nil
}

// GenerateImage returns the URL of a generated image.
func (m *Media) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.CreateImage(ctx, openai.ImageRequest{
		Model:  m.models.Image,
		Prompt: prompt,
		Size:   DefaultImageSize,
	})
	if err != nil {
		return "", errors.Wrap(err, "create image")
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("image response carried no url")
	}
	return resp.Data[0].URL, nil
}

// DescribeImage asks the vision model for a caption. Failures yield "" so a
// broken image never blocks the surrounding conversation.
func (m *Media) DescribeImage(ctx context.Context, url string) string {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.models.ImageUnderstanding,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: "描述图片"},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url}},
			},
		}},
	})
	if err != nil {
		log.Error().Err(err).Str("component", "media").Str("url", url).Msg("image description failed")
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	return strings.ReplaceAll(resp.Choices[0].Message.Content, "\n", `\n`)
}

type videoSubmitRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	WithAudio bool   `json:"with_audio"`
}

type videoTask struct {
	ID          string `json:"id"`
	TaskStatus  string `json:"task_status"`
	VideoResult []struct {
		URL           string `json:"url"`
		CoverImageURL string `json:"cover_image_url"`
	} `json:"video_result"`
}

// SubmitVideo starts a video generation task and returns its id.
func (m *Media) SubmitVideo(ctx context.Context, prompt string) (string, error) {
	var task videoTask
	body := videoSubmitRequest{Model: m.models.Video, Prompt: prompt, WithAudio: true}
	if err := m.doJSON(ctx, http.MethodPost, "/videos/generations", body, &task); err != nil {
		return "", errors.Wrap(err, "submit video")
	}
	if task.ID == "" {
		return "", errors.New("video submit returned no task id")
	}
	return task.ID, nil
}

// VideoStatus fetches the task once. url is set when the status is SUCCESS.
func (m *Media) VideoStatus(ctx context.Context, taskID string) (status, url string, err error) {
	var task videoTask
	if err := m.doJSON(ctx, http.MethodGet, "/async-result/"+taskID, nil, &task); err != nil {
		return "", "", errors.Wrapf(err, "poll video %s", taskID)
	}
	if task.TaskStatus == TaskSuccess && len(task.VideoResult) > 0 {
		url = task.VideoResult[0].URL
	}
	return task.TaskStatus, url, nil
}

// WaitVideo polls until the task succeeds, fails or a poll errors. There is
// no attempt bound; cancel ctx to give up.
func (m *Media) WaitVideo(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		status, url, err := m.VideoStatus(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch status {
		case TaskSuccess:
			if url == "" {
				return "", ErrVideoNoResult
			}
			return url, nil
		case TaskFail:
			return "", ErrVideoTaskFailed
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Media) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, payload)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}
