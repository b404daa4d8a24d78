package ai_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/moderation"
)

type scriptedCompleter struct {
	mu       sync.Mutex
	errs     []error
	reply    string
	requests []ai.CompletionRequest
}

func (s *scriptedCompleter) Complete(_ context.Context, req ai.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	return s.reply, nil
}

type banCall struct {
	userID   string
	scope    string
	level    int
	duration time.Duration
}

type recordingBanner struct {
	calls []banCall
}

func (r *recordingBanner) Ban(_ context.Context, userID, scope string, level int, duration time.Duration) error {
	r.calls = append(r.calls, banCall{userID, scope, level, duration})
	return nil
}

type recordingClearer struct {
	keys []string
}

func (r *recordingClearer) Clear(key string) int {
	r.keys = append(r.keys, key)
	return 3
}

var (
	errOutput  = errors.New("error, status code: 400, message: 风险 [contentFilter role=assistant level=1]")
	errInput   = errors.New("error, status code: 400, message: 风险 [contentFilter role=user level=1]")
	errHistory = errors.New("error, status code: 400, message: 风险 [contentFilter role=history level=1]")
	errNetwork = errors.New("dial tcp: i/o timeout")
)

func newGateway(completer ai.Completer, banner moderation.Banner, clearer ai.HistoryClearer) *ai.Gateway {
	return ai.NewGateway(completer, ai.ZhipuClassifier(), banner, clearer, ai.WithRetryDelay(time.Millisecond))
}

func request(ambient bool) ai.Request {
	return ai.Request{
		AccountingKey: "g-100",
		UserID:        "10001",
		Model:         "glm-4-flash",
		Messages:      []chat.Message{chat.SystemMessage("P"), chat.UserMessage("hello")},
		Ambient:       ambient,
	}
}

func TestGatewayAccepted(t *testing.T) {
	completer := &scriptedCompleter{reply: "hi"}
	res := newGateway(completer, nil, nil).Complete(context.Background(), request(false))

	assert.True(t, res.Accepted)
	assert.Equal(t, "hi", res.Text)
	assert.Equal(t, ai.KindNone, res.Kind)
	require.Len(t, completer.requests, 1)
	assert.Equal(t, "g-100", completer.requests[0].User)
}

func TestGatewayRetriesOutputViolationWithSamePayload(t *testing.T) {
	completer := &scriptedCompleter{errs: []error{errOutput, errOutput}, reply: "clean"}
	res := newGateway(completer, nil, nil).Complete(context.Background(), request(false))

	assert.True(t, res.Accepted)
	assert.Equal(t, "clean", res.Text)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, completer.requests, 3)
	for _, req := range completer.requests[1:] {
		assert.Equal(t, completer.requests[0], req)
	}
}

func TestGatewayOutputViolationIsBounded(t *testing.T) {
	completer := &scriptedCompleter{errs: []error{errOutput, errOutput, errOutput, errOutput, errOutput}}
	res := newGateway(completer, nil, nil).Complete(context.Background(), request(false))

	assert.False(t, res.Accepted)
	assert.Equal(t, ai.KindOutput, res.Kind)
	assert.Equal(t, ai.MsgOutputExhausted, res.Text)
	assert.Len(t, completer.requests, ai.DefaultMaxAttempts)
}

func TestGatewayInputViolationBansOnce(t *testing.T) {
	banner := &recordingBanner{}
	clearer := &recordingClearer{}
	completer := &scriptedCompleter{errs: []error{errInput}}

	res := newGateway(completer, banner, clearer).Complete(context.Background(), request(false))

	assert.False(t, res.Accepted)
	assert.Equal(t, ai.MsgInputViolation, res.Text)
	require.Len(t, banner.calls, 1)
	assert.Equal(t, banCall{"10001", "", moderation.LevelContentViolation, 300 * time.Second}, banner.calls[0])
	assert.Empty(t, clearer.keys, "input violation keeps history")
}

func TestGatewayInputViolationInAmbientModeDoesNotBan(t *testing.T) {
	banner := &recordingBanner{}
	completer := &scriptedCompleter{errs: []error{errInput}}

	res := newGateway(completer, banner, &recordingClearer{}).Complete(context.Background(), request(true))

	assert.False(t, res.Accepted)
	assert.Equal(t, ai.KindInput, res.Kind)
	assert.Empty(t, banner.calls)
}

func TestGatewayHistoryViolationClearsKey(t *testing.T) {
	banner := &recordingBanner{}
	clearer := &recordingClearer{}
	completer := &scriptedCompleter{errs: []error{errHistory}}

	res := newGateway(completer, banner, clearer).Complete(context.Background(), request(false))

	assert.False(t, res.Accepted)
	assert.Equal(t, ai.MsgHistoryViolation, res.Text)
	assert.Equal(t, []string{"g-100"}, clearer.keys)
	assert.Empty(t, banner.calls)
}

func TestGatewayTransientErrorKeepsHistory(t *testing.T) {
	clearer := &recordingClearer{}
	completer := &scriptedCompleter{errs: []error{errNetwork}}

	res := newGateway(completer, &recordingBanner{}, clearer).Complete(context.Background(), request(false))

	assert.False(t, res.Accepted)
	assert.Equal(t, ai.KindTransient, res.Kind)
	assert.Equal(t, ai.MsgTransient, res.Text)
	assert.Empty(t, clearer.keys)
	assert.Len(t, completer.requests, 1)
}

func TestGatewayMissingAPIKey(t *testing.T) {
	completer := &scriptedCompleter{errs: []error{errors.Wrap(ai.ErrMissingAPIKey, "create chat model")}}
	res := newGateway(completer, nil, nil).Complete(context.Background(), request(false))

	assert.False(t, res.Accepted)
	assert.Equal(t, ai.MsgMissingAPIKey, res.Text)
}

func TestGatewayLegacyClassifierWipesOnUnknownErrors(t *testing.T) {
	clearer := &recordingClearer{}
	completer := &scriptedCompleter{errs: []error{errNetwork}}
	gateway := ai.NewGateway(completer, ai.LegacyClassifier(), nil, clearer)

	res := gateway.Complete(context.Background(), request(false))

	assert.Equal(t, ai.KindHistory, res.Kind)
	assert.Equal(t, []string{"g-100"}, clearer.keys)
}
