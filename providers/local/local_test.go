package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigrun/rigrun/types"
)

type fakeDriver struct {
	upErr      error
	chatResp   types.Response
	chatErr    error
	streamErr  error
	streamOut  []types.StreamChunk
	ensureErr  error
	ensureCall bool
}

func (f *fakeDriver) IsUp(ctx context.Context) error { return f.upErr }

func (f *fakeDriver) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: "llama3"}}, nil
}

func (f *fakeDriver) EnsureModel(ctx context.Context, name string, sink func(PullProgress)) error {
	f.ensureCall = true
	return f.ensureErr
}

func (f *fakeDriver) Chat(ctx context.Context, model string, messages []types.Message) (types.Response, error) {
	return f.chatResp, f.chatErr
}

func (f *fakeDriver) ChatStream(ctx context.Context, model string, messages []types.Message, sink func(types.StreamChunk)) error {
	for _, c := range f.streamOut {
		sink(c)
	}
	return f.streamErr
}

func TestAdapterIsUpWrapsDriverFailureAsDown(t *testing.T) {
	fd := &fakeDriver{upErr: assertErr("connection refused")}
	a := New(fd, DefaultTimeouts())

	err := a.IsUp(context.Background())
	require.Error(t, err)
	var downErr *types.ErrDown
	require.ErrorAs(t, err, &downErr)
}

func TestAdapterChatReturnsDriverResponse(t *testing.T) {
	fd := &fakeDriver{chatResp: types.Response{Text: "hi", PromptTokens: 3, CompletionTokens: 1}}
	a := New(fd, DefaultTimeouts())

	resp, err := a.Chat(context.Background(), "llama3", []types.Message{{Role: types.RoleUser, Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
}

func TestAdapterChatModelMissingIsRecoverable(t *testing.T) {
	fd := &fakeDriver{chatErr: NewModelMissingError("llama3")}
	a := New(fd, DefaultTimeouts())

	_, err := a.Chat(context.Background(), "llama3", nil)
	require.Error(t, err)
	var missing *types.ErrModelMissing
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "llama3", missing.Model)
}

func TestAdapterEnsureModelDelegatesToDriver(t *testing.T) {
	fd := &fakeDriver{}
	a := New(fd, DefaultTimeouts())

	require.NoError(t, a.EnsureModel(context.Background(), "llama3", nil))
	assert.True(t, fd.ensureCall)
}

func TestAdapterChatStreamDeliversChunksInOrder(t *testing.T) {
	fd := &fakeDriver{streamOut: []types.StreamChunk{
		{Text: "hel"}, {Text: "lo"}, {Done: true},
	}}
	a := New(fd, DefaultTimeouts())

	var got []string
	err := a.ChatStream(context.Background(), "llama3", nil, func(c types.StreamChunk) {
		got = append(got, c.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo", ""}, got)
}

func TestAdapterChatTimeoutMapsToErrTimeout(t *testing.T) {
	fd := &fakeDriver{chatErr: assertErr("boom")}
	a := New(fd, Timeouts{Probe: time.Millisecond, Generation: time.Nanosecond, Pull: time.Second})

	_, err := a.Chat(context.Background(), "llama3", nil)
	require.Error(t, err)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
