package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"egpt/internal/api"
	"egpt/internal/session"
	"egpt/internal/types"
)

type fakeAPI struct {
	newTopicID  int64
	newTopicErr error

	startBody io.ReadCloser
	startErr  error
	sendBody  io.ReadCloser
	sendErr   error

	history    []types.Message
	historyErr error

	limits *types.Limit

	startCalls int
	sendCalls  int
}

func (f *fakeAPI) NewTopic(ctx context.Context, assistant types.AssistantType) (int64, error) {
	return f.newTopicID, f.newTopicErr
}

func (f *fakeAPI) StartTopicStream(ctx context.Context, topicID int64, req api.StartConversationRequest) (io.ReadCloser, error) {
	f.startCalls++
	return f.startBody, f.startErr
}

func (f *fakeAPI) SendMessageStream(ctx context.Context, topicID int64, req api.MessageRequest) (io.ReadCloser, error) {
	f.sendCalls++
	return f.sendBody, f.sendErr
}

func (f *fakeAPI) TopicHistory(ctx context.Context, topicID int64) ([]types.Message, error) {
	return f.history, f.historyErr
}

func (f *fakeAPI) Limits(ctx context.Context) (*types.Limit, error) {
	if f.limits == nil {
		return &types.Limit{IsUnlimited: true}, nil
	}
	return f.limits, nil
}

type fakeRefresher struct {
	mu         sync.Mutex
	calls      int
	assistants []types.AssistantType
}

func (f *fakeRefresher) Refresh(ctx context.Context, assistant types.AssistantType) {
	f.mu.Lock()
	f.calls++
	f.assistants = append(f.assistants, assistant)
	f.mu.Unlock()
}

func body(text string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(text))
}

// sideEffectBody runs fn before its first read; used to flip session state
// mid-stream.
type sideEffectBody struct {
	io.ReadCloser
	once sync.Once
	fn   func()
}

func (b *sideEffectBody) Read(p []byte) (int, error) {
	b.once.Do(b.fn)
	return b.ReadCloser.Read(p)
}

func newOrchestrator(fake *fakeAPI) (*Orchestrator, *session.Store, *fakeRefresher) {
	store := session.NewStore()
	refresher := &fakeRefresher{}
	return NewOrchestrator(fake, store, refresher, nil), store, refresher
}

func TestStartTopicRegistersHandoff(t *testing.T) {
	fake := &fakeAPI{newTopicID: 7}
	orch, store, _ := newOrchestrator(fake)

	topicID, err := orch.StartTopic(context.Background(), SendParams{
		Text:      "вопрос",
		Assistant: types.AssistantLaw,
	})
	if err != nil {
		t.Fatalf("StartTopic: %v", err)
	}
	if topicID != 7 {
		t.Fatalf("topicID = %d", topicID)
	}
	if store.ActiveTopicID() != 7 {
		t.Fatalf("active topic = %d", store.ActiveTopicID())
	}
	if got, ok := store.PendingTopicID(); !ok || got != 7 {
		t.Fatalf("pending topic = %d, %v", got, ok)
	}
	messages := store.Messages()
	if len(messages) != 1 || messages[0].Role != types.RoleUser || messages[0].Text != "вопрос" {
		t.Fatalf("messages = %+v", messages)
	}
	if fake.startCalls != 0 {
		t.Fatalf("stream opened before resume")
	}
}

func TestStartTopicQuotaRejected(t *testing.T) {
	fake := &fakeAPI{newTopicErr: &api.APIError{StatusCode: http.StatusPaymentRequired, Detail: api.QuotaExhaustedDetail}}
	orch, store, _ := newOrchestrator(fake)

	_, err := orch.StartTopic(context.Background(), SendParams{Text: "x", Assistant: types.AssistantGpt})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("err = %v", err)
	}
	if len(store.Messages()) != 0 {
		t.Fatalf("messages appended on rejected topic")
	}
	if fake.startCalls != 0 {
		t.Fatalf("stream opened after rejected topic creation")
	}
}

func TestResumePendingStreamsReply(t *testing.T) {
	fake := &fakeAPI{
		newTopicID: 7,
		startBody:  body("topic_id: aa11\nДобрый день!"),
	}
	orch, store, refresher := newOrchestrator(fake)

	if _, err := orch.StartTopic(context.Background(), SendParams{Text: "привет", Assistant: types.AssistantGpt}); err != nil {
		t.Fatalf("StartTopic: %v", err)
	}
	if !orch.ResumePending(context.Background(), 7) {
		t.Fatal("ResumePending returned false")
	}

	messages := store.Messages()
	if len(messages) != 2 {
		t.Fatalf("messages = %+v", messages)
	}
	reply := messages[1]
	if reply.Role != types.RoleAssistant || reply.Streaming {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Text != "\nДобрый день!" {
		t.Fatalf("reply text = %q", reply.Text)
	}
	if store.Loading() {
		t.Fatal("still loading after stream settled")
	}
	if refresher.calls != 1 || refresher.assistants[0] != types.AssistantGpt {
		t.Fatalf("refresher calls = %d %v", refresher.calls, refresher.assistants)
	}
}

func TestResumePendingDiscardsStaleHandoff(t *testing.T) {
	fake := &fakeAPI{newTopicID: 7, startBody: body("ответ")}
	orch, store, _ := newOrchestrator(fake)

	if _, err := orch.StartTopic(context.Background(), SendParams{Text: "привет", Assistant: types.AssistantGpt}); err != nil {
		t.Fatalf("StartTopic: %v", err)
	}
	if orch.ResumePending(context.Background(), 9) {
		t.Fatal("resume for the wrong topic succeeded")
	}
	if _, ok := store.PendingTopicID(); ok {
		t.Fatal("stale handoff not discarded")
	}
	if fake.startCalls != 0 {
		t.Fatal("stream opened for discarded handoff")
	}
	// The record is consumed; a later resume for the right topic finds nothing.
	if orch.ResumePending(context.Background(), 7) {
		t.Fatal("consumed handoff resumed twice")
	}
}

func TestSendQuotaFrameBecomesLimitMessage(t *testing.T) {
	fake := &fakeAPI{sendBody: body(`{"detail":"` + api.QuotaExhaustedDetail + `"}`)}
	orch, store, _ := newOrchestrator(fake)
	store.SetActiveTopic(3)
	store.SetAssistant(types.AssistantGpt)

	if err := orch.Send(context.Background(), SendParams{Text: "ещё вопрос"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	messages := store.Messages()
	last := messages[len(messages)-1]
	if last.Kind != types.MessageKindLimitExceeded {
		t.Fatalf("last message kind = %q", last.Kind)
	}
	if last.Text != "" {
		t.Fatalf("raw quota payload leaked: %q", last.Text)
	}
}

func TestSendQuotaMentionInProseStaysText(t *testing.T) {
	text := `Бэкенд вернул бы {"detail":"` + api.QuotaExhaustedDetail + `"} в этом случае.`
	fake := &fakeAPI{sendBody: body(text)}
	orch, store, _ := newOrchestrator(fake)
	store.SetActiveTopic(3)
	store.SetAssistant(types.AssistantGpt)

	if err := orch.Send(context.Background(), SendParams{Text: "вопрос"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	messages := store.Messages()
	last := messages[len(messages)-1]
	if last.Kind != types.MessageKindText || last.Text != text {
		t.Fatalf("last = %+v", last)
	}
}

func TestSendWithoutActiveTopic(t *testing.T) {
	orch, _, _ := newOrchestrator(&fakeAPI{})
	if err := orch.Send(context.Background(), SendParams{Text: "x"}); !errors.Is(err, ErrNoActiveTopic) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendFailureAppendsGenericText(t *testing.T) {
	fake := &fakeAPI{sendErr: errors.New("dial tcp: connection refused")}
	orch, store, _ := newOrchestrator(fake)
	store.SetActiveTopic(3)
	store.SetAssistant(types.AssistantGpt)

	if err := orch.Send(context.Background(), SendParams{Text: "вопрос"}); err == nil {
		t.Fatal("expected error")
	}
	messages := store.Messages()
	if len(messages) != 2 {
		t.Fatalf("messages = %+v", messages)
	}
	last := messages[1]
	if last.Role != types.RoleAssistant || last.Text != genericErrText {
		t.Fatalf("last = %+v", last)
	}
	if store.Loading() {
		t.Fatal("still loading after failure")
	}
}

func TestStaleStreamCannotTouchNewTopic(t *testing.T) {
	store := session.NewStore()
	refresher := &fakeRefresher{}
	fake := &fakeAPI{}
	fake.sendBody = &sideEffectBody{
		ReadCloser: body("запоздавший ответ"),
		fn:         func() { store.SetActiveTopic(99) },
	}
	orch := NewOrchestrator(fake, store, refresher, nil)
	store.SetActiveTopic(3)
	store.SetAssistant(types.AssistantGpt)

	if err := orch.Send(context.Background(), SendParams{Text: "вопрос"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, msg := range store.Messages() {
		if strings.Contains(msg.Text, "запоздавший") {
			t.Fatalf("stale stream text applied: %+v", msg)
		}
	}
	if refresher.calls != 0 {
		t.Fatal("stale stream triggered a topic refresh")
	}
}

func TestLoadHistoryReplacesMessages(t *testing.T) {
	fake := &fakeAPI{history: []types.Message{
		{Text: "вопрос", Role: types.RoleUser},
		{Text: "ответ", Role: types.RoleAssistant},
	}}
	orch, store, _ := newOrchestrator(fake)
	store.AppendUserMessage("старое", nil)

	if err := orch.LoadHistory(context.Background(), 12); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	messages := store.Messages()
	if len(messages) != 2 || messages[0].Text != "вопрос" {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Seq == 0 || messages[1].Seq == 0 {
		t.Fatal("history messages missing correlation ids")
	}
	if store.ActiveTopicID() != 12 {
		t.Fatalf("active topic = %d", store.ActiveTopicID())
	}
}

func TestLoadHistoryErrorIsLocalized(t *testing.T) {
	fake := &fakeAPI{historyErr: errors.New("boom")}
	orch, _, _ := newOrchestrator(fake)
	err := orch.LoadHistory(context.Background(), 12)
	if err == nil || err.Error() != historyErrText {
		t.Fatalf("err = %v", err)
	}
}

func TestIsQuotaFrame(t *testing.T) {
	if !isQuotaFrame(` {"detail":"` + api.QuotaExhaustedDetail + `"} `) {
		t.Fatal("exact frame not recognized")
	}
	if isQuotaFrame("обычный текст") {
		t.Fatal("plain text recognized as quota frame")
	}
	if isQuotaFrame(`{"detail":"другая ошибка"}`) {
		t.Fatal("other detail recognized as quota frame")
	}
}
