// Package chat drives one user-submitted turn from composition to settled
// state: topic creation or continuation, stream decoding into the session
// store, and classification of terminal conditions (quota exhaustion, auth
// failure, network failure) into user-facing outcomes.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"egpt/internal/api"
	"egpt/internal/logging"
	"egpt/internal/session"
	"egpt/internal/stream"
	"egpt/internal/types"
)

const (
	genericErrText = "Ошибка обработки запроса, повторите попытку позже."
	historyErrText = "Ошибка загрузки сообщения, повторите попытку позже."
)

// ErrQuotaExhausted is the terminal state for a user with no remaining
// requests, whether detected pre-stream (402/403) or in the stream payload.
var ErrQuotaExhausted = errors.New("request quota exhausted")

// ErrNoActiveTopic means Send was called with no topic in context.
var ErrNoActiveTopic = errors.New("no active topic")

// API is the slice of the REST client the orchestrator drives.
type API interface {
	NewTopic(ctx context.Context, assistant types.AssistantType) (int64, error)
	StartTopicStream(ctx context.Context, topicID int64, req api.StartConversationRequest) (io.ReadCloser, error)
	SendMessageStream(ctx context.Context, topicID int64, req api.MessageRequest) (io.ReadCloser, error)
	TopicHistory(ctx context.Context, topicID int64) ([]types.Message, error)
	Limits(ctx context.Context) (*types.Limit, error)
}

// TopicRefresher is the topic list cache surface triggered after a stream
// settles.
type TopicRefresher interface {
	Refresh(ctx context.Context, assistant types.AssistantType)
}

// AttachmentRef is a successfully uploaded attachment as the composer hands
// it over: server id plus display metadata.
type AttachmentRef struct {
	ID   string
	Name string
	Kind types.ContentType
}

// SendParams is one composed user turn.
type SendParams struct {
	Text             string
	Attachments      []AttachmentRef
	Assistant        types.AssistantType
	WebSearch        bool
	JudicialPractice bool
}

type Orchestrator struct {
	api     API
	session *session.Store
	topics  TopicRefresher
	decoder *stream.Decoder
	log     logging.Logger

	mu       sync.Mutex
	inflight map[int64]bool
	resuming bool
}

func NewOrchestrator(apiClient API, store *session.Store, refresher TopicRefresher, log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		api:      apiClient,
		session:  store,
		topics:   refresher,
		decoder:  stream.NewDecoder(log),
		log:      log,
		inflight: map[int64]bool{},
	}
}

// StartTopic is the composer half of new-topic mode: it creates the topic,
// registers the user's turn and the pending handoff record, and makes the
// new topic active. The stream itself is opened by ResumePending, which the
// view owning the topic route calls. No stream call is attempted when topic
// creation is rejected.
func (o *Orchestrator) StartTopic(ctx context.Context, params SendParams) (int64, error) {
	topicID, err := o.api.NewTopic(ctx, params.Assistant)
	if err != nil {
		if api.IsQuotaExhausted(err) {
			return 0, ErrQuotaExhausted
		}
		return 0, err
	}

	o.session.AppendUserMessage(params.Text, displayAttachments(params.Attachments))
	o.session.SetAssistant(params.Assistant)
	o.session.SetActiveTopic(topicID)
	o.session.SetPending(&types.PendingRequest{
		TopicID:          topicID,
		Text:             params.Text,
		AttachmentIDs:    attachmentIDs(params.Attachments),
		AssistantType:    params.Assistant,
		WebSearch:        params.WebSearch,
		JudicialPractice: params.JudicialPractice,
	})
	return topicID, nil
}

// ResumePending consumes the pending handoff for topicID and runs the
// initial stream to completion. It returns false without side effects when
// no matching handoff exists (stale navigation discards the record) or when
// another resume is already processing.
func (o *Orchestrator) ResumePending(ctx context.Context, topicID int64) bool {
	o.mu.Lock()
	if o.resuming {
		o.mu.Unlock()
		return false
	}
	o.resuming = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.resuming = false
		o.mu.Unlock()
	}()

	pending := o.session.TakePending(topicID)
	if pending == nil {
		return false
	}

	if o.session.Assistant() != pending.AssistantType {
		o.session.SetAssistant(pending.AssistantType)
	}
	o.session.SetLoading(true)
	placeholder := o.session.AppendPlaceholder()

	req := api.StartConversationRequest{
		Message: api.MessageRequest{
			Text:        pending.Text,
			Attachments: pending.AttachmentIDs,
			Properties:  properties(pending.WebSearch, pending.JudicialPractice),
		},
		AssistantType: pending.AssistantType,
	}
	body, err := o.api.StartTopicStream(ctx, topicID, req)
	if err != nil {
		o.settleFailure(placeholder.Seq, err)
		return true
	}
	o.runStream(ctx, topicID, placeholder.Seq, body, pending.AssistantType)
	return true
}

// Send is continuation mode: one message into the already-active topic. A
// second invocation while a stream for the same topic is processing is a
// no-op.
func (o *Orchestrator) Send(ctx context.Context, params SendParams) error {
	topicID := o.session.ActiveTopicID()
	if topicID == 0 {
		return ErrNoActiveTopic
	}
	assistant := params.Assistant
	if assistant == "" {
		assistant = o.session.Assistant()
	}

	o.mu.Lock()
	if o.inflight[topicID] {
		o.mu.Unlock()
		return nil
	}
	o.inflight[topicID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, topicID)
		o.mu.Unlock()
	}()

	o.session.AppendUserMessage(params.Text, displayAttachments(params.Attachments))
	o.session.SetLoading(true)
	placeholder := o.session.AppendPlaceholder()

	req := api.MessageRequest{
		Text:        params.Text,
		Attachments: attachmentIDs(params.Attachments),
		Properties:  properties(params.WebSearch, params.JudicialPractice),
	}
	body, err := o.api.SendMessageStream(ctx, topicID, req)
	if err != nil {
		o.settleFailure(placeholder.Seq, err)
		if api.IsQuotaExhausted(err) {
			return ErrQuotaExhausted
		}
		return err
	}
	o.runStream(ctx, topicID, placeholder.Seq, body, assistant)
	o.refreshLimits(ctx)
	return nil
}

// LoadHistory replaces the message list with the topic's persisted history.
func (o *Orchestrator) LoadHistory(ctx context.Context, topicID int64) error {
	o.session.SetLoading(true)
	defer o.session.SetLoading(false)

	messages, err := o.api.TopicHistory(ctx, topicID)
	if err != nil {
		o.log.Warn("history load failed", logging.F("topic_id", topicID), logging.F("err", err))
		return errors.New(historyErrText)
	}
	o.session.SetActiveTopic(topicID)
	o.session.ReplaceMessages(messages)
	return nil
}

// runStream feeds the response body through the transport decoder and
// reconciles the outcome with the session store. Chunk and completion
// application is gated on the topic still being active, so a stale stream
// left draining after navigation cannot mutate the new topic's state.
func (o *Orchestrator) runStream(ctx context.Context, topicID int64, placeholderSeq uint64, body io.ReadCloser, assistant types.AssistantType) {
	o.decoder.Process(body, stream.Handlers{
		OnTopicID: func(detected string) {
			// The identifier is already known from topic creation; the
			// embedded marker is a vestige for contexts without one.
			o.log.Debug("stream named topic", logging.F("topic_id", detected))
		},
		OnChunk: func(text, _ string) {
			if o.session.ActiveTopicID() != topicID {
				return
			}
			o.session.AppendChunk(placeholderSeq, text)
		},
		OnComplete: func() {
			if o.session.ActiveTopicID() != topicID {
				return
			}
			text, _ := o.session.MessageText(placeholderSeq)
			if isQuotaFrame(text) {
				o.session.ReplaceWithLimitExceeded(placeholderSeq)
			} else {
				o.session.FinalizeMessage(placeholderSeq)
			}
			o.session.SetLoading(false)
			o.topics.Refresh(ctx, assistant)
		},
	})
}

// settleFailure resolves a rejected network call: an untouched placeholder
// is removed (no empty bubble), partial text is kept non-streaming, and the
// error is classified into the limit-exceeded state or the generic failure
// text.
func (o *Orchestrator) settleFailure(placeholderSeq uint64, err error) {
	o.log.Warn("stream open failed", logging.F("err", err))
	text, ok := o.session.MessageText(placeholderSeq)
	empty := ok && text == ""
	if empty {
		o.session.RemoveMessage(placeholderSeq)
	} else if ok {
		o.session.FinalizeMessage(placeholderSeq)
	}
	if api.IsQuotaExhausted(err) {
		o.session.AppendLimitExceeded()
	} else if empty {
		o.session.AppendAssistantText(genericErrText)
	}
	o.session.SetLoading(false)
}

func (o *Orchestrator) refreshLimits(ctx context.Context) {
	limits, err := o.api.Limits(ctx)
	if err != nil {
		o.log.Warn("limits refresh failed", logging.F("err", err))
		return
	}
	o.session.SetLimits(limits)
}

// isQuotaFrame strictly parses the fully accumulated stream text as an error
// frame. Quota exhaustion is recognized only when the whole payload is that
// frame; ordinary assistant text that merely mentions it stays text.
func isQuotaFrame(text string) bool {
	var frame struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &frame); err != nil {
		return false
	}
	return frame.Detail == api.QuotaExhaustedDetail
}

func properties(webSearch, judicialPractice bool) []string {
	props := []string{}
	if judicialPractice {
		props = append(props, types.PropertyJudicialPractice)
	}
	if webSearch {
		props = append(props, types.PropertyWebSearch)
	}
	return props
}

func displayAttachments(refs []AttachmentRef) []types.Attachment {
	if len(refs) == 0 {
		return nil
	}
	out := make([]types.Attachment, 0, len(refs))
	for _, ref := range refs {
		out = append(out, types.Attachment{Filename: ref.Name, ContentType: ref.Kind})
	}
	return out
}

func attachmentIDs(refs []AttachmentRef) []string {
	if len(refs) == 0 {
		return []string{}
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	return ids
}
