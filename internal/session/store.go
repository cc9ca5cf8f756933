// Package session holds the client-side conversation state: the ordered
// message list, loading flags, the active topic, and the pending handoff
// record that carries a composed first message across the navigation boundary
// from the composer to the topic view. All mutation goes through setters;
// subscribers are notified after every change.
package session

import (
	"sync"
	"time"

	"egpt/internal/types"
)

type Store struct {
	mu        sync.Mutex
	nextSeq   uint64
	listeners map[int]func()
	nextSub   int

	messages      []types.Message
	loading       bool
	inputText     string
	activeTopicID int64
	assistant     types.AssistantType
	pending       *types.PendingRequest
	limits        *types.Limit
}

func NewStore() *Store {
	return &Store{listeners: map[int]func(){}}
}

// Subscribe registers a change listener and returns its cancel func.
// Listeners run after the mutation, outside the store lock.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notifyLocked() []func() {
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Messages returns a copy of the list in insertion order.
func (s *Store) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

func (s *Store) ReplaceMessages(messages []types.Message) {
	s.mu.Lock()
	s.messages = make([]types.Message, len(messages))
	copy(s.messages, messages)
	for i := range s.messages {
		if s.messages[i].Seq == 0 {
			s.messages[i].Seq = s.issueSeqLocked()
		}
		if s.messages[i].Kind == "" {
			s.messages[i].Kind = types.MessageKindText
		}
	}
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

// AppendUserMessage appends a finalized user turn and returns it with its
// store-issued correlation id.
func (s *Store) AppendUserMessage(text string, attachments []types.Attachment) types.Message {
	msg := types.Message{
		Text:        text,
		Role:        types.RoleUser,
		Kind:        types.MessageKindText,
		CreatedAt:   time.Now().UTC(),
		Attachments: append([]types.Attachment(nil), attachments...),
	}
	s.mu.Lock()
	msg.Seq = s.issueSeqLocked()
	s.messages = append(s.messages, msg)
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
	return msg
}

// AppendPlaceholder appends the empty assistant message a stream will grow
// into. Exactly one placeholder may be streaming at a time; the returned Seq
// is the correlation key for chunk application.
func (s *Store) AppendPlaceholder() types.Message {
	msg := types.Message{
		Role:      types.RoleAssistant,
		Kind:      types.MessageKindText,
		CreatedAt: time.Now().UTC(),
		Streaming: true,
	}
	s.mu.Lock()
	msg.Seq = s.issueSeqLocked()
	s.messages = append(s.messages, msg)
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
	return msg
}

// AppendChunk grows the in-flight assistant message identified by seq. The
// current list is re-read under the lock at write time, never from a closure
// copy, so interleaved async updates cannot be lost.
func (s *Store) AppendChunk(seq uint64, chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].Seq == seq && s.messages[i].Role == types.RoleAssistant {
			s.messages[i].Text += chunk
			break
		}
	}
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

// MessageText returns the accumulated text of the message with seq.
func (s *Store) MessageText(seq uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].Seq == seq {
			return s.messages[i].Text, true
		}
	}
	return "", false
}

// FinalizeMessage marks the message as no longer streaming.
func (s *Store) FinalizeMessage(seq uint64) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].Seq == seq {
			s.messages[i].Streaming = false
			break
		}
	}
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

// RemoveMessage drops the message with seq; used to avoid an empty assistant
// bubble when a stream fails before producing any text.
func (s *Store) RemoveMessage(seq uint64) {
	s.mu.Lock()
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.Seq != seq {
			kept = append(kept, msg)
		}
	}
	s.messages = kept
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

// ReplaceWithLimitExceeded swaps the placeholder for a typed limit_exceeded
// message. The raw quota error payload never reaches the user as text.
func (s *Store) ReplaceWithLimitExceeded(seq uint64) {
	s.mu.Lock()
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.Seq != seq {
			kept = append(kept, msg)
		}
	}
	s.messages = append(kept, types.Message{
		Seq:       s.issueSeqLocked(),
		Role:      types.RoleAssistant,
		Kind:      types.MessageKindLimitExceeded,
		CreatedAt: time.Now().UTC(),
	})
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

// AppendLimitExceeded appends a standalone typed limit_exceeded message,
// keeping whatever partial text the placeholder already accumulated.
func (s *Store) AppendLimitExceeded() {
	s.mu.Lock()
	s.messages = append(s.messages, types.Message{
		Seq:       s.issueSeqLocked(),
		Role:      types.RoleAssistant,
		Kind:      types.MessageKindLimitExceeded,
		CreatedAt: time.Now().UTC(),
	})
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

// AppendAssistantText appends a finalized assistant message; used for the
// generic localized failure text when a stream fails before producing any.
func (s *Store) AppendAssistantText(text string) {
	s.mu.Lock()
	s.messages = append(s.messages, types.Message{
		Seq:       s.issueSeqLocked(),
		Text:      text,
		Role:      types.RoleAssistant,
		Kind:      types.MessageKindText,
		CreatedAt: time.Now().UTC(),
	})
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) SetInputText(text string) {
	s.mu.Lock()
	s.inputText = text
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

func (s *Store) InputText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputText
}

func (s *Store) SetActiveTopic(id int64) {
	s.mu.Lock()
	s.activeTopicID = id
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

func (s *Store) ActiveTopicID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTopicID
}

func (s *Store) SetAssistant(assistant types.AssistantType) {
	s.mu.Lock()
	s.assistant = assistant
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

func (s *Store) Assistant() types.AssistantType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistant
}

func (s *Store) SetPending(pending *types.PendingRequest) {
	s.mu.Lock()
	s.pending = pending
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

// TakePending consumes the handoff record for topicID. A record targeting a
// different topic is stale navigation: it is discarded and nil is returned.
// Either way the slot is cleared; the record is consumed at most once.
func (s *Store) TakePending(topicID int64) *types.PendingRequest {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
	if pending == nil || pending.TopicID != topicID {
		return nil
	}
	return pending
}

func (s *Store) PendingTopicID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0, false
	}
	return s.pending.TopicID, true
}

func (s *Store) SetLimits(limits *types.Limit) {
	s.mu.Lock()
	s.limits = limits
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

func (s *Store) Limits() *types.Limit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits == nil {
		return nil
	}
	limit := *s.limits
	return &limit
}

// Reset clears everything; called on topic switch teardown and on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.loading = false
	s.inputText = ""
	s.activeTopicID = 0
	s.assistant = ""
	s.pending = nil
	s.limits = nil
	fns := s.notifyLocked()
	s.mu.Unlock()
	notify(fns)
}

func (s *Store) issueSeqLocked() uint64 {
	s.nextSeq++
	return s.nextSeq
}
