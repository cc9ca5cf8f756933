// Package uploader runs file uploads ahead of message submission. Each file
// is its own small state machine: pending → uploading → success | error.
// Error is terminal (no automatic retry), removal is allowed from any state,
// and only files that reached success may be referenced by a message.
package uploader

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"

	"egpt/internal/chat"
	"egpt/internal/logging"
	"egpt/internal/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// UploadAPI is the slice of the REST client the uploader needs.
type UploadAPI interface {
	UploadAttachment(ctx context.Context, filename string, content io.Reader) (string, error)
}

// Item is one attached file. ID is the client-local correlation id; the
// server-assigned AttachmentID exists only after a successful upload and is
// then the sole durable handle. LocalPath is the local preview handle,
// released when the item is removed.
type Item struct {
	ID           uuid.UUID
	Name         string
	LocalPath    string
	Kind         types.ContentType
	Status       Status
	AttachmentID string
	Err          string
}

type Uploader struct {
	api UploadAPI
	log logging.Logger

	mu       sync.Mutex
	items    []Item
	wg       sync.WaitGroup
	onChange func()
}

func New(api UploadAPI, log logging.Logger) *Uploader {
	if log == nil {
		log = logging.Nop()
	}
	return &Uploader{api: api, log: log}
}

// SetOnChange registers a single change callback (the composer view), run
// after every status transition.
func (u *Uploader) SetOnChange(fn func()) {
	u.mu.Lock()
	u.onChange = fn
	u.mu.Unlock()
}

// Add registers the file and starts its upload in the background. The
// returned id identifies the item across status changes and removal.
func (u *Uploader) Add(ctx context.Context, path string) uuid.UUID {
	id := uuid.Must(uuid.NewV4())
	item := Item{
		ID:        id,
		Name:      filepath.Base(path),
		LocalPath: path,
		Kind:      kindForFile(path),
		Status:    StatusUploading,
	}
	u.mu.Lock()
	u.items = append(u.items, item)
	fn := u.onChange
	u.mu.Unlock()
	if fn != nil {
		fn()
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.upload(ctx, id, path)
	}()
	return id
}

// Wait blocks until every started upload has settled into success or error.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) upload(ctx context.Context, id uuid.UUID, path string) {
	file, err := os.Open(path)
	if err != nil {
		u.settle(id, "", err.Error())
		return
	}
	defer file.Close()

	attachmentID, err := u.api.UploadAttachment(ctx, filepath.Base(path), file)
	if err != nil {
		u.log.Warn("attachment upload failed", logging.F("file", filepath.Base(path)), logging.F("err", err))
		u.settle(id, "", err.Error())
		return
	}
	u.settle(id, attachmentID, "")
}

func (u *Uploader) settle(id uuid.UUID, attachmentID, errText string) {
	u.mu.Lock()
	for i := range u.items {
		if u.items[i].ID != id {
			continue
		}
		if errText != "" {
			u.items[i].Status = StatusError
			u.items[i].Err = errText
		} else {
			u.items[i].Status = StatusSuccess
			u.items[i].AttachmentID = attachmentID
		}
		break
	}
	fn := u.onChange
	u.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Remove drops the item in whatever state it is in and releases its local
// preview handle. An in-flight upload keeps running but its result lands on
// a removed item and is discarded.
func (u *Uploader) Remove(id uuid.UUID) {
	u.mu.Lock()
	kept := u.items[:0]
	for _, item := range u.items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	u.items = kept
	fn := u.onChange
	u.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (u *Uploader) Items() []Item {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Item(nil), u.items...)
}

// Uploading reports whether any item is still mid-upload; submission is
// disabled while it returns true.
func (u *Uploader) Uploading() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, item := range u.items {
		if item.Status == StatusPending || item.Status == StatusUploading {
			return true
		}
	}
	return false
}

// Ready returns the attachment references a message may carry: only items
// whose upload succeeded. Errored items are skipped, not blocking.
func (u *Uploader) Ready() []chat.AttachmentRef {
	u.mu.Lock()
	defer u.mu.Unlock()
	var refs []chat.AttachmentRef
	for _, item := range u.items {
		if item.Status == StatusSuccess && item.AttachmentID != "" {
			refs = append(refs, chat.AttachmentRef{ID: item.AttachmentID, Name: item.Name, Kind: item.Kind})
		}
	}
	return refs
}

// Clear releases every item, successful or not; called after submission.
func (u *Uploader) Clear() {
	u.mu.Lock()
	u.items = nil
	fn := u.onChange
	u.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func kindForFile(path string) types.ContentType {
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if strings.HasPrefix(mimeType, "image/") {
		return types.ContentImage
	}
	return types.ContentDocument
}
