package threadmsg

import (
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Attachment is one uploaded file. Attachments are append-only and
// independently retained: evicting a referencing message does not purge
// them, only an explicit Purge does.
type Attachment struct {
	ID         string    `json:"attachment_id"`
	FileName   string    `json:"file_name"`
	MimeType   string    `json:"mime_type"`
	Size       int       `json:"size"`
	Data       []byte    `json:"-"`
	UploadedAt time.Time `json:"uploaded_at"`
	OwnerID    string    `json:"owner_id"`
}

// FileStore holds attachments in memory under a per-file size cap and an
// optional total-bytes quota.
type FileStore struct {
	mu         sync.RWMutex
	files      map[string]*Attachment
	maxSize    int
	quotaBytes int
	usedBytes  int
}

// NewFileStore builds a store; maxSize caps one attachment (default
// 10 MiB), quotaBytes caps the sum of all stored bytes (0 = unlimited).
func NewFileStore(maxSize, quotaBytes int) *FileStore {
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	return &FileStore{
		files:      map[string]*Attachment{},
		maxSize:    maxSize,
		quotaBytes: quotaBytes,
	}
}

// Put stores one attachment and returns its record.
func (f *FileStore) Put(owner, fileName string, data []byte) (Attachment, error) {
	if len(data) > f.maxSize {
		return Attachment{}, protocol.Errorf(protocol.ErrPayloadTooLarge,
			"attachment is %d bytes, limit %d", len(data), f.maxSize)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotaBytes > 0 && f.usedBytes+len(data) > f.quotaBytes {
		return Attachment{}, protocol.Errorf(protocol.ErrQuotaExhausted,
			"attachment store quota of %d bytes exhausted", f.quotaBytes)
	}
	att := &Attachment{
		ID:         uuid.NewString(),
		FileName:   fileName,
		MimeType:   sniffMimeType(fileName, data),
		Size:       len(data),
		Data:       data,
		UploadedAt: time.Now(),
		OwnerID:    owner,
	}
	f.files[att.ID] = att
	f.usedBytes += len(data)
	return *att, nil
}

// Get returns the attachment with the given id.
func (f *FileStore) Get(id string) (Attachment, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	att, ok := f.files[id]
	if !ok {
		return Attachment{}, false
	}
	return *att, true
}

// Purge removes one attachment, reclaiming its quota.
func (f *FileStore) Purge(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	att, ok := f.files[id]
	if !ok {
		return false
	}
	delete(f.files, id)
	f.usedBytes -= att.Size
	return true
}

// List returns attachment records (without data), oldest first.
func (f *FileStore) List() []Attachment {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Attachment, 0, len(f.files))
	for _, att := range f.files {
		cp := *att
		cp.Data = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out
}

// sniffMimeType is best-effort: extension first, content sniff as the
// fallback.
func sniffMimeType(fileName string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(fileName)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}
