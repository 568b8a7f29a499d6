package capture

import (
	"sync"

	"github.com/google/uuid"
)

// ObjectURLs hands out opaque blob: references for finished recordings so a
// player can open them later. Whoever receives a URL revokes it.
type ObjectURLs struct {
	mu    sync.Mutex
	blobs map[string]blob
}

type blob struct {
	data     []byte
	mimeType string
}

func NewObjectURLs() *ObjectURLs {
	return &ObjectURLs{blobs: make(map[string]blob)}
}

// Create registers data and returns its URL.
func (o *ObjectURLs) Create(data []byte, mimeType string) string {
	url := "blob:" + uuid.NewString()
	o.mu.Lock()
	o.blobs[url] = blob{data: data, mimeType: mimeType}
	o.mu.Unlock()
	return url
}

// Open returns the bytes behind url.
func (o *ObjectURLs) Open(url string) ([]byte, string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.blobs[url]
	return b.data, b.mimeType, ok
}

// Revoke releases url. Unknown URLs are ignored.
func (o *ObjectURLs) Revoke(url string) {
	o.mu.Lock()
	delete(o.blobs, url)
	o.mu.Unlock()
}

// Len reports how many URLs are live.
func (o *ObjectURLs) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.blobs)
}
