// Package images stages user images for the next turn and uploads them to
// the image host.
package images

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
)

// MaxBytes is the largest image accepted for upload.
const MaxBytes = 500 * 1024

var ErrTooLarge = errors.New("image exceeds the 500 KB limit")

// CheckSize rejects an image of n bytes when it is over MaxBytes.
func CheckSize(name string, n int64) error {
	if n > MaxBytes {
		return fmt.Errorf("%w: %s is %d KB", ErrTooLarge, name, n/1024)
	}
	return nil
}

// Staged is an image attached to the message being composed. Loading is
// true until its upload completes.
type Staged struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	URL     string    `json:"url,omitempty"`
	Loading bool      `json:"loading"`
}

// Stage is the ordered list of staged images. It is safe for concurrent
// use; uploads complete in any order.
type Stage struct {
	mu     sync.Mutex
	images []Staged
}

// Add stages a new image in the loading state.
func (s *Stage) Add(name string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.images = append(s.images, Staged{ID: id, Name: name, Loading: true})
	return id
}

// Complete records the hosted URL. It reports false when the image was
// removed while uploading.
func (s *Stage) Complete(id uuid.UUID, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.images {
		if s.images[i].ID == id {
			s.images[i].URL = url
			s.images[i].Loading = false
			return true
		}
	}
	return false
}

// Fail drops an image whose upload did not succeed.
func (s *Stage) Fail(id uuid.UUID) { s.Remove(id) }

// Remove unstages an image.
func (s *Stage) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.images {
		if s.images[i].ID == id {
			s.images = append(s.images[:i], s.images[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a copy of every staged image.
func (s *Stage) List() []Staged {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Staged, len(s.images))
	copy(out, s.images)
	return out
}

// Ready returns the uploaded images, in staging order.
func (s *Stage) Ready() []chat.ImageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []chat.ImageRef
	for _, img := range s.images {
		if !img.Loading {
			refs = append(refs, chat.ImageRef{URL: img.URL, Name: img.Name})
		}
	}
	return refs
}

// Clear unstages everything.
func (s *Stage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = nil
}
