package transfer

import "sync"

// QualityProfile records the compression quality and maximum pixel
// dimension a photo was requested at. The same photo ID may be
// resolved more than once at different profiles.
type QualityProfile struct {
	Quality      int `json:"quality"`
	MaxDimension int `json:"maxDimension"`
}

// ResolvedImage is a completed, displayable photo. Its backing bytes
// are released manually: whoever holds the last reference must call
// Release when the image is superseded or the session ends.
type ResolvedImage struct {
	PhotoID   string
	RequestID string
	MimeType  string
	Profile   QualityProfile

	mut      sync.Mutex
	data     []byte
	registry *imageRegistry
}

// Bytes returns the image bytes, or nil after release.
func (img *ResolvedImage) Bytes() []byte {
	img.mut.Lock()
	defer img.mut.Unlock()
	return img.data
}

// Size returns the byte size of the image, 0 after release.
func (img *ResolvedImage) Size() int64 {
	img.mut.Lock()
	defer img.mut.Unlock()
	return int64(len(img.data))
}

// Release frees the image's backing bytes and removes it from the
// engine's outstanding-handle accounting. It is idempotent.
func (img *ResolvedImage) Release() {
	img.mut.Lock()
	released := img.data == nil
	img.data = nil
	img.mut.Unlock()

	if !released && img.registry != nil {
		img.registry.drop(img)
	}
}

// imageRegistry tracks outstanding image handles so leaks are
// observable and session teardown can release everything at once.
type imageRegistry struct {
	mut    sync.Mutex
	images map[*ResolvedImage]struct{}
}

func newImageRegistry() *imageRegistry {
	return &imageRegistry{images: map[*ResolvedImage]struct{}{}}
}

// add wraps reassembled bytes into a tracked handle.
func (r *imageRegistry) add(photoID, requestID, mimeType string, profile QualityProfile, data []byte) *ResolvedImage {
	img := &ResolvedImage{
		PhotoID:   photoID,
		RequestID: requestID,
		MimeType:  mimeType,
		Profile:   profile,
		data:      data,
		registry:  r,
	}
	r.mut.Lock()
	r.images[img] = struct{}{}
	r.mut.Unlock()
	return img
}

func (r *imageRegistry) drop(img *ResolvedImage) {
	r.mut.Lock()
	delete(r.images, img)
	r.mut.Unlock()
}

// outstanding returns the number of unreleased handles.
func (r *imageRegistry) outstanding() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.images)
}

// releaseAll releases every outstanding handle.
func (r *imageRegistry) releaseAll() {
	r.mut.Lock()
	images := make([]*ResolvedImage, 0, len(r.images))
	for img := range r.images {
		images = append(images, img)
	}
	r.mut.Unlock()

	for _, img := range images {
		img.Release()
	}
}
