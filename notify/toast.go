package notify

import (
	"sync"
	"time"
)

type ToastLevel string

const (
	ToastInfo    ToastLevel = "info"
	ToastSuccess ToastLevel = "success"
	ToastError   ToastLevel = "error"
)

// Toast is a transient UI message. Sound marks that the audio cue should
// accompany it because native notifications are unavailable.
type Toast struct {
	Level   ToastLevel `json:"level"`
	Message string     `json:"message"`
	Sound   bool       `json:"sound"`
	At      time.Time  `json:"at"`
}

type ToastFunc func(Toast)

// SoundFunc plays the audio cue. Optional; the Sound flag on the toast is
// set either way so stream consumers can render it.
type SoundFunc func()

// Toaster fans toasts out to subscribers. When the notification service has
// not been granted permission, each toast is flagged for the sound fallback
// so the user gets exactly one perceptible alert channel.
type Toaster struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]ToastFunc
	service   *Service
	sound     SoundFunc
}

func NewToaster(service *Service, sound SoundFunc) *Toaster {
	return &Toaster{
		listeners: make(map[int]ToastFunc),
		service:   service,
		sound:     sound,
	}
}

// Subscribe registers a listener and returns its cancel func.
func (t *Toaster) Subscribe(fn ToastFunc) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.listeners[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Toaster) Info(message string)    { t.show(ToastInfo, message) }
func (t *Toaster) Success(message string) { t.show(ToastSuccess, message) }
func (t *Toaster) Error(message string)   { t.show(ToastError, message) }

func (t *Toaster) show(level ToastLevel, message string) {
	withSound := t.service == nil || t.service.Permission() != PermissionGranted

	toast := Toast{
		Level:   level,
		Message: message,
		Sound:   withSound,
		At:      time.Now(),
	}

	t.mu.Lock()
	fns := make([]ToastFunc, 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	sound := t.sound
	t.mu.Unlock()

	for _, fn := range fns {
		fn(toast)
	}
	if withSound && sound != nil {
		sound()
	}
}
