package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/factory-update/internal/config"
	"github.com/oshokin/factory-update/internal/logger"
)

// ErrUnknownBackend is returned for notifier names with no registered factory.
var ErrUnknownBackend = errors.New("unknown notifier backend")

// Event describes one advertised version.
type Event struct {
	// ID uniquely identifies the event for deduplication downstream.
	ID string `json:"id"`
	// Hash is the advertised version hash.
	Hash string `json:"hash"`
	// Directory is the published version directory.
	Directory string `json:"directory"`
	// PublishedAt is when the pointer moved.
	PublishedAt time.Time `json:"published_at"`
}

// NewEvent stamps a fresh event for hash.
func NewEvent(hash, directory string) Event {
	return Event{
		ID:          uuid.NewString(),
		Hash:        hash,
		Directory:   directory,
		PublishedAt: time.Now().UTC(),
	}
}

// Notifier delivers events to one backend.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Factory builds a notifier from the server configuration.
type Factory func(cfg *config.Config) (Notifier, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		config.NotifierNone: func(*config.Config) (Notifier, error) { return Nop{}, nil },
		config.NotifierLog:  func(*config.Config) (Notifier, error) { return Log{}, nil },
		config.NotifierNATS: newNATSFromConfig,
	}
)

// Register adds or replaces a backend factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = factory
}

// Backends lists registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// New builds the backend named by cfg.Notifier; an empty name means none.
func New(cfg *config.Config) (Notifier, error) { //nolint:ireturn // Backends are selected at runtime.
	name := cfg.Notifier
	if name == "" {
		name = config.NotifierNone
	}

	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%q (registered: %s): %w", name, strings.Join(Backends(), ", "), ErrUnknownBackend)
	}

	notifier, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s notifier: %w", name, err)
	}

	return notifier, nil
}

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Log writes events to the context logger.
type Log struct{}

// Notify logs the event at info level.
func (Log) Notify(ctx context.Context, event Event) error {
	logger.InfoKV(ctx, "New version advertised",
		"event_id", event.ID,
		"hash", event.Hash,
		"directory", event.Directory,
		"published_at", event.PublishedAt.Format(time.RFC3339))

	return nil
}

// Close does nothing.
func (Log) Close() error { return nil }
