package enginetest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
)

// FakeSession hands out a single FakePage and records lifecycle calls.
type FakeSession struct {
	mu       sync.Mutex
	id       string
	Page     *FakePage
	InitErr  error
	CloseErr error
	Inited   bool
	Closed   bool
}

func NewFakeSession(id string) *FakeSession {
	if id == "" {
		id = uuid.New().String()
	}
	return &FakeSession{id: id, Page: NewFakePage()}
}

func (s *FakeSession) ID() string { return s.id }

func (s *FakeSession) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InitErr != nil {
		return s.InitErr
	}
	s.Inited = true
	return nil
}

func (s *FakeSession) NewPage(ctx context.Context) (engine.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Inited {
		return nil, engine.ErrNotInitialized
	}
	return s.Page, nil
}

func (s *FakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return s.CloseErr
}

// FakeFactory creates FakeSessions, optionally failing specific resume ids.
type FakeFactory struct {
	mu       sync.Mutex
	Sessions []*FakeSession
	Created  []engine.SessionOptions

	// FailResume rejects Create calls carrying a ResumeID.
	FailResume bool

	// OnCreate, when set, customizes each new session.
	OnCreate func(s *FakeSession, opts engine.SessionOptions)
}

func (f *FakeFactory) Create(ctx context.Context, opts engine.SessionOptions) (engine.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, opts)
	if opts.ResumeID != "" && f.FailResume {
		return nil, engine.ErrNotInitialized
	}
	s := NewFakeSession(opts.ResumeID)
	if f.OnCreate != nil {
		f.OnCreate(s, opts)
	}
	f.Sessions = append(f.Sessions, s)
	return s, nil
}

// CreatedCount returns how many sessions have been created.
func (f *FakeFactory) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}
