// Package engine defines the automation capability the pipeline consumes: a
// live browser page supporting navigation, locator reads, resource routing,
// and model-driven observe/extract calls. Implementations wrap a real browser
// (playwright) plus a page-understanding model client; tests substitute fakes.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotInitialized is returned by sessions that have been created but
	// not initialized, or whose underlying browser went away.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrNotFound is the normal outcome of a selector lookup that resolved
	// nothing before its timeout.
	ErrNotFound = errors.New("selector not found")
)

// FieldSpec describes one requested field in a model extraction schema.
type FieldSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ExtractRequest is a single batched model-driven extraction call. Schema and
// instruction are built at runtime from the missing-field set.
type ExtractRequest struct {
	Instruction      string
	Schema           map[string]FieldSpec
	DOMSettleTimeout time.Duration
}

// Candidate is one locator proposed by an observe call.
type Candidate struct {
	Selector    string `json:"selector"`
	Description string `json:"description,omitempty"`
}

// RoutePolicy selects which resource classes are blocked on a page. Fonts and
// media are always blocked regardless of policy.
type RoutePolicy struct {
	BlockImages  bool
	BlockStyles  bool
	BlockScripts bool
}

// Page is one live browser page.
type Page interface {
	Goto(ctx context.Context, url string, timeout time.Duration) error
	InnerText(ctx context.Context, selector string, timeout time.Duration) (string, error)
	Attribute(ctx context.Context, selector, name string, timeout time.Duration) (string, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Observe(ctx context.Context, prompt string, timeout time.Duration) ([]Candidate, error)
	Extract(ctx context.Context, req ExtractRequest) (map[string]any, error)
	Content(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	ApplyRoutePolicy(policy RoutePolicy) error
	URL() string
}

// Session is one browser session owned by exactly one worker at a time.
type Session interface {
	ID() string
	Init(ctx context.Context) error
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Proxy carries upstream proxy credentials for a session.
type Proxy struct {
	Server   string
	Username string
	Password string
}

// SessionOptions configures session creation. ResumeID, when non-empty, asks
// the factory to reattach a previously pooled session; factories that cannot
// resume fall back to a fresh session.
type SessionOptions struct {
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	TimezoneID     string
	Proxy          *Proxy
	ResumeID       string
}

// Factory creates sessions.
type Factory interface {
	Create(ctx context.Context, opts SessionOptions) (Session, error)
}

// ModelClient is the page-understanding capability behind observe/extract.
type ModelClient interface {
	Extract(ctx context.Context, pageHTML string, req ExtractRequest) (map[string]any, error)
	Observe(ctx context.Context, pageHTML, prompt string) ([]Candidate, error)
}
