// Package session owns browser-session lifecycle for the worker pool:
// creation, proxy enablement, resource-blocking policy, blocking/termination
// detection, and rotation transparent to callers.
package session

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/metrics"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

// ErrShuttingDown short-circuits new navigation, extraction and rotation once
// shutdown has begun.
var ErrShuttingDown = errors.New("shutting down")

var blockingPattern = regexp.MustCompile(`(?i)(captcha|access denied|unusual traffic|verify you are (a )?human|robot check|request blocked)`)

// sessionErrorPatterns are message fragments that mark an error as a dead or
// dying session. They trigger rotation plus one retry of the current item.
var sessionErrorPatterns = []string{
	"not initialized",
	"createtarget",
	"target closed",
	"target crashed",
	"session closed",
	"session terminated",
	"browser has been closed",
	"context or browser has been closed",
	"connection closed",
	"websocket",
}

// harmlessClosePatterns are cleanup errors from closing a session that is
// already gone. They are swallowed during rotation and shutdown.
var harmlessClosePatterns = []string{
	"already closed",
	"already been closed",
	"target closed",
	"browser has been closed",
	"connection closed",
}

// IsSessionError reports whether err indicates the session itself is broken,
// as opposed to a per-item extraction failure.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, engine.ErrNotInitialized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range sessionErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func isHarmlessCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range harmlessClosePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// BlockingSuspected inspects the page body and the extraction result for
// signs the vendor is serving a block page. Three triggers are ORed: an
// explicit keyword signature, an incomplete extraction alongside a keyword,
// and a severely incomplete extraction (no name, price or images) even
// without any keyword.
func BlockingSuspected(bodyText string, item *models.ExtractedProduct) bool {
	keyword := blockingPattern.MatchString(bodyText)
	incomplete := item == nil || item.Name == "" || item.Price == ""
	severelyIncomplete := item == nil ||
		(item.Name == "" && item.Price == "" && item.MainImage == "" && len(item.Images) == 0)
	return keyword || (incomplete && keyword) || severelyIncomplete
}

// Options configures a Manager.
type Options struct {
	// Session is the base session shape. Proxy and ResumeID are managed by
	// the workers themselves.
	Session engine.SessionOptions

	// Proxy, when set, is attached to sessions created after a worker's
	// first rotation.
	Proxy *engine.Proxy

	// BlockImages overrides the default images policy. When nil, images are
	// blocked whenever the worker's proxy is active.
	BlockImages  *bool
	BlockStyles  bool
	BlockScripts bool

	CloseTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Manager creates per-worker session handles and pools session ids across
// rotations so short-lived sessions can be resumed instead of re-billed.
type Manager struct {
	factory engine.Factory
	opts    Options
	logger  *slog.Logger

	shutdown atomic.Bool

	mu      sync.Mutex
	pool    []string
	workers []*Worker
}

func NewManager(factory engine.Factory, opts Options) *Manager {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 30 * time.Second
	}
	return &Manager{
		factory: factory,
		opts:    opts,
		logger:  slog.Default().With("component", "session_manager"),
	}
}

// NewWorker returns the session handle for one worker. The underlying session
// is created lazily on first GetSafePage.
func (m *Manager) NewWorker(id int) *Worker {
	w := &Worker{m: m, id: id}
	m.mu.Lock()
	m.workers = append(m.workers, w)
	m.mu.Unlock()
	return w
}

// BeginShutdown stops new navigation, extraction and rotation without
// closing live sessions, so workers can finish their current item and flush.
func (m *Manager) BeginShutdown() {
	m.shutdown.Store(true)
}

// Shutdown stops new work and closes every live session, each bounded by the
// configured close timeout. Callers flush their buffers before invoking it.
func (m *Manager) Shutdown() {
	m.BeginShutdown()
	m.mu.Lock()
	workers := make([]*Worker, len(m.workers))
	copy(workers, m.workers)
	m.mu.Unlock()

	for _, w := range workers {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.CloseTimeout)
		w.Close(ctx)
		cancel()
	}
}

// ShuttingDown reports whether Shutdown has been requested. Workers check it
// at every suspension point.
func (m *Manager) ShuttingDown() bool {
	return m.shutdown.Load()
}

func (m *Manager) policy(proxyActive bool) engine.RoutePolicy {
	blockImages := proxyActive
	if m.opts.BlockImages != nil {
		blockImages = *m.opts.BlockImages
	}
	return engine.RoutePolicy{
		BlockImages:  blockImages,
		BlockStyles:  m.opts.BlockStyles,
		BlockScripts: m.opts.BlockScripts,
	}
}

func (m *Manager) poolID(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	m.pool = append(m.pool, id)
	m.mu.Unlock()
}

func (m *Manager) takePooledID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pool) == 0 {
		return ""
	}
	id := m.pool[len(m.pool)-1]
	m.pool = m.pool[:len(m.pool)-1]
	return id
}

type rotation struct {
	done chan struct{}
	err  error
}

// Worker is one worker's session handle. It is used by a single goroutine for
// page access; Rotate may be raced by error handlers and is coalesced.
type Worker struct {
	m  *Manager
	id int

	mu           sync.Mutex
	session      engine.Session
	page         engine.Page
	proxyActive  bool
	generation   int
	inflight     *rotation
	appliedValid bool
	applied      engine.RoutePolicy
}

// ID returns the worker's index in the pool.
func (w *Worker) ID() int { return w.id }

// Generation returns how many sessions this worker has gone through.
func (w *Worker) Generation() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// GetSafePage returns a live page, lazily creating or re-initializing the
// session, and keeps the resource-blocking route policy applied. The policy
// is re-installed only when it differs from the one already on the page.
func (w *Worker) GetSafePage(ctx context.Context) (engine.Page, error) {
	if w.m.ShuttingDown() {
		return nil, ErrShuttingDown
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session == nil {
		if err := w.createLocked(ctx, ""); err != nil {
			return nil, err
		}
	}

	if w.page == nil {
		page, err := w.session.NewPage(ctx)
		if errors.Is(err, engine.ErrNotInitialized) {
			if err := w.session.Init(ctx); err != nil {
				return nil, err
			}
			page, err = w.session.NewPage(ctx)
		}
		if err != nil {
			return nil, err
		}
		w.page = page
		w.appliedValid = false
	}

	policy := w.m.policy(w.proxyActive)
	if !w.appliedValid || policy != w.applied {
		if err := w.page.ApplyRoutePolicy(policy); err != nil {
			return nil, err
		}
		w.applied = policy
		w.appliedValid = true
	}
	return w.page, nil
}

// Rotate replaces the worker's session: the outgoing id is pooled, the old
// session closed, and a new one attached, preferring a pooled id resume over
// a fresh create. Concurrent calls share one in-flight rotation.
func (w *Worker) Rotate(ctx context.Context, reason string) error {
	if w.m.ShuttingDown() {
		return ErrShuttingDown
	}

	w.mu.Lock()
	if r := w.inflight; r != nil {
		w.mu.Unlock()
		select {
		case <-r.done:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r := &rotation{done: make(chan struct{})}
	w.inflight = r
	w.mu.Unlock()

	err := w.rotate(ctx, reason)

	w.mu.Lock()
	w.inflight = nil
	w.mu.Unlock()
	r.err = err
	close(r.done)
	return err
}

func (w *Worker) rotate(ctx context.Context, reason string) error {
	w.m.opts.Metrics.IncRotation(reason)
	w.m.logger.Info("rotating session", "worker", w.id, "reason", reason)

	w.mu.Lock()
	old := w.session
	w.session = nil
	w.page = nil
	w.appliedValid = false
	w.proxyActive = w.m.opts.Proxy != nil
	w.mu.Unlock()

	if old != nil {
		w.m.poolID(old.ID())
		if err := old.Close(ctx); err != nil && !isHarmlessCloseError(err) {
			w.m.logger.Warn("session close failed", "worker", w.id, "error", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if pooled := w.m.takePooledID(); pooled != "" {
		if err := w.createLocked(ctx, pooled); err == nil {
			w.generation++
			return nil
		}
		// Evicted by takePooledID already; fall through to a fresh session.
		w.m.logger.Warn("pooled session resume failed", "worker", w.id, "session_id", pooled)
	}

	if err := w.createLocked(ctx, ""); err != nil {
		return err
	}
	w.generation++
	return nil
}

// createLocked creates and initializes a session. Caller holds w.mu.
func (w *Worker) createLocked(ctx context.Context, resumeID string) error {
	opts := w.m.opts.Session
	opts.ResumeID = resumeID
	if w.proxyActive {
		opts.Proxy = w.m.opts.Proxy
	}
	sess, err := w.m.factory.Create(ctx, opts)
	if err != nil {
		return err
	}
	if err := sess.Init(ctx); err != nil {
		return err
	}
	w.session = sess
	return nil
}

// Close releases the worker's session, swallowing harmless cleanup errors.
func (w *Worker) Close(ctx context.Context) {
	w.mu.Lock()
	sess := w.session
	w.session = nil
	w.page = nil
	w.appliedValid = false
	w.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.Close(ctx); err != nil && !isHarmlessCloseError(err) {
		w.m.logger.Warn("session close failed", "worker", w.id, "error", err)
	}
}
