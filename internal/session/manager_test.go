package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine/enginetest"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

func TestGetSafePageCreatesSessionLazily(t *testing.T) {
	factory := &enginetest.FakeFactory{}
	mgr := NewManager(factory, Options{})
	w := mgr.NewWorker(0)

	assert.Zero(t, factory.CreatedCount())

	page, err := w.GetSafePage(context.Background())
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 1, factory.CreatedCount())

	// No proxy configured, so images stay unblocked by default.
	fp := factory.Sessions[0].Page
	assert.Equal(t, 1, fp.PolicyApplied)
	assert.False(t, fp.Policy.BlockImages)
}

func TestRoutePolicyReappliedOnlyOnChange(t *testing.T) {
	factory := &enginetest.FakeFactory{}
	mgr := NewManager(factory, Options{})
	w := mgr.NewWorker(0)

	_, err := w.GetSafePage(context.Background())
	require.NoError(t, err)
	_, err = w.GetSafePage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, factory.Sessions[0].Page.PolicyApplied)
}

func TestRotatePoolsOldIDAndResumesIt(t *testing.T) {
	factory := &enginetest.FakeFactory{}
	mgr := NewManager(factory, Options{})
	w := mgr.NewWorker(0)

	_, err := w.GetSafePage(context.Background())
	require.NoError(t, err)
	firstID := factory.Sessions[0].ID()

	require.NoError(t, w.Rotate(context.Background(), "session_closed"))

	assert.True(t, factory.Sessions[0].Closed)
	assert.Equal(t, 1, w.Generation())
	require.Equal(t, 2, factory.CreatedCount())
	assert.Equal(t, firstID, factory.Created[1].ResumeID)
}

func TestRotateFallsBackToFreshWhenResumeFails(t *testing.T) {
	factory := &enginetest.FakeFactory{FailResume: true}
	mgr := NewManager(factory, Options{})
	w := mgr.NewWorker(0)

	_, err := w.GetSafePage(context.Background())
	require.NoError(t, err)

	require.NoError(t, w.Rotate(context.Background(), "blocked"))

	// One initial create, one failed resume, one fresh create.
	require.Equal(t, 3, factory.CreatedCount())
	assert.NotEmpty(t, factory.Created[1].ResumeID)
	assert.Empty(t, factory.Created[2].ResumeID)
	assert.Equal(t, 1, w.Generation())
}

func TestProxyEnabledAfterFirstRotation(t *testing.T) {
	factory := &enginetest.FakeFactory{}
	proxy := &engine.Proxy{Server: "http://proxy:8080", Username: "u", Password: "p"}
	mgr := NewManager(factory, Options{Proxy: proxy})
	w := mgr.NewWorker(0)

	_, err := w.GetSafePage(context.Background())
	require.NoError(t, err)
	assert.Nil(t, factory.Created[0].Proxy)

	require.NoError(t, w.Rotate(context.Background(), "blocked"))
	require.Equal(t, 2, factory.CreatedCount())
	assert.Equal(t, proxy, factory.Created[1].Proxy)

	// With the proxy active, images default to blocked.
	page, err := w.GetSafePage(context.Background())
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.True(t, factory.Sessions[1].Page.Policy.BlockImages)
}

func TestRotateJoinsInFlightRotation(t *testing.T) {
	factory := &enginetest.FakeFactory{}
	mgr := NewManager(factory, Options{})
	w := mgr.NewWorker(0)

	_, err := w.GetSafePage(context.Background())
	require.NoError(t, err)

	inflight := &rotation{done: make(chan struct{})}
	w.mu.Lock()
	w.inflight = inflight
	w.mu.Unlock()

	joined := make(chan error, 1)
	go func() { joined <- w.Rotate(context.Background(), "session_closed") }()

	inflight.err = nil
	close(inflight.done)

	require.NoError(t, <-joined)

	// The joining caller shares the in-flight result rather than rotating
	// again.
	assert.Equal(t, 0, w.Generation())
	assert.Equal(t, 1, factory.CreatedCount())
}

func TestRotateJoinerHonorsContextCancel(t *testing.T) {
	factory := &enginetest.FakeFactory{}
	mgr := NewManager(factory, Options{})
	w := mgr.NewWorker(0)

	w.mu.Lock()
	w.inflight = &rotation{done: make(chan struct{})}
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Rotate(ctx, "session_closed"), context.Canceled)
}

func TestShutdownBlocksNewWorkAndClosesSessions(t *testing.T) {
	factory := &enginetest.FakeFactory{}
	mgr := NewManager(factory, Options{})
	w := mgr.NewWorker(0)

	_, err := w.GetSafePage(context.Background())
	require.NoError(t, err)

	mgr.Shutdown()

	assert.True(t, factory.Sessions[0].Closed)

	_, err = w.GetSafePage(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, w.Rotate(context.Background(), "blocked"), ErrShuttingDown)
}

func TestIsSessionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not initialized sentinel", engine.ErrNotInitialized, true},
		{"target closed", errors.New("playwright: Target closed"), true},
		{"create target", errors.New("failed to createTarget"), true},
		{"session closed", errors.New("session closed by remote"), true},
		{"plain extraction failure", errors.New("model extraction failed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsSessionError(tc.err))
		})
	}
}

func TestBlockingSuspected(t *testing.T) {
	complete := &models.ExtractedProduct{Name: "Serum", Price: "4.99", MainImage: "https://cdn.test/a.jpg"}
	noCore := &models.ExtractedProduct{}
	partial := &models.ExtractedProduct{Name: "Serum"}

	assert.True(t, BlockingSuspected("Please complete the CAPTCHA to continue", complete))
	assert.True(t, BlockingSuspected("Access Denied", partial))
	assert.True(t, BlockingSuspected("a perfectly normal page", noCore))
	assert.False(t, BlockingSuspected("a perfectly normal page", complete))
	assert.False(t, BlockingSuspected("a perfectly normal page", partial))
}
