// Package enginetest provides in-memory fakes of the automation capability
// for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
)

// FakePage is a scriptable engine.Page. Selector reads resolve against the
// Texts/Attrs/Visible maps; unknown selectors behave like lookup timeouts.
type FakePage struct {
	mu sync.Mutex

	Texts   map[string]string
	Attrs   map[string]map[string]string
	Visible map[string]bool
	HTML    string
	Current string

	GotoFunc    func(url string) error
	ExtractFunc func(req engine.ExtractRequest) (map[string]any, error)
	ObserveFunc func(prompt string) ([]engine.Candidate, error)

	GotoCalls     []string
	ExtractCalls  []engine.ExtractRequest
	ObserveCalls  []string
	Policy        engine.RoutePolicy
	PolicyApplied int
}

func NewFakePage() *FakePage {
	return &FakePage{
		Texts:   make(map[string]string),
		Attrs:   make(map[string]map[string]string),
		Visible: make(map[string]bool),
	}
}

func (p *FakePage) Goto(ctx context.Context, url string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.GotoCalls = append(p.GotoCalls, url)
	p.mu.Unlock()
	if p.GotoFunc != nil {
		if err := p.GotoFunc(url); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.Current = url
	p.mu.Unlock()
	return nil
}

func (p *FakePage) InnerText(ctx context.Context, selector string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	text, ok := p.Texts[selector]
	if !ok {
		return "", fmt.Errorf("%w: %s", engine.ErrNotFound, selector)
	}
	return text, nil
}

func (p *FakePage) Attribute(ctx context.Context, selector, name string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, ok := p.Attrs[selector]
	if !ok {
		return "", fmt.Errorf("%w: %s", engine.ErrNotFound, selector)
	}
	return attrs[name], nil
}

func (p *FakePage) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Visible[selector], nil
}

func (p *FakePage) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	if _, ok := p.Texts[selector]; ok {
		n = 1
	}
	return n, nil
}

func (p *FakePage) Observe(ctx context.Context, prompt string, _ time.Duration) ([]engine.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.ObserveCalls = append(p.ObserveCalls, prompt)
	fn := p.ObserveFunc
	p.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(prompt)
}

func (p *FakePage) Extract(ctx context.Context, req engine.ExtractRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.ExtractCalls = append(p.ExtractCalls, req)
	fn := p.ExtractFunc
	p.mu.Unlock()
	if fn == nil {
		return map[string]any{}, nil
	}
	return fn(req)
}

func (p *FakePage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTML, nil
}

func (p *FakePage) BodyText(ctx context.Context) (string, error) {
	return p.Content(ctx)
}

func (p *FakePage) ApplyRoutePolicy(policy engine.RoutePolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PolicyApplied == 0 || p.Policy != policy {
		p.PolicyApplied++
		p.Policy = policy
	}
	return nil
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Current
}
