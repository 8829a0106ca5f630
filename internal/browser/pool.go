// Package browser owns the pooled headless sessions server-side agents
// execute patterns in. The pool enforces a hard capacity ceiling and
// reaps idle sessions; it never queues waiters.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/browser/stealth"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/observability"
)

var (
	// ErrPoolSaturated means the capacity ceiling is reached. Callers
	// back off and retry; the pool never queues.
	ErrPoolSaturated = errors.New("session pool saturated")
	// ErrSessionNotFound covers lookups of destroyed or unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPoolClosed is returned once Shutdown ran.
	ErrPoolClosed = errors.New("session pool closed")
)

// SpawnFunc creates the browser context behind a new session. Swapped
// out in tests so the pool is exercised without Chrome.
type SpawnFunc func(persona stealth.Persona, headless, stealthOn bool, log *zap.Logger) (Runner, error)

// Pool manages the lifecycle of all live sessions.
type Pool struct {
	cfg   config.BrowserConfig
	log   *zap.Logger
	spawn SpawnFunc
	rng   *rand.Rand
	now   func() time.Time

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithSpawner replaces the browser-context factory.
func WithSpawner(fn SpawnFunc) PoolOption {
	return func(p *Pool) { p.spawn = fn }
}

// WithClock overrides the wall clock, for deterministic reaper tests.
func WithClock(fn func() time.Time) PoolOption {
	return func(p *Pool) { p.now = fn }
}

// NewPool builds a Pool. The Chrome process allocator is created
// lazily per session context; nothing launches until the first Create.
func NewPool(cfg config.BrowserConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:      cfg,
		log:      observability.GetLogger().Named("browser"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), execOptions(cfg)...)
	p.spawn = p.cdpSpawn
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// execOptions adapts the pool config into Chrome launch flags.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
	}
	return opts
}

func (p *Pool) cdpSpawn(persona stealth.Persona, headless, stealthOn bool, log *zap.Logger) (Runner, error) {
	allocCtx := p.allocCtx
	var allocCancel context.CancelFunc
	if headless != p.cfg.Headless {
		// the shared allocator was launched with the pool default, so an
		// override gets its own Chrome process for this session
		cfg := p.cfg
		cfg.Headless = headless
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), execOptions(cfg)...)
	}
	ctx, cancel := chromedp.NewContext(allocCtx)
	if allocCancel != nil {
		ctxCancel := cancel
		cancel = func() {
			ctxCancel()
			allocCancel()
		}
	}
	r := &cdpRunner{ctx: ctx, cancel: cancel}
	if stealthOn {
		if err := r.Run(context.Background(), p.cfg.ActionTimeout, stealth.Apply(persona, log)); err != nil {
			cancel()
			return nil, fmt.Errorf("applying stealth persona: %w", err)
		}
	} else if err := r.Run(context.Background(), p.cfg.ActionTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("launching browser context: %w", err)
	}
	return r, nil
}

// Create opens a new session, or fails fast with ErrPoolSaturated at
// the capacity ceiling. The per-request headless/stealth overrides fall
// back to the pool defaults.
func (p *Pool) Create(_ context.Context, req *schemas.CreateSessionRequest) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.sessions) >= p.cfg.Capacity {
		p.mu.Unlock()
		p.log.Warn("session create rejected at capacity", zap.Int("capacity", p.cfg.Capacity))
		return nil, ErrPoolSaturated
	}
	// reserve the slot while the browser launches
	id := uuid.NewString()
	p.sessions[id] = nil
	persona := stealth.RandomPersona(p.rng)
	p.mu.Unlock()

	headless := p.cfg.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}
	stealthOn := p.cfg.Stealth
	if req.Stealth != nil {
		stealthOn = *req.Stealth
	}

	log := p.log.With(zap.String("session_id", id))
	run, err := p.spawn(persona, headless, stealthOn, log)
	if err != nil {
		p.mu.Lock()
		delete(p.sessions, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("spawning session: %w", err)
	}

	now := p.now()
	s := &Session{
		id:            id,
		accountID:     req.AccountID,
		persona:       persona,
		headless:      headless,
		stealthOn:     stealthOn,
		run:           run,
		log:           log,
		navTimeout:    p.cfg.NavigationTimeout,
		actionTimeout: p.cfg.ActionTimeout,
		now:           p.now,
		createdAt:     now,
		lastUsed:      now,
		healthy:       true,
	}
	s.onClose = func() {
		p.mu.Lock()
		delete(p.sessions, id)
		p.mu.Unlock()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.onClose = nil
		s.Close()
		return nil, ErrPoolClosed
	}
	p.sessions[id] = s
	p.mu.Unlock()

	log.Info("session created",
		zap.String("account_id", req.AccountID),
		zap.Bool("headless", headless),
		zap.Bool("stealth", stealthOn))
	return s, nil
}

// Get looks a live session up.
func (p *Pool) Get(id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok || s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Destroy ends a session. Destroying an unknown id is not an error.
func (p *Pool) Destroy(id string) {
	p.mu.Lock()
	s := p.sessions[id]
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// List snapshots every live session.
func (p *Pool) List() []schemas.SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]schemas.SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s != nil {
			infos = append(infos, s.Info())
		}
	}
	return infos
}

// Len reports the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Reap closes sessions idle longer than the configured timeout and
// returns how many it closed.
func (p *Pool) Reap() int {
	now := p.now()
	p.mu.Lock()
	var stale []*Session
	for _, s := range p.sessions {
		if s != nil && s.idleSince(now) > p.cfg.IdleTimeout {
			stale = append(stale, s)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.log.Info("reaping idle session", zap.String("session_id", s.ID()))
		s.Close()
	}
	return len(stale)
}

// Run drives the idle reaper until ctx is cancelled, then shuts the
// pool down.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Shutdown closes every session and the Chrome allocator. Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s != nil {
			live = append(live, s)
		}
	}
	p.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
	p.allocCancel()
	p.log.Info("session pool shut down", zap.Int("closed", len(live)))
}
