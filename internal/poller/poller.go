package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	"github.com/micro-ha/northtracker/addon/internal/model"
)

// ErrIntegrationNotConfigured means no credentials are available yet.
var ErrIntegrationNotConfigured = errors.New("integration not configured")

type Refresher interface {
	RefreshCycle(ctx context.Context) (coordinator.Result, error)
}

type ConfigSource interface {
	Get() (model.TrackerConfig, bool)
}

// Listener receives every successful cycle.
type Listener interface {
	OnRefresh(ctx context.Context, res coordinator.Result)
}

type ListenerFunc func(ctx context.Context, res coordinator.Result)

func (f ListenerFunc) OnRefresh(ctx context.Context, res coordinator.Result) { f(ctx, res) }

// Poller serialises refresh cycles: the timer and TriggerRefresh both feed
// the same loop, so a cycle never starts while one is running.
type Poller struct {
	refresher Refresher
	config    ConfigSource
	refreshCh chan struct{}
	logger    *slog.Logger
	idle      time.Duration
	waitFn    func() time.Duration

	// holdForCredentials stops timer-driven cycles after the vendor rejected
	// the credentials. Only Run touches it.
	holdForCredentials bool

	mu        sync.RWMutex
	listeners []Listener
}

func New(refresher Refresher, cfg ConfigSource, logger *slog.Logger) *Poller {
	p := &Poller{
		refresher: refresher,
		config:    cfg,
		refreshCh: make(chan struct{}, 1),
		logger:    logger.With("component", "poller"),
		idle:      30 * time.Second,
	}
	p.waitFn = p.interval
	return p
}

func (p *Poller) AddListener(l Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// TriggerRefresh requests a cycle now. It also resumes scheduled polling
// after a credential rejection.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

func (p *Poller) interval() time.Duration {
	if cfg, ok := p.config.Get(); ok {
		return cfg.PollInterval()
	}
	return p.idle
}

func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(p.waitFn())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refreshCh:
			timer.Stop()
			p.holdForCredentials = false
		case <-timer.C:
			if p.holdForCredentials {
				p.logger.Debug("poll skipped; waiting for new credentials or a manual refresh")
				continue
			}
		}
		if err := p.PollOnce(ctx); err != nil {
			if errors.Is(err, ErrIntegrationNotConfigured) {
				p.logger.Info("poll skipped; integration not configured")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if coordinator.IsReauthRequired(err) {
				p.holdForCredentials = true
				p.logger.Error("poll failed; credentials need to be re-entered, scheduled polls paused", "err", err)
				continue
			}
			p.logger.Warn("poll failed; will retry next cycle", "err", err)
		}
	}
}

// PollOnce runs one cycle and notifies listeners when it succeeds.
func (p *Poller) PollOnce(ctx context.Context) error {
	if _, ok := p.config.Get(); !ok {
		return ErrIntegrationNotConfigured
	}
	res, err := p.refresher.RefreshCycle(ctx)
	if err != nil {
		return err
	}

	p.mu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, l := range listeners {
		l.OnRefresh(ctx, res)
	}
	return nil
}
