// Package probe periodically checks the completion upstream and logs the
// result, either on a fixed interval or a cron expression.
package probe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/larkrelay/pkg/config"
	"github.com/dotsetgreg/larkrelay/pkg/logger"
	"github.com/dotsetgreg/larkrelay/pkg/providers"
)

const checkTimeout = 15 * time.Second

type Prober struct {
	completer providers.Completer
	every     time.Duration
	cron      string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New builds a prober from config. Returns nil when probing is disabled.
func New(cfg config.ProbeConfig, completer providers.Completer) (*Prober, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	p := &Prober{completer: completer}

	cron := strings.TrimSpace(cfg.Cron)
	if cron != "" {
		if !gronx.New().IsValid(cron) {
			return nil, fmt.Errorf("invalid probe cron expression %q", cron)
		}
		p.cron = cron
		return p, nil
	}

	every := cfg.EverySeconds
	if every <= 0 {
		every = 300
	}
	p.every = time.Duration(every) * time.Second
	return p, nil
}

func (p *Prober) Start(ctx context.Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(runCtx)
	logger.InfoCF("probe", "Upstream probe started", map[string]interface{}{
		"cron":  p.cron,
		"every": p.every.String(),
	})
}

func (p *Prober) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()

	// Cron schedules tick once a minute and fire when the expression is
	// due; interval schedules use a plain ticker.
	interval := p.every
	if p.cron != "" {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("probe", "Upstream probe stopped")
			return
		case <-ticker.C:
			if p.cron != "" {
				due, err := gronx.New().IsDue(p.cron, time.Now())
				if err != nil || !due {
					continue
				}
			}
			p.check(ctx)
		}
	}
}

func (p *Prober) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	health, err := p.completer.Health(checkCtx)
	if err != nil {
		logger.WarnCF("probe", "Upstream health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if !health.Ready {
		logger.WarnCF("probe", "Upstream not ready", map[string]interface{}{
			"detail": health.Detail,
		})
		return
	}
	logger.DebugC("probe", "Upstream healthy")
}
