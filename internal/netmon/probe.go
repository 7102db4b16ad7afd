package netmon

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Prober checks backend reachability on an interval and feeds the result into
// the Monitor. Any HTTP response counts as reachable — a 500 from the backend
// still proves the network path works; delivery errors are the uploader's
// problem, not connectivity.
type Prober struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	mon        *Monitor
	logger     *zap.Logger
}

func NewProber(url string, interval, timeout time.Duration, mon *Monitor, logger *zap.Logger) *Prober {
	return &Prober{
		url:      url,
		interval: interval,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		mon:    mon,
		logger: logger,
	}
}

// Run probes immediately, then on every tick until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("connectivity prober started",
		zap.String("url", p.url), zap.Duration("interval", p.interval))

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("connectivity prober stopping")
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error("build probe request", zap.Error(err))
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.mon.Handle(Event{Connected: false})
		return
	}
	resp.Body.Close()

	reachable := true
	p.mon.Handle(Event{Connected: true, InternetReachable: &reachable})
}
