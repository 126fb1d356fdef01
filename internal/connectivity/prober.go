package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/okcolf/colfexpress/internal/logging"
)

// Pinger checks whether the remote side answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPPinger issues a GET against URL and accepts any 2xx response.
type HTTPPinger struct {
	URL    string
	Client *http.Client
}

// Ping implements Pinger.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Prober periodically pings the remote side and feeds the Monitor.
type Prober struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a Prober. A zero timeout defaults to five seconds.
func NewProber(m *Monitor, p Pinger, interval, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{monitor: m, pinger: p, interval: interval, timeout: timeout}
}

// ProbeOnce pings once and records the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	if err != nil {
		logging.Debug("connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	p.monitor.Set(err == nil, "probe")
	return err == nil
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeOnce(ctx)
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
