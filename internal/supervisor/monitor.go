package supervisor

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/metrics"
)

// Monitor periodically sweeps the registry: it corrects the running
// gauge and catches children that died without the exit watcher marking
// them (should not happen, but a supervisor distrusts its own books).
type Monitor struct {
	ctrl *Controller
	cron *cron.Cron
}

// NewMonitor builds a monitor sweeping at the controller's configured
// interval.
func NewMonitor(ctrl *Controller) (*Monitor, error) {
	m := &Monitor{ctrl: ctrl, cron: cron.New()}
	schedule := fmt.Sprintf("@every %s", ctrl.cfg.MonitorInterval)
	if _, err := m.cron.AddFunc(schedule, m.sweep); err != nil {
		return nil, fmt.Errorf("invalid monitor schedule: %w", err)
	}
	return m, nil
}

// Start begins the periodic sweep
func (m *Monitor) Start() {
	m.cron.Start()
}

// Stop halts the sweep; running sweeps finish first
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// sweep reconciles instance state with process reality
func (m *Monitor) sweep() {
	running := 0
	for _, inst := range m.ctrl.reg.all() {
		inst.mu.Lock()
		if inst.status == StatusRunning {
			if inst.handle != nil && !inst.handle.Alive() {
				// Exit watcher missed it; mark failed here
				inst.status = StatusFailed
				inst.handle = nil
				inst.client = nil
				logger.Slog().Warn("sweep found dead child",
					"user", inst.Key.Username, "server", inst.Key.Name)
			} else {
				running++
			}
		}
		inst.mu.Unlock()
	}
	metrics.SetServersRunning(float64(running))
}
