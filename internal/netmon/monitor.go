package netmon

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one connectivity observation. InternetReachable is nil when the
// source could not verify reachability beyond the local link.
type Event struct {
	Connected         bool  `json:"connected"`
	InternetReachable *bool `json:"internet_reachable"`
}

// Online interprets the event: connected, and internet reachable or unknown.
func (e Event) Online() bool {
	return e.Connected && (e.InternetReachable == nil || *e.InternetReachable)
}

// Monitor tracks the device's connectivity state and fires a trigger when the
// device comes back online. The trigger is delayed by a settle period so a
// flapping link (driving through patchy coverage) does not start sync passes
// it cannot finish; going offline again within the window cancels the trigger.
//
// Overlapping triggers are harmless: the engine's single-pass guard absorbs
// them.
type Monitor struct {
	settle  time.Duration
	trigger func()
	logger  *zap.Logger

	mu     sync.Mutex
	online bool
	timer  *time.Timer
}

// DefaultSettleDelay is how long connectivity must hold before a reconnect
// trigger fires.
const DefaultSettleDelay = 2 * time.Second

// New creates a Monitor that starts offline; the first online event (from the
// prober or an external push) both flips the state and schedules the trigger,
// which doubles as the startup sync.
func New(settle time.Duration, trigger func(), logger *zap.Logger) *Monitor {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if trigger == nil {
		trigger = func() {}
	}
	return &Monitor{settle: settle, trigger: trigger, logger: logger}
}

// Online reports the current state. Used by the engine's offline guard.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Handle feeds one connectivity event into the monitor. Events may come from
// the HTTP prober or be pushed by the host over the control API.
func (m *Monitor) Handle(ev Event) {
	online := ev.Online()

	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		return
	}
	m.online = online

	if !online {
		// Went offline: a not-yet-fired reconnect trigger is stale.
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.logger.Info("connectivity lost")
		return
	}

	m.logger.Info("connectivity restored, sync trigger scheduled",
		zap.Duration("settle", m.settle))
	m.timer = time.AfterFunc(m.settle, func() {
		m.mu.Lock()
		stillOnline := m.online
		m.timer = nil
		m.mu.Unlock()
		if stillOnline {
			m.trigger()
		}
	})
}

// Close cancels any pending trigger.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
