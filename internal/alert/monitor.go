package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/messaging"
)

type MonitorConfig struct {
	// Threshold is the number of consecutive failed cycles before an
	// alert goes out.
	Threshold int
	// Cooldown is the minimum gap between alerts.
	Cooldown time.Duration
}

// Monitor watches cycle status events and notifies the operator when
// sync has been failing for a while. A successful cycle resets the
// count.
type Monitor struct {
	broker   messaging.Broker
	notifier Notifier
	config   MonitorConfig
	log      *logger.Logger

	mu          sync.Mutex
	consecutive int
	lastAlertAt time.Time
}

func NewMonitor(broker messaging.Broker, notifier Notifier, config MonitorConfig, log *logger.Logger) *Monitor {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = time.Hour
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &Monitor{
		broker:   broker,
		notifier: notifier,
		config:   config,
		log:      log.WithComponent("alert"),
	}
}

// Start consumes status events until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	events, err := messaging.SubscribeEvents(ctx, m.broker, messaging.ChannelStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to status events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			m.observe(ctx, event)
		}
	}
}

func (m *Monitor) observe(ctx context.Context, event messaging.Event) {
	if event.Type != messaging.EventStatusUpdated {
		return
	}

	if event.Error == "" {
		m.mu.Lock()
		m.consecutive = 0
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.consecutive++
	count := m.consecutive
	fire := count >= m.config.Threshold && time.Since(m.lastAlertAt) >= m.config.Cooldown
	if fire {
		m.lastAlertAt = time.Now()
	}
	m.mu.Unlock()

	if !fire {
		return
	}

	subject := "sync has been failing"
	body := fmt.Sprintf("%d consecutive sync cycles failed.\n\nLast error: %s\nLast attempt: %s\n",
		count, event.Error, event.At.Format(time.RFC3339))
	if err := m.notifier.Notify(ctx, subject, body); err != nil {
		m.log.Error(err, "failed to deliver alert")
		// A failed delivery does not start the cooldown.
		m.mu.Lock()
		m.lastAlertAt = time.Time{}
		m.mu.Unlock()
		return
	}

	m.log.WithFields(map[string]interface{}{
		"consecutive": count,
	}).Warn("alert delivered")
}
