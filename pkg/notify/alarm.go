package notify

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Alarm is the sound and vibration played while an order is presented.
type Alarm interface {
	Start(orderID string)
	// Stop silences whatever is playing.
	Stop()
}

// LogAlarm records which order the alarm is playing for. Hosts with real
// audio output wrap it.
type LogAlarm struct {
	mu     sync.Mutex
	active string
	logger *logrus.Logger
}

func NewLogAlarm(logger *logrus.Logger) *LogAlarm {
	return &LogAlarm{logger: logger}
}

func (a *LogAlarm) Start(orderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active = orderID
	a.logger.WithField("order_id", orderID).Info("Alarm started")
}

func (a *LogAlarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == "" {
		return
	}
	a.logger.WithField("order_id", a.active).Info("Alarm stopped")
	a.active = ""
}

// Active returns the order the alarm is playing for, or "".
func (a *LogAlarm) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
