// Package notify fans trading events out to external channels.
//
// Delivery is asynchronous: Notify returns immediately and each channel
// gets its own goroutine with a send timeout, so a slow or dead channel
// can never stall the trading path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level classifies an event for channel formatting.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Event is a single notification.
type Event struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

const sendTimeout = 10 * time.Second

// Manager fans events out to every registered channel.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *slog.Logger
}

// NewManager creates an empty manager. With no channels registered every
// notification is a cheap no-op.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger.With("component", "notify")}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("notification channel added", "channel", ch.Name())
}

// Notify dispatches the event to all channels and returns immediately.
// Each send runs detached from the caller's lifecycle so shutdown and
// emergency messages still go out while the engine is winding down.
func (m *Manager) Notify(level Level, title, message string, fields map[string]string) {
	ev := Event{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := c.Send(ctx, ev); err != nil {
				m.logger.Error("notification failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// EngineStarted announces startup with the run mode.
func (m *Manager) EngineStarted(symbols []string, dryRun bool) {
	mode := "live"
	if dryRun {
		mode = "dry-run"
	}
	m.Notify(LevelInfo, "Engine started",
		fmt.Sprintf("Trading %s in %s mode", strings.Join(symbols, ", "), mode), nil)
}

// EngineStopped announces a clean shutdown.
func (m *Manager) EngineStopped() {
	m.Notify(LevelInfo, "Engine stopped", "Shutting down", nil)
}

// PositionOpened reports a fill on entry.
func (m *Manager) PositionOpened(symbol string, price, quantity, amountKRW float64) {
	m.Notify(LevelInfo, "Position opened",
		fmt.Sprintf("%s @ %.0f KRW", symbol, price), map[string]string{
			"quantity":   strconv.FormatFloat(quantity, 'f', -1, 64),
			"amount_krw": fmt.Sprintf("%.0f", amountKRW),
		})
}

// PositionClosed reports an exit with its pnl. Losses are warnings.
func (m *Manager) PositionClosed(symbol string, exitPrice, pnl, pnlPct float64, reason string) {
	level := LevelInfo
	if pnl < 0 {
		level = LevelWarning
	}
	m.Notify(level, "Position closed",
		fmt.Sprintf("%s @ %.0f KRW (%s)", symbol, exitPrice, reason), map[string]string{
			"pnl_krw": fmt.Sprintf("%.0f", pnl),
			"pnl_pct": fmt.Sprintf("%.2f%%", pnlPct*100),
		})
}

// EmergencyStop reports a circuit-breaker trip.
func (m *Manager) EmergencyStop(reason string) {
	m.Notify(LevelCritical, "Emergency stop", reason, nil)
}

// DailyReport summarizes the finished trading day.
func (m *Manager) DailyReport(pnl, pnlPct float64, trades, wins, losses int, cvar float64) {
	level := LevelInfo
	if pnl < 0 {
		level = LevelWarning
	}
	m.Notify(level, "Daily report",
		fmt.Sprintf("PnL %.0f KRW (%.2f%%)", pnl, pnlPct*100), map[string]string{
			"trades":  strconv.Itoa(trades),
			"wins":    strconv.Itoa(wins),
			"losses":  strconv.Itoa(losses),
			"cvar_95": fmt.Sprintf("%.4f", cvar),
		})
}
