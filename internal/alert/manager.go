// Package alert pushes operator notifications for the events that need a
// human: authentication failures, exhausted reconnects, rejected orders.
// Delivery is best effort; a full queue drops instead of blocking trading.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize    = 128
	defaultDropInterval = time.Minute
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
}

type Manager struct {
	environment string
	notifier    Notifier
	log         zerolog.Logger
	queue       chan event
	stop        chan struct{}
	done        chan struct{}

	dropInterval   time.Duration
	droppedTotal   uint64
	droppedInRound uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(environment string, notifier Notifier, log zerolog.Logger) *Manager {
	return NewManagerWithOptions(environment, notifier, log, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropInterval,
	})
}

func NewManagerWithOptions(environment string, notifier Notifier, log zerolog.Logger, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	dropInterval := opts.DropReportInterval
	if dropInterval < 0 {
		dropInterval = 0
	}
	m := &Manager{
		environment:  environment,
		notifier:     notifier,
		log:          log.With().Str("component", "alert").Logger(),
		queue:        make(chan event, queueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		dropInterval: dropInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInRound := atomic.AddUint64(&m.droppedInRound, 1)
		m.mu.RUnlock()
		// First drop in a window is logged immediately; the rest roll into
		// the periodic summary.
		if droppedInRound == 1 {
			m.log.Warn().
				Str("target_event", name).
				Uint64("dropped_total", droppedTotal).
				Int("queue_len", len(m.queue)).
				Int("queue_cap", cap(m.queue)).
				Msg("alert queue full, dropping")
		}
	}
}

// Close drains the queue, sends what it can, and waits for the workers or
// ctx, whichever finishes first.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			m.reportDropped()
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := atomic.SwapUint64(&m.droppedInRound, 0)
	if dropped == 0 {
		return
	}
	m.log.Warn().
		Uint64("dropped_since_last", dropped).
		Uint64("dropped_total", atomic.LoadUint64(&m.droppedTotal)).
		Int("queue_len", len(m.queue)).
		Msg("alert drop summary")
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedInRound)
}

func (m *Manager) send(ev event) {
	msg := m.buildMessage(ev.name, ev.fields)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.log.Error().Err(err).Str("target_event", ev.name).Msg("alert delivery failed")
	}
}

func (m *Manager) buildMessage(name string, fields map[string]string) string {
	lines := []string{
		"[cryptotrader] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"environment: " + m.environment,
		"event: " + name,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
