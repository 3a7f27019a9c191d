package capture

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/otus-agent/otus/internal/linkmon"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/shutdown"
)

// Manager owns the set of live capture workers, spawning and tearing them
// down as linkmon.Monitor reports interfaces appearing and disappearing.
// Grounded on the teacher's Capture.Boot/runPartition lifecycle (one
// goroutine per partition, a WaitGroup joined on shutdown) generalized from
// a fixed partition count to a dynamic interface set.
type Manager struct {
	Config Config
	Out    chan<- Batch
	Done   *shutdown.Flag

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Run consumes link events until ctx is cancelled or mon is closed.
func (m *Manager) Run(ctx context.Context, mon linkmon.Monitor) {
	log := logging.With("capture-manager")
	m.cancels = make(map[string]context.CancelFunc)
	defer m.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case ev, ok := <-mon.Events():
			if !ok {
				m.stopAll()
				return
			}
			m.handle(ctx, ev, log)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev linkmon.Event, log *logrus.Entry) {
	switch ev.Kind {
	case linkmon.Add:
		if !m.Config.Matches(ev.Name) {
			return
		}
		m.start(ctx, ev)
	case linkmon.Delete:
		m.stop(ev.Name)
	case linkmon.Error:
		log.WithError(ev.Cause).WithField("iface", ev.Name).Warn("link monitor reported an error")
	}
}

func (m *Manager) start(ctx context.Context, ev linkmon.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cancels[ev.Name]; exists {
		return
	}

	device := ev.Device
	if device == "" {
		device = ev.Name
	}

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancels[ev.Name] = cancel

	w := &Worker{
		Interface:  device,
		Config:     m.Config,
		EnterNetns: ev.EnterNetns,
		Out:        m.Out,
		Done:       m.Done,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log := logging.With("capture-manager").WithField("iface", ev.Name)
		if err := w.Run(workerCtx); err != nil {
			log.WithError(err).Error("capture worker exited with error")
		}
		m.mu.Lock()
		delete(m.cancels, ev.Name)
		m.mu.Unlock()
	}()
}

func (m *Manager) stop(name string) {
	m.mu.Lock()
	cancel, exists := m.cancels[name]
	m.mu.Unlock()
	if exists {
		cancel()
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, c := range m.cancels {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}
