//go:build !linux

package linkmon

import (
	"net"
	"sync"
	"time"
)

const pollInterval = 60 * time.Second

// pollMonitor is the non-Linux fallback: no netns traversal, no
// netlink-driven instant notification, just a diff of net.Interfaces()
// every pollInterval. Grounded on orig:src/link/monitor.rs (the
// not(target_os = "linux") variant), which does the identical
// list-diff-sleep loop.
type pollMonitor struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewMonitor() (Monitor, error) {
	m := &pollMonitor{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *pollMonitor) Events() <-chan Event { return m.events }

func (m *pollMonitor) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *pollMonitor) run() {
	defer close(m.events)
	seen := make(map[string]bool)

	for {
		ifaces, _ := net.Interfaces()
		current := make(map[string]net.HardwareAddr, len(ifaces))
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp != 0 {
				current[iface.Name] = iface.HardwareAddr
			}
		}

		for name, mac := range current {
			if !seen[name] {
				m.emit(Event{Kind: Add, Name: name, Device: name, MAC: mac})
				seen[name] = true
			}
		}
		for name := range seen {
			if _, ok := current[name]; !ok {
				m.emit(Event{Kind: Delete, Name: name})
				delete(seen, name)
			}
		}

		select {
		case <-m.done:
			return
		case <-time.After(pollInterval):
		}
	}
}

func (m *pollMonitor) emit(e Event) {
	select {
	case m.events <- e:
	case <-m.done:
	}
}
