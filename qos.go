package elbus

import (
	"errors"
	"sync"
)

// QoS is the delivery confirmation strength requested for one send operation.
type QoS byte

const (
	// QoSNo attempts the delivery and reports nothing back.
	QoSNo QoS = 0
	// QoSProcessed completes only after the broker confirmed the delivery.
	QoSProcessed QoS = 1
)

// ErrInvalidQoS is returned when a frame carries an unknown QoS value.
var ErrInvalidQoS = errors.New("elbus: invalid qos")

// String returns the QoS name used in logs and configuration.
func (q QoS) String() string {
	switch q {
	case QoSNo:
		return "no"
	case QoSProcessed:
		return "processed"
	default:
		return "unknown"
	}
}

// Valid reports whether q is a known QoS level.
func (q QoS) Valid() bool {
	return q == QoSNo || q == QoSProcessed
}

// ParseQoS parses a QoS name as produced by String.
func ParseQoS(s string) (QoS, error) {
	switch s {
	case "no", "0":
		return QoSNo, nil
	case "processed", "1":
		return QoSProcessed, nil
	default:
		return 0, ErrInvalidQoS
	}
}

var errOpIDExhausted = errors.New("elbus: no available op ids")

// opIDManager hands out non-zero op ids for frames awaiting an ACK.
// Zero is never allocated: the broker treats a zero flags byte as a ping
// and op ids are only meaningful for processed frames.
type opIDManager struct {
	mu   sync.Mutex
	used map[uint32]struct{}
	next uint32
}

func newOpIDManager() *opIDManager {
	return &opIDManager{
		used: make(map[uint32]struct{}),
		next: 1,
	}
}

// Allocate returns the next free op id.
func (m *opIDManager) Allocate() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.next
	for {
		id := m.next
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if _, ok := m.used[id]; !ok {
			m.used[id] = struct{}{}
			return id, nil
		}
		if m.next == start {
			return 0, errOpIDExhausted
		}
	}
}

// Release returns an op id to the pool.
func (m *opIDManager) Release(id uint32) {
	m.mu.Lock()
	delete(m.used, id)
	m.mu.Unlock()
}

// InUse returns the number of allocated op ids.
func (m *opIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}
