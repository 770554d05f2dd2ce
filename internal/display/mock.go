// Package display — mock.go
//
// In-memory display server used by the controller and sequencer test
// suites. State transitions are scripted by the test through SetState;
// every controller mutation is recorded so tests can assert on it.

package display

import (
	"sync"

	"github.com/duskd/duskd/internal/watch"
)

// Mock is a scriptable display server.
type Mock struct {
	mu sync.Mutex

	states *watch.Channel[State]

	idleTimeout     int
	timeoutWrites   []int
	forcedActivity  int
	dpmsCapable     bool
	dpmsEnabled     bool
	dpmsLevel       DPMSLevel
	dpmsTimeouts    DPMSTimeouts
	forceActivityFn func() // optional hook, runs after the mock's lock is released
}

// NewMock creates a mock display server in the Awakened state with DPMS
// enabled and a default timeout of 600 seconds.
func NewMock() *Mock {
	return &Mock{
		states:      watch.New(Awakened),
		idleTimeout: 600,
		dpmsCapable: true,
		dpmsEnabled: true,
		dpmsLevel:   DPMSOn,
	}
}

// SetState scripts an idleness transition.
func (m *Mock) SetState(s State) {
	m.states.Set(s)
}

// TimeoutWrites returns every value passed to SetIdleTimeout, in order.
func (m *Mock) TimeoutWrites() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.timeoutWrites...)
}

// ForcedActivityCount returns how many times ForceActivity was called.
func (m *Mock) ForcedActivityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forcedActivity
}

// OnForceActivity installs a hook invoked on every ForceActivity call.
func (m *Mock) OnForceActivity(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceActivityFn = fn
}

// SetDPMSCapable scripts the capability probe.
func (m *Mock) SetDPMSCapable(capable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dpmsCapable = capable
}

// Subscribe implements Server.
func (m *Mock) Subscribe() *watch.Receiver[State] {
	return m.states.Subscribe()
}

// Controller implements Server.
func (m *Mock) Controller() Controller {
	return (*mockController)(m)
}

// Close implements Server.
func (m *Mock) Close() error {
	m.states.Close()
	return nil
}

type mockController Mock

func (c *mockController) SetIdleTimeout(seconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleTimeout = seconds
	c.timeoutWrites = append(c.timeoutWrites, seconds)
	return nil
}

func (c *mockController) IdleTimeout() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleTimeout, nil
}

func (c *mockController) ForceActivity() error {
	c.mu.Lock()
	c.forcedActivity++
	fn := c.forceActivityFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	(*Mock)(c).SetState(Awakened)
	return nil
}

func (c *mockController) DPMSCapable() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dpmsCapable, nil
}

func (c *mockController) DPMSInfo() (DPMSLevel, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dpmsLevel, c.dpmsEnabled, nil
}

func (c *mockController) SetDPMSLevel(level DPMSLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dpmsLevel = level
	return nil
}

func (c *mockController) SetDPMSEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dpmsEnabled = enabled
	return nil
}

func (c *mockController) DPMSTimeouts() (DPMSTimeouts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dpmsTimeouts, nil
}

func (c *mockController) SetDPMSTimeouts(timeouts DPMSTimeouts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dpmsTimeouts = timeouts
	return nil
}
