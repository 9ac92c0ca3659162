// State machine for Controller, grounded on node/state.go's ConnState/
// baseState pattern: an interface with one method per transition/event,
// a baseState embed supplying "invalid in this state" defaults, and one
// concrete type per state overriding only the transitions it accepts.
package controller

import "fmt"

// state is the interface every Controller state implements.
type state interface {
	Name() string
	Load(c *Controller) error
	Start(c *Controller, seconds float64) error
	Pause(c *Controller, paused bool) error
	SeekTo(c *Controller, seconds float64, relative bool) error
	SetSpeed(c *Controller, speed float64) error
	SeekToFlag(c *Controller, flag EngagementFlag) error
	Stop(c *Controller) error
}

type baseState struct{ name string }

func (s *baseState) Name() string { return s.name }
func (s *baseState) Load(*Controller) error {
	return fmt.Errorf("cannot load in %s state", s.name)
}
func (s *baseState) Start(*Controller, float64) error {
	return fmt.Errorf("cannot start in %s state", s.name)
}
func (s *baseState) Pause(*Controller, bool) error {
	return fmt.Errorf("cannot pause in %s state", s.name)
}
func (s *baseState) SeekTo(*Controller, float64, bool) error {
	return fmt.Errorf("cannot seek in %s state", s.name)
}
func (s *baseState) SetSpeed(*Controller, float64) error {
	return fmt.Errorf("cannot set speed in %s state", s.name)
}
func (s *baseState) SeekToFlag(*Controller, EngagementFlag) error {
	return fmt.Errorf("cannot seek to flag in %s state", s.name)
}
func (s *baseState) Stop(c *Controller) error {
	c.setState(newStoppedState())
	c.doStop()
	return nil
}

// ============================================================
// idleState — before load() is called
// ============================================================

type idleState struct{ baseState }

func newIdleState() *idleState { return &idleState{baseState{name: "IDLE"}} }

func (s *idleState) Load(c *Controller) error {
	c.setState(newLoadingState())
	return c.doLoad()
}

// ============================================================
// loadingState — route resolved, window/merger running, waiting for
// the first successful merge
// ============================================================

type loadingState struct{ baseState }

func newLoadingState() *loadingState { return &loadingState{baseState{name: "LOADING"}} }

func (s *loadingState) Start(c *Controller, seconds float64) error {
	c.applySeek(seconds, false)
	return nil
}
func (s *loadingState) SeekTo(c *Controller, seconds float64, relative bool) error {
	c.applySeek(seconds, relative)
	return nil
}
func (s *loadingState) Stop(c *Controller) error {
	c.setState(newStoppedState())
	c.doStop()
	return nil
}

// ============================================================
// streamingState — stream loop running, clock advancing
// ============================================================

type streamingState struct{ baseState }

func newStreamingState() *streamingState { return &streamingState{baseState{name: "STREAMING"}} }

func (s *streamingState) Pause(c *Controller, paused bool) error {
	if !paused {
		return nil
	}
	c.setState(newPausedState())
	c.clock.Pause(true, c.currentMono())
	return nil
}
func (s *streamingState) Start(c *Controller, seconds float64) error {
	c.applySeek(seconds, false)
	return nil
}
func (s *streamingState) SeekTo(c *Controller, seconds float64, relative bool) error {
	c.applySeek(seconds, relative)
	return nil
}
func (s *streamingState) SetSpeed(c *Controller, speed float64) error {
	c.clock.SetSpeed(speed, c.currentMono())
	return nil
}
func (s *streamingState) SeekToFlag(c *Controller, flag EngagementFlag) error {
	return c.applySeekToFlag(flag)
}

// ============================================================
// pausedState — clock frozen, loop parked
// ============================================================

type pausedState struct{ baseState }

func newPausedState() *pausedState { return &pausedState{baseState{name: "PAUSED"}} }

func (s *pausedState) Pause(c *Controller, paused bool) error {
	if paused {
		return nil
	}
	c.setState(newStreamingState())
	c.clock.Pause(false, c.currentMono())
	return nil
}
func (s *pausedState) Start(c *Controller, seconds float64) error {
	c.applySeek(seconds, false)
	return nil
}
func (s *pausedState) SeekTo(c *Controller, seconds float64, relative bool) error {
	c.applySeek(seconds, relative)
	return nil
}
func (s *pausedState) SetSpeed(c *Controller, speed float64) error {
	c.clock.SetSpeed(speed, c.currentMono())
	return nil
}
func (s *pausedState) SeekToFlag(c *Controller, flag EngagementFlag) error {
	return c.applySeekToFlag(flag)
}

// ============================================================
// stoppedState — terminal
// ============================================================

type stoppedState struct{ baseState }

func newStoppedState() *stoppedState { return &stoppedState{baseState{name: "STOPPED"}} }

func (s *stoppedState) Stop(*Controller) error { return nil } // already stopped
