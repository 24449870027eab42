// Package action holds the run state machine driven by operator actions
// and the non-blocking inboxes the transport feeds them into.
package action

import (
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// Effect is what the tick loop has to do after actions were applied.
type Effect struct {
	// Respawn requests the vehicle to be placed at SpawnPoint.
	Respawn    bool
	SpawnPoint int
	Quit       bool
	// Changed is set when the run state was modified.
	Changed bool
}

// Machine tracks the run state. It is owned by the tick loop and not safe
// for concurrent use.
type Machine struct {
	state             model.RunState
	defaultSpawnPoint int
}

func NewMachine(defaultSpawnPoint int) *Machine {
	return &Machine{state: model.StateRunning, defaultSpawnPoint: defaultSpawnPoint}
}

func (m *Machine) State() model.RunState { return m.state }

func (m *Machine) Paused() bool { return m.state == model.StatePaused }

func (m *Machine) Terminating() bool { return m.state == model.StateTerminating }

// Apply performs a single transition. Transitions that are not valid in
// the current state are ignored and yield an empty effect.
func (m *Machine) Apply(ev model.ActionEvent) Effect {
	if m.state == model.StateTerminating {
		return Effect{}
	}
	switch ev.Type {
	case model.ActionQuit:
		m.state = model.StateTerminating
		return Effect{Quit: true, Changed: true}
	case model.ActionPause:
		if m.state == model.StateRunning {
			m.state = model.StatePaused
			return Effect{Changed: true}
		}
	case model.ActionResume:
		if m.state == model.StatePaused {
			m.state = model.StateRunning
			return Effect{Changed: true}
		}
	case model.ActionRespawn:
		sp := m.defaultSpawnPoint
		if v, ok := ev.SpawnPoint(); ok {
			sp = v
		}
		return Effect{Respawn: true, SpawnPoint: sp}
	}
	return Effect{}
}

// ApplyAll applies the events of one tick in arrival order. Repeated
// events of the same type collapse into the first one that had an effect,
// so that e.g. two respawn requests within a tick cause a single respawn.
// Ignored events (resume while running) do not count.
func (m *Machine) ApplyAll(events []model.ActionEvent) Effect {
	var eff Effect
	seen := make(map[model.ActionType]bool, len(events))
	for _, ev := range events {
		if seen[ev.Type] {
			continue
		}
		e := m.Apply(ev)
		if e.Changed || e.Respawn || e.Quit {
			seen[ev.Type] = true
		}
		if e.Respawn && !eff.Respawn {
			eff.Respawn = true
			eff.SpawnPoint = e.SpawnPoint
		}
		eff.Quit = eff.Quit || e.Quit
		eff.Changed = eff.Changed || e.Changed
	}
	return eff
}
