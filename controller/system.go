package controller

import "log"

// Commander executes a host power command ("poweroff" or "reboot"). The
// default commander only logs, so a stray request cannot take the host down
// while developing off-device.
type Commander func(cmd string) error

// System controls the host machine itself. State: {"power": "on"|"reboot"|"off"}.
type System struct {
	Base
	run   Commander
	state State
}

func NewSystem(name string, run Commander) *System {
	if run == nil {
		run = func(cmd string) error {
			log.Printf("system: would execute /sbin/shutdown (%s)", cmd)
			return nil
		}
	}
	return &System{
		Base:  NewBase(name, "system"),
		run:   run,
		state: State{"power": "on"},
	}
}

func (s *System) GetState() State { return s.state.Clone() }

func (s *System) SetState(partial State) (State, error) {
	power, ok := partial["power"].(string)
	if !ok {
		return s.GetState(), nil
	}
	switch power {
	case "on":
		// Nothing to execute; the machine is on if we are running.
	case "off":
		if err := s.run("poweroff"); err != nil {
			return nil, &DeviceError{Controller: s.Name(), Op: "poweroff", Err: err}
		}
	case "reboot":
		if err := s.run("reboot"); err != nil {
			return nil, &DeviceError{Controller: s.Name(), Op: "reboot", Err: err}
		}
	default:
		return s.GetState(), nil // unknown power state, ignored
	}
	s.state["power"] = power
	return s.GetState(), nil
}

func init() {
	Register("system", func(name string, params map[string]any) (Controller, error) {
		return NewSystem(name, nil), nil
	})
}
