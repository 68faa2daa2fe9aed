package modem

import "fmt"

// Stage of modem bring-up. Forward only within one Run.
type Stage int

const (
	StageOff Stage = iota
	StagePoweringOn
	StageATResponsive
	StageSIMReady
	StageNetworkAttached
	StagePacketSession
)

var stageNames = [...]string{"off", "powering-on", "at-responsive", "sim-ready", "network-attached", "packet-session"}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type PowerState int

const (
	PowerOff PowerState = iota
	PowerPoweringOn
	PowerReady
	PowerPoweringOff
)

func (p PowerState) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerPoweringOn:
		return "powering-on"
	case PowerReady:
		return "ready"
	case PowerPoweringOff:
		return "powering-off"
	}
	return fmt.Sprintf("power(%d)", int(p))
}

// SessionState is owned by Lifecycle, others get a copy via State().
type SessionState struct {
	Power               PowerState
	SIMUnlocked         bool
	NetworkAttached     bool
	PacketSessionActive bool
}

func (s SessionState) String() string {
	return fmt.Sprintf("power=%s sim=%t network=%t packet=%t",
		s.Power, s.SIMUnlocked, s.NetworkAttached, s.PacketSessionActive)
}
