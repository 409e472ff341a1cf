package wlan

import "fmt"

// ClientID names one of the five scan clients. The set is closed; every
// per-client table in the core is an array indexed by ClientID.
type ClientID uint8

const (
	ClientRoamingImmediate ClientID = iota
	ClientRoamingContinuous
	ClientDriverPeriodic
	ClientAppOneShot
	ClientAppPeriodic
	NumClients
)

// Clients lists every client id.
var Clients = []ClientID{
	ClientRoamingImmediate,
	ClientRoamingContinuous,
	ClientDriverPeriodic,
	ClientAppOneShot,
	ClientAppPeriodic,
}

var clientNames = [NumClients]string{
	ClientRoamingImmediate:  "roaming-immediate",
	ClientRoamingContinuous: "roaming-continuous",
	ClientDriverPeriodic:    "driver-periodic",
	ClientAppOneShot:        "app-oneshot",
	ClientAppPeriodic:       "app-periodic",
}

func (c ClientID) String() string {
	if c < NumClients {
		return clientNames[c]
	}
	return fmt.Sprintf("client(%d)", uint8(c))
}

// Valid reports whether c is one of the five clients.
func (c ClientID) Valid() bool {
	return c < NumClients
}

// ParseClientID parses the String form.
func ParseClientID(s string) (ClientID, error) {
	for i, name := range clientNames {
		if name == s {
			return ClientID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown scan client %q", s)
}

// IsRoaming reports whether c is one of the roaming clients.
func (c ClientID) IsRoaming() bool {
	return c == ClientRoamingImmediate || c == ClientRoamingContinuous
}

// IsPeriodic reports whether c runs repeating scan cycles.
func (c ClientID) IsPeriodic() bool {
	return c == ClientDriverPeriodic || c == ClientAppPeriodic
}
