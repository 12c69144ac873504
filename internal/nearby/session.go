package nearby

// Mode is what the local device is currently doing on the radio.
type Mode int

const (
	Idle Mode = iota
	Advertising
	Discovering
	AdvertisingAndDiscovering
)

func modeOf(advertising, discovering bool) Mode {
	switch {
	case advertising && discovering:
		return AdvertisingAndDiscovering
	case advertising:
		return Advertising
	case discovering:
		return Discovering
	default:
		return Idle
	}
}

func (m Mode) Advertising() bool { return m == Advertising || m == AdvertisingAndDiscovering }
func (m Mode) Discovering() bool { return m == Discovering || m == AdvertisingAndDiscovering }

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	case Discovering:
		return "discovering"
	case AdvertisingAndDiscovering:
		return "advertising_and_discovering"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Session is the manager's view of the radio. ActiveEndpointID is a key into
// the endpoint registry and is empty while nothing is connected.
type Session struct {
	Mode             Mode   `json:"mode"`
	ActiveEndpointID string `json:"active_endpoint_id,omitempty"`
}
