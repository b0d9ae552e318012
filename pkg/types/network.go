package types

// NetworkID identifies a physical network as reported by the platform
type NetworkID string

// NetworkType classifies a network by transport
type NetworkType string

const (
	NetworkWiFi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkOther    NetworkType = "other"
)

// NetworkCapabilities is the platform's view of a network at one instant
type NetworkCapabilities struct {
	Transport     NetworkType
	HasInternet   bool
	NotVPN        bool
	Validated     bool
	NotMetered    bool
	InterfaceName string
}

// IsValidPhysical reports whether the network can carry tunnel traffic
func (c NetworkCapabilities) IsValidPhysical() bool {
	return c.HasInternet && c.NotVPN
}
