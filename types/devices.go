package types

import "fmt"

// ProtocolVersion is the protocol generation this implementation speaks.
const ProtocolVersion = "2.1"

// DeviceType classifies a peer on the wire.
type DeviceType string

const (
	DeviceTypeMobile   DeviceType = "mobile"
	DeviceTypeDesktop  DeviceType = "desktop"
	DeviceTypeWeb      DeviceType = "web"
	DeviceTypeHeadless DeviceType = "headless"
	DeviceTypeServer   DeviceType = "server"
)

// Valid reports whether t is one of the known device types. Empty is
// allowed on the wire (the field is optional).
func (t DeviceType) Valid() bool {
	switch t {
	case "", DeviceTypeMobile, DeviceTypeDesktop, DeviceTypeWeb, DeviceTypeHeadless, DeviceTypeServer:
		return true
	}
	return false
}

// Device is the identity record exchanged during discovery and negotiation.
// The fingerprint is the stable identity key; IP and port may change between
// sightings of the same device.
type Device struct {
	Alias       string     `json:"alias"`
	Version     string     `json:"version"`
	DeviceModel string     `json:"deviceModel,omitempty"`
	DeviceType  DeviceType `json:"deviceType,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	Port        int        `json:"port"`
	Protocol    string     `json:"protocol"`
	Download    bool       `json:"download,omitempty"`
}

// NewDevice builds a Device with the defaults the protocol expects.
func NewDevice(alias, fingerprint string, port int, protocol string) Device {
	if protocol == "" {
		protocol = "http"
	}
	return Device{
		Alias:       alias,
		Version:     ProtocolVersion,
		DeviceType:  DeviceTypeHeadless,
		Fingerprint: fingerprint,
		Port:        port,
		Protocol:    protocol,
	}
}

// SameIdentity reports whether two records describe the same logical device.
// Network address is deliberately excluded: a device reconnecting on a new
// IP/port is still the same device.
func (d Device) SameIdentity(other Device) bool {
	return d.Alias == other.Alias &&
		d.DeviceModel == other.DeviceModel &&
		d.DeviceType == other.DeviceType &&
		d.Fingerprint == other.Fingerprint
}

// Validate checks the fields a peer must supply before we act on its record.
func (d Device) Validate() error {
	if d.Alias == "" {
		return fmt.Errorf("device alias is empty")
	}
	if d.Fingerprint == "" {
		return fmt.Errorf("device fingerprint is empty")
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("device port %d out of range", d.Port)
	}
	if d.Protocol != "" && d.Protocol != "http" && d.Protocol != "https" {
		return fmt.Errorf("unknown device protocol %q", d.Protocol)
	}
	if !d.DeviceType.Valid() {
		return fmt.Errorf("unknown device type %q", d.DeviceType)
	}
	return nil
}

// Announcement is the discovery payload multicast over UDP. Announce=true
// asks listeners to answer with a register callback; responses carry
// Announce=false so they do not trigger callbacks in turn.
type Announcement struct {
	Device
	Announce bool `json:"announce"`
}
