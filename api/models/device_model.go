package models

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/lebao3105/LocalTalk-sub002/types"
)

// ParseDevice decodes a register body into a device record. Register
// is the one place an unvalidated identity enters the system, so the
// record must carry at least an alias and a fingerprint.
func ParseDevice(body []byte) (*types.Device, error) {
	var device types.Device
	if err := sonic.Unmarshal(body, &device); err != nil {
		return nil, fmt.Errorf("parse device record: %w", err)
	}
	if err := device.Validate(); err != nil {
		return nil, err
	}
	return &device, nil
}
