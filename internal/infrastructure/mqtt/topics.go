package mqtt

import "fmt"

// Topic prefixes for the SmartLock MQTT hierarchy.
//
// Device topics use the scheme: smartlock/device/{device_id}/{purpose}
// matching what the lock firmware subscribes to.
const (
	// TopicPrefixDevice is the base for all per-device topics.
	TopicPrefixDevice = "smartlock/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "smartlock/system"
)

// Topics provides builders for SmartLock MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	tokenTopic := topics.ProvisionToken("lock-front-door")
//	// Returns: "smartlock/device/lock-front-door/provision/token"
type Topics struct{}

// =============================================================================
// Provisioning Topics
// =============================================================================

// ProvisionToken returns the topic a device receives its provisioning token on.
//
// Example: smartlock/device/lock-front-door/provision/token
func (Topics) ProvisionToken(deviceID string) string {
	return fmt.Sprintf("%s/%s/provision/token", TopicPrefixDevice, deviceID)
}

// ProvisionRequest returns the topic devices use to request provisioning.
//
// Example: smartlock/device/lock-front-door/provision/request
func (Topics) ProvisionRequest(deviceID string) string {
	return fmt.Sprintf("%s/%s/provision/request", TopicPrefixDevice, deviceID)
}

// CACertificate returns the topic the root CA certificate is delivered on.
//
// Example: smartlock/device/lock-front-door/ca_certificate
func (Topics) CACertificate(deviceID string) string {
	return fmt.Sprintf("%s/%s/ca_certificate", TopicPrefixDevice, deviceID)
}

// =============================================================================
// OTA Topics
// =============================================================================

// OTACommand returns the topic firmware update manifests are pushed to.
//
// Example: smartlock/device/lock-front-door/ota/command
func (Topics) OTACommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/ota/command", TopicPrefixDevice, deviceID)
}

// OTAProgress returns the topic devices report update progress on.
//
// Example: smartlock/device/lock-front-door/ota/progress
func (Topics) OTAProgress(deviceID string) string {
	return fmt.Sprintf("%s/%s/ota/progress", TopicPrefixDevice, deviceID)
}

// =============================================================================
// Device Runtime Topics
// =============================================================================

// DeviceStatus returns the topic devices publish their online/offline status on.
//
// Example: smartlock/device/lock-front-door/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// DeviceControl returns the topic for control commands to a device.
//
// Example: smartlock/device/lock-front-door/control/unlock
func (Topics) DeviceControl(deviceID, command string) string {
	return fmt.Sprintf("%s/%s/control/%s", TopicPrefixDevice, deviceID, command)
}

// DeviceAccess returns the topic devices report access attempts on.
//
// Example: smartlock/device/lock-front-door/access
func (Topics) DeviceAccess(deviceID string) string {
	return fmt.Sprintf("%s/%s/access", TopicPrefixDevice, deviceID)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic used for the service LWT.
//
// Example: smartlock/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllProvisionRequests returns a pattern matching provisioning requests from any device.
//
// Pattern: smartlock/device/+/provision/request
func (Topics) AllProvisionRequests() string {
	return fmt.Sprintf("%s/+/provision/request", TopicPrefixDevice)
}

// AllOTAProgress returns a pattern matching OTA progress from any device.
//
// Pattern: smartlock/device/+/ota/progress
func (Topics) AllOTAProgress() string {
	return fmt.Sprintf("%s/+/ota/progress", TopicPrefixDevice)
}

// AllDeviceStatus returns a pattern matching status updates from any device.
//
// Pattern: smartlock/device/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevice)
}

// AllDeviceAccess returns a pattern matching access reports from any device.
//
// Pattern: smartlock/device/+/access
func (Topics) AllDeviceAccess() string {
	return fmt.Sprintf("%s/+/access", TopicPrefixDevice)
}

// AllTopics returns a pattern matching all SmartLock topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: smartlock/#
func (Topics) AllTopics() string {
	return "smartlock/#"
}

// DeviceIDFromTopic extracts the device identifier from a per-device topic.
// Returns "" if the topic does not match the device scheme.
//
// Example: "smartlock/device/lock-1/ota/progress" -> "lock-1"
func DeviceIDFromTopic(topic string) string {
	const prefix = TopicPrefixDevice + "/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}
