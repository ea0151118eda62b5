package bluetooth

import (
	"errors"
	"time"
)

var (
	errScanning                    = errors.New("bluetooth: a scan is already in progress")
	errNotScanning                 = errors.New("bluetooth: there is no scan in progress")
	errAdvertisementNotStarted     = errors.New("bluetooth: advertisement is not started")
	errAdvertisementAlreadyStarted = errors.New("bluetooth: advertisement is already started")
)

// Duration is the unit of time used in BLE timing parameters, in 0.625µs
// units. To convert from a time.Duration, use NewDuration.
type Duration uint16

// NewDuration returns a new Duration, in units of 0.625µs. Rounds down.
func NewDuration(interval time.Duration) Duration {
	return Duration(interval / (625 * time.Microsecond))
}

// ConnectionParams are used when connecting to a peripheral.
type ConnectionParams struct {
	// The timeout for the connection attempt. Not used on all platforms.
	ConnectionTimeout Duration

	// Minimum and maximum connection interval. Not used on all platforms.
	MinInterval Duration
	MaxInterval Duration
}

// AdvertisementOptions configures an advertisement instance. More options
// may be added over time.
type AdvertisementOptions struct {
	// The (complete) local name that will be advertised. Optional, omitted
	// if this is a zero-length string.
	LocalName string

	// ServiceUUIDs are the services (16-bit or 128-bit) that are broadcast
	// as part of the advertisement packet, in data types such as "complete
	// list of 128-bit UUIDs".
	ServiceUUIDs []UUID

	// Interval in BLE-specific units. Create an interval by using
	// NewDuration. Ignored on Linux: BlueZ does not expose the interval.
	Interval Duration

	// ManufacturerData stores company-specific data.
	ManufacturerData []ManufacturerDataElement

	// ServiceData stores service-associated data.
	ServiceData []ServiceDataElement
}

// ManufacturerDataElement is a single manufacturer data record in an
// advertisement packet or a scan result.
type ManufacturerDataElement struct {
	// CompanyID is a 16-bit number assigned by the Bluetooth SIG.
	CompanyID uint16

	// Data starts after the company ID in the record.
	Data []byte
}

// ServiceDataElement is a single service data record in an advertisement
// packet or a scan result.
type ServiceDataElement struct {
	// UUID of the service the data belongs to.
	UUID UUID

	// Data starts after the service UUID in the record.
	Data []byte
}

// AdvertisementPayload contains information obtained during a scan (see
// ScanResult).
type AdvertisementPayload interface {
	// LocalName is the (complete or shortened) local name of the device.
	LocalName() string

	// HasServiceUUID returns true whether the given UUID is present in the
	// advertisement payload as a Service Class UUID.
	HasServiceUUID(UUID) bool

	// ManufacturerData returns the manufacturer data records in the
	// advertisement payload.
	ManufacturerData() []ManufacturerDataElement

	// ServiceData returns the service data records in the advertisement
	// payload.
	ServiceData() []ServiceDataElement
}

// AdvertisementFields contains advertisement fields in structured form.
type AdvertisementFields struct {
	// The LocalName part of the advertisement (either the complete local
	// name or the shortened local name).
	LocalName string

	// ServiceUUIDs are the services the device advertises.
	ServiceUUIDs []UUID

	// ManufacturerData is the manufacturer data of the advertisement.
	ManufacturerData []ManufacturerDataElement

	// ServiceData is the service data of the advertisement.
	ServiceData []ServiceDataElement
}

// advertisementFields wraps AdvertisementFields to implement the
// AdvertisementPayload interface.
type advertisementFields struct {
	AdvertisementFields
}

// LocalName returns the underlying LocalName field.
func (p *advertisementFields) LocalName() string {
	return p.AdvertisementFields.LocalName
}

// HasServiceUUID returns true whether the given UUID is present in the
// advertisement payload as a Service Class UUID.
func (p *advertisementFields) HasServiceUUID(uuid UUID) bool {
	for _, u := range p.AdvertisementFields.ServiceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

// ManufacturerData returns the underlying ManufacturerData field.
func (p *advertisementFields) ManufacturerData() []ManufacturerDataElement {
	return p.AdvertisementFields.ManufacturerData
}

// ServiceData returns the underlying ServiceData field.
func (p *advertisementFields) ServiceData() []ServiceDataElement {
	return p.AdvertisementFields.ServiceData
}

// ScanResult contains information from when an advertisement packet was
// received. It is passed as a parameter to the callback of the Scan method.
type ScanResult struct {
	// Bluetooth address of the scanned device.
	Address Address

	// RSSI the last time a packet from this device has been received.
	RSSI int16

	// The data obtained from the advertisement data, which may contain
	// many different properties.
	AdvertisementPayload
}
