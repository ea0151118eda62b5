package bluetooth

import "github.com/pkg/errors"

// Service is a GATT service with its characteristics, to be published with
// AddService or AddApplication.
type Service struct {
	// UUID of the service.
	UUID UUID

	// Secondary marks a service that is only meant to be included by other
	// services. The zero value publishes a primary service.
	Secondary bool

	Characteristics []CharacteristicConfig
}

// CharacteristicConfig describes a characteristic to be published. A
// characteristic answers requests either through callbacks (ReadEvent,
// WriteEvent) or through an acquired byte stream (AcquireWriteEvent,
// AcquireNotifyEvent); configuring both models for the same operation is a
// configuration error reported when the service is added. With neither, the
// engine serves the operation from an internal value cell seeded with
// Value.
type CharacteristicConfig struct {
	// Handle, if set, is filled with a handle to the published
	// characteristic, for pushing value changes to subscribers.
	Handle *Characteristic

	UUID  UUID
	Value []byte
	Flags CharacteristicPermissions

	Descriptors []DescriptorConfig

	// ReadEvent answers a read request with the bytes to return, or with
	// an Error from the attribute taxonomy.
	ReadEvent func(request ReadRequest) ([]byte, error)

	// WriteEvent accepts or rejects an incoming write.
	WriteEvent func(request WriteRequest, value []byte) error

	// NotifyEvent is called when the subscription state of the
	// characteristic changes.
	NotifyEvent func(enabled bool)

	// AcquireWriteEvent upgrades incoming writes from per-message requests
	// to a raw byte stream the application drains directly. Requires the
	// write-without-response capability.
	AcquireWriteEvent func(request AcquireRequest, stream *Stream)

	// AcquireNotifyEvent upgrades outgoing notifications to a raw byte
	// stream the application feeds directly; every chunk of at most the
	// request's MTU becomes one notification. Requires the notify
	// capability.
	AcquireNotifyEvent func(request AcquireRequest, stream *Stream)
}

// DescriptorConfig describes a descriptor below a characteristic. Like a
// characteristic it answers through callbacks or, without them, from a
// value cell.
type DescriptorConfig struct {
	UUID  UUID
	Value []byte
	Flags DescriptorPermissions

	ReadEvent  func(request ReadRequest) ([]byte, error)
	WriteEvent func(request WriteRequest, value []byte) error
}

// CharacteristicPermissions lists the capabilities of a characteristic,
// such as read and write permissions.
type CharacteristicPermissions uint16

// Characteristic permission bitfields.
const (
	CharacteristicBroadcastPermission CharacteristicPermissions = 1 << iota
	CharacteristicReadPermission
	CharacteristicWriteWithoutResponsePermission
	CharacteristicWritePermission
	CharacteristicNotifyPermission
	CharacteristicIndicatePermission
	CharacteristicEncryptReadPermission
	CharacteristicEncryptWritePermission
	CharacteristicEncryptAuthenticatedReadPermission
	CharacteristicEncryptAuthenticatedWritePermission
	CharacteristicSecureReadPermission
	CharacteristicSecureWritePermission
)

// Broadcast returns whether broadcasting of the value is permitted.
func (p CharacteristicPermissions) Broadcast() bool {
	return p&CharacteristicBroadcastPermission != 0
}

// Read returns whether reading of the value is permitted.
func (p CharacteristicPermissions) Read() bool {
	return p&CharacteristicReadPermission != 0
}

// Write returns whether writing of the value with Write Request is
// permitted.
func (p CharacteristicPermissions) Write() bool {
	return p&CharacteristicWritePermission != 0
}

// WriteWithoutResponse returns whether writing of the value with Write
// Command is permitted.
func (p CharacteristicPermissions) WriteWithoutResponse() bool {
	return p&CharacteristicWriteWithoutResponsePermission != 0
}

// Notify returns whether notifications are permitted.
func (p CharacteristicPermissions) Notify() bool {
	return p&CharacteristicNotifyPermission != 0
}

// Indicate returns whether indications are permitted.
func (p CharacteristicPermissions) Indicate() bool {
	return p&CharacteristicIndicatePermission != 0
}

func (p CharacteristicPermissions) readable() bool {
	return p&(CharacteristicReadPermission|CharacteristicEncryptReadPermission|
		CharacteristicEncryptAuthenticatedReadPermission|CharacteristicSecureReadPermission) != 0
}

func (p CharacteristicPermissions) writable() bool {
	return p&(CharacteristicWritePermission|CharacteristicWriteWithoutResponsePermission|
		CharacteristicEncryptWritePermission|CharacteristicEncryptAuthenticatedWritePermission|
		CharacteristicSecureWritePermission) != 0
}

var characteristicFlagNames = []struct {
	bit  CharacteristicPermissions
	name string
}{
	{CharacteristicBroadcastPermission, "broadcast"},
	{CharacteristicReadPermission, "read"},
	{CharacteristicWriteWithoutResponsePermission, "write-without-response"},
	{CharacteristicWritePermission, "write"},
	{CharacteristicNotifyPermission, "notify"},
	{CharacteristicIndicatePermission, "indicate"},
	{CharacteristicEncryptReadPermission, "encrypt-read"},
	{CharacteristicEncryptWritePermission, "encrypt-write"},
	{CharacteristicEncryptAuthenticatedReadPermission, "encrypt-authenticated-read"},
	{CharacteristicEncryptAuthenticatedWritePermission, "encrypt-authenticated-write"},
	{CharacteristicSecureReadPermission, "secure-read"},
	{CharacteristicSecureWritePermission, "secure-write"},
}

// bluezFlags renders the permission bits in the daemon's flag-string
// convention.
func (p CharacteristicPermissions) bluezFlags() []string {
	flags := make([]string, 0, 4)
	for _, f := range characteristicFlagNames {
		if p&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return flags
}

// DescriptorPermissions lists the capabilities of a descriptor.
type DescriptorPermissions uint16

// Descriptor permission bitfields.
const (
	DescriptorReadPermission DescriptorPermissions = 1 << iota
	DescriptorWritePermission
	DescriptorEncryptReadPermission
	DescriptorEncryptWritePermission
	DescriptorEncryptAuthenticatedReadPermission
	DescriptorEncryptAuthenticatedWritePermission
	DescriptorSecureReadPermission
	DescriptorSecureWritePermission
	DescriptorAuthorizePermission
)

// Read returns whether reading of the value is permitted.
func (p DescriptorPermissions) Read() bool {
	return p&(DescriptorReadPermission|DescriptorEncryptReadPermission|
		DescriptorEncryptAuthenticatedReadPermission|DescriptorSecureReadPermission) != 0
}

// Write returns whether writing of the value is permitted.
func (p DescriptorPermissions) Write() bool {
	return p&(DescriptorWritePermission|DescriptorEncryptWritePermission|
		DescriptorEncryptAuthenticatedWritePermission|DescriptorSecureWritePermission) != 0
}

var descriptorFlagNames = []struct {
	bit  DescriptorPermissions
	name string
}{
	{DescriptorReadPermission, "read"},
	{DescriptorWritePermission, "write"},
	{DescriptorEncryptReadPermission, "encrypt-read"},
	{DescriptorEncryptWritePermission, "encrypt-write"},
	{DescriptorEncryptAuthenticatedReadPermission, "encrypt-authenticated-read"},
	{DescriptorEncryptAuthenticatedWritePermission, "encrypt-authenticated-write"},
	{DescriptorSecureReadPermission, "secure-read"},
	{DescriptorSecureWritePermission, "secure-write"},
	{DescriptorAuthorizePermission, "authorize"},
}

func (p DescriptorPermissions) bluezFlags() []string {
	flags := make([]string, 0, 2)
	for _, f := range descriptorFlagNames {
		if p&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return flags
}

// LinkType identifies the transport a request arrived on.
type LinkType uint8

const (
	// LinkUnknown is used when the daemon did not report a link type.
	LinkUnknown LinkType = iota
	// LinkBREDR marks a request that arrived over a BR/EDR (classic) link.
	LinkBREDR
	// LinkLE marks a request that arrived over a Low Energy link.
	LinkLE
)

func parseLinkType(s string) LinkType {
	switch s {
	case "BR/EDR":
		return LinkBREDR
	case "LE":
		return LinkLE
	}
	return LinkUnknown
}

// WriteOp is the kind of an incoming write.
type WriteOp uint8

const (
	// WriteOpRequest is an acknowledged write (Write Request).
	WriteOpRequest WriteOp = iota
	// WriteOpCommand is an unacknowledged write (Write Command).
	WriteOpCommand
	// WriteOpReliable is a write in a reliable write transaction.
	WriteOpReliable
)

func parseWriteOp(s string) WriteOp {
	switch s {
	case "command":
		return WriteOpCommand
	case "reliable":
		return WriteOpReliable
	}
	return WriteOpRequest
}

// ReadRequest describes one incoming read. Offset is only meaningful for
// long reads and is passed through to the handler untouched.
type ReadRequest struct {
	Offset uint16
	MTU    uint16
	Link   LinkType
}

// WriteRequest describes one incoming write. Offset and PrepareAuthorize
// are only meaningful for long and prepared writes; the daemon performs
// the chunked reassembly, the engine passes both through untouched.
type WriteRequest struct {
	Offset           uint16
	Op               WriteOp
	MTU              uint16
	Link             LinkType
	PrepareAuthorize bool
}

// AcquireRequest describes one acquire-write or acquire-notify upgrade. MTU
// is the packet bound of the resulting stream.
type AcquireRequest struct {
	MTU  uint16
	Link LinkType
}

// validate reports configuration errors in the service tree. It runs before
// anything is exposed to the daemon, so a broken tree fails at build time
// rather than at dispatch time.
func (s *Service) validate() error {
	if s.UUID == (UUID{}) {
		return errors.New("bluetooth: service without UUID")
	}
	for i := range s.Characteristics {
		c := &s.Characteristics[i]
		if c.UUID == (UUID{}) {
			return errors.Errorf("bluetooth: service %s: characteristic %d without UUID", s.UUID, i)
		}
		if c.WriteEvent != nil && c.AcquireWriteEvent != nil {
			return errors.Errorf("bluetooth: characteristic %s: both write callback and write stream configured", c.UUID)
		}
		if c.NotifyEvent != nil && c.AcquireNotifyEvent != nil {
			return errors.Errorf("bluetooth: characteristic %s: both notify callback and notify stream configured", c.UUID)
		}
		if c.AcquireWriteEvent != nil && !c.Flags.WriteWithoutResponse() {
			return errors.Errorf("bluetooth: characteristic %s: write stream requires the write-without-response capability", c.UUID)
		}
		if c.AcquireNotifyEvent != nil && !c.Flags.Notify() {
			return errors.Errorf("bluetooth: characteristic %s: notify stream requires the notify capability", c.UUID)
		}
		if c.ReadEvent != nil && !c.Flags.readable() {
			return errors.Errorf("bluetooth: characteristic %s: read callback without a read capability", c.UUID)
		}
		for j := range c.Descriptors {
			if c.Descriptors[j].UUID == (UUID{}) {
				return errors.Errorf("bluetooth: characteristic %s: descriptor %d without UUID", c.UUID, j)
			}
		}
	}
	return nil
}
