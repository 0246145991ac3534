package session

// ----------------------------
// Transport Interface
// ----------------------------

// Property is a bitmask of characteristic capabilities as reported by the
// transport.
type Property uint8

const (
	PropertyBroadcast Property = 1 << iota
	PropertyRead
	PropertyWriteWithoutResponse
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

// Supports reports whether all bits of p2 are present in p.
func (p Property) Supports(p2 Property) bool {
	return p&p2 == p2
}

// ServiceRecord is one discovered service as reported by the transport.
type ServiceRecord struct {
	UUID string
	Name string
}

// CharacteristicRecord is one discovered characteristic as reported by the
// transport.
type CharacteristicRecord struct {
	UUID       string
	Name       string
	Properties Property
}

// Transport is the interface the session core calls into the platform
// wireless stack. All operations are asynchronous requests: results come
// back through the Callbacks methods on the session, from an arbitrary
// goroutine. The session marshals every callback onto its own run loop
// before touching state, so implementations are free to call back inline
// or from their own workers.
type Transport interface {
	// Connect requests a connection attempt for the session's address.
	// Completion arrives via OnConnected or OnConnectFailed.
	Connect(s *Session)

	// CancelConnection tears down a live connection or aborts an in-flight
	// attempt. Completion arrives via OnDisconnected.
	CancelConnection(s *Session)

	// DiscoverServices requests the service list, optionally scoped to the
	// normalized UUIDs in filter (nil means all services).
	DiscoverServices(s *Session, filter []string)

	// DiscoverCharacteristics requests the characteristic list of one
	// discovered service.
	DiscoverCharacteristics(s *Session, serviceUUID string, filter []string)

	// ReadRSSI requests a signal strength sample. Completion arrives via
	// OnRSSIRead.
	ReadRSSI(s *Session)

	// ReadValue / WriteValue / SetNotify operate on a single discovered
	// characteristic.
	ReadValue(s *Session, charUUID string)
	WriteValue(s *Session, charUUID string, data []byte, withResponse bool)
	SetNotify(s *Session, charUUID string, enable bool)
}

// Callbacks is the inbound event surface the transport drives. *Session
// implements it; a transport adapter holds the session as its delegate and
// pushes every platform event through exactly one of these methods.
type Callbacks interface {
	OnConnected()
	OnConnectFailed(err error)
	OnDisconnected(err error)
	OnServicesDiscovered(records []ServiceRecord, err error)
	OnCharacteristicsDiscovered(serviceUUID string, records []CharacteristicRecord, err error)
	OnRSSIRead(value int, err error)
	OnValueUpdated(charUUID string, data []byte, err error)
	OnValueWritten(charUUID string, err error)
	OnNotifyStateChanged(charUUID string, enabled bool, err error)
}
