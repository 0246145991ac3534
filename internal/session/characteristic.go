package session

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blelink/internal/promise"
)

// DefaultNotifyCapacity is the default buffer size for notification streams.
const DefaultNotifyCapacity = 128

// ----------------------------
// Characteristic
// ----------------------------

// Characteristic is one discovered GATT characteristic. Operations return
// one-shot promises completed by the corresponding transport callbacks;
// overlapping same-kind operations coalesce onto the pending promise.
type Characteristic struct {
	session    *Session
	service    *Service
	uuid       string
	name       string
	properties Property

	value     []byte
	notifying bool

	readPromise   *promise.Promise[[]byte]
	writePromise  *promise.Promise[*Characteristic]
	notifyPromise *promise.Promise[bool]
	updates       *promise.Stream[[]byte]
}

func newCharacteristic(sv *Service, rec CharacteristicRecord) *Characteristic {
	return &Characteristic{
		session:    sv.session,
		service:    sv,
		uuid:       NormalizeUUID(rec.UUID),
		name:       rec.Name,
		properties: rec.Properties,
	}
}

// UUID returns the normalized characteristic UUID.
func (c *Characteristic) UUID() string { return c.uuid }

// KnownName returns the characteristic name reported by the transport, if any.
func (c *Characteristic) KnownName() string { return c.name }

// Service returns the owning service.
func (c *Characteristic) Service() *Service { return c.service }

// Properties returns the capability bitmask.
func (c *Characteristic) Properties() Property { return c.properties }

// Value returns the last value seen for this characteristic, nil if none.
func (c *Characteristic) Value() []byte {
	var v []byte
	c.session.loop.Call(func() { v = c.value })
	return v
}

// IsNotifying reports whether notifications are currently enabled.
func (c *Characteristic) IsNotifying() bool {
	var n bool
	c.session.loop.Call(func() { n = c.notifying })
	return n
}

// Read requests the characteristic value. Concurrent reads coalesce; fails
// immediately with ErrNotConnected on a disconnected session.
func (c *Characteristic) Read() *promise.Promise[[]byte] {
	var p *promise.Promise[[]byte]
	ok := c.session.loop.Call(func() {
		if c.readPromise != nil && !c.readPromise.Completed() {
			p = c.readPromise
			return
		}
		p = promise.New[[]byte]()
		if c.session.state != Connected {
			p.Fail(ErrNotConnected)
			return
		}
		c.readPromise = p
		c.session.transport.ReadValue(c.session, c.uuid)
	})
	if !ok {
		p = promise.New[[]byte]()
		p.Fail(ErrTerminated)
	}
	return p
}

// Write sends data to the characteristic. With withResponse the promise
// completes when the transport acknowledges the write; without it the
// transport acknowledges locally as soon as the request is issued.
func (c *Characteristic) Write(data []byte, withResponse bool) *promise.Promise[*Characteristic] {
	var p *promise.Promise[*Characteristic]
	ok := c.session.loop.Call(func() {
		if c.writePromise != nil && !c.writePromise.Completed() {
			p = c.writePromise
			return
		}
		p = promise.New[*Characteristic]()
		if c.session.state != Connected {
			p.Fail(ErrNotConnected)
			return
		}
		c.writePromise = p
		c.session.transport.WriteValue(c.session, c.uuid, data, withResponse)
	})
	if !ok {
		p = promise.New[*Characteristic]()
		p.Fail(ErrTerminated)
	}
	return p
}

// SetNotify enables or disables notifications. While enabled, incoming
// values are published on the stream returned by Updates.
func (c *Characteristic) SetNotify(enable bool, capacity int) *promise.Promise[bool] {
	if capacity <= 0 {
		capacity = DefaultNotifyCapacity
	}
	var p *promise.Promise[bool]
	ok := c.session.loop.Call(func() {
		if c.notifyPromise != nil && !c.notifyPromise.Completed() {
			p = c.notifyPromise
			return
		}
		p = promise.New[bool]()
		if c.session.state != Connected {
			p.Fail(ErrNotConnected)
			return
		}
		if enable && c.updates == nil {
			c.updates = promise.NewStream[[]byte](capacity)
		}
		c.notifyPromise = p
		c.session.transport.SetNotify(c.session, c.uuid, enable)
	})
	if !ok {
		p = promise.New[bool]()
		p.Fail(ErrTerminated)
	}
	return p
}

// Updates returns the notification stream, nil when notifications were
// never enabled.
func (c *Characteristic) Updates() *promise.Stream[[]byte] {
	var st *promise.Stream[[]byte]
	c.session.loop.Call(func() { st = c.updates })
	return st
}

// valueUpdated must run on the loop.
func (c *Characteristic) valueUpdated(data []byte, err error) {
	if err != nil {
		if c.readPromise != nil && !c.readPromise.Completed() {
			c.readPromise.Fail(WrapTransportError("read", err))
		}
		c.readPromise = nil
		if c.updates != nil {
			c.updates.Fail(WrapTransportError("notification", err))
		}
		return
	}

	c.value = data
	if c.readPromise != nil {
		c.readPromise.Complete(data)
		c.readPromise = nil
	}
	if c.notifying && c.updates != nil {
		c.updates.Send(data)
	}
}

// written must run on the loop.
func (c *Characteristic) written(err error) {
	if c.writePromise == nil {
		return
	}
	if err != nil {
		c.writePromise.Fail(WrapTransportError("write", err))
	} else {
		c.writePromise.Complete(c)
	}
	c.writePromise = nil
}

// notifyChanged must run on the loop.
func (c *Characteristic) notifyChanged(enabled bool, err error) {
	if err != nil {
		if c.notifyPromise != nil && !c.notifyPromise.Completed() {
			c.notifyPromise.Fail(WrapTransportError("set notify", err))
		}
		c.notifyPromise = nil
		return
	}
	c.notifying = enabled
	if !enabled && c.updates != nil {
		c.updates.Close()
		c.updates = nil
	}
	if c.notifyPromise != nil {
		c.notifyPromise.Complete(enabled)
		c.notifyPromise = nil
	}
}

// disconnected must run on the loop. Fails every in-flight operation fast.
func (c *Characteristic) disconnected(err error) {
	if c.readPromise != nil && !c.readPromise.Completed() {
		c.readPromise.Fail(err)
	}
	c.readPromise = nil
	if c.writePromise != nil && !c.writePromise.Completed() {
		c.writePromise.Fail(err)
	}
	c.writePromise = nil
	if c.notifyPromise != nil && !c.notifyPromise.Completed() {
		c.notifyPromise.Fail(err)
	}
	c.notifyPromise = nil
	if c.updates != nil {
		c.updates.Fail(err)
		c.updates.Close()
		c.updates = nil
	}
	c.notifying = false
}

// ----------------------------
// Transport callbacks routed to characteristics
// ----------------------------

// OnValueUpdated implements Callbacks. Arbitrary goroutine.
func (s *Session) OnValueUpdated(charUUID string, data []byte, err error) {
	s.loop.Do(func() {
		char, ok := s.characteristics[NormalizeUUID(charUUID)]
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"address":   s.address,
				"char_uuid": charUUID,
			}).Warn("Value update for unknown characteristic, dropping")
			return
		}
		char.valueUpdated(data, err)
	})
}

// OnValueWritten implements Callbacks. Arbitrary goroutine.
func (s *Session) OnValueWritten(charUUID string, err error) {
	s.loop.Do(func() {
		if char, ok := s.characteristics[NormalizeUUID(charUUID)]; ok {
			char.written(err)
		}
	})
}

// OnNotifyStateChanged implements Callbacks. Arbitrary goroutine.
func (s *Session) OnNotifyStateChanged(charUUID string, enabled bool, err error) {
	s.loop.Do(func() {
		if char, ok := s.characteristics[NormalizeUUID(charUUID)]; ok {
			char.notifyChanged(enabled, err)
		}
	})
}
