package session

import (
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blelink/internal/promise"
)

// NoDiscoveryTimeout disables the software timeout for service discovery.
const NoDiscoveryTimeout time.Duration = 0

// DiscoverAllServices discovers the full service tree. See DiscoverServices.
func (s *Session) DiscoverAllServices(timeout time.Duration) *promise.Promise[*Session] {
	return s.DiscoverServices(nil, timeout)
}

// DiscoverServices starts service discovery, optionally scoped to the UUIDs
// in filter (nil means all services). The returned promise completes with
// the session itself once the transport reports the service list, enabling
// chaining.
//
// Concurrent callers coalesce: while a discovery is pending and incomplete,
// every call returns the same promise and no second transport request is
// issued. Discovery requires a connected session and always rebuilds the
// whole service/characteristic tree, never increments it.
func (s *Session) DiscoverServices(filter []string, timeout time.Duration) *promise.Promise[*Session] {
	var p *promise.Promise[*Session]
	ok := s.loop.Call(func() {
		if s.discovery != nil && !s.discovery.Completed() {
			s.logger.WithField("address", s.address).Debug("Service discovery already pending, coalescing")
			p = s.discovery
			return
		}

		p = promise.New[*Session]()
		if s.state != Connected {
			p.Fail(ErrNotConnected)
			return
		}
		s.discovery = p

		s.discoverySeq++
		seq := s.discoverySeq

		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"seq":     seq,
			"filter":  filter,
			"timeout": timeout,
		}).Info("Discovering services...")

		if timeout != NoDiscoveryTimeout {
			s.loop.After(timeout, func() { s.discoveryTimeoutFired(seq) })
		}
		s.transport.DiscoverServices(s, NormalizeUUIDs(filter))
	})
	if !ok {
		p = promise.New[*Session]()
		p.Fail(ErrTerminated)
	}
	return p
}

// discoveryTimeoutFired runs on the loop when the discovery timeout expires.
// Same equality guard as the connect timeout: it acts only if the pending
// promise is still incomplete and its sequence tag matches the live counter.
// The cancellation it requests flows through the regular disconnect path, so
// a discovery timeout consumes one disconnect-budget retry.
func (s *Session) discoveryTimeoutFired(seq uint64) {
	if s.discovery == nil || s.discovery.Completed() || seq != s.discoverySeq {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"seq":     seq,
	}).Warn("Service discovery timed out")

	s.transport.CancelConnection(s)
	s.discovery.Fail(ErrDiscoveryTimeout)
}

// OnServicesDiscovered implements Callbacks. Arbitrary goroutine.
func (s *Session) OnServicesDiscovered(records []ServiceRecord, err error) {
	s.loop.Do(func() {
		pending := s.discovery

		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": s.address,
				"error":   err,
			}).Error("Service discovery failed")
			if pending != nil {
				pending.Fail(WrapTransportError("service discovery", err))
			}
			return
		}

		// Discovery is whole-tree-replacing.
		s.services = orderedmap.New[string, *Service]()
		s.characteristics = make(map[string]*Characteristic)

		for _, rec := range records {
			svc := newService(s, rec)
			s.services.Set(svc.uuid, svc)
		}

		s.logger.WithFields(logrus.Fields{
			"address":  s.address,
			"services": s.services.Len(),
		}).Info("Services discovered")

		// Each discovered service expands its own characteristics; results
		// are flattened into the session map as they arrive.
		for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
			pair.Value.discoverCharacteristics(nil)
		}

		if pending != nil {
			pending.Complete(s)
		}
	})
}

// OnCharacteristicsDiscovered implements Callbacks. Arbitrary goroutine.
func (s *Session) OnCharacteristicsDiscovered(serviceUUID string, records []CharacteristicRecord, err error) {
	s.loop.Do(func() {
		svc, ok := s.services.Get(NormalizeUUID(serviceUUID))
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"address":      s.address,
				"service_uuid": serviceUUID,
			}).Warn("Characteristics reported for unknown service, dropping")
			return
		}
		svc.characteristicsDiscovered(records, err)
	})
}

// Services returns the discovered services in discovery order.
func (s *Session) Services() []*Service {
	var result []*Service
	s.loop.Call(func() {
		result = make([]*Service, 0, s.services.Len())
		for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
			result = append(result, pair.Value)
		}
	})
	return result
}

// Service retrieves a discovered service by UUID.
func (s *Session) Service(uuid string) (*Service, bool) {
	var (
		svc *Service
		ok  bool
	)
	s.loop.Call(func() {
		svc, ok = s.services.Get(NormalizeUUID(uuid))
	})
	return svc, ok
}

// Characteristic retrieves a discovered characteristic by UUID from the
// flattened session-level map.
func (s *Session) Characteristic(uuid string) (*Characteristic, bool) {
	var (
		char *Characteristic
		ok   bool
	)
	s.loop.Call(func() {
		char, ok = s.characteristics[NormalizeUUID(uuid)]
	})
	return char, ok
}
