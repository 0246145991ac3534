package session

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/srg/blelink/internal/promise"
)

// ----------------------------
// Service
// ----------------------------

// Service is one discovered GATT service, owned by its session. It is
// mutated only by callbacks routed through the session loop; accessors may
// be called from any goroutine.
type Service struct {
	session *Session
	uuid    string
	name    string

	characteristics map[string]*Characteristic
	discovery       *promise.Promise[*Service]
}

func newService(s *Session, rec ServiceRecord) *Service {
	return &Service{
		session:         s,
		uuid:            NormalizeUUID(rec.UUID),
		name:            rec.Name,
		characteristics: make(map[string]*Characteristic),
	}
}

// UUID returns the normalized service UUID.
func (sv *Service) UUID() string { return sv.uuid }

// KnownName returns the service name reported by the transport, if any.
func (sv *Service) KnownName() string { return sv.name }

// Characteristics returns the service's characteristics sorted by UUID for
// consistent ordering.
func (sv *Service) Characteristics() []*Characteristic {
	var result []*Characteristic
	sv.session.loop.Call(func() {
		result = make([]*Characteristic, 0, len(sv.characteristics))
		for _, char := range sv.characteristics {
			result = append(result, char)
		}
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].uuid < result[j].uuid
	})
	return result
}

// Characteristic retrieves one characteristic of this service by UUID.
func (sv *Service) Characteristic(uuid string) (*Characteristic, bool) {
	var (
		char *Characteristic
		ok   bool
	)
	sv.session.loop.Call(func() {
		char, ok = sv.characteristics[NormalizeUUID(uuid)]
	})
	return char, ok
}

// DiscoverCharacteristics expands this service's characteristics, optionally
// scoped to filter. Concurrent callers coalesce onto the pending promise.
// The session triggers this for every service after service discovery; a
// caller can re-run it with a filter.
func (sv *Service) DiscoverCharacteristics(filter []string) *promise.Promise[*Service] {
	var p *promise.Promise[*Service]
	ok := sv.session.loop.Call(func() {
		p = sv.discoverCharacteristics(filter)
	})
	if !ok {
		p = promise.New[*Service]()
		p.Fail(ErrTerminated)
	}
	return p
}

// discoverCharacteristics must run on the loop.
func (sv *Service) discoverCharacteristics(filter []string) *promise.Promise[*Service] {
	if sv.discovery != nil && !sv.discovery.Completed() {
		return sv.discovery
	}

	p := promise.New[*Service]()
	if sv.session.state != Connected {
		p.Fail(ErrNotConnected)
		return p
	}
	sv.discovery = p

	sv.session.logger.WithFields(logrus.Fields{
		"address":      sv.session.address,
		"service_uuid": sv.uuid,
	}).Debug("Discovering characteristics...")

	sv.session.transport.DiscoverCharacteristics(sv.session, sv.uuid, NormalizeUUIDs(filter))
	return p
}

// characteristicsDiscovered must run on the loop. Successfully discovered
// characteristics are flattened into the session-level map.
func (sv *Service) characteristicsDiscovered(records []CharacteristicRecord, err error) {
	pending := sv.discovery

	if err != nil {
		sv.session.logger.WithFields(logrus.Fields{
			"address":      sv.session.address,
			"service_uuid": sv.uuid,
			"error":        err,
		}).Error("Characteristic discovery failed")
		if pending != nil && !pending.Completed() {
			pending.Fail(WrapTransportError("characteristic discovery", err))
		}
		return
	}

	sv.characteristics = make(map[string]*Characteristic, len(records))
	for _, rec := range records {
		char := newCharacteristic(sv, rec)
		sv.characteristics[char.uuid] = char
		sv.session.characteristics[char.uuid] = char
	}

	sv.session.logger.WithFields(logrus.Fields{
		"address":         sv.session.address,
		"service_uuid":    sv.uuid,
		"characteristics": len(sv.characteristics),
	}).Debug("Characteristics discovered")

	if pending != nil && !pending.Completed() {
		pending.Complete(sv)
	}
}

// disconnected must run on the loop. Propagates a session disconnect so
// in-flight characteristic operations fail fast.
func (sv *Service) disconnected(err error) {
	if sv.discovery != nil && !sv.discovery.Completed() {
		sv.discovery.Fail(err)
	}
	for _, char := range sv.characteristics {
		char.disconnected(err)
	}
}
