// Package goble adapts the go-ble/ble stack to the session.Transport
// interface. Every operation runs on its own named goroutine and reports
// completion through the session's callback surface; the session serializes
// those callbacks onto its run loop, so this package never touches session
// state directly.
package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/session"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// conn is the per-session live transport state.
type conn struct {
	client     ble.Client
	cancelDial context.CancelFunc

	services map[string]*ble.Service
	chars    map[string]*ble.Characteristic
}

// Transport implements session.Transport over go-ble/ble.
type Transport struct {
	logger *logrus.Logger

	mu    sync.Mutex
	conns map[uuid.UUID]*conn
}

// NewTransport creates a transport adapter. A nil logger falls back to a
// default logrus instance.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		conns:  make(map[uuid.UUID]*conn),
	}
}

// Connect implements session.Transport.
func (t *Transport) Connect(s *session.Session) {
	groutine.Go(context.Background(), "ble-dial-"+s.Address(), func(context.Context) {
		dev, err := DeviceFactory()
		if err != nil {
			t.logger.WithField("error", err).Error("Failed to create BLE device")
			s.OnConnectFailed(NormalizeError(err))
			return
		}
		ble.SetDefaultDevice(dev)

		dialCtx, cancel := context.WithCancel(context.Background())
		c := &conn{
			cancelDial: cancel,
			services:   make(map[string]*ble.Service),
			chars:      make(map[string]*ble.Characteristic),
		}
		t.mu.Lock()
		t.conns[s.ID()] = c
		t.mu.Unlock()

		t.logger.WithField("address", s.Address()).Debug("Dialing BLE device...")
		client, err := ble.Dial(dialCtx, ble.NewAddr(s.Address()))
		if err != nil {
			t.remove(s.ID())
			t.logger.WithFields(logrus.Fields{
				"address": s.Address(),
				"error":   err,
			}).Warn("Failed to dial BLE device")
			s.OnConnectFailed(NormalizeError(err))
			return
		}

		t.mu.Lock()
		c.client = client
		t.mu.Unlock()

		t.logger.WithField("address", s.Address()).Info("BLE device connected")
		s.OnConnected()

		// The Disconnected channel fires both for remote disconnects and
		// for our own CancelConnection.
		<-client.Disconnected()
		t.remove(s.ID())
		t.logger.WithField("address", s.Address()).Info("BLE device disconnected")
		s.OnDisconnected(nil)
	})
}

// CancelConnection implements session.Transport. For a live connection it
// cancels at the client; for an in-flight dial it cancels the dial context.
// Either way the completion is reported back as a disconnect.
func (t *Transport) CancelConnection(s *session.Session) {
	t.mu.Lock()
	c, ok := t.conns[s.ID()]
	t.mu.Unlock()

	if !ok {
		// Nothing in flight; keep the state machine moving.
		s.OnDisconnected(nil)
		return
	}

	if c.client != nil {
		if err := c.client.CancelConnection(); err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": s.Address(),
				"error":   err,
			}).Warn("Failed to cancel BLE connection")
		}
		return
	}
	c.cancelDial()
}

// DiscoverServices implements session.Transport.
func (t *Transport) DiscoverServices(s *session.Session, filter []string) {
	groutine.Go(context.Background(), "ble-discover-"+s.Address(), func(context.Context) {
		c, client, err := t.lookup(s)
		if err != nil {
			s.OnServicesDiscovered(nil, err)
			return
		}

		uuids, err := parseUUIDs(filter)
		if err != nil {
			s.OnServicesDiscovered(nil, err)
			return
		}

		services, err := client.DiscoverServices(uuids)
		if err != nil {
			s.OnServicesDiscovered(nil, NormalizeError(err))
			return
		}

		records := make([]session.ServiceRecord, 0, len(services))
		t.mu.Lock()
		for _, svc := range services {
			svcUUID := session.NormalizeUUID(svc.UUID.String())
			c.services[svcUUID] = svc
			records = append(records, session.ServiceRecord{UUID: svcUUID})
		}
		t.mu.Unlock()

		s.OnServicesDiscovered(records, nil)
	})
}

// DiscoverCharacteristics implements session.Transport.
func (t *Transport) DiscoverCharacteristics(s *session.Session, serviceUUID string, filter []string) {
	groutine.Go(context.Background(), "ble-discover-chars-"+s.Address(), func(context.Context) {
		c, client, err := t.lookup(s)
		if err != nil {
			s.OnCharacteristicsDiscovered(serviceUUID, nil, err)
			return
		}

		t.mu.Lock()
		svc, ok := c.services[session.NormalizeUUID(serviceUUID)]
		t.mu.Unlock()
		if !ok {
			s.OnCharacteristicsDiscovered(serviceUUID, nil, &session.SessionError{
				Kind: session.NotConnected,
				Msg:  "service not discovered: " + serviceUUID,
			})
			return
		}

		uuids, err := parseUUIDs(filter)
		if err != nil {
			s.OnCharacteristicsDiscovered(serviceUUID, nil, err)
			return
		}

		chars, err := client.DiscoverCharacteristics(uuids, svc)
		if err != nil {
			s.OnCharacteristicsDiscovered(serviceUUID, nil, NormalizeError(err))
			return
		}

		records := make([]session.CharacteristicRecord, 0, len(chars))
		t.mu.Lock()
		for _, char := range chars {
			charUUID := session.NormalizeUUID(char.UUID.String())
			c.chars[charUUID] = char
			records = append(records, session.CharacteristicRecord{
				UUID:       charUUID,
				Properties: convertProperties(char.Property),
			})
		}
		t.mu.Unlock()

		s.OnCharacteristicsDiscovered(serviceUUID, records, nil)
	})
}

// ReadRSSI implements session.Transport.
func (t *Transport) ReadRSSI(s *session.Session) {
	groutine.Go(context.Background(), "ble-rssi-"+s.Address(), func(context.Context) {
		_, client, err := t.lookup(s)
		if err != nil {
			s.OnRSSIRead(0, err)
			return
		}
		s.OnRSSIRead(client.ReadRSSI(), nil)
	})
}

// ReadValue implements session.Transport.
func (t *Transport) ReadValue(s *session.Session, charUUID string) {
	groutine.Go(context.Background(), "ble-read-"+s.Address(), func(context.Context) {
		char, client, err := t.lookupChar(s, charUUID)
		if err != nil {
			s.OnValueUpdated(charUUID, nil, err)
			return
		}
		data, err := client.ReadCharacteristic(char)
		s.OnValueUpdated(charUUID, data, NormalizeError(err))
	})
}

// WriteValue implements session.Transport.
func (t *Transport) WriteValue(s *session.Session, charUUID string, data []byte, withResponse bool) {
	groutine.Go(context.Background(), "ble-write-"+s.Address(), func(context.Context) {
		char, client, err := t.lookupChar(s, charUUID)
		if err != nil {
			s.OnValueWritten(charUUID, err)
			return
		}
		err = client.WriteCharacteristic(char, data, !withResponse)
		s.OnValueWritten(charUUID, NormalizeError(err))
	})
}

// SetNotify implements session.Transport. Notification data is pushed back
// through OnValueUpdated.
func (t *Transport) SetNotify(s *session.Session, charUUID string, enable bool) {
	groutine.Go(context.Background(), "ble-notify-"+s.Address(), func(context.Context) {
		char, client, err := t.lookupChar(s, charUUID)
		if err != nil {
			s.OnNotifyStateChanged(charUUID, false, err)
			return
		}

		if enable {
			err = client.Subscribe(char, false, func(data []byte) {
				s.OnValueUpdated(charUUID, data, nil)
			})
		} else {
			err = client.Unsubscribe(char, false)
		}
		if err != nil {
			s.OnNotifyStateChanged(charUUID, !enable, NormalizeError(err))
			return
		}
		s.OnNotifyStateChanged(charUUID, enable, nil)
	})
}

// lookup returns the live conn and client for a session.
func (t *Transport) lookup(s *session.Session) (*conn, ble.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[s.ID()]
	if !ok || c.client == nil {
		return nil, nil, session.ErrNotConnected
	}
	return c, c.client, nil
}

// lookupChar returns the live characteristic handle and client for a session.
func (t *Transport) lookupChar(s *session.Session, charUUID string) (*ble.Characteristic, ble.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[s.ID()]
	if !ok || c.client == nil {
		return nil, nil, session.ErrNotConnected
	}
	char, ok := c.chars[session.NormalizeUUID(charUUID)]
	if !ok {
		return nil, nil, &session.SessionError{
			Kind: session.NotConnected,
			Msg:  "characteristic not discovered: " + charUUID,
		}
	}
	return char, c.client, nil
}

func (t *Transport) remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// parseUUIDs converts normalized UUID strings to ble.UUID values.
// A nil slice stays nil so "no filter" survives the conversion.
func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if uuids == nil {
		return nil, nil
	}
	result := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, err
		}
		result = append(result, parsed)
	}
	return result, nil
}

// convertProperties maps go-ble property bits onto the session bitmask.
func convertProperties(p ble.Property) session.Property {
	var result session.Property
	if p&ble.CharBroadcast != 0 {
		result |= session.PropertyBroadcast
	}
	if p&ble.CharRead != 0 {
		result |= session.PropertyRead
	}
	if p&ble.CharWriteNR != 0 {
		result |= session.PropertyWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		result |= session.PropertyWrite
	}
	if p&ble.CharNotify != 0 {
		result |= session.PropertyNotify
	}
	if p&ble.CharIndicate != 0 {
		result |= session.PropertyIndicate
	}
	return result
}
