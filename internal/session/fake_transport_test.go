package session_test

import (
	"sync"

	"github.com/srg/blelink/internal/session"
)

// fakeTransport is a scripted session.Transport. Each operation records the
// call and, unless told to stay silent, answers through the session's
// callback surface the way a platform stack would.
type fakeTransport struct {
	mu sync.Mutex

	// Scripted behavior.
	silentConnect   bool  // never answer Connect
	connectErr      error // answer Connect with OnConnectFailed
	holdDiscovery   bool  // never answer DiscoverServices
	holdChars       bool  // never answer DiscoverCharacteristics
	holdRSSI        bool  // never answer ReadRSSI
	holdRead        bool  // never answer ReadValue
	rssiValue       int
	rssiErr         error
	serviceRecords  []session.ServiceRecord
	charRecords     map[string][]session.CharacteristicRecord
	readValue       []byte
	readErr         error
	writeErr        error
	notifyErr       error
	cancelDelivers  bool // answer CancelConnection with OnDisconnected(nil)

	// Observed calls.
	connectCalls      int
	cancelCalls       int
	discoverCalls     int
	discoverCharCalls int
	rssiCalls         int
	readCalls         int
	writeCalls        int
	notifyCalls       int
	lastWrite         []byte
	lastWriteResponse bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		cancelDelivers: true,
		rssiValue:      -60,
		charRecords:    make(map[string][]session.CharacteristicRecord),
	}
}

func (t *fakeTransport) Connect(s *session.Session) {
	t.mu.Lock()
	t.connectCalls++
	silent, connectErr := t.silentConnect, t.connectErr
	t.mu.Unlock()

	switch {
	case silent:
	case connectErr != nil:
		s.OnConnectFailed(connectErr)
	default:
		s.OnConnected()
	}
}

func (t *fakeTransport) CancelConnection(s *session.Session) {
	t.mu.Lock()
	t.cancelCalls++
	deliver := t.cancelDelivers
	t.mu.Unlock()

	if deliver {
		s.OnDisconnected(nil)
	}
}

func (t *fakeTransport) DiscoverServices(s *session.Session, filter []string) {
	t.mu.Lock()
	t.discoverCalls++
	hold := t.holdDiscovery
	records := t.serviceRecords
	t.mu.Unlock()

	if !hold {
		s.OnServicesDiscovered(records, nil)
	}
}

func (t *fakeTransport) DiscoverCharacteristics(s *session.Session, serviceUUID string, filter []string) {
	t.mu.Lock()
	t.discoverCharCalls++
	hold := t.holdChars
	records := t.charRecords[serviceUUID]
	t.mu.Unlock()

	if !hold {
		s.OnCharacteristicsDiscovered(serviceUUID, records, nil)
	}
}

func (t *fakeTransport) ReadRSSI(s *session.Session) {
	t.mu.Lock()
	t.rssiCalls++
	hold, value, err := t.holdRSSI, t.rssiValue, t.rssiErr
	t.mu.Unlock()

	if !hold {
		s.OnRSSIRead(value, err)
	}
}

func (t *fakeTransport) ReadValue(s *session.Session, charUUID string) {
	t.mu.Lock()
	t.readCalls++
	hold, value, err := t.holdRead, t.readValue, t.readErr
	t.mu.Unlock()

	if !hold {
		s.OnValueUpdated(charUUID, value, err)
	}
}

func (t *fakeTransport) WriteValue(s *session.Session, charUUID string, data []byte, withResponse bool) {
	t.mu.Lock()
	t.writeCalls++
	t.lastWrite = data
	t.lastWriteResponse = withResponse
	err := t.writeErr
	t.mu.Unlock()

	s.OnValueWritten(charUUID, err)
}

func (t *fakeTransport) SetNotify(s *session.Session, charUUID string, enable bool) {
	t.mu.Lock()
	t.notifyCalls++
	err := t.notifyErr
	t.mu.Unlock()

	if err != nil {
		s.OnNotifyStateChanged(charUUID, !enable, err)
		return
	}
	s.OnNotifyStateChanged(charUUID, enable, nil)
}

func (t *fakeTransport) set(fn func(*fakeTransport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

func (t *fakeTransport) counts() (connect, cancel, discover, discoverChars, rssi int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls, t.cancelCalls, t.discoverCalls, t.discoverCharCalls, t.rssiCalls
}

func (t *fakeTransport) lastWritten() (data []byte, withResponse bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastWrite, t.lastWriteResponse
}

func (t *fakeTransport) ioCounts() (read, write, notify int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCalls, t.writeCalls, t.notifyCalls
}
