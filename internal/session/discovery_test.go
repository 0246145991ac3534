package session_test

import (
	"context"
	"time"

	"github.com/srg/blelink/internal/session"
)

func (suite *SessionTestSuite) seedServiceTree() {
	suite.tr.set(func(t *fakeTransport) {
		t.serviceRecords = []session.ServiceRecord{
			{UUID: "180f", Name: "Battery"},
			{UUID: "180a", Name: "Device Information"},
		}
		t.charRecords["180f"] = []session.CharacteristicRecord{
			{UUID: "2a19", Name: "Battery Level", Properties: session.PropertyRead | session.PropertyNotify},
		}
		t.charRecords["180a"] = []session.CharacteristicRecord{
			{UUID: "2a29", Name: "Manufacturer Name", Properties: session.PropertyRead},
		}
	})
}

func (suite *SessionTestSuite) TestDiscoverServicesBuildsTree() {
	suite.seedServiceTree()
	suite.connect(nil)

	result, err := suite.sess.DiscoverAllServices(time.Second).Await(context.Background())
	suite.Require().NoError(err)
	suite.Same(suite.sess, result, "discovery completes with the session itself for chaining")

	services := suite.sess.Services()
	suite.Require().Len(services, 2)
	// Discovery order is preserved.
	suite.Equal("180f", services[0].UUID())
	suite.Equal("180a", services[1].UUID())
	suite.Equal("Battery", services[0].KnownName())

	// Characteristics are flattened into the session-level map.
	char, ok := suite.sess.Characteristic("2a19")
	suite.Require().True(ok)
	suite.True(char.Properties().Supports(session.PropertyRead | session.PropertyNotify))

	svc, ok := suite.sess.Service("180F") // lookup normalizes
	suite.Require().True(ok)
	suite.Len(svc.Characteristics(), 1)

	_, _, discovers, discoverChars, _ := suite.tr.counts()
	suite.Equal(1, discovers)
	suite.Equal(2, discoverChars, "each discovered service expands its own characteristics")
}

func (suite *SessionTestSuite) TestDiscoverServicesCoalescesConcurrentCallers() {
	suite.seedServiceTree()
	suite.tr.set(func(t *fakeTransport) { t.holdDiscovery = true })
	suite.connect(nil)

	p1 := suite.sess.DiscoverServices(nil, 0)
	p2 := suite.sess.DiscoverServices(nil, 0)
	suite.Same(p1, p2, "concurrent discovery coalesces onto one promise")

	_, _, discovers, _, _ := suite.tr.counts()
	suite.Equal(1, discovers, "at most one transport discovery request in flight")

	// Release the held discovery; both callers observe the same result.
	suite.sess.OnServicesDiscovered([]session.ServiceRecord{{UUID: "180f"}}, nil)
	result, err := p1.Await(context.Background())
	suite.Require().NoError(err)
	suite.Same(suite.sess, result)

	// A later call after completion starts a new discovery.
	p3 := suite.sess.DiscoverServices(nil, 0)
	suite.NotSame(p1, p3)
}

func (suite *SessionTestSuite) TestDiscoverServicesRequiresConnection() {
	p := suite.sess.DiscoverServices(nil, time.Second)
	suite.Require().True(p.Completed(), "must fail immediately, not dangle")

	_, err := p.Value()
	suite.ErrorIs(err, session.ErrNotConnected)
}

func (suite *SessionTestSuite) TestDiscoveryRebuildsTreeWholesale() {
	suite.seedServiceTree()
	suite.connect(nil)

	_, err := suite.sess.DiscoverAllServices(0).Await(context.Background())
	suite.Require().NoError(err)
	suite.Len(suite.sess.Services(), 2)

	// The next discovery reports a different tree; nothing stale survives.
	suite.tr.set(func(t *fakeTransport) {
		t.serviceRecords = []session.ServiceRecord{{UUID: "1801"}}
		t.charRecords = map[string][]session.CharacteristicRecord{}
	})

	_, err = suite.sess.DiscoverAllServices(0).Await(context.Background())
	suite.Require().NoError(err)

	services := suite.sess.Services()
	suite.Require().Len(services, 1)
	suite.Equal("1801", services[0].UUID())
	_, ok := suite.sess.Characteristic("2a19")
	suite.False(ok, "old characteristics are dropped on rebuild")
}

func (suite *SessionTestSuite) TestDiscoveryTimeoutFailsPendingFuture() {
	suite.tr.set(func(t *fakeTransport) { t.holdDiscovery = true })
	stream := suite.connect(nil)

	p := suite.sess.DiscoverServices(nil, 40*time.Millisecond)
	_, err := p.Await(context.Background())
	suite.ErrorIs(err, session.ErrDiscoveryTimeout)

	// Timeout requested transport cancellation; the resulting disconnect is
	// handled like any other clean disconnect (retried here).
	_, cancels, _, _, _ := suite.tr.counts()
	suite.Equal(1, cancels)
	suite.nextEvent(stream, session.EventDisconnect)
}

func (suite *SessionTestSuite) TestStaleDiscoveryTimeoutIsNoOp() {
	suite.seedServiceTree()
	suite.connect(nil)

	// The discovery completes well inside the timeout window.
	p := suite.sess.DiscoverServices(nil, 60*time.Millisecond)
	_, err := p.Await(context.Background())
	suite.Require().NoError(err)

	time.Sleep(120 * time.Millisecond)

	_, cancels, _, _, _ := suite.tr.counts()
	suite.Zero(cancels, "timer for a completed discovery must not cancel the connection")
	suite.Equal(session.Connected, suite.sess.State())
}

func (suite *SessionTestSuite) TestDisconnectFailsPendingDiscovery() {
	suite.tr.set(func(t *fakeTransport) { t.holdDiscovery = true })
	stream := suite.connect(nil)

	p := suite.sess.DiscoverServices(nil, 0)
	suite.sess.OnDisconnected(nil)
	suite.nextEvent(stream, session.EventDisconnect)

	_, err := p.Await(context.Background())
	suite.ErrorIs(err, session.ErrNotConnected)
}
