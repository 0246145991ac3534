package session_test

import (
	"context"
	"errors"
	"time"

	"github.com/srg/blelink/internal/session"
)

// discoveredChar connects, discovers the seeded tree, and returns the battery
// level characteristic.
func (suite *SessionTestSuite) discoveredChar() *session.Characteristic {
	suite.seedServiceTree()
	suite.connect(nil)

	_, err := suite.sess.DiscoverAllServices(time.Second).Await(context.Background())
	suite.Require().NoError(err)

	char, ok := suite.sess.Characteristic("2a19")
	suite.Require().True(ok)
	return char
}

func (suite *SessionTestSuite) TestCharacteristicReadReturnsAndCachesValue() {
	suite.tr.set(func(t *fakeTransport) { t.readValue = []byte{0x64} })
	char := suite.discoveredChar()

	value, err := char.Read().Await(context.Background())
	suite.Require().NoError(err)
	suite.Equal([]byte{0x64}, value)
	suite.Equal([]byte{0x64}, char.Value())
}

func (suite *SessionTestSuite) TestCharacteristicReadCoalesces() {
	char := suite.discoveredChar()
	suite.tr.set(func(t *fakeTransport) { t.holdRead = true })

	readsBefore, _, _ := suite.tr.ioCounts()
	p1 := char.Read()
	p2 := char.Read()
	suite.Same(p1, p2)

	reads, _, _ := suite.tr.ioCounts()
	suite.Equal(readsBefore+1, reads, "at most one transport read in flight")

	suite.sess.OnValueUpdated("2a19", []byte{0x42}, nil)
	value, err := p1.Await(context.Background())
	suite.Require().NoError(err)
	suite.Equal([]byte{0x42}, value)
}

func (suite *SessionTestSuite) TestCharacteristicReadFailsFastWhenDisconnected() {
	char := suite.discoveredChar()

	suite.sess.Disconnect()
	suite.Eventually(func() bool {
		return suite.sess.State() == session.Disconnected
	}, 2*time.Second, 10*time.Millisecond)

	p := char.Read()
	suite.Require().True(p.Completed(), "must fail immediately, not dangle")
	_, err := p.Value()
	suite.ErrorIs(err, session.ErrNotConnected)
}

func (suite *SessionTestSuite) TestCharacteristicReadPropagatesTransportError() {
	readErr := errors.New("att read not permitted")
	char := suite.discoveredChar()
	suite.tr.set(func(t *fakeTransport) { t.readErr = readErr })

	_, err := char.Read().Await(context.Background())
	suite.ErrorIs(err, readErr)
}

func (suite *SessionTestSuite) TestCharacteristicWrite() {
	char := suite.discoveredChar()

	result, err := char.Write([]byte{0x01, 0x02}, true).Await(context.Background())
	suite.Require().NoError(err)
	suite.Same(char, result)

	data, withResponse := suite.tr.lastWritten()
	suite.Equal([]byte{0x01, 0x02}, data)
	suite.True(withResponse)
}

func (suite *SessionTestSuite) TestCharacteristicWritePropagatesTransportError() {
	writeErr := errors.New("att write not permitted")
	char := suite.discoveredChar()
	suite.tr.set(func(t *fakeTransport) { t.writeErr = writeErr })

	_, err := char.Write([]byte{0xff}, true).Await(context.Background())
	suite.ErrorIs(err, writeErr)
}

func (suite *SessionTestSuite) TestNotifyDeliversUpdates() {
	char := suite.discoveredChar()

	enabled, err := char.SetNotify(true, 8).Await(context.Background())
	suite.Require().NoError(err)
	suite.True(enabled)
	suite.True(char.IsNotifying())

	updates := char.Updates()
	suite.Require().NotNil(updates)

	suite.sess.OnValueUpdated("2a19", []byte{0x10}, nil)
	suite.sess.OnValueUpdated("2a19", []byte{0x11}, nil)

	item := <-updates.C()
	suite.Require().NoError(item.Err)
	suite.Equal([]byte{0x10}, item.Value)
	item = <-updates.C()
	suite.Require().NoError(item.Err)
	suite.Equal([]byte{0x11}, item.Value)
}

func (suite *SessionTestSuite) TestNotifyDisableClosesUpdates() {
	char := suite.discoveredChar()

	_, err := char.SetNotify(true, 8).Await(context.Background())
	suite.Require().NoError(err)
	updates := char.Updates()
	suite.Require().NotNil(updates)

	enabled, err := char.SetNotify(false, 0).Await(context.Background())
	suite.Require().NoError(err)
	suite.False(enabled)
	suite.False(char.IsNotifying())

	suite.Eventually(updates.Closed, 2*time.Second, 10*time.Millisecond)
	suite.Nil(char.Updates())
}

func (suite *SessionTestSuite) TestNotifyPropagatesTransportError() {
	notifyErr := errors.New("cccd write rejected")
	char := suite.discoveredChar()
	suite.tr.set(func(t *fakeTransport) { t.notifyErr = notifyErr })

	_, err := char.SetNotify(true, 8).Await(context.Background())
	suite.ErrorIs(err, notifyErr)
	suite.False(char.IsNotifying())
}

func (suite *SessionTestSuite) TestDisconnectFailsInFlightCharacteristicOps() {
	char := suite.discoveredChar()
	suite.tr.set(func(t *fakeTransport) { t.holdRead = true })

	p := char.Read()
	suite.Require().False(p.Completed())

	suite.sess.Disconnect()

	_, err := p.Await(context.Background())
	suite.ErrorIs(err, session.ErrNotConnected)
}

func (suite *SessionTestSuite) TestUnknownCharacteristicUpdateIsDropped() {
	suite.discoveredChar()

	// Must not panic or disturb session state.
	suite.sess.OnValueUpdated("dead", []byte{0x00}, nil)
	suite.Equal(session.Connected, suite.sess.State())
}
