package session_test

import (
	"context"
	"errors"
	"time"

	"github.com/srg/blelink/internal/promise"
	"github.com/srg/blelink/internal/session"
)

func (suite *SessionTestSuite) TestReadRSSIReturnsAndCachesValue() {
	suite.tr.set(func(t *fakeTransport) { t.rssiValue = -42 })
	suite.connect(nil)

	value, err := suite.sess.ReadRSSI().Await(context.Background())
	suite.Require().NoError(err)
	suite.Equal(-42, value)
	suite.Equal(-42, suite.sess.RSSI())
}

func (suite *SessionTestSuite) TestReadRSSIFailsFastWhenDisconnected() {
	p := suite.sess.ReadRSSI()
	suite.Require().True(p.Completed(), "must fail immediately, not dangle")

	_, err := p.Value()
	suite.ErrorIs(err, session.ErrNotConnected)

	_, _, _, _, reads := suite.tr.counts()
	suite.Zero(reads)
}

func (suite *SessionTestSuite) TestReadRSSICoalescesConcurrentReads() {
	suite.tr.set(func(t *fakeTransport) { t.holdRSSI = true })
	suite.connect(nil)

	p1 := suite.sess.ReadRSSI()
	p2 := suite.sess.ReadRSSI()
	suite.Same(p1, p2)

	_, _, _, _, reads := suite.tr.counts()
	suite.Equal(1, reads, "at most one transport read in flight")

	suite.sess.OnRSSIRead(-55, nil)
	value, err := p1.Await(context.Background())
	suite.Require().NoError(err)
	suite.Equal(-55, value)
}

func (suite *SessionTestSuite) TestReadRSSIPropagatesTransportError() {
	readErr := errors.New("att timeout")
	suite.tr.set(func(t *fakeTransport) { t.rssiErr = readErr })
	suite.connect(nil)

	_, err := suite.sess.ReadRSSI().Await(context.Background())
	suite.ErrorIs(err, readErr)
}

func (suite *SessionTestSuite) TestPollingPublishesSamples() {
	suite.tr.set(func(t *fakeTransport) { t.rssiValue = -60 })
	suite.connect(nil)

	stream := suite.sess.StartPollingRSSI(20*time.Millisecond, 8)
	defer suite.sess.StopPollingRSSI()

	for i := 0; i < 3; i++ {
		item := suite.nextRSSI(stream)
		suite.Require().NoError(item.Err)
		suite.Equal(-60, item.Value)
	}
}

func (suite *SessionTestSuite) TestStartPollingTwiceReturnsSameStream() {
	suite.connect(nil)

	s1 := suite.sess.StartPollingRSSI(20*time.Millisecond, 8)
	s2 := suite.sess.StartPollingRSSI(5*time.Millisecond, 64)
	suite.Same(s1, s2, "polling start is idempotent while active")

	suite.sess.StopPollingRSSI()
}

func (suite *SessionTestSuite) TestStopPollingHaltsTransportReads() {
	suite.connect(nil)

	stream := suite.sess.StartPollingRSSI(15*time.Millisecond, 8)
	suite.nextRSSI(stream)

	suite.sess.StopPollingRSSI()

	// Give any already scheduled tick time to fire; it must observe the
	// cleared stream and never reach the transport.
	time.Sleep(60 * time.Millisecond)
	_, _, _, _, before := suite.tr.counts()
	time.Sleep(60 * time.Millisecond)
	_, _, _, _, after := suite.tr.counts()
	suite.Equal(before, after, "no transport reads after polling stops")
}

func (suite *SessionTestSuite) TestPollingSurvivesRestart() {
	suite.connect(nil)

	s1 := suite.sess.StartPollingRSSI(15*time.Millisecond, 8)
	suite.nextRSSI(s1)
	suite.sess.StopPollingRSSI()

	s2 := suite.sess.StartPollingRSSI(15*time.Millisecond, 8)
	suite.NotSame(s1, s2)
	item := suite.nextRSSI(s2)
	suite.NoError(item.Err)
	suite.sess.StopPollingRSSI()
}

func (suite *SessionTestSuite) TestPollingReportsLinkLossInBand() {
	stream := suite.connect(&session.ConnectOptions{DisconnectRetries: 0})

	rssi := suite.sess.StartPollingRSSI(15*time.Millisecond, 8)
	defer suite.sess.StopPollingRSSI()
	suite.nextRSSI(rssi)

	// The link drops and the retry budget is exhausted. Polling keeps
	// ticking; while disconnected each tick yields an in-band failure
	// instead of a transport read.
	suite.sess.OnDisconnected(nil)
	suite.nextEvent(stream, session.EventGiveUp)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case item := <-rssi.C():
			if item.Err != nil {
				suite.ErrorIs(item.Err, session.ErrNotConnected)
				return
			}
		case <-deadline:
			suite.FailNow("no in-band failure after link loss")
		}
	}
}

func (suite *SessionTestSuite) TestForcedDisconnectClosesPollingStream() {
	stream := suite.connect(nil)

	rssi := suite.sess.StartPollingRSSI(15*time.Millisecond, 8)
	suite.nextRSSI(rssi)

	suite.sess.Disconnect()
	suite.nextEvent(stream, session.EventForceDisconnect)

	suite.Eventually(rssi.Closed, 2*time.Second, 10*time.Millisecond,
		"explicit disconnect ends the polling stream")
}

// nextRSSI reads one item off an RSSI stream, failing the test if nothing
// arrives in time.
func (suite *SessionTestSuite) nextRSSI(stream *promise.Stream[int]) promise.Item[int] {
	select {
	case item, ok := <-stream.C():
		suite.Require().True(ok, "RSSI stream closed unexpectedly")
		return item
	case <-time.After(2 * time.Second):
		suite.Require().FailNow("timed out waiting for RSSI sample")
		return promise.Item[int]{}
	}
}
