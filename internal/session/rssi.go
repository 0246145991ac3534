package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blelink/internal/promise"
)

// RSSI returns the most recently sampled signal strength, 0 if none was
// ever read.
func (s *Session) RSSI() int {
	var v int
	s.loop.Call(func() { v = s.rssi })
	return v
}

// ReadRSSI requests one signal strength sample. Concurrent callers coalesce
// onto the same promise; at most one transport read is in flight at a time.
// Fails immediately with ErrNotConnected on a disconnected session, leaving
// no pending promise behind.
func (s *Session) ReadRSSI() *promise.Promise[int] {
	var p *promise.Promise[int]
	ok := s.loop.Call(func() {
		if s.rssiPromise != nil && !s.rssiPromise.Completed() {
			p = s.rssiPromise
			return
		}

		p = promise.New[int]()
		if s.state != Connected {
			p.Fail(ErrNotConnected)
			return
		}
		s.rssiPromise = p
		s.transport.ReadRSSI(s)
	})
	if !ok {
		p = promise.New[int]()
		p.Fail(ErrTerminated)
	}
	return p
}

// StartPollingRSSI samples signal strength every period and publishes the
// values on a bounded stream (oldest-drop on overflow). If polling is
// already active, the existing stream is returned and the period is left
// unchanged. The first read is issued immediately.
func (s *Session) StartPollingRSSI(period time.Duration, capacity int) *promise.Stream[int] {
	if capacity <= 0 {
		capacity = DefaultRSSICapacity
	}
	var stream *promise.Stream[int]
	ok := s.loop.Call(func() {
		if s.rssiStream != nil {
			stream = s.rssiStream
			return
		}

		s.rssiStream = promise.NewStream[int](capacity)
		stream = s.rssiStream
		s.rssiPeriod = period
		s.rssiSeq++

		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"period":  period,
			"seq":     s.rssiSeq,
		}).Info("Starting RSSI polling")

		s.pollRSSI(s.rssiSeq)
	})
	if !ok {
		stream = promise.NewStream[int](capacity)
		stream.Fail(ErrTerminated)
		stream.Close()
	}
	return stream
}

// StopPollingRSSI discards the polling stream. Ticks already scheduled
// become no-ops the next time they check the stream handle and sequence.
func (s *Session) StopPollingRSSI() {
	s.loop.Do(func() {
		if s.rssiStream == nil {
			return
		}
		s.logger.WithField("address", s.address).Info("Stopping RSSI polling")
		s.rssiStream.Close()
		s.rssiStream = nil
	})
}

// pollRSSI runs on the loop. Each tick re-validates that a polling stream
// still exists and that its captured sequence is still the live one before
// reading and re-scheduling; this is how polling stops cleanly when
// StopPollingRSSI nils the stream mid-flight.
func (s *Session) pollRSSI(seq uint64) {
	if s.rssiStream == nil || seq != s.rssiSeq {
		return
	}

	if s.state == Connected {
		s.transport.ReadRSSI(s)
	} else {
		s.rssiStream.Fail(ErrNotConnected)
	}

	s.loop.After(s.rssiPeriod, func() { s.pollRSSI(seq) })
}

// OnRSSIRead implements Callbacks. Arbitrary goroutine. A read failure is
// surfaced on both the one-shot promise and the polling stream if both are
// active.
func (s *Session) OnRSSIRead(value int, err error) {
	s.loop.Do(func() {
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": s.address,
				"error":   err,
			}).Warn("RSSI read failed")
			if s.rssiPromise != nil && !s.rssiPromise.Completed() {
				s.rssiPromise.Fail(WrapTransportError("RSSI read", err))
			}
			s.rssiPromise = nil
			if s.rssiStream != nil {
				s.rssiStream.Fail(WrapTransportError("RSSI read", err))
			}
			return
		}

		s.rssi = value
		if s.rssiPromise != nil {
			s.rssiPromise.Complete(value)
			s.rssiPromise = nil
		}
		if s.rssiStream != nil {
			s.rssiStream.Send(value)
		}
	})
}
