package consensus

import (
	"fmt"
	"sync"
	"time"
)

// primaryLease captures the current primary lease observed by a quorum
// member, together with the highest log position any acquire/renew
// exchange has reported as committed. A candidate whose own committed
// position trails that watermark cannot be granted the lease: electing
// it would let a replica that fell behind become primary and silently
// truncate committed history, the same log-completeness property a
// raft-style leader election enforces before granting a vote.
type primaryLease struct {
	PrimaryID      string
	PrimaryAddr    string
	View           uint64
	ExpiresAt      time.Time
	Observed       bool
	ObservedView   uint64
	CommittedSeqno uint64
}

// leaseStore manages the primary lease record for one quorum member.
type leaseStore struct {
	mu     sync.Mutex
	record primaryLease
}

// leaseError reports a lease conflict, view mismatch, or a candidate
// whose committed log position is behind the lease's watermark.
type leaseError struct {
	Code        string
	Detail      string
	PrimaryID   string
	PrimaryAddr string
	View        uint64
}

func (e *leaseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("consensus: lease error %s", e.Code)
}

// acquire attempts to acquire a lease for the candidate. ttl must be > 0.
// candidateSeqno is the candidate's own committed log position; a
// candidate may only win an election if that position is not behind the
// highest committed position already observed for this lease.
func (s *leaseStore) acquire(now time.Time, candidateID, candidateAddr string, view uint64, ttl time.Duration, candidateSeqno uint64) (primaryLease, *leaseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := normalizeLease(now, s.record)
	s.record = rec
	if view < rec.View {
		return rec, newLeaseError("consensus_view_stale", "view is lower than current view", rec)
	}
	if ttl <= 0 {
		return rec, &leaseError{Code: "consensus_invalid_ttl", Detail: "ttl must be > 0"}
	}
	expired := rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(now)
	if !expired && rec.PrimaryID != "" && rec.PrimaryID != candidateID {
		return rec, newLeaseError("consensus_lease_active", "another primary holds an active lease", rec)
	}
	if expired {
		if view <= rec.View {
			return rec, newLeaseError("consensus_view_stale", "view is lower than current view", rec)
		}
		if candidateSeqno < rec.CommittedSeqno {
			return rec, newLeaseError("consensus_log_stale", "candidate's committed log position is behind the known commit watermark", rec)
		}
		rec.PrimaryID = candidateID
		rec.PrimaryAddr = candidateAddr
		rec.View = view
		rec.ExpiresAt = now.Add(ttl)
		rec.Observed = false
		if candidateSeqno > rec.CommittedSeqno {
			rec.CommittedSeqno = candidateSeqno
		}
		s.record = rec
		return rec, nil
	}
	if rec.PrimaryID == candidateID && rec.View == view {
		rec.ExpiresAt = now.Add(ttl)
		if candidateSeqno > rec.CommittedSeqno {
			rec.CommittedSeqno = candidateSeqno
		}
		s.record = rec
		return rec, nil
	}
	return rec, newLeaseError("consensus_lease_active", "another primary holds an active lease", rec)
}

// renew extends an existing lease for the primary. ttl must be > 0.
// committedSeqno advances the lease's commit watermark; it never regresses
// it, since a sitting primary's own log only moves forward.
func (s *leaseStore) renew(now time.Time, primaryID string, view uint64, ttl time.Duration, committedSeqno uint64) (primaryLease, *leaseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := normalizeLease(now, s.record)
	s.record = rec
	if view < rec.View {
		return rec, newLeaseError("consensus_view_stale", "view is lower than current view", rec)
	}
	if ttl <= 0 {
		return rec, &leaseError{Code: "consensus_invalid_ttl", Detail: "ttl must be > 0"}
	}
	if rec.PrimaryID != primaryID || rec.View != view || rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(now) {
		return rec, newLeaseError("consensus_lease_active", "lease is not held by this primary", rec)
	}
	rec.ExpiresAt = now.Add(ttl)
	rec.Observed = true
	if rec.View > rec.ObservedView {
		rec.ObservedView = rec.View
	}
	if committedSeqno > rec.CommittedSeqno {
		rec.CommittedSeqno = committedSeqno
	}
	s.record = rec
	return rec, nil
}

// release clears the lease when held by the specified primary.
func (s *leaseStore) release(now time.Time, primaryID string, view uint64) (primaryLease, *leaseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := normalizeLease(now, s.record)
	s.record = rec
	if view < rec.View {
		return rec, newLeaseError("consensus_view_stale", "view is lower than current view", rec)
	}
	if rec.PrimaryID != primaryID || rec.View != view {
		return rec, newLeaseError("consensus_lease_active", "lease is not held by this primary", rec)
	}
	if rec.Observed {
		rec.PrimaryID = ""
		rec.PrimaryAddr = ""
		rec.ExpiresAt = now
		rec.Observed = false
		if rec.View > rec.ObservedView {
			rec.ObservedView = rec.View
		}
	} else {
		rec.PrimaryID = ""
		rec.PrimaryAddr = ""
		rec.ExpiresAt = time.Time{}
		rec.Observed = false
		rec.View = rec.ObservedView
	}
	s.record = rec
	return rec, nil
}

// follow records an observed primary lease if it is newer than the current
// record, also absorbing the observed primary's committed log position so
// a later election on this replica is gated on the quorum's real progress,
// not just on what this replica has acquired/renewed itself.
func (s *leaseStore) follow(now time.Time, primaryID, primaryAddr string, view uint64, expiresAt time.Time, committedSeqno uint64) (primaryLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := normalizeLease(now, s.record)
	s.record = rec
	if primaryID == "" || primaryAddr == "" || view == 0 {
		return rec, false
	}
	if expiresAt.IsZero() || !expiresAt.After(now) {
		return rec, false
	}
	if view < rec.View {
		return rec, false
	}
	if view == rec.View && rec.PrimaryID != "" && rec.PrimaryID != primaryID && rec.ExpiresAt.After(now) {
		return rec, false
	}
	rec.PrimaryID = primaryID
	rec.PrimaryAddr = primaryAddr
	rec.View = view
	rec.ExpiresAt = expiresAt
	rec.Observed = true
	if rec.View > rec.ObservedView {
		rec.ObservedView = rec.View
	}
	if committedSeqno > rec.CommittedSeqno {
		rec.CommittedSeqno = committedSeqno
	}
	s.record = rec
	return rec, true
}

// current returns the current lease record, including expired leases.
func (s *leaseStore) current() primaryLease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func newLeaseError(code, detail string, rec primaryLease) *leaseError {
	return &leaseError{
		Code:        code,
		Detail:      detail,
		PrimaryID:   rec.PrimaryID,
		PrimaryAddr: rec.PrimaryAddr,
		View:        rec.View,
	}
}

func normalizeLease(now time.Time, rec primaryLease) primaryLease {
	if rec.Observed && rec.View > rec.ObservedView {
		rec.ObservedView = rec.View
	}
	if rec.View < rec.ObservedView {
		rec.View = rec.ObservedView
	}
	expired := rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(now)
	if !rec.Observed && expired {
		if rec.PrimaryID != "" {
			rec.PrimaryID = ""
			rec.PrimaryAddr = ""
			rec.ExpiresAt = time.Time{}
		}
		rec.View = rec.ObservedView
	}
	return rec
}
