package frontend

import (
	"crypto/x509"
	"sync"
)

// lifecycleGate implements the open/is_open state machine. It is guarded
// by a mutex distinct from the verifier cache's.
type lifecycleGate struct {
	mu               sync.Mutex
	open             bool
	waitingIdentity  *x509.Certificate
	hasWaitingIdentity bool
}

// Open transitions the gate. With identity == nil the gate opens
// immediately and initHandlers is invoked. With identity set, the gate
// records it and waits for IsOpen to observe a matching SERVICE row.
func (f *Frontend) Open(identity *x509.Certificate) {
	f.lifecycle.mu.Lock()
	if f.lifecycle.open {
		f.lifecycle.mu.Unlock()
		return
	}
	if identity == nil {
		f.lifecycle.open = true
		f.lifecycle.mu.Unlock()
		f.registry.InitHandlers()
		return
	}
	f.lifecycle.waitingIdentity = identity
	f.lifecycle.hasWaitingIdentity = true
	f.lifecycle.mu.Unlock()
}

// IsOpen reports once open, always open; otherwise it reads the SERVICE
// table at the literal version 0 and opens when status is OPEN and the
// certificate matches the identity Open was called with.
func (f *Frontend) IsOpen(tx Tx) bool {
	f.lifecycle.mu.Lock()
	if f.lifecycle.open {
		f.lifecycle.mu.Unlock()
		return true
	}
	identity := f.lifecycle.waitingIdentity
	hasIdentity := f.lifecycle.hasWaitingIdentity
	f.lifecycle.mu.Unlock()

	if !hasIdentity || tx == nil {
		return false
	}

	record, ok, err := tx.GetServiceRecord(Version(0))
	if err != nil || !ok {
		return false
	}
	if record.Status != ServiceOpen {
		return false
	}
	if record.Certificate != certFingerprintOf(identity) {
		return false
	}

	f.lifecycle.mu.Lock()
	alreadyOpen := f.lifecycle.open
	f.lifecycle.open = true
	f.lifecycle.mu.Unlock()
	if !alreadyOpen {
		f.registry.InitHandlers()
	}
	return true
}

// WaitingIdentity returns the identity fingerprint Open(identity) is waiting
// to observe.
func (f *Frontend) WaitingIdentity() (CertFingerprint, bool) {
	f.lifecycle.mu.Lock()
	defer f.lifecycle.mu.Unlock()
	if !f.lifecycle.hasWaitingIdentity {
		return "", false
	}
	return certFingerprintOf(f.lifecycle.waitingIdentity), true
}

// isOpenUnlocked reports whether the gate is open without consulting a
// transaction; used by entry points that must reject traffic cheaply before
// a transaction exists.
func (f *Frontend) isOpenUnlocked() bool {
	f.lifecycle.mu.Lock()
	defer f.lifecycle.mu.Unlock()
	return f.lifecycle.open
}
