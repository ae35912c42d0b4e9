package frontend

import "time"

// Tick refreshes the consensus pointer, folds the frontend's own atomic
// transaction count into the consensus stats snapshot, hands both to the
// registry, then resets the counter.
func (f *Frontend) Tick(elapsed time.Duration) {
	f.refreshCollaborators()

	var stats Stats
	if f.consensus != nil {
		stats = f.consensus.Stats()
	}
	stats.TxCount = uint64(f.txCount.Swap(0))

	f.registry.Tick(elapsed.Milliseconds(), stats, f.sigTxInterval, f.msToSig)
}

// SetSigIntervals sets the signature-cadence parameters. They are
// configuration mirrored to the registry on every Tick, not decremented
// locally.
func (f *Frontend) SetSigIntervals(txInterval int64, msInterval time.Duration) {
	if txInterval > 0 {
		f.sigTxInterval = txInterval
	}
	if msInterval > 0 {
		f.sigMSInterval = msInterval
		f.msToSig = msInterval.Milliseconds()
	}
}

// SetCmdForwarder installs the transport used to deliver forwarded commands.
func (f *Frontend) SetCmdForwarder(fwd Forwarder) {
	f.forwarder = fwd
}
