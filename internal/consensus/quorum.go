package consensus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rpcfrontend/internal/clock"
)

const (
	defaultLeaseTTL           = 15 * time.Second
	defaultLeaseRequestTTL    = 5 * time.Second
	defaultElectionBackoff    = 500 * time.Millisecond
	defaultElectionBackoffMax = 3 * time.Second
)

// DefaultLeaseTTL is the default primary lease TTL.
const DefaultLeaseTTL = defaultLeaseTTL

// QuorumConfig configures a QuorumConsensus.
type QuorumConfig struct {
	SelfID     string
	SelfAddr   string
	Peers      []string
	LeaseTTL   time.Duration
	Logger     pslog.Logger
	HTTPClient *http.Client
	Clock      clock.Clock
}

// AcquireRequest/Response and friends are the wire types for the quorum
// lease protocol. They are exported so a host process can decode an inbound
// peer request into them and pass it to HandleAcquire/HandleRenew/
// HandleRelease/HandlePrimary, mirroring the split between client-side
// methods here and the mux-registered handlers in sa6mwa-lockd's
// internal/httpapi.Handler.handleTCLeaseAcquire and friends.
type AcquireRequest struct {
	CandidateID    string `json:"candidate_id"`
	CandidateAddr  string `json:"candidate_addr"`
	View           uint64 `json:"view"`
	TTLMillis      int64  `json:"ttl_millis"`
	CommittedSeqno uint64 `json:"committed_seqno"`
}

type AcquireResponse struct {
	Granted        bool   `json:"granted"`
	PrimaryID      string `json:"primary_id"`
	PrimaryAddr    string `json:"primary_addr"`
	View           uint64 `json:"view"`
	ExpiresAtUnix  int64  `json:"expires_at_unix"`
	CommittedSeqno uint64 `json:"committed_seqno"`
}

type RenewRequest struct {
	PrimaryID      string `json:"primary_id"`
	View           uint64 `json:"view"`
	TTLMillis      int64  `json:"ttl_millis"`
	CommittedSeqno uint64 `json:"committed_seqno"`
}

type RenewResponse struct {
	Renewed        bool   `json:"renewed"`
	PrimaryID      string `json:"primary_id"`
	PrimaryAddr    string `json:"primary_addr"`
	View           uint64 `json:"view"`
	ExpiresAtUnix  int64  `json:"expires_at_unix"`
	CommittedSeqno uint64 `json:"committed_seqno"`
}

type ReleaseRequest struct {
	PrimaryID string `json:"primary_id"`
	View      uint64 `json:"view"`
}

type PrimaryResponse struct {
	PrimaryID      string `json:"primary_id"`
	PrimaryAddr    string `json:"primary_addr"`
	View           uint64 `json:"view"`
	ExpiresAtUnix  int64  `json:"expires_at_unix"`
	CommittedSeqno uint64 `json:"committed_seqno"`
}

// QuorumConsensus runs a quorum-based primary election for CFT mode,
// adapted from internal/tcleader.Manager. It implements Consensus so the
// frontend can be driven by a real multi-process reference deployment
// rather than only by test doubles.
type QuorumConsensus struct {
	selfAddr string
	selfID   string
	peers    []string
	leaseTTL time.Duration
	lease    *leaseStore
	http     *http.Client
	logger   pslog.Logger
	clock    clock.Clock

	mu             sync.RWMutex
	isPrimary      bool
	view           uint64
	expiresAt      time.Time
	nodes          []NodeInfo
	committedSeqno uint64

	startOnce sync.Once
}

// NewQuorumConsensus constructs a CFT quorum-election consensus adapter.
func NewQuorumConsensus(cfg QuorumConfig) (*QuorumConsensus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	peers := normalizeAddrs(cfg.Peers)
	selfID := strings.TrimSpace(cfg.SelfID)
	selfAddr := normalizeAddr(cfg.SelfAddr)
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	if len(peers) == 0 {
		if selfID == "" && selfAddr != "" {
			selfID = stableID(selfAddr)
		}
		return &QuorumConsensus{
			logger:   logger,
			lease:    &leaseStore{},
			selfAddr: selfAddr,
			selfID:   selfID,
			leaseTTL: leaseTTL,
			clock:    clk,
		}, nil
	}
	if selfAddr == "" {
		return nil, errors.New("consensus: self address required")
	}
	if !containsAddr(peers, selfAddr) {
		return nil, fmt.Errorf("consensus: self address %q missing from quorum membership", selfAddr)
	}
	if selfID == "" {
		selfID = stableID(selfAddr)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultLeaseRequestTTL}
	}
	return &QuorumConsensus{
		selfAddr: selfAddr,
		selfID:   selfID,
		peers:    peers,
		leaseTTL: leaseTTL,
		lease:    &leaseStore{},
		http:     httpClient,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Mode implements Consensus.
func (m *QuorumConsensus) Mode() Mode { return CFT }

// IsPrimary implements Consensus.
func (m *QuorumConsensus) IsPrimary() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPrimary
}

// PrimaryID implements Consensus.
func (m *QuorumConsensus) PrimaryID() string {
	info := m.primaryInfo()
	return info.PrimaryID
}

// ActiveNodes implements Consensus.
func (m *QuorumConsensus) ActiveNodes() []NodeInfo {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeInfo, len(m.nodes))
	copy(out, m.nodes)
	return out
}

// SetActiveNodes replaces the NODES table snapshot this adapter reports.
func (m *QuorumConsensus) SetActiveNodes(nodes []NodeInfo) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.nodes = append([]NodeInfo(nil), nodes...)
	m.mu.Unlock()
}

// SetCommittedSeqno records this replica's own committed log position,
// advertised on the next acquire/renew round and reported back through
// Stats once the lease has absorbed it.
func (m *QuorumConsensus) SetCommittedSeqno(seqno uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if seqno > m.committedSeqno {
		m.committedSeqno = seqno
	}
	m.mu.Unlock()
}

// Stats implements Consensus. CommittedSeqno reflects the lease's commit
// watermark rather than this replica's own SetCommittedSeqno value,
// because only a position the lease has actually observed through an
// acquire/renew/follow exchange is known to the quorum.
func (m *QuorumConsensus) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.RLock()
	view := m.view
	m.mu.RUnlock()
	committed := uint64(0)
	if m.lease != nil {
		committed = m.lease.current().CommittedSeqno
	}
	return Stats{View: view, CommittedSeqno: committed}
}

func (m *QuorumConsensus) localCommittedSeqno() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committedSeqno
}

type primaryInfoT struct {
	PrimaryID string
	Addr      string
	View      uint64
	ExpiresAt time.Time
	IsPrimary bool
}

func (m *QuorumConsensus) primaryInfo() primaryInfoT {
	if m == nil {
		return primaryInfoT{}
	}
	m.mu.RLock()
	isPrimary := m.isPrimary
	view := m.view
	expiresAt := m.expiresAt
	selfAddr := m.selfAddr
	selfID := m.selfID
	m.mu.RUnlock()
	if isPrimary {
		return primaryInfoT{PrimaryID: selfID, Addr: selfAddr, View: view, ExpiresAt: expiresAt, IsPrimary: true}
	}
	if m.lease == nil {
		return primaryInfoT{}
	}
	rec := m.lease.current()
	if !rec.Observed {
		return primaryInfoT{View: rec.View, ExpiresAt: rec.ExpiresAt}
	}
	return primaryInfoT{PrimaryID: rec.PrimaryID, Addr: rec.PrimaryAddr, View: rec.View, ExpiresAt: rec.ExpiresAt}
}

// Start launches the election loop in the background.
func (m *QuorumConsensus) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *QuorumConsensus) run(ctx context.Context) {
	if len(m.peers) == 0 {
		return
	}
	backoff := defaultElectionBackoff
	rng := rand.New(rand.NewSource(rngSeed(m.clockNow(), m.selfID)))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if m.isPrimaryState() {
			if ok := m.renewLeases(ctx); !ok {
				m.stepDown()
				backoff = defaultElectionBackoff
			}
			m.sleep(ctx, m.leaseTTL/3)
			continue
		}
		if wait := m.observedWait(m.clockNow()); wait > 0 {
			m.sleep(ctx, wait)
			continue
		}
		if m.tryElect(ctx) {
			backoff = defaultElectionBackoff
			continue
		}
		m.sleep(ctx, jitter(rng, backoff))
		if backoff < defaultElectionBackoffMax {
			backoff = minDuration(backoff*2, defaultElectionBackoffMax)
		}
	}
}

func (m *QuorumConsensus) isPrimaryState() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPrimary
}

func (m *QuorumConsensus) observedWait(now time.Time) time.Duration {
	if m == nil || m.lease == nil {
		return 0
	}
	rec := m.lease.current()
	if rec.PrimaryID == "" || rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(now) {
		return 0
	}
	wait := rec.ExpiresAt.Sub(now)
	maxWait := m.leaseTTL / 3
	if maxWait <= 0 {
		maxWait = time.Second
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

func (m *QuorumConsensus) tryElect(ctx context.Context) bool {
	view := m.nextView(ctx)
	quorum := quorumSize(len(m.peers))
	grants, selfGranted := m.collectVotes(ctx, func(ctx context.Context, peer string) bool {
		ok, _ := m.acquire(ctx, peer, view)
		return ok
	})
	if selfGranted && grants >= quorum {
		m.becomePrimary(view)
		return true
	}
	m.releaseAll(ctx, view)
	return false
}

func (m *QuorumConsensus) nextView(ctx context.Context) uint64 {
	max := uint64(0)
	for _, peer := range m.peers {
		if peer == m.selfAddr {
			if rec := m.lease.current(); rec.View > max {
				max = rec.View
			}
			continue
		}
		resp, err := m.getPrimary(ctx, peer)
		if err != nil {
			continue
		}
		if resp.View > max {
			max = resp.View
		}
		if resp.PrimaryID != "" && resp.ExpiresAtUnix > 0 {
			m.lease.follow(m.clockNow(), resp.PrimaryID, resp.PrimaryAddr, resp.View, time.UnixMilli(resp.ExpiresAtUnix), resp.CommittedSeqno)
		}
	}
	if max == 0 {
		return 1
	}
	return max + 1
}

func (m *QuorumConsensus) renewLeases(ctx context.Context) bool {
	quorum := quorumSize(len(m.peers))
	grants, selfGranted := m.collectVotes(ctx, func(ctx context.Context, peer string) bool {
		view := m.currentView()
		ok, _ := m.renew(ctx, peer, view)
		if ok {
			return true
		}
		ok, _ = m.acquire(ctx, peer, view)
		return ok
	})
	if selfGranted && grants >= quorum {
		m.mu.Lock()
		m.expiresAt = m.clockNow().Add(m.leaseTTL)
		m.mu.Unlock()
		return true
	}
	return false
}

func (m *QuorumConsensus) currentView() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

func (m *QuorumConsensus) collectVotes(ctx context.Context, fn func(context.Context, string) bool) (int, bool) {
	if len(m.peers) == 0 {
		return 0, false
	}
	roundCtx, cancel := context.WithTimeout(ctx, defaultLeaseRequestTTL)
	defer cancel()
	type vote struct {
		peer string
		ok   bool
	}
	votes := make(chan vote, len(m.peers))
	for _, peer := range m.peers {
		peer := peer
		go func() { votes <- vote{peer: peer, ok: fn(roundCtx, peer)} }()
	}
	grants, selfGranted, remaining := 0, false, len(m.peers)
	for remaining > 0 {
		select {
		case v := <-votes:
			remaining--
			if v.ok {
				grants++
				if v.peer == m.selfAddr {
					selfGranted = true
				}
			}
		case <-roundCtx.Done():
			remaining = 0
		}
	}
	return grants, selfGranted
}

func (m *QuorumConsensus) becomePrimary(view uint64) {
	m.mu.Lock()
	m.isPrimary = true
	m.view = view
	m.expiresAt = m.clockNow().Add(m.leaseTTL)
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("consensus.primary.elected", "primary_id", m.selfID, "view", view)
	}
}

func (m *QuorumConsensus) stepDown() {
	m.mu.Lock()
	wasPrimary := m.isPrimary
	m.isPrimary = false
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	if wasPrimary && m.logger != nil {
		m.logger.Warn("consensus.primary.stepped_down", "primary_id", m.selfID, "view", m.view)
	}
}

func (m *QuorumConsensus) acquire(ctx context.Context, peer string, view uint64) (bool, *AcquireResponse) {
	req := AcquireRequest{CandidateID: m.selfID, CandidateAddr: m.selfAddr, View: view, TTLMillis: int64(m.leaseTTL / time.Millisecond), CommittedSeqno: m.localCommittedSeqno()}
	if peer == m.selfAddr {
		rec, err := m.lease.acquire(m.clockNow(), req.CandidateID, req.CandidateAddr, req.View, m.leaseTTL, req.CommittedSeqno)
		if err != nil {
			return false, nil
		}
		return true, &AcquireResponse{Granted: true, PrimaryID: rec.PrimaryID, PrimaryAddr: rec.PrimaryAddr, View: rec.View, ExpiresAtUnix: rec.ExpiresAt.UnixMilli(), CommittedSeqno: rec.CommittedSeqno}
	}
	resp := &AcquireResponse{}
	if err := m.post(ctx, peer, "/v1/consensus/lease/acquire", req, resp); err != nil {
		return false, nil
	}
	return resp.Granted, resp
}

func (m *QuorumConsensus) renew(ctx context.Context, peer string, view uint64) (bool, *RenewResponse) {
	req := RenewRequest{PrimaryID: m.selfID, View: view, TTLMillis: int64(m.leaseTTL / time.Millisecond), CommittedSeqno: m.localCommittedSeqno()}
	if peer == m.selfAddr {
		rec, err := m.lease.renew(m.clockNow(), req.PrimaryID, req.View, m.leaseTTL, req.CommittedSeqno)
		if err != nil {
			return false, nil
		}
		return true, &RenewResponse{Renewed: true, PrimaryID: rec.PrimaryID, PrimaryAddr: rec.PrimaryAddr, View: rec.View, ExpiresAtUnix: rec.ExpiresAt.UnixMilli(), CommittedSeqno: rec.CommittedSeqno}
	}
	resp := &RenewResponse{}
	if err := m.post(ctx, peer, "/v1/consensus/lease/renew", req, resp); err != nil {
		return false, nil
	}
	return resp.Renewed, resp
}

func (m *QuorumConsensus) releaseAll(ctx context.Context, view uint64) {
	for _, peer := range m.peers {
		req := ReleaseRequest{PrimaryID: m.selfID, View: view}
		if peer == m.selfAddr {
			_, _ = m.lease.release(m.clockNow(), req.PrimaryID, req.View)
			continue
		}
		_ = m.post(ctx, peer, "/v1/consensus/lease/release", req, &struct{}{})
	}
}

func (m *QuorumConsensus) getPrimary(ctx context.Context, peer string) (PrimaryResponse, error) {
	if m.http == nil {
		return PrimaryResponse{}, errors.New("consensus: http client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinAddr(peer, "/v1/consensus/primary"), nil)
	if err != nil {
		return PrimaryResponse{}, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return PrimaryResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PrimaryResponse{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out PrimaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PrimaryResponse{}, err
	}
	return out, nil
}

// HandleAcquire answers an inbound lease-acquire request from a candidate
// peer, mirroring the self-vote branch of acquire above. A host process
// decodes the request body into req and writes the response as JSON,
// following the decode/call/encode shape of
// sa6mwa-lockd/internal/httpapi/handler_endpoints.go's handleTCLeaseAcquire.
func (m *QuorumConsensus) HandleAcquire(req AcquireRequest) AcquireResponse {
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	rec, lerr := m.lease.acquire(m.clockNow(), req.CandidateID, req.CandidateAddr, req.View, ttl, req.CommittedSeqno)
	if lerr != nil {
		return AcquireResponse{PrimaryID: rec.PrimaryID, PrimaryAddr: rec.PrimaryAddr, View: rec.View, CommittedSeqno: rec.CommittedSeqno}
	}
	return AcquireResponse{Granted: true, PrimaryID: rec.PrimaryID, PrimaryAddr: rec.PrimaryAddr, View: rec.View, ExpiresAtUnix: rec.ExpiresAt.UnixMilli(), CommittedSeqno: rec.CommittedSeqno}
}

// HandleRenew answers an inbound lease-renew request from the current
// primary.
func (m *QuorumConsensus) HandleRenew(req RenewRequest) RenewResponse {
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	rec, lerr := m.lease.renew(m.clockNow(), req.PrimaryID, req.View, ttl, req.CommittedSeqno)
	if lerr != nil {
		return RenewResponse{PrimaryID: rec.PrimaryID, PrimaryAddr: rec.PrimaryAddr, View: rec.View, CommittedSeqno: rec.CommittedSeqno}
	}
	return RenewResponse{Renewed: true, PrimaryID: rec.PrimaryID, PrimaryAddr: rec.PrimaryAddr, View: rec.View, ExpiresAtUnix: rec.ExpiresAt.UnixMilli(), CommittedSeqno: rec.CommittedSeqno}
}

// HandleRelease answers an inbound lease-release request from a stepping
// down primary. The release is best-effort: a mismatched view or primary id
// is not reported back as an error, matching releaseAll's fire-and-forget
// fan-out above.
func (m *QuorumConsensus) HandleRelease(req ReleaseRequest) {
	_, _ = m.lease.release(m.clockNow(), req.PrimaryID, req.View)
}

// HandlePrimary answers an inbound primary-info query, the same data
// getPrimary fetches from a peer.
func (m *QuorumConsensus) HandlePrimary() PrimaryResponse {
	rec := m.lease.current()
	return PrimaryResponse{PrimaryID: rec.PrimaryID, PrimaryAddr: rec.PrimaryAddr, View: rec.View, ExpiresAtUnix: rec.ExpiresAt.UnixMilli(), CommittedSeqno: rec.CommittedSeqno}
}

func (m *QuorumConsensus) post(ctx context.Context, peer, path string, payload, out any) error {
	if m.http == nil {
		return errors.New("consensus: http client not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinAddr(peer, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (m *QuorumConsensus) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-m.clockAfter(d):
	}
}

func (m *QuorumConsensus) clockNow() time.Time {
	if m == nil || m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.Now()
}

func (m *QuorumConsensus) clockAfter(d time.Duration) <-chan time.Time {
	if m == nil || m.clock == nil {
		return time.After(d)
	}
	return m.clock.After(d)
}

func normalizeAddrs(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		trimmed := normalizeAddr(raw)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func normalizeAddr(raw string) string {
	trimmed := strings.TrimSpace(raw)
	return strings.TrimSuffix(trimmed, "/")
}

func containsAddr(list []string, target string) bool {
	target = normalizeAddr(target)
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func joinAddr(base, suffix string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}

func quorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	return n/2 + 1
}

func jitter(rng *rand.Rand, base time.Duration) time.Duration {
	if base <= 0 || rng == nil {
		return base
	}
	return base + time.Duration(rng.Int63n(int64(base)))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func stableID(addr string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(addr)))
	return fmt.Sprintf("node-%x", sum[:8])
}

func rngSeed(now time.Time, selfID string) int64 {
	seed := now.UnixNano()
	if selfID == "" {
		return seed
	}
	sum := sha256.Sum256([]byte(selfID))
	return seed ^ int64(binary.LittleEndian.Uint64(sum[:8]))
}
