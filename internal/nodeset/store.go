// Package nodeset maintains the NODES-table membership directory the
// redirect path reads from. Adapted from internal/tccluster.Store, which
// announced membership leases into an object-storage backend; since the KV
// store here is an external collaborator, this version keeps the store's
// announce/pause/active lifecycle but holds leases in an in-memory,
// mutex-guarded table instead.
package nodeset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	pathpkg "path"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rpcfrontend/internal/clock"
)

// Lease captures one node's membership lease.
type Lease struct {
	NodeID        string `json:"node_id,omitempty"`
	Endpoint      string `json:"endpoint"`
	PubHost       string `json:"pub_host,omitempty"`
	RPCPort       int    `json:"rpc_port,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
	ExpiresAtUnix int64  `json:"expires_at_unix,omitempty"`
}

// Snapshot reports active node-set membership.
type Snapshot struct {
	Leases        []Lease
	Endpoints     []string
	UpdatedAtUnix int64
}

// ErrPaused indicates announcements are paused for the node id.
var ErrPaused = errors.New("nodeset: node paused")

// Store tracks NODES-table membership leases in memory.
type Store struct {
	logger pslog.Logger
	clock  clock.Clock

	mu      sync.RWMutex
	leases  map[string]Lease
	paused  map[string]struct{}
}

// NewStore constructs an empty membership Store.
func NewStore(logger pslog.Logger, clk clock.Clock) *Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		logger: logger,
		clock:  clk,
		leases: make(map[string]Lease),
	}
}

// Announce records or renews a membership lease for nodeID, resuming it if paused.
func (s *Store) Announce(_ context.Context, nodeID, endpoint string, ttl time.Duration) (Lease, error) {
	return s.announce(nodeID, endpoint, ttl, true)
}

// AnnounceIfNotPaused records or renews a lease unless nodeID is paused; it
// never resumes a paused node.
func (s *Store) AnnounceIfNotPaused(_ context.Context, nodeID, endpoint string, ttl time.Duration) (Lease, error) {
	return s.announce(nodeID, endpoint, ttl, false)
}

func (s *Store) announce(nodeID, endpoint string, ttl time.Duration, resume bool) (Lease, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return Lease{}, errors.New("nodeset: node id required")
	}
	normalized, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return Lease{}, fmt.Errorf("nodeset: %w", err)
	}
	if ttl <= 0 {
		return Lease{}, errors.New("nodeset: ttl must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if resume {
		delete(s.paused, nodeID)
	} else if _, ok := s.paused[nodeID]; ok {
		return Lease{}, ErrPaused
	}
	now := s.clock.Now()
	lease := Lease{
		NodeID:        nodeID,
		Endpoint:      normalized,
		UpdatedAtUnix: now.UnixMilli(),
		ExpiresAtUnix: now.Add(ttl).UnixMilli(),
	}
	if s.leases == nil {
		s.leases = make(map[string]Lease)
	}
	s.leases[nodeID] = lease
	return lease, nil
}

// Pause stops auto-announcements for nodeID.
func (s *Store) Pause(nodeID string) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	if s.paused == nil {
		s.paused = make(map[string]struct{})
	}
	s.paused[nodeID] = struct{}{}
	s.mu.Unlock()
}

// Resume re-enables auto-announcements for nodeID.
func (s *Store) Resume(nodeID string) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	delete(s.paused, nodeID)
	s.mu.Unlock()
}

// IsPaused reports whether auto-announcements are suppressed for nodeID.
func (s *Store) IsPaused(nodeID string) bool {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return false
	}
	s.mu.RLock()
	_, ok := s.paused[nodeID]
	s.mu.RUnlock()
	return ok
}

// Leave removes nodeID's membership lease.
func (s *Store) Leave(_ context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("nodeset: node id required")
	}
	s.mu.Lock()
	delete(s.leases, nodeID)
	s.mu.Unlock()
	return nil
}

// Active returns the currently unexpired leases.
func (s *Store) Active(_ context.Context) (Snapshot, error) {
	now := s.clock.Now()
	s.mu.RLock()
	leases := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		leases = append(leases, l)
	}
	s.mu.RUnlock()

	nowMillis := now.UnixMilli()
	active := make([]Lease, 0, len(leases))
	endpoints := make([]string, 0, len(leases))
	updatedAt := int64(0)
	for _, l := range leases {
		if l.Endpoint == "" || l.ExpiresAtUnix == 0 || l.ExpiresAtUnix <= nowMillis {
			continue
		}
		active = append(active, l)
		endpoints = append(endpoints, l.Endpoint)
		if l.UpdatedAtUnix > updatedAt {
			updatedAt = l.UpdatedAtUnix
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].NodeID < active[j].NodeID })
	return Snapshot{
		Leases:        active,
		Endpoints:     NormalizeEndpoints(endpoints),
		UpdatedAtUnix: updatedAt,
	}, nil
}

// NormalizeEndpoints trims, dedupes, and sorts endpoint entries.
func NormalizeEndpoints(endpoints []string) []string {
	seen := make(map[string]struct{}, len(endpoints))
	out := make([]string, 0, len(endpoints))
	for _, raw := range endpoints {
		trimmed := normalizeEndpoint(raw)
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

// ContainsEndpoint reports whether endpoints contains target.
func ContainsEndpoint(endpoints []string, target string) bool {
	target = normalizeEndpoint(target)
	if target == "" {
		return false
	}
	for _, item := range endpoints {
		if item == target {
			return true
		}
	}
	return false
}

func normalizeEndpoint(raw string) string {
	normalized, err := NormalizeEndpoint(raw)
	if err != nil {
		return ""
	}
	return normalized
}

// NormalizeEndpoint canonicalizes and validates a node endpoint URL.
func NormalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("endpoint required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("endpoint scheme must be http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("endpoint host required")
	}
	if parsed.User != nil {
		return "", errors.New("endpoint userinfo is not allowed")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", errors.New("endpoint must not include query or fragment")
	}
	cleanPath := pathpkg.Clean("/" + strings.TrimLeft(parsed.Path, "/"))
	if cleanPath == "/" {
		parsed.Path = ""
		parsed.RawPath = ""
	} else {
		parsed.Path = cleanPath
		parsed.RawPath = ""
	}
	return strings.TrimSuffix(parsed.String(), "/"), nil
}

// JoinEndpoint validates base and appends a cleaned path suffix.
func JoinEndpoint(base, suffix string) (string, error) {
	normalized, err := NormalizeEndpoint(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(suffix))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint suffix: %w", err)
	}
	if ref.IsAbs() || ref.Host != "" || ref.Scheme != "" || ref.User != nil {
		return "", errors.New("endpoint suffix must be a relative path")
	}
	if ref.RawQuery != "" || ref.Fragment != "" {
		return "", errors.New("endpoint suffix must not include query or fragment")
	}
	if ref.Path == "" {
		return "", errors.New("endpoint suffix path required")
	}
	baseURL, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL: %w", err)
	}
	basePath := strings.TrimSuffix(baseURL.Path, "/")
	suffixPath := pathpkg.Clean("/" + strings.TrimLeft(ref.Path, "/"))
	joinedPath := pathpkg.Clean(basePath + "/" + strings.TrimLeft(suffixPath, "/"))
	if !strings.HasPrefix(joinedPath, "/") {
		joinedPath = "/" + joinedPath
	}
	baseURL.Path = joinedPath
	baseURL.RawPath = ""
	baseURL.RawQuery = ""
	baseURL.Fragment = ""
	return baseURL.String(), nil
}
