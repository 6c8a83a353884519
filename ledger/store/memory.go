// Package store provides JournalStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nosota/mwallet/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	wallets map[ledger.WalletID]ledger.Wallet
	groups  map[ledger.GroupID]ledger.Group

	// One slice per storage tier. An entry lives in exactly one of them.
	active   []ledger.Entry
	snapshot []ledger.Entry
	archive  []ledger.Entry

	links map[ledger.EntryID][]ledger.GroupID

	// correlation enforces uniqueness per (key, entry type), like the
	// partial unique index in the sqlite store.
	correlation map[corrKey]ledger.EntryID

	nextID ledger.EntryID
}

type corrKey struct {
	Key  string
	Type ledger.EntryType
}

func NewMemory() *Memory {
	return &Memory{
		wallets:     make(map[ledger.WalletID]ledger.Wallet),
		groups:      make(map[ledger.GroupID]ledger.Group),
		links:       make(map[ledger.EntryID][]ledger.GroupID),
		correlation: make(map[corrKey]ledger.EntryID),
		nextID:      1,
	}
}

// --- Wallets ---

func (m *Memory) CreateWallet(_ context.Context, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createWalletLocked(w)
}

func (m *Memory) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(id)
}

func (m *Memory) ListWallets(_ context.Context) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWalletsLocked()
}

func (m *Memory) createWalletLocked(w ledger.Wallet) error {
	if w.ID == "" || !w.Kind.Valid() || w.Currency == "" {
		return fmt.Errorf("%w: wallet requires id, kind and currency", ledger.ErrValidation)
	}
	if _, ok := m.wallets[w.ID]; ok {
		return fmt.Errorf("%w: wallet %s already exists", ledger.ErrValidation, w.ID)
	}
	m.wallets[w.ID] = w
	return nil
}

func (m *Memory) getWalletLocked(id ledger.WalletID) (*ledger.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) listWalletsLocked() ([]ledger.Wallet, error) {
	result := make([]ledger.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		result = append(result, w)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

// --- Groups ---

func (m *Memory) CreateGroup(_ context.Context, g ledger.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createGroupLocked(g)
}

func (m *Memory) GetGroup(_ context.Context, id ledger.GroupID) (*ledger.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getGroupLocked(id)
}

func (m *Memory) GetGroupByIdempotencyKey(_ context.Context, key string) (*ledger.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getGroupByIdempotencyKeyLocked(key)
}

func (m *Memory) SetGroupTerminal(_ context.Context, id ledger.GroupID, status ledger.GroupStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setGroupTerminalLocked(id, status, reason)
}

func (m *Memory) createGroupLocked(g ledger.Group) error {
	if g.ID == "" {
		return fmt.Errorf("%w: group requires an id", ledger.ErrValidation)
	}
	if _, ok := m.groups[g.ID]; ok {
		return fmt.Errorf("%w: group %s already exists", ledger.ErrValidation, g.ID)
	}
	if g.IdempotencyKey != "" {
		for _, existing := range m.groups {
			if existing.IdempotencyKey == g.IdempotencyKey {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, g.IdempotencyKey)
			}
		}
	}
	m.groups[g.ID] = g
	return nil
}

func (m *Memory) getGroupLocked(id ledger.GroupID) (*ledger.Group, error) {
	g, ok := m.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *Memory) getGroupByIdempotencyKeyLocked(key string) (*ledger.Group, error) {
	for _, g := range m.groups {
		if g.IdempotencyKey == key {
			found := g
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) setGroupTerminalLocked(id ledger.GroupID, status ledger.GroupStatus, reason string) error {
	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, id)
	}
	if g.Terminal() {
		return &ledger.StateError{GroupID: id, Status: g.Status}
	}
	if !ledger.TerminalStatus(status) {
		return fmt.Errorf("%w: %q is not a terminal group status", ledger.ErrValidation, status)
	}
	now := time.Now().UTC()
	g.Status = status
	g.FinalizedAt = &now
	g.Reason = reason
	m.groups[id] = g
	return nil
}

// --- Entries ---

func (m *Memory) Append(_ context.Context, e ledger.Entry) (ledger.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e ledger.Entry) (ledger.EntryID, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	if _, ok := m.wallets[e.WalletID]; !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, e.WalletID)
	}
	g, ok := m.groups[e.GroupID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, e.GroupID)
	}
	if g.Status != ledger.GroupInProgress {
		return 0, fmt.Errorf("%w: group %s is %s", ledger.ErrGroupNotOpen, e.GroupID, g.Status)
	}
	if e.CorrelationKey != "" {
		if _, taken := m.correlation[corrKey{Key: e.CorrelationKey, Type: e.Type}]; taken {
			return 0, fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.CorrelationKey)
		}
	}

	e.ID = m.nextID
	m.nextID++
	e.Tier = ledger.TierActive
	m.active = append(m.active, e)
	if e.CorrelationKey != "" {
		m.correlation[corrKey{Key: e.CorrelationKey, Type: e.Type}] = e.ID
	}
	return e.ID, nil
}

func (m *Memory) EntriesOfGroup(_ context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesOfGroupLocked(id)
}

func (m *Memory) entriesOfGroupLocked(id ledger.GroupID) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, tier := range [][]ledger.Entry{m.active, m.snapshot, m.archive} {
		for _, e := range tier {
			if e.GroupID == id {
				result = append(result, e)
			}
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

func (m *Memory) EntriesOfWallet(_ context.Context, id ledger.WalletID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesOfWalletLocked(id, f)
}

func (m *Memory) entriesOfWalletLocked(id ledger.WalletID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, tier := range [][]ledger.Entry{m.active, m.snapshot} {
		for _, e := range tier {
			if e.WalletID != id {
				continue
			}
			if f.Status != nil && e.Status != *f.Status {
				continue
			}
			result = append(result, e)
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Memory) HoldEntries(_ context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holdEntriesLocked(id)
}

func (m *Memory) holdEntriesLocked(id ledger.GroupID) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range m.active {
		if e.GroupID == id && e.Status == ledger.StatusHold {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

func (m *Memory) EntriesByCorrelationKey(_ context.Context, key string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByCorrelationKeyLocked(key)
}

func (m *Memory) entriesByCorrelationKeyLocked(key string) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, tier := range [][]ledger.Entry{m.active, m.snapshot, m.archive} {
		for _, e := range tier {
			if e.CorrelationKey == key {
				result = append(result, e)
			}
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

// --- Aggregations ---

func (m *Memory) SumSettled(_ context.Context, id ledger.WalletID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumSettledLocked(id)
}

func (m *Memory) sumSettledLocked(id ledger.WalletID) (int64, error) {
	var sum int64
	for _, tier := range [][]ledger.Entry{m.active, m.snapshot} {
		for _, e := range tier {
			if e.WalletID == id && e.Status == ledger.StatusSettled {
				sum += e.Amount
			}
		}
	}
	return sum, nil
}

func (m *Memory) SumHeldDebits(_ context.Context, id ledger.WalletID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumHeldLocked(id, ledger.EntryDebit)
}

func (m *Memory) SumHeldCredits(_ context.Context, id ledger.WalletID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumHeldLocked(id, ledger.EntryCredit)
}

func (m *Memory) sumHeldLocked(id ledger.WalletID, typ ledger.EntryType) (int64, error) {
	var sum int64
	for _, e := range m.active {
		if e.WalletID != id || e.Status != ledger.StatusHold || e.Type != typ {
			continue
		}
		if g, ok := m.groups[e.GroupID]; ok && g.Status == ledger.GroupInProgress {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *Memory) GroupCurrency(_ context.Context, id ledger.GroupID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupCurrencyLocked(id)
}

func (m *Memory) groupCurrencyLocked(id ledger.GroupID) (string, error) {
	entries, err := m.entriesOfGroupLocked(id)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	w, ok := m.wallets[entries[0].WalletID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, entries[0].WalletID)
	}
	return w.Currency, nil
}

func (m *Memory) ReconciliationSum(_ context.Context, status ledger.EntryStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconciliationSumLocked(status)
}

func (m *Memory) reconciliationSumLocked(status ledger.EntryStatus) (int64, error) {
	var sum int64
	for _, tier := range [][]ledger.Entry{m.active, m.snapshot} {
		for _, e := range tier {
			if e.Status == status {
				sum += e.Amount
			}
		}
	}
	return sum, nil
}

// --- Pipeline primitives ---

func (m *Memory) MoveActiveToSnapshot(_ context.Context, id ledger.WalletID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveActiveToSnapshotLocked(id)
}

func (m *Memory) moveActiveToSnapshotLocked(id ledger.WalletID) (int, error) {
	now := time.Now().UTC()
	var kept []ledger.Entry
	var moved int
	for _, e := range m.active {
		g, ok := m.groups[e.GroupID]
		if e.WalletID == id && ok && g.Terminal() {
			e.Tier = ledger.TierSnapshot
			snapAt := now
			e.SnapshotDate = &snapAt
			m.snapshot = append(m.snapshot, e)
			moved++
			continue
		}
		kept = append(kept, e)
	}
	m.active = kept
	return moved, nil
}

func (m *Memory) ConsolidateSnapshot(_ context.Context, id ledger.WalletID, cutoff time.Time) (*ledger.Consolidation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consolidateSnapshotLocked(id, cutoff)
}

func (m *Memory) consolidateSnapshotLocked(id ledger.WalletID, cutoff time.Time) (*ledger.Consolidation, error) {
	var selected, kept []ledger.Entry
	for _, e := range m.snapshot {
		if e.WalletID == id && !e.IsCheckpoint && e.SnapshotDate != nil && e.SnapshotDate.Before(cutoff) {
			selected = append(selected, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(selected) == 0 {
		return &ledger.Consolidation{}, nil
	}

	// Checkpoint amount covers SETTLED rows only; everything selected moves
	// to the archive regardless of status.
	var cumulative int64
	seen := make(map[ledger.GroupID]bool)
	var groups []ledger.GroupID
	for _, e := range selected {
		if e.Status == ledger.StatusSettled {
			cumulative += e.Amount
		}
		if e.GroupID != "" && !seen[e.GroupID] {
			seen[e.GroupID] = true
			groups = append(groups, e.GroupID)
		}
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a] < groups[b] })

	now := time.Now().UTC()
	checkpointID := m.nextID
	m.nextID++
	checkpointAt := now
	kept = append(kept, ledger.Entry{
		ID:           checkpointID,
		WalletID:     id,
		Type:         ledger.EntryLedger,
		Status:       ledger.StatusSettled,
		Amount:       cumulative,
		HoldAt:       now,
		FinalizedAt:  &now,
		Description:  fmt.Sprintf("checkpoint through %s", cutoff.UTC().Format(time.RFC3339)),
		Tier:         ledger.TierSnapshot,
		SnapshotDate: &checkpointAt,
		IsCheckpoint: true,
	})
	m.links[checkpointID] = groups

	for _, e := range selected {
		e.Tier = ledger.TierArchive
		m.archive = append(m.archive, e)
	}
	m.snapshot = kept

	return &ledger.Consolidation{
		CheckpointID: checkpointID,
		Cumulative:   cumulative,
		Archived:     len(selected),
		Groups:       groups,
	}, nil
}

func (m *Memory) CheckpointGroups(_ context.Context, checkpointID ledger.EntryID) ([]ledger.GroupID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpointGroupsLocked(checkpointID)
}

func (m *Memory) checkpointGroupsLocked(checkpointID ledger.EntryID) ([]ledger.GroupID, error) {
	groups, ok := m.links[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint %d", ledger.ErrEntryNotFound, checkpointID)
	}
	result := make([]ledger.GroupID, len(groups))
	copy(result, groups)
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.JournalStore) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshotState()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	wallets     map[ledger.WalletID]ledger.Wallet
	groups      map[ledger.GroupID]ledger.Group
	active      []ledger.Entry
	snapshot    []ledger.Entry
	archive     []ledger.Entry
	links       map[ledger.EntryID][]ledger.GroupID
	correlation map[corrKey]ledger.EntryID
	nextID      ledger.EntryID
}

func (tm *TxMemory) snapshotState() memorySnapshot {
	s := memorySnapshot{
		wallets:     make(map[ledger.WalletID]ledger.Wallet, len(tm.wallets)),
		groups:      make(map[ledger.GroupID]ledger.Group, len(tm.groups)),
		active:      append([]ledger.Entry{}, tm.active...),
		snapshot:    append([]ledger.Entry{}, tm.snapshot...),
		archive:     append([]ledger.Entry{}, tm.archive...),
		links:       make(map[ledger.EntryID][]ledger.GroupID, len(tm.links)),
		correlation: make(map[corrKey]ledger.EntryID, len(tm.correlation)),
		nextID:      tm.nextID,
	}
	for k, v := range tm.wallets {
		s.wallets[k] = v
	}
	for k, v := range tm.groups {
		s.groups[k] = v
	}
	for k, v := range tm.links {
		s.links[k] = append([]ledger.GroupID{}, v...)
	}
	for k, v := range tm.correlation {
		s.correlation[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.wallets = s.wallets
	tm.groups = s.groups
	tm.active = s.active
	tm.snapshot = s.snapshot
	tm.archive = s.archive
	tm.links = s.links
	tm.correlation = s.correlation
	tm.nextID = s.nextID
}

// txMemoryView routes through the locked variants: the enclosing WithTx
// already holds the write lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateWallet(_ context.Context, w ledger.Wallet) error {
	return tv.parent.createWalletLocked(w)
}

func (tv *txMemoryView) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return tv.parent.getWalletLocked(id)
}

func (tv *txMemoryView) ListWallets(_ context.Context) ([]ledger.Wallet, error) {
	return tv.parent.listWalletsLocked()
}

func (tv *txMemoryView) CreateGroup(_ context.Context, g ledger.Group) error {
	return tv.parent.createGroupLocked(g)
}

func (tv *txMemoryView) GetGroup(_ context.Context, id ledger.GroupID) (*ledger.Group, error) {
	return tv.parent.getGroupLocked(id)
}

func (tv *txMemoryView) GetGroupByIdempotencyKey(_ context.Context, key string) (*ledger.Group, error) {
	return tv.parent.getGroupByIdempotencyKeyLocked(key)
}

func (tv *txMemoryView) SetGroupTerminal(_ context.Context, id ledger.GroupID, status ledger.GroupStatus, reason string) error {
	return tv.parent.setGroupTerminalLocked(id, status, reason)
}

func (tv *txMemoryView) Append(_ context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) EntriesOfGroup(_ context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	return tv.parent.entriesOfGroupLocked(id)
}

func (tv *txMemoryView) EntriesOfWallet(_ context.Context, id ledger.WalletID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	return tv.parent.entriesOfWalletLocked(id, f)
}

func (tv *txMemoryView) HoldEntries(_ context.Context, id ledger.GroupID) ([]ledger.Entry, error) {
	return tv.parent.holdEntriesLocked(id)
}

func (tv *txMemoryView) EntriesByCorrelationKey(_ context.Context, key string) ([]ledger.Entry, error) {
	return tv.parent.entriesByCorrelationKeyLocked(key)
}

func (tv *txMemoryView) SumSettled(_ context.Context, id ledger.WalletID) (int64, error) {
	return tv.parent.sumSettledLocked(id)
}

func (tv *txMemoryView) SumHeldDebits(_ context.Context, id ledger.WalletID) (int64, error) {
	return tv.parent.sumHeldLocked(id, ledger.EntryDebit)
}

func (tv *txMemoryView) SumHeldCredits(_ context.Context, id ledger.WalletID) (int64, error) {
	return tv.parent.sumHeldLocked(id, ledger.EntryCredit)
}

func (tv *txMemoryView) GroupCurrency(_ context.Context, id ledger.GroupID) (string, error) {
	return tv.parent.groupCurrencyLocked(id)
}

func (tv *txMemoryView) ReconciliationSum(_ context.Context, status ledger.EntryStatus) (int64, error) {
	return tv.parent.reconciliationSumLocked(status)
}

func (tv *txMemoryView) MoveActiveToSnapshot(_ context.Context, id ledger.WalletID) (int, error) {
	return tv.parent.moveActiveToSnapshotLocked(id)
}

func (tv *txMemoryView) ConsolidateSnapshot(_ context.Context, id ledger.WalletID, cutoff time.Time) (*ledger.Consolidation, error) {
	return tv.parent.consolidateSnapshotLocked(id, cutoff)
}

func (tv *txMemoryView) CheckpointGroups(_ context.Context, checkpointID ledger.EntryID) ([]ledger.GroupID, error) {
	return tv.parent.checkpointGroupsLocked(checkpointID)
}
