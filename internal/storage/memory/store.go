package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"launchLedger/internal/model"
	"launchLedger/internal/storage"
)

type addrKey struct {
	chainID uint64
	address string
}

type state struct {
	cursors       map[model.Partition]model.Cursor
	blockHashes   map[model.Partition]map[uint64]model.BlockRef
	applied       map[model.EventID]model.AppliedEvent
	held          map[addrKey][]model.ChainEvent
	quarantined   []model.QuarantinedEvent
	anomalies     []model.Anomaly
	rounds        map[addrKey]model.Round
	contributions map[model.EventID]model.Contribution
	pools         map[addrKey]model.BondingPool
	trades        map[model.EventID]model.BondingTrade
	verifications map[string]model.VerificationState
	wallets       map[string]string
	relationships map[string]model.ReferralRelationship
	entries       map[string]model.ReferralLedgerEntry
}

func newState() *state {
	return &state{
		cursors:       make(map[model.Partition]model.Cursor),
		blockHashes:   make(map[model.Partition]map[uint64]model.BlockRef),
		applied:       make(map[model.EventID]model.AppliedEvent),
		held:          make(map[addrKey][]model.ChainEvent),
		rounds:        make(map[addrKey]model.Round),
		contributions: make(map[model.EventID]model.Contribution),
		pools:         make(map[addrKey]model.BondingPool),
		trades:        make(map[model.EventID]model.BondingTrade),
		verifications: make(map[string]model.VerificationState),
		wallets:       make(map[string]string),
		relationships: make(map[string]model.ReferralRelationship),
		entries:       make(map[string]model.ReferralLedgerEntry),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.cursors {
		out.cursors[k] = v
	}
	for p, hashes := range s.blockHashes {
		inner := make(map[uint64]model.BlockRef, len(hashes))
		for n, ref := range hashes {
			inner[n] = ref
		}
		out.blockHashes[p] = inner
	}
	for k, v := range s.applied {
		out.applied[k] = v
	}
	for k, v := range s.held {
		out.held[k] = append([]model.ChainEvent(nil), v...)
	}
	out.quarantined = append(out.quarantined, s.quarantined...)
	out.anomalies = append(out.anomalies, s.anomalies...)
	for k, v := range s.rounds {
		out.rounds[k] = v
	}
	for k, v := range s.contributions {
		out.contributions[k] = v
	}
	for k, v := range s.pools {
		out.pools[k] = v
	}
	for k, v := range s.trades {
		out.trades[k] = v
	}
	for k, v := range s.verifications {
		out.verifications[k] = v
	}
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	for k, v := range s.relationships {
		out.relationships[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	return out
}

// Store keeps the whole derived state in process. Transactions run one at a time
// against a copy that replaces the live state only when the callback succeeds.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

// WithTx runs fn in a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{st: working, now: s.now}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Anomalies returns every recorded anomaly.
func (s *Store) Anomalies() []model.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Anomaly(nil), s.state.anomalies...)
}

// LedgerEntries returns every ledger entry ordered by creation.
func (s *Store) LedgerEntries() []model.ReferralLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ReferralLedgerEntry, 0, len(s.state.entries))
	for _, e := range s.state.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out
}

// Contributions returns every contribution of a round.
func (s *Store) Contributions(roundID string) []model.Contribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Contribution, 0)
	for _, c := range s.state.contributions {
		if c.RoundID == roundID {
			out = append(out, cloneContribution(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) GetCursor(_ context.Context, p model.Partition) (model.Cursor, error) {
	c, ok := t.st.cursors[p]
	if !ok {
		return model.Cursor{}, storage.ErrNotFound
	}
	return c, nil
}

func (t *tx) SaveCursor(_ context.Context, c model.Cursor) error {
	c.UpdatedAt = t.now().UTC()
	t.st.cursors[c.Partition] = c
	return nil
}

func (t *tx) PutBlockHash(_ context.Context, p model.Partition, ref model.BlockRef) error {
	hashes, ok := t.st.blockHashes[p]
	if !ok {
		hashes = make(map[uint64]model.BlockRef)
		t.st.blockHashes[p] = hashes
	}
	hashes[ref.Number] = ref
	return nil
}

func (t *tx) ListBlockHashes(_ context.Context, p model.Partition, fromBlock uint64) ([]model.BlockRef, error) {
	out := make([]model.BlockRef, 0)
	for n, ref := range t.st.blockHashes[p] {
		if n >= fromBlock {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (t *tx) DeleteBlockHashes(_ context.Context, p model.Partition, fromBlock uint64) error {
	for n := range t.st.blockHashes[p] {
		if n >= fromBlock {
			delete(t.st.blockHashes[p], n)
		}
	}
	return nil
}

func (t *tx) PruneBlockHashes(_ context.Context, p model.Partition, belowBlock uint64) error {
	for n := range t.st.blockHashes[p] {
		if n < belowBlock {
			delete(t.st.blockHashes[p], n)
		}
	}
	return nil
}

func (t *tx) GetAppliedEvent(_ context.Context, id model.EventID) (model.AppliedEvent, error) {
	ev, ok := t.st.applied[id]
	if !ok {
		return model.AppliedEvent{}, storage.ErrNotFound
	}
	return ev, nil
}

func (t *tx) PutAppliedEvent(_ context.Context, ev model.AppliedEvent) error {
	if ev.AppliedAt.IsZero() {
		ev.AppliedAt = t.now().UTC()
	}
	t.st.applied[ev.ID] = ev
	return nil
}

func (t *tx) OrphanAppliedEvents(_ context.Context, p model.Partition, fromBlock uint64) ([]model.AppliedEvent, error) {
	out := make([]model.AppliedEvent, 0)
	for id, ev := range t.st.applied {
		if ev.Partition != p || ev.Orphaned || ev.BlockNumber < fromBlock {
			continue
		}
		ev.Orphaned = true
		t.st.applied[id] = ev
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].ID.LogIndex < out[j].ID.LogIndex
	})
	return out, nil
}

func (t *tx) HoldEvent(_ context.Context, subject string, ev model.ChainEvent) error {
	key := addrKey{chainID: ev.ID.ChainID, address: model.NormalizeAddress(subject)}
	for i, held := range t.st.held[key] {
		if held.ID == ev.ID {
			t.st.held[key][i] = ev
			return nil
		}
	}
	t.st.held[key] = append(t.st.held[key], ev)
	return nil
}

func (t *tx) ReleaseHeldEvents(_ context.Context, chainID uint64, subject string) ([]model.ChainEvent, error) {
	key := addrKey{chainID: chainID, address: model.NormalizeAddress(subject)}
	events := t.st.held[key]
	delete(t.st.held, key)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
	return events, nil
}

func (t *tx) DeleteHeldEvents(_ context.Context, p model.Partition, fromBlock uint64) (int, error) {
	dropped := 0
	for key, events := range t.st.held {
		kept := events[:0:0]
		for _, ev := range events {
			if ev.Partition() == p && ev.BlockNumber >= fromBlock {
				dropped++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(t.st.held, key)
			continue
		}
		t.st.held[key] = kept
	}
	return dropped, nil
}

func (t *tx) Quarantine(_ context.Context, ev model.QuarantinedEvent) error {
	for _, q := range t.st.quarantined {
		if q.ChainID == ev.ChainID && q.TxHash == ev.TxHash && q.LogIndex == ev.LogIndex {
			return nil
		}
	}
	if ev.QuarantinedAt.IsZero() {
		ev.QuarantinedAt = t.now().UTC()
	}
	t.st.quarantined = append(t.st.quarantined, ev)
	return nil
}

func (t *tx) ListQuarantined(_ context.Context, chainID uint64, limit int) ([]model.QuarantinedEvent, error) {
	out := make([]model.QuarantinedEvent, 0)
	for _, q := range t.st.quarantined {
		if chainID != 0 && q.ChainID != chainID {
			continue
		}
		out = append(out, q)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *tx) RecordAnomaly(_ context.Context, a model.Anomaly) error {
	if a.RecordedAt.IsZero() {
		a.RecordedAt = t.now().UTC()
	}
	t.st.anomalies = append(t.st.anomalies, a)
	return nil
}

func (t *tx) GetRound(_ context.Context, chainID uint64, address string) (model.Round, error) {
	r, ok := t.st.rounds[addrKey{chainID: chainID, address: model.NormalizeAddress(address)}]
	if !ok {
		return model.Round{}, storage.ErrNotFound
	}
	return cloneRound(r), nil
}

func (t *tx) InsertRound(_ context.Context, r model.Round) error {
	key := addrKey{chainID: r.ChainID, address: model.NormalizeAddress(r.ContractAddress)}
	if _, ok := t.st.rounds[key]; ok {
		return storage.ErrDuplicateKey
	}
	now := t.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	t.st.rounds[key] = cloneRound(r)
	return nil
}

func (t *tx) UpdateRound(_ context.Context, r model.Round) error {
	key := addrKey{chainID: r.ChainID, address: model.NormalizeAddress(r.ContractAddress)}
	if _, ok := t.st.rounds[key]; !ok {
		return storage.ErrNotFound
	}
	r.UpdatedAt = t.now().UTC()
	t.st.rounds[key] = cloneRound(r)
	return nil
}

func (t *tx) ListOpenFinalizations(_ context.Context, chainID uint64) ([]model.Round, error) {
	out := make([]model.Round, 0)
	for key, r := range t.st.rounds {
		if key.chainID != chainID || !r.CanFinalize() || r.FinalizeStep.Terminal() {
			continue
		}
		out = append(out, cloneRound(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractAddress < out[j].ContractAddress })
	return out, nil
}

func (t *tx) GetContribution(_ context.Context, id model.EventID) (model.Contribution, error) {
	c, ok := t.st.contributions[id]
	if !ok {
		return model.Contribution{}, storage.ErrNotFound
	}
	return cloneContribution(c), nil
}

func (t *tx) InsertContribution(_ context.Context, c model.Contribution) error {
	if _, ok := t.st.contributions[c.ID()]; ok {
		return storage.ErrDuplicateKey
	}
	now := t.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	t.st.contributions[c.ID()] = cloneContribution(c)
	return nil
}

func (t *tx) UpdateContribution(_ context.Context, c model.Contribution) error {
	if _, ok := t.st.contributions[c.ID()]; !ok {
		return storage.ErrNotFound
	}
	c.UpdatedAt = t.now().UTC()
	t.st.contributions[c.ID()] = cloneContribution(c)
	return nil
}

func (t *tx) SumConfirmedContributions(_ context.Context, roundID string) (*big.Int, error) {
	sum := new(big.Int)
	for _, c := range t.st.contributions {
		if c.RoundID == roundID && c.Status == model.ContributionConfirmed {
			sum.Add(sum, c.Amount)
		}
	}
	return sum, nil
}

func (t *tx) GetPool(_ context.Context, chainID uint64, address string) (model.BondingPool, error) {
	p, ok := t.st.pools[addrKey{chainID: chainID, address: model.NormalizeAddress(address)}]
	if !ok {
		return model.BondingPool{}, storage.ErrNotFound
	}
	p.TotalVolume = cloneBig(p.TotalVolume)
	return p, nil
}

func (t *tx) InsertPool(_ context.Context, p model.BondingPool) error {
	key := addrKey{chainID: p.ChainID, address: model.NormalizeAddress(p.Address)}
	if _, ok := t.st.pools[key]; ok {
		return storage.ErrDuplicateKey
	}
	now := t.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	p.TotalVolume = cloneBig(p.TotalVolume)
	t.st.pools[key] = p
	return nil
}

func (t *tx) UpdatePool(_ context.Context, p model.BondingPool) error {
	key := addrKey{chainID: p.ChainID, address: model.NormalizeAddress(p.Address)}
	if _, ok := t.st.pools[key]; !ok {
		return storage.ErrNotFound
	}
	p.UpdatedAt = t.now().UTC()
	p.TotalVolume = cloneBig(p.TotalVolume)
	t.st.pools[key] = p
	return nil
}

func (t *tx) GetTrade(_ context.Context, id model.EventID) (model.BondingTrade, error) {
	tr, ok := t.st.trades[id]
	if !ok {
		return model.BondingTrade{}, storage.ErrNotFound
	}
	return cloneTrade(tr), nil
}

func (t *tx) InsertTrade(_ context.Context, tr model.BondingTrade) error {
	if _, ok := t.st.trades[tr.ID()]; ok {
		return storage.ErrDuplicateKey
	}
	tr.CreatedAt = t.now().UTC()
	t.st.trades[tr.ID()] = cloneTrade(tr)
	return nil
}

func (t *tx) UpdateTrade(_ context.Context, tr model.BondingTrade) error {
	if _, ok := t.st.trades[tr.ID()]; !ok {
		return storage.ErrNotFound
	}
	t.st.trades[tr.ID()] = cloneTrade(tr)
	return nil
}

func (t *tx) GetVerification(_ context.Context, userID string) (model.VerificationState, error) {
	v, ok := t.st.verifications[userID]
	if !ok {
		return model.VerificationState{}, storage.ErrNotFound
	}
	return v, nil
}

func (t *tx) UpsertVerification(_ context.Context, v model.VerificationState) error {
	v.UpdatedAt = t.now().UTC()
	t.st.verifications[v.UserID] = v
	return nil
}

func (t *tx) ResolveUser(_ context.Context, wallet string) (string, error) {
	wallet = model.NormalizeAddress(wallet)
	if user, ok := t.st.wallets[wallet]; ok {
		return user, nil
	}
	t.st.wallets[wallet] = wallet
	return wallet, nil
}

func (t *tx) GetRelationship(_ context.Context, refereeID string) (model.ReferralRelationship, error) {
	rel, ok := t.st.relationships[refereeID]
	if !ok {
		return model.ReferralRelationship{}, storage.ErrNotFound
	}
	return rel, nil
}

func (t *tx) InsertRelationship(_ context.Context, rel model.ReferralRelationship) (bool, error) {
	if _, ok := t.st.relationships[rel.RefereeID]; ok {
		return false, nil
	}
	rel.CreatedAt = t.now().UTC()
	t.st.relationships[rel.RefereeID] = rel
	return true, nil
}

// SetRelationshipActive toggles a relationship. It exists for tests and operator fixtures.
func (s *Store) SetRelationshipActive(refereeID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rel, ok := s.state.relationships[refereeID]; ok {
		rel.IsActive = active
		s.state.relationships[refereeID] = rel
	}
}

func (t *tx) GetLedgerEntry(_ context.Context, key string) (model.ReferralLedgerEntry, error) {
	e, ok := t.st.entries[key]
	if !ok {
		return model.ReferralLedgerEntry{}, storage.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (t *tx) InsertLedgerEntry(_ context.Context, e model.ReferralLedgerEntry) error {
	if _, ok := t.st.entries[e.IdempotencyKey]; ok {
		return storage.ErrDuplicateKey
	}
	now := t.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	t.st.entries[e.IdempotencyKey] = cloneEntry(e)
	return nil
}

func (t *tx) UpdateLedgerEntry(_ context.Context, e model.ReferralLedgerEntry) error {
	if _, ok := t.st.entries[e.IdempotencyKey]; !ok {
		return storage.ErrNotFound
	}
	e.UpdatedAt = t.now().UTC()
	t.st.entries[e.IdempotencyKey] = cloneEntry(e)
	return nil
}

func (t *tx) ListLedgerEntriesByTrigger(_ context.Context, triggerID string) ([]model.ReferralLedgerEntry, error) {
	return t.filterEntries(func(e model.ReferralLedgerEntry) bool { return e.TriggerID == triggerID }), nil
}

func (t *tx) ListLedgerEntriesBySourceRef(_ context.Context, source model.SourceType, chainID uint64, sourceRef string) ([]model.ReferralLedgerEntry, error) {
	ref := model.NormalizeAddress(sourceRef)
	return t.filterEntries(func(e model.ReferralLedgerEntry) bool {
		return e.SourceType == source && e.ChainID == chainID && e.SourceRef == ref
	}), nil
}

func (t *tx) ListScaleCandidates(_ context.Context, source model.SourceType, chainID uint64, threshold *big.Int) ([]model.ReferralLedgerEntry, error) {
	return t.filterEntries(func(e model.ReferralLedgerEntry) bool {
		return e.SourceType == source && e.ChainID == chainID && !e.ScaleCorrected &&
			e.Amount.Sign() > 0 && e.Amount.Cmp(threshold) < 0
	}), nil
}

func (t *tx) filterEntries(keep func(model.ReferralLedgerEntry) bool) []model.ReferralLedgerEntry {
	out := make([]model.ReferralLedgerEntry, 0)
	for _, e := range t.st.entries {
		if keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out
}

func (t *tx) ListAuditCandidates(_ context.Context, source model.SourceType) ([]model.AuditCandidate, error) {
	out := make([]model.AuditCandidate, 0)
	add := func(refereeID, triggerID string, chainID uint64) {
		rel, ok := t.st.relationships[refereeID]
		if !ok || !rel.IsActive {
			return
		}
		out = append(out, model.AuditCandidate{
			SourceType: source,
			RefereeID:  refereeID,
			ReferrerID: rel.ReferrerID,
			TriggerID:  triggerID,
			ChainID:    chainID,
		})
	}
	userOf := func(wallet string) string {
		if user, ok := t.st.wallets[model.NormalizeAddress(wallet)]; ok {
			return user
		}
		return model.NormalizeAddress(wallet)
	}

	switch source {
	case model.SourceBlueCheck:
		now := t.now()
		for _, v := range t.st.verifications {
			if v.Status == model.VerificationActive && v.ExpiresAt.After(now) {
				add(v.UserID, v.TriggerID, v.ChainID)
			}
		}
	case model.SourceBonding:
		for _, tr := range t.st.trades {
			if !tr.Invalidated {
				add(userOf(tr.BuyerWallet), tr.ID().String(), tr.ChainID)
			}
		}
	case model.SourceFairlaunch:
		for _, c := range t.st.contributions {
			if c.Status == model.ContributionConfirmed {
				add(userOf(c.ContributorWallet), c.ID().String(), c.ChainID)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneRound(r model.Round) model.Round {
	r.TotalRaised = cloneBig(r.TotalRaised)
	r.Softcap = cloneBig(r.Softcap)
	return r
}

func cloneContribution(c model.Contribution) model.Contribution {
	c.Amount = cloneBig(c.Amount)
	return c
}

func cloneTrade(tr model.BondingTrade) model.BondingTrade {
	tr.AmountIn = cloneBig(tr.AmountIn)
	tr.TokensOut = cloneBig(tr.TokensOut)
	return tr
}

func cloneEntry(e model.ReferralLedgerEntry) model.ReferralLedgerEntry {
	e.Amount = cloneBig(e.Amount)
	if e.CorrectedAt != nil {
		at := *e.CorrectedAt
		e.CorrectedAt = &at
	}
	return e
}
