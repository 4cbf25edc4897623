package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/castboard/spotlight/spotlight/database/repositories"
)

// memStore backs the fake repositories with plain maps so engine behavior
// can be tested without Postgres.
type memStore struct {
	mu sync.Mutex

	auctions      map[int64]*models.Auction
	contributions map[int64]*models.Contribution
	slots         map[int]*models.FeaturedSlot
	accounts      map[string]*models.LedgerAccount
	transactions  []*models.LedgerTransaction

	nextAuctionID      int64
	nextContributionID int64

	failCredit bool
}

func newMemStore() *memStore {
	return &memStore{
		auctions:      make(map[int64]*models.Auction),
		contributions: make(map[int64]*models.Contribution),
		slots:         make(map[int]*models.FeaturedSlot),
		accounts:      make(map[string]*models.LedgerAccount),
	}
}

func (s *memStore) addAccount(contributorID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[contributorID] = &models.LedgerAccount{
		ContributorID: contributorID,
		Balance:       balance,
	}
}

func (s *memStore) addAuction(a *models.Auction) *models.Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuctionID++
	a.ID = s.nextAuctionID
	s.auctions[a.ID] = a
	return a
}

func (s *memStore) addContribution(c *models.Contribution) *models.Contribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextContributionID++
	c.ID = s.nextContributionID
	s.contributions[c.ID] = c
	return c
}

func (s *memStore) balance(contributorID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[contributorID]; ok {
		return a.Balance
	}
	return 0
}

func (s *memStore) contributionStatus(id int64) models.ContributionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contributions[id]; ok {
		return c.Status
	}
	return ""
}

func (s *memStore) auctionStatus(id int64) models.AuctionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.auctions[id]; ok {
		return a.Status
	}
	return ""
}

// debitLocked mirrors the repository ledger debit. Caller holds s.mu.
func (s *memStore) debitLocked(contributorID string, amount int64, reference string) error {
	account, ok := s.accounts[contributorID]
	if !ok || account.Balance < amount {
		return repositories.ErrInsufficientBalance
	}
	before := account.Balance
	account.Balance -= amount
	account.LifetimeSpent += amount
	s.transactions = append(s.transactions, &models.LedgerTransaction{
		ID:            fmt.Sprintf("tx-%d", len(s.transactions)+1),
		ContributorID: contributorID,
		Amount:        -amount,
		Kind:          models.LedgerEntryContribution,
		Reference:     reference,
		BalanceBefore: before,
		BalanceAfter:  account.Balance,
	})
	return nil
}

func (s *memStore) creditLocked(contributorID string, amount int64, kind models.LedgerEntryKind, reference string) error {
	if s.failCredit {
		return errors.New("ledger unavailable")
	}
	account, ok := s.accounts[contributorID]
	if !ok {
		account = &models.LedgerAccount{ContributorID: contributorID}
		s.accounts[contributorID] = account
	}
	before := account.Balance
	account.Balance += amount
	s.transactions = append(s.transactions, &models.LedgerTransaction{
		ID:            fmt.Sprintf("tx-%d", len(s.transactions)+1),
		ContributorID: contributorID,
		Amount:        amount,
		Kind:          kind,
		Reference:     reference,
		BalanceBefore: before,
		BalanceAfter:  account.Balance,
	})
	return nil
}

type fakeAuctionRepo struct{ s *memStore }

func (r *fakeAuctionRepo) Create(_ context.Context, a *models.Auction) error {
	a.Status = models.AuctionStatusBidding
	a.PoolTotal = 0
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	r.s.addAuction(a)
	return nil
}

func (r *fakeAuctionRepo) GetByID(_ context.Context, id int64) (*models.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAuctionRepo) GetOpenByContent(_ context.Context, contentHash string) (*models.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.auctions {
		if a.ContentHash != contentHash {
			continue
		}
		switch a.Status {
		case models.AuctionStatusBidding, models.AuctionStatusPendingFeature, models.AuctionStatusActive:
			cp := *a
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeAuctionRepo) listWhere(match func(*models.Auction) bool) []*models.Auction {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Auction
	for _, a := range r.s.auctions {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeAuctionRepo) ListOpenRanked(_ context.Context) ([]*models.Auction, error) {
	out := r.listWhere(func(a *models.Auction) bool {
		return a.Status == models.AuctionStatusBidding
	})
	rankAuctions(out)
	return out, nil
}

func (r *fakeAuctionRepo) ListExpiredBidding(_ context.Context, now time.Time) ([]*models.Auction, error) {
	return r.listWhere(func(a *models.Auction) bool {
		return a.Status == models.AuctionStatusBidding && !a.WindowEndsAt.After(now)
	}), nil
}

func (r *fakeAuctionRepo) ListByStatus(_ context.Context, status models.AuctionStatus) ([]*models.Auction, error) {
	return r.listWhere(func(a *models.Auction) bool {
		return a.Status == status
	}), nil
}

func (r *fakeAuctionRepo) ListExpiredFeatures(_ context.Context, now time.Time) ([]*models.Auction, error) {
	return r.listWhere(func(a *models.Auction) bool {
		return a.Status == models.AuctionStatusActive &&
			!a.FeatureEnds.IsZero() && !a.FeatureEnds.After(now)
	}), nil
}

func (r *fakeAuctionRepo) MarkPendingFeature(_ context.Context, id int64, winnerID string, winningAmount int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != models.AuctionStatusBidding {
		return false, nil
	}
	a.Status = models.AuctionStatusPendingFeature
	a.WinnerID = winnerID
	a.WinningAmount = winningAmount
	return true, nil
}

func (r *fakeAuctionRepo) MarkActive(_ context.Context, id int64, start, end time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != models.AuctionStatusPendingFeature {
		return false, nil
	}
	a.Status = models.AuctionStatusActive
	a.FeatureStarts = start
	a.FeatureEnds = end
	return true, nil
}

func (r *fakeAuctionRepo) MarkCompleted(_ context.Context, id int64, from models.AuctionStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = models.AuctionStatusCompleted
	return true, nil
}

func (r *fakeAuctionRepo) RecycleWindow(_ context.Context, id int64, start, end time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != models.AuctionStatusBidding || a.PoolTotal != 0 {
		return false, nil
	}
	a.WindowStartedAt = start
	a.WindowEndsAt = end
	return true, nil
}

func (r *fakeAuctionRepo) RealignWindows(_ context.Context, end time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, a := range r.s.auctions {
		if a.Status == models.AuctionStatusBidding && !a.WindowEndsAt.Equal(end) {
			a.WindowEndsAt = end
			n++
		}
	}
	return n, nil
}

func (r *fakeAuctionRepo) MarkAbandoned(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, a := range r.s.auctions {
		if a.Status == models.AuctionStatusBidding && a.PoolTotal == 0 && a.CreatedAt.Before(cutoff) {
			a.Status = models.AuctionStatusCompleted
			n++
		}
	}
	return n, nil
}

func (r *fakeAuctionRepo) CompleteOrphanActive(_ context.Context, liveIDs []int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	live := make(map[int64]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}
	var n int64
	for _, a := range r.s.auctions {
		if a.Status == models.AuctionStatusActive && !live[a.ID] {
			a.Status = models.AuctionStatusCompleted
			n++
		}
	}
	return n, nil
}

type fakeContributionRepo struct{ s *memStore }

func (r *fakeContributionRepo) GetByID(_ context.Context, id int64) (*models.Contribution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contributions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeContributionRepo) ApplyContribution(_ context.Context, params repositories.ApplyParams) (*repositories.ApplyResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	auction, ok := r.s.auctions[params.AuctionID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if auction.Status != models.AuctionStatusBidding || !params.Now.Before(auction.WindowEndsAt) {
		return nil, repositories.ErrAuctionClosed
	}

	if params.PaymentProof != "" {
		for _, c := range r.s.contributions {
			if c.PaymentProof == params.PaymentProof {
				return nil, repositories.ErrDuplicatePaymentProof
			}
		}
	} else {
		if err := r.s.debitLocked(params.ContributorID, params.Amount, fmt.Sprintf("auction:%d", params.AuctionID)); err != nil {
			return nil, err
		}
	}

	result := &repositories.ApplyResult{WindowEndsAt: auction.WindowEndsAt}

	// Ledger-funded repeats merge; proof-funded stakes keep one row per proof
	var stake *models.Contribution
	if params.PaymentProof == "" {
		for _, c := range r.s.contributions {
			if c.AuctionID == params.AuctionID && c.ContributorID == params.ContributorID &&
				c.Status == models.ContributionStatusActive && c.PaymentProof == "" {
				stake = c
				break
			}
		}
	}
	if stake != nil {
		stake.Amount += params.Amount
		result.Merged = true
		result.ContributionID = stake.ID
	} else {
		r.s.nextContributionID++
		stake = &models.Contribution{
			ID:            r.s.nextContributionID,
			AuctionID:     params.AuctionID,
			ContributorID: params.ContributorID,
			Amount:        params.Amount,
			Status:        models.ContributionStatusActive,
			PaymentProof:  params.PaymentProof,
			CreatedAt:     params.Now,
		}
		r.s.contributions[stake.ID] = stake
		result.ContributionID = stake.ID
	}

	if auction.WindowEndsAt.Sub(params.Now) <= params.SnipeGuard {
		extended := params.Now.Add(params.SnipeExtension)
		if extended.After(auction.WindowEndsAt) {
			auction.WindowEndsAt = extended
			result.Extended = true
		}
	}

	auction.PoolTotal += params.Amount
	auction.LastContributorID = params.ContributorID
	result.PoolTotal = auction.PoolTotal
	result.WindowEndsAt = auction.WindowEndsAt
	return result, nil
}

func (r *fakeContributionRepo) ProofUsed(_ context.Context, proof string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.contributions {
		if c.PaymentProof == proof {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeContributionRepo) ListActiveByAuction(_ context.Context, auctionID int64) ([]*models.Contribution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Contribution
	for _, c := range r.s.contributions {
		if c.AuctionID == auctionID && c.Status == models.ContributionStatusActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeContributionRepo) MarkWonByAuction(_ context.Context, auctionID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, c := range r.s.contributions {
		if c.AuctionID == auctionID && c.Status == models.ContributionStatusActive {
			c.Status = models.ContributionStatusWon
			n++
		}
	}
	return n, nil
}

func (r *fakeContributionRepo) MarkLostByAuction(_ context.Context, auctionID int64) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []int64
	for _, c := range r.s.contributions {
		if c.AuctionID == auctionID && c.Status == models.ContributionStatusActive {
			c.Status = models.ContributionStatusLost
			ids = append(ids, c.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeContributionRepo) MarkPendingRefund(_ context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contributions[id]
	if !ok || c.Status != models.ContributionStatusLost {
		return false, nil
	}
	c.Status = models.ContributionStatusPendingRefund
	return true, nil
}

func (r *fakeContributionRepo) RefundContribution(_ context.Context, id int64) (*repositories.RefundResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contributions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if c.Status != models.ContributionStatusLost && c.Status != models.ContributionStatusPendingRefund {
		return nil, repositories.ErrRefundNotEligible
	}

	if c.ExternallyFunded() {
		c.Status = models.ContributionStatusRefundRequested
		c.RefundAmount = c.Amount
		return &repositories.RefundResult{Amount: c.Amount, Requested: true}, nil
	}

	if err := r.s.creditLocked(c.ContributorID, c.Amount, models.LedgerEntryRefund, fmt.Sprintf("contribution:%d", c.ID)); err != nil {
		return nil, err
	}
	c.Status = models.ContributionStatusRefunded
	c.RefundAmount = c.Amount
	return &repositories.RefundResult{Amount: c.Amount}, nil
}

func (r *fakeContributionRepo) ListPendingByContributor(_ context.Context, contributorID string) ([]*models.Contribution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Contribution
	for _, c := range r.s.contributions {
		if c.ContributorID != contributorID {
			continue
		}
		switch c.Status {
		case models.ContributionStatusLost, models.ContributionStatusPendingRefund, models.ContributionStatusRefundRequested:
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeContributionRepo) ClaimPendingRefunds(_ context.Context, contributorID string) (int64, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var claimable []*models.Contribution
	for _, c := range r.s.contributions {
		if c.ContributorID != contributorID || c.ExternallyFunded() {
			continue
		}
		if c.Status == models.ContributionStatusLost || c.Status == models.ContributionStatusPendingRefund {
			claimable = append(claimable, c)
		}
	}
	if len(claimable) == 0 {
		return 0, 0, nil
	}

	var total int64
	for _, c := range claimable {
		total += c.Amount
	}
	if err := r.s.creditLocked(contributorID, total, models.LedgerEntryRefund, fmt.Sprintf("refund_claim:%d", len(claimable))); err != nil {
		return 0, 0, err
	}
	for _, c := range claimable {
		c.Status = models.ContributionStatusRefunded
		c.RefundAmount = c.Amount
	}
	return total, len(claimable), nil
}

func (r *fakeContributionRepo) ProcessRequestedRefund(_ context.Context, id int64, payoutRef string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contributions[id]
	if !ok || c.Status != models.ContributionStatusRefundRequested {
		return false, nil
	}
	c.Status = models.ContributionStatusRefunded
	c.RefundProof = payoutRef
	return true, nil
}

func (r *fakeContributionRepo) MergeDuplicateActive(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	type stakeKey struct {
		auctionID     int64
		contributorID string
	}

	var active []*models.Contribution
	for _, c := range r.s.contributions {
		if c.Status == models.ContributionStatusActive && c.PaymentProof == "" {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	keepers := make(map[stakeKey]*models.Contribution)
	var merged int64
	for _, c := range active {
		key := stakeKey{c.AuctionID, c.ContributorID}
		keeper, ok := keepers[key]
		if !ok {
			keepers[key] = c
			continue
		}
		keeper.Amount += c.Amount
		delete(r.s.contributions, c.ID)
		merged++
	}
	return merged, nil
}

func (r *fakeContributionRepo) ReconcilePoolTotals(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	totals := make(map[int64]int64)
	for _, c := range r.s.contributions {
		if c.Status == models.ContributionStatusActive || c.Status == models.ContributionStatusWon {
			totals[c.AuctionID] += c.Amount
		}
	}

	var n int64
	for _, a := range r.s.auctions {
		if a.Status == models.AuctionStatusBidding && a.PoolTotal != totals[a.ID] {
			a.PoolTotal = totals[a.ID]
			n++
		}
	}
	return n, nil
}

type fakeSlotRepo struct{ s *memStore }

func (r *fakeSlotRepo) ListActive(_ context.Context) ([]*models.FeaturedSlot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.FeaturedSlot
	for _, s := range r.s.slots {
		if s.Active {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotIndex < out[j].SlotIndex })
	return out, nil
}

func (r *fakeSlotRepo) Place(_ context.Context, slot *models.FeaturedSlot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot.Active = true
	cp := *slot
	r.s.slots[slot.SlotIndex] = &cp
	return nil
}

func (r *fakeSlotRepo) Deactivate(_ context.Context, sourceAuctionID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, s := range r.s.slots {
		if s.Active && s.SourceAuctionID == sourceAuctionID {
			s.Active = false
			return true, nil
		}
	}
	return false, nil
}

type fakeLedgerRepo struct{ s *memStore }

func (r *fakeLedgerRepo) GetAccount(_ context.Context, contributorID string) (*models.LedgerAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[contributorID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeLedgerRepo) CreateIfMissing(_ context.Context, contributorID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[contributorID]; !ok {
		r.s.accounts[contributorID] = &models.LedgerAccount{ContributorID: contributorID}
	}
	return nil
}

func (r *fakeLedgerRepo) Credit(_ context.Context, contributorID string, amount int64, kind models.LedgerEntryKind, reference string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.creditLocked(contributorID, amount, kind, reference)
}

func (r *fakeLedgerRepo) ListTransactions(_ context.Context, contributorID string, limit int) ([]*models.LedgerTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.LedgerTransaction
	for i := len(r.s.transactions) - 1; i >= 0; i-- {
		if r.s.transactions[i].ContributorID != contributorID {
			continue
		}
		cp := *r.s.transactions[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	featured []int64
	winners  []int64
}

func (n *fakeNotifier) NotifyFeatured(_ context.Context, a *models.Auction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.featured = append(n.featured, a.ID)
	return nil
}

func (n *fakeNotifier) NotifyWinner(_ context.Context, a *models.Auction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.winners = append(n.winners, a.ID)
	return nil
}

func (n *fakeNotifier) featuredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.featured)
}

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) Verify(context.Context, string, string, int64) error {
	return v.err
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEngine struct {
	engine   *Engine
	store    *memStore
	notifier *fakeNotifier
	verifier *fakeVerifier
	clock    *testClock
}

func newTestEngine(opts Options) *testEngine {
	store := newMemStore()
	notifier := &fakeNotifier{}
	verifier := &fakeVerifier{}
	clock := &testClock{t: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}

	e := New(
		&fakeAuctionRepo{s: store},
		&fakeContributionRepo{s: store},
		&fakeSlotRepo{s: store},
		&fakeLedgerRepo{s: store},
		notifier,
		verifier,
		opts,
	)
	e.now = clock.Now

	return &testEngine{
		engine:   e,
		store:    store,
		notifier: notifier,
		verifier: verifier,
		clock:    clock,
	}
}

func (te *testEngine) addBiddingAuction(contentHash string, pool int64, endsAt time.Time) *models.Auction {
	return te.store.addAuction(&models.Auction{
		ContentHash:     contentHash,
		Status:          models.AuctionStatusBidding,
		PoolTotal:       pool,
		WindowStartedAt: te.clock.Now().Add(-time.Hour),
		WindowEndsAt:    endsAt,
		CreatedAt:       te.clock.Now().Add(-time.Hour),
	})
}
