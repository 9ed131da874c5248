package registry

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/observability/alerting"
	"SAID-Chain/internal/record"
	"SAID-Chain/internal/state"
	"SAID-Chain/internal/web3"
	"SAID-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
)

const testNow int64 = 1700000000

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type harness struct {
	program   *Program
	store     *state.MemoryStore
	publisher *capturePublisher
	alerts    *captureAlerts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := state.NewMemoryStore(state.DefaultRent())
	pub := &capturePublisher{}
	alerts := &captureAlerts{}
	program := New(store,
		WithPublisher(pub),
		WithClock(web3.Fixed(testNow)),
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
		WithAlertDispatcher(alerts),
	)
	return &harness{program: program, store: store, publisher: pub, alerts: alerts}
}

func principal(name string) address.Address {
	return crypto.Keccak256Hash([]byte("principal:" + name))
}

func (h *harness) rent(space int) uint64 {
	return h.store.Rent().MinimumBalance(space)
}

func (h *harness) fund(t *testing.T, who address.Address, amount uint64) {
	t.Helper()
	if err := h.store.Fund(context.Background(), who, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (h *harness) balance(t *testing.T, who address.Address) uint64 {
	t.Helper()
	b, err := h.program.Balance(context.Background(), who)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (h *harness) initTreasury(t *testing.T, authority address.Address) *TreasuryAccount {
	t.Helper()
	h.fund(t, authority, h.rent(record.TreasurySpace))
	acct, err := h.program.InitializeTreasury(context.Background(), authority)
	if err != nil {
		t.Fatalf("initialize treasury: %v", err)
	}
	return acct
}

func (h *harness) register(t *testing.T, owner address.Address, uri string) *IdentityAccount {
	t.Helper()
	h.fund(t, owner, RegistrationFee+h.rent(record.IdentitySpace))
	acct, err := h.program.RegisterAgent(context.Background(), owner, uri)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return acct
}

func TestConcreteScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	authority, owner, reviewer := principal("A"), principal("O"), principal("R")
	v1, v2 := principal("V"), principal("V2")

	treasury := h.initTreasury(t, authority)
	if treasury.Authority != authority || treasury.TotalCollected != 0 {
		t.Fatalf("unexpected treasury %+v", treasury)
	}
	if h.balance(t, authority) != 0 {
		t.Fatalf("authority should have paid the treasury reserve")
	}

	identity := h.register(t, owner, "ipfs://agent-o")
	if identity.CreatedAt != testNow || identity.Owner != owner {
		t.Fatalf("unexpected identity %+v", identity)
	}
	treasury, err := h.program.GetTreasury(ctx)
	if err != nil {
		t.Fatalf("get treasury: %v", err)
	}
	if treasury.TotalCollected != 5_000_000 {
		t.Fatalf("total_collected = %d", treasury.TotalCollected)
	}
	if treasury.Balance != h.rent(record.TreasurySpace)+5_000_000 {
		t.Fatalf("treasury balance = %d", treasury.Balance)
	}
	if h.balance(t, owner) != 0 {
		t.Fatalf("owner should have paid fee and rent")
	}

	h.fund(t, reviewer, h.rent(record.ReputationSpace))
	rep, err := h.program.SubmitFeedback(ctx, reviewer, identity.Address, true, "great work")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if rep.TotalInteractions != 1 || rep.PositiveFeedback != 1 || rep.Score != 10000 {
		t.Fatalf("unexpected reputation %+v", rep)
	}

	task := [32]byte(crypto.Keccak256Hash([]byte("task H")))
	h.fund(t, v1, h.rent(record.ValidationSpace))
	validation, err := h.program.ValidateWork(ctx, v1, identity.Address, task, true, "https://evidence/1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Validator != v1 || !validation.Passed || validation.Timestamp != testNow {
		t.Fatalf("unexpected validation %+v", validation)
	}

	h.fund(t, v2, h.rent(record.ValidationSpace))
	_, err = h.program.ValidateWork(ctx, v2, identity.Address, task, false, "https://evidence/2")
	if !stdErrors.Is(err, ErrDuplicateValidation) {
		t.Fatalf("expected ErrDuplicateValidation, got %v", err)
	}
	if h.balance(t, v2) != h.rent(record.ValidationSpace) {
		t.Fatalf("failed validation must not charge the validator")
	}
	stored, err := h.program.GetValidation(ctx, identity.Address, task)
	if err != nil {
		t.Fatalf("get validation: %v", err)
	}
	if stored.Validator != v1 || !stored.Passed {
		t.Fatalf("first verdict must be kept: %+v", stored)
	}

	log, err := h.program.Events(ctx, 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var names []string
	for _, evt := range log {
		names = append(names, evt.Name)
	}
	if got := strings.Join(names, ","); got != "AgentRegistered,FeedbackSubmitted,WorkValidated" {
		t.Fatalf("unexpected event log %s", got)
	}
	if len(h.publisher.events) != 3 || h.publisher.events[2].Seq != log[2].Seq {
		t.Fatalf("publisher should receive the committed events: %+v", h.publisher.events)
	}

	var registered AgentRegistered
	if err := log[0].Decode(&registered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if registered.FeePaid != RegistrationFee || registered.Owner != owner || registered.AgentID != identity.Address {
		t.Fatalf("unexpected AgentRegistered payload %+v", registered)
	}
}

func TestInitializeTreasuryTwice(t *testing.T) {
	h := newHarness(t)
	h.initTreasury(t, principal("A"))

	other := principal("B")
	h.fund(t, other, h.rent(record.TreasurySpace))
	_, err := h.program.InitializeTreasury(context.Background(), other)
	if !stdErrors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	treasury, _ := h.program.GetTreasury(context.Background())
	if treasury.Authority != principal("A") {
		t.Fatalf("authority must be immutable")
	}
}

func TestInitializeTreasuryRequiresRent(t *testing.T) {
	h := newHarness(t)
	_, err := h.program.InitializeTreasury(context.Background(), principal("poor"))
	if !stdErrors.Is(err, ErrInsufficientPayerBalance) {
		t.Fatalf("expected ErrInsufficientPayerBalance, got %v", err)
	}
	if _, err := h.program.GetTreasury(context.Background()); !stdErrors.Is(err, ErrTreasuryNotInitialized) {
		t.Fatalf("treasury must not exist, got %v", err)
	}
}

func TestRegisterTwiceChargesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	owner := principal("O")
	h.register(t, owner, "ipfs://first")

	h.fund(t, owner, RegistrationFee+h.rent(record.IdentitySpace))
	before := h.balance(t, owner)
	_, err := h.program.RegisterAgent(ctx, owner, "ipfs://second")
	if !stdErrors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
	if h.balance(t, owner) != before {
		t.Fatalf("failed registration must not charge a fee")
	}
	treasury, _ := h.program.GetTreasury(ctx)
	if treasury.TotalCollected != RegistrationFee {
		t.Fatalf("total_collected = %d", treasury.TotalCollected)
	}
	identity, _ := h.program.IdentityOf(ctx, owner)
	if identity.MetadataURI != "ipfs://first" {
		t.Fatalf("metadata must not change, got %q", identity.MetadataURI)
	}
}

func TestRegisterFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	owner := principal("O")
	h.fund(t, owner, RegistrationFee+h.rent(record.IdentitySpace))

	if _, err := h.program.RegisterAgent(ctx, owner, "ipfs://x"); !stdErrors.Is(err, ErrTreasuryNotInitialized) {
		t.Fatalf("expected ErrTreasuryNotInitialized, got %v", err)
	}

	h.initTreasury(t, principal("A"))
	if _, err := h.program.RegisterAgent(ctx, owner, strings.Repeat("u", record.MaxURILength+1)); !stdErrors.Is(err, record.ErrURITooLong) {
		t.Fatalf("expected ErrURITooLong, got %v", err)
	}

	poor := principal("poor")
	h.fund(t, poor, RegistrationFee-1)
	_, err := h.program.RegisterAgent(ctx, poor, "ipfs://poor")
	if !stdErrors.Is(err, ErrInsufficientPayerBalance) {
		t.Fatalf("expected ErrInsufficientPayerBalance, got %v", err)
	}
	if h.balance(t, poor) != RegistrationFee-1 {
		t.Fatalf("failed registration must leave the payer untouched")
	}
	if _, err := h.program.IdentityOf(ctx, poor); !stdErrors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("identity must not exist, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("insufficient payer balance is the retryable external failure")
	}
}

func TestWithdrawKeepsReserve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	authority := principal("A")
	h.initTreasury(t, authority)
	h.register(t, principal("O"), "ipfs://o")

	if err := h.program.WithdrawFees(ctx, principal("mallory"), 1); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.program.WithdrawFees(ctx, authority, RegistrationFee+1); !stdErrors.Is(err, ErrInsufficientTreasuryBalance) {
		t.Fatalf("expected ErrInsufficientTreasuryBalance, got %v", err)
	}
	if err := h.program.WithdrawFees(ctx, authority, ^uint64(0)); !stdErrors.Is(err, ErrInsufficientTreasuryBalance) {
		t.Fatalf("withdrawal above the balance must fail, got %v", err)
	}
	if h.balance(t, authority) != 0 {
		t.Fatalf("failed withdrawals must not move funds")
	}

	if err := h.program.WithdrawFees(ctx, authority, RegistrationFee); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	treasury, _ := h.program.GetTreasury(ctx)
	if treasury.Balance != treasury.Reserve {
		t.Fatalf("treasury should be left at its reserve, got %d/%d", treasury.Balance, treasury.Reserve)
	}
	if treasury.TotalCollected != RegistrationFee {
		t.Fatalf("withdrawal must not decrement total_collected")
	}
	if h.balance(t, authority) != RegistrationFee {
		t.Fatalf("authority balance = %d", h.balance(t, authority))
	}

	last := h.publisher.events[len(h.publisher.events)-1]
	var withdrawn FeesWithdrawn
	if err := last.Decode(&withdrawn); err != nil || last.Name != EventFeesWithdrawn || withdrawn.Amount != RegistrationFee {
		t.Fatalf("unexpected withdrawal event %+v %v", last, err)
	}
}

func TestUpdateAgentRequiresOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	owner := principal("O")
	identity := h.register(t, owner, "ipfs://v1")

	if _, err := h.program.UpdateAgent(ctx, principal("intruder"), identity.Address, "ipfs://evil"); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	current, _ := h.program.GetIdentity(ctx, identity.Address)
	if current.MetadataURI != "ipfs://v1" {
		t.Fatalf("metadata changed by non-owner: %q", current.MetadataURI)
	}

	updated, err := h.program.UpdateAgent(ctx, owner, identity.Address, "ipfs://v2")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.MetadataURI != "ipfs://v2" || updated.CreatedAt != identity.CreatedAt || updated.Owner != owner {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if _, err := h.program.UpdateAgent(ctx, owner, principal("nobody"), "ipfs://v3"); !stdErrors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestFeedbackOnUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	reviewer := principal("R")
	h.fund(t, reviewer, h.rent(record.ReputationSpace))

	if _, err := h.program.SubmitFeedback(ctx, reviewer, principal("ghost"), true, ""); !stdErrors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	treasury, _ := h.program.GetTreasury(ctx)
	if _, err := h.program.SubmitFeedback(ctx, reviewer, treasury.Address, true, ""); !stdErrors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("a non-identity record must not count as an identity, got %v", err)
	}
	if h.balance(t, reviewer) != h.rent(record.ReputationSpace) {
		t.Fatalf("rejected feedback must not charge the reviewer")
	}
}

func TestFeedbackInvariantHolds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	identity := h.register(t, principal("O"), "ipfs://o")
	reviewer := principal("R")
	h.fund(t, reviewer, h.rent(record.ReputationSpace))

	rng := rand.New(rand.NewSource(7))
	var positives uint64
	for i := 1; i <= 150; i++ {
		positive := rng.Intn(3) != 0
		if positive {
			positives++
		}
		rep, err := h.program.SubmitFeedback(ctx, reviewer, identity.Address, positive, "")
		if err != nil {
			t.Fatalf("feedback %d: %v", i, err)
		}
		total := uint64(i)
		if rep.TotalInteractions != total || rep.PositiveFeedback+rep.NegativeFeedback != total {
			t.Fatalf("counter invariant broken at %d: %+v", i, rep)
		}
		if rep.PositiveFeedback != positives {
			t.Fatalf("positive count %d, want %d", rep.PositiveFeedback, positives)
		}
		if want := uint16(positives * 10000 / total); rep.Score != want {
			t.Fatalf("score %d, want %d", rep.Score, want)
		}
	}
	if h.balance(t, reviewer) != 0 {
		t.Fatalf("reviewer pays reputation rent exactly once")
	}

	stored, err := h.program.GetReputation(ctx, identity.Address)
	if err != nil || stored.TotalInteractions != 150 {
		t.Fatalf("stored reputation %+v %v", stored, err)
	}
}

func TestGetReputationBeforeFeedback(t *testing.T) {
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	identity := h.register(t, principal("O"), "ipfs://o")

	rep, err := h.program.GetReputation(context.Background(), identity.Address)
	if err != nil {
		t.Fatalf("get reputation: %v", err)
	}
	if rep.Identity != identity.Address || rep.TotalInteractions != 0 || rep.Score != 0 {
		t.Fatalf("expected zero reputation, got %+v", rep)
	}
}

func TestScore(t *testing.T) {
	cases := []struct {
		positive, total uint64
		want            uint16
	}{
		{0, 0, 0},
		{0, 5, 0},
		{1, 3, 3333},
		{2, 3, 6666},
		{1, 1, 10000},
		{^uint64(0) - 1, ^uint64(0), 9999},
		{^uint64(0), ^uint64(0), 10000},
	}
	for _, tc := range cases {
		if got := Score(tc.positive, tc.total); got != tc.want {
			t.Fatalf("Score(%d, %d) = %d, want %d", tc.positive, tc.total, got, tc.want)
		}
	}
}

func TestApplyFeedbackOverflow(t *testing.T) {
	rep := &record.Reputation{TotalInteractions: ^uint64(0), PositiveFeedback: ^uint64(0)}
	if err := applyFeedback(rep, true, testNow); !stdErrors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
	if rep.LastUpdated != 0 {
		t.Fatalf("overflowing feedback must not mutate the record")
	}
}

func TestValidationRequiresIdentityAndBoundedEvidence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	identity := h.register(t, principal("O"), "ipfs://o")
	validator := principal("V")
	h.fund(t, validator, h.rent(record.ValidationSpace))

	var task [32]byte
	task[31] = 1
	if _, err := h.program.ValidateWork(ctx, validator, principal("ghost"), task, true, ""); !stdErrors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	if _, err := h.program.ValidateWork(ctx, validator, identity.Address, task, true, strings.Repeat("e", 201)); !stdErrors.Is(err, record.ErrURITooLong) {
		t.Fatalf("expected ErrURITooLong, got %v", err)
	}
	if _, err := h.program.GetValidation(ctx, identity.Address, task); !stdErrors.Is(err, ErrValidationNotFound) {
		t.Fatalf("expected ErrValidationNotFound, got %v", err)
	}

	other := task
	other[0] = 9
	if _, err := h.program.ValidateWork(ctx, validator, identity.Address, task, false, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	h.fund(t, validator, h.rent(record.ValidationSpace))
	if _, err := h.program.ValidateWork(ctx, validator, identity.Address, other, true, ""); err != nil {
		t.Fatalf("a different task must be accepted: %v", err)
	}
}

func TestRelayFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	h.publisher.err = stdErrors.New("broker offline")

	identity := h.register(t, principal("O"), "ipfs://o")
	if _, err := h.program.GetIdentity(ctx, identity.Address); err != nil {
		t.Fatalf("identity must be committed despite relay failure: %v", err)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Code != xerrors.CodePublishFailure {
		t.Fatalf("expected a publish failure alert, got %+v", h.alerts.events)
	}
	log, _ := h.program.Events(ctx, 0, 0)
	if len(log) != 1 {
		t.Fatalf("event must remain in the outbox, got %d", len(log))
	}
}

func TestDeterministicRejectionsDoNotAlert(t *testing.T) {
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	_ = h.program.WithdrawFees(context.Background(), principal("mallory"), 1)
	if len(h.alerts.events) != 0 {
		t.Fatalf("unauthorized withdrawal should not alert: %+v", h.alerts.events)
	}
}

func TestDerivedAddressesCannotSign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	authority := principal("A")
	h.initTreasury(t, authority)
	identity := h.register(t, principal("O"), "ipfs://o")
	if err := h.program.WithdrawFees(ctx, authority, RegistrationFee-200_000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	treasuryAddr, _, err := address.Treasury(h.program.ProgramID())
	if err != nil {
		t.Fatalf("treasury address: %v", err)
	}
	before, _ := h.program.GetTreasury(ctx)

	if _, err := h.program.SubmitFeedback(ctx, treasuryAddr, identity.Address, true, "x"); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("treasury as reviewer: expected ErrUnauthorized, got %v", err)
	}
	var task [32]byte
	task[0] = 1
	if _, err := h.program.ValidateWork(ctx, treasuryAddr, identity.Address, task, true, ""); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("treasury as validator: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.program.RegisterAgent(ctx, treasuryAddr, "ipfs://t"); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("treasury as owner: expected ErrUnauthorized, got %v", err)
	}

	h.fund(t, identity.Address, h.rent(record.ReputationSpace))
	if _, err := h.program.SubmitFeedback(ctx, identity.Address, identity.Address, true, "self"); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("identity record as reviewer: expected ErrUnauthorized, got %v", err)
	}

	after, _ := h.program.GetTreasury(ctx)
	if after.Balance != before.Balance || after.Balance < after.Reserve {
		t.Fatalf("treasury balance moved: %d -> %d (reserve %d)", before.Balance, after.Balance, after.Reserve)
	}
}

func TestConcurrentValidationFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	identity := h.register(t, principal("O"), "ipfs://o")

	const writers = 32
	validators := make([]address.Address, writers)
	for i := range validators {
		validators[i] = principal("V" + strings.Repeat("v", i))
		h.fund(t, validators[i], h.rent(record.ValidationSpace))
	}
	var task [32]byte
	task[31] = 7

	var (
		wg             sync.WaitGroup
		mu             sync.Mutex
		ok, dup, other int
		winner         address.Address
		unexpected     []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(v address.Address, passed bool) {
			defer wg.Done()
			_, err := h.program.ValidateWork(ctx, v, identity.Address, task, passed, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				winner = v
			case stdErrors.Is(err, ErrDuplicateValidation):
				dup++
			default:
				other++
				unexpected = append(unexpected, err)
			}
		}(validators[i], i%2 == 0)
	}
	wg.Wait()

	if ok != 1 || dup != writers-1 || other != 0 {
		t.Fatalf("ok=%d dup=%d other=%d %v", ok, dup, other, unexpected)
	}
	stored, err := h.program.GetValidation(ctx, identity.Address, task)
	if err != nil {
		t.Fatalf("get validation: %v", err)
	}
	if stored.Validator != winner {
		t.Fatalf("stored validator %s, winner %s", stored.Validator.Hex(), winner.Hex())
	}
	for _, v := range validators {
		paid := h.balance(t, v) == 0
		if paid != (v == winner) {
			t.Fatalf("only the winner pays rent, %s balance %d", v.Hex(), h.balance(t, v))
		}
	}
}

func TestConcurrentRegistrationChargesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	owner := principal("O")

	const attempts = 8
	h.fund(t, owner, attempts*(RegistrationFee+h.rent(record.IdentitySpace)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.program.RegisterAgent(ctx, owner, "ipfs://o")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case stdErrors.Is(err, ErrDuplicateIdentity):
				dup++
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dup != attempts-1 {
		t.Fatalf("ok=%d dup=%d", ok, dup)
	}
	treasury, _ := h.program.GetTreasury(ctx)
	if treasury.TotalCollected != RegistrationFee {
		t.Fatalf("total_collected = %d", treasury.TotalCollected)
	}
}

func TestCanceledRequestIsTimeoutWithoutAlert(t *testing.T) {
	h := newHarness(t)
	h.initTreasury(t, principal("A"))
	owner := principal("O")
	h.fund(t, owner, RegistrationFee+h.rent(record.IdentitySpace))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.program.RegisterAgent(ctx, owner, "ipfs://o")
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if len(h.alerts.events) != 0 {
		t.Fatalf("client cancellation must not alert: %+v", h.alerts.events)
	}
	if _, err := h.program.IdentityOf(context.Background(), owner); !stdErrors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("canceled registration must not commit, got %v", err)
	}
}
