package economy

import (
	"context"
	"sync"
	"testing"
)

func TestDepositCreatesAccountAndAuditRecord(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)

	if !env.await(test, env.ledger.Deposit(player, 40, "quest reward")) {
		test.Fatalf("deposit failed")
	}

	// Lazy creation seeds initial balance plus the deposit.
	if got := env.stub.balanceOf(test, player); got != DefaultInitialBalance+40 {
		test.Fatalf("expected balance %v, got %v", DefaultInitialBalance+40, got)
	}
	records := env.stub.auditsFor(player, KindDeposit)
	if len(records) != 1 {
		test.Fatalf("expected 1 deposit audit record, got %d", len(records))
	}
	if records[0].Amount != 40 || records[0].Reason != "quest reward" {
		test.Fatalf("unexpected audit record %+v", records[0])
	}
}

func TestDepositRejectsNonPositiveAmounts(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)
	env.stub.seed(player, "miner", 500)

	if env.await(test, env.ledger.Deposit(player, 0, "zero")) {
		test.Fatalf("zero deposit must fail")
	}
	if env.await(test, env.ledger.Deposit(player, -5, "negative")) {
		test.Fatalf("negative deposit must fail")
	}
	if got := env.stub.balanceOf(test, player); got != 500 {
		test.Fatalf("balance mutated to %v", got)
	}
	if env.stub.auditCount() != 0 {
		test.Fatalf("rejected deposit wrote an audit record")
	}
}

func TestWithdrawInsufficientFundsIsANormalNegative(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)
	env.stub.seed(player, "miner", 895)

	if env.await(test, env.ledger.Withdraw(player, 2000, "overdraw")) {
		test.Fatalf("overdraw must fail")
	}
	if got := env.stub.balanceOf(test, player); got != 895 {
		test.Fatalf("expected balance unchanged at 895, got %v", got)
	}
	if env.stub.auditCount() != 0 {
		test.Fatalf("failed withdrawal wrote an audit record")
	}
}

func TestWithdrawNeverDrivesBalanceNegative(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)
	env.stub.seed(player, "miner", 100)

	if !env.await(test, env.ledger.Withdraw(player, 60, "shop")) {
		test.Fatalf("first withdrawal should succeed")
	}
	if env.await(test, env.ledger.Withdraw(player, 60, "shop")) {
		test.Fatalf("second withdrawal should fail")
	}
	if got := env.stub.balanceOf(test, player); got != 40 {
		test.Fatalf("expected 40, got %v", got)
	}
}

func TestConcurrentWithdrawalsOnlyOneSucceeds(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)
	env.stub.seed(player, "racer", 150)

	const amount = 100.0
	results := make([]bool, 2)
	var wait sync.WaitGroup
	for index := 0; index < 2; index++ {
		wait.Add(1)
		go func(slot int) {
			defer wait.Done()
			result, _ := env.ledger.Withdraw(player, amount, "race").Await(context.Background())
			results[slot] = result
		}(index)
	}
	wait.Wait()

	if results[0] == results[1] {
		test.Fatalf("expected exactly one success, got %v and %v", results[0], results[1])
	}
	if got := env.stub.balanceOf(test, player); got != 50 {
		test.Fatalf("expected 50 after the single winning withdrawal, got %v", got)
	}
}

func TestTransferConservationWithTax(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	alice := newPlayerID(test)
	bob := newPlayerID(test)
	env.stub.seed(alice, "alice", 1000)
	env.stub.seed(bob, "bob", 1000)

	if !env.await(test, env.ledger.Transfer(alice, bob, 100, "gift", 0.05)) {
		test.Fatalf("transfer failed")
	}

	if got := env.stub.balanceOf(test, alice); got != 895 {
		test.Fatalf("expected source at 895, got %v", got)
	}
	if got := env.stub.balanceOf(test, bob); got != 1100 {
		test.Fatalf("expected destination at 1100, got %v", got)
	}
	transfers := env.stub.auditsFor(alice, KindTransfer)
	if len(transfers) != 1 || transfers[0].Amount != 100 {
		test.Fatalf("expected one TRANSFER record for 100, got %+v", transfers)
	}
	if transfers[0].Counterparty == nil || *transfers[0].Counterparty != bob {
		test.Fatalf("TRANSFER record missing counterparty")
	}
	taxes := env.stub.auditsFor(alice, KindTax)
	if len(taxes) != 1 || taxes[0].Amount != 5 {
		test.Fatalf("expected one TAX record for 5, got %+v", taxes)
	}
	collected, ok := env.stub.config[ConfigKeyTaxCollected].AsFloat64()
	if !ok || collected != 5 {
		test.Fatalf("expected tax_collected 5, got %v (ok=%v)", collected, ok)
	}
}

func TestTransferRejectsSelfAndUncoveredTotal(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	alice := newPlayerID(test)
	bob := newPlayerID(test)
	env.stub.seed(alice, "alice", 100)
	env.stub.seed(bob, "bob", 0)

	if env.await(test, env.ledger.Transfer(alice, alice, 10, "self", 0)) {
		test.Fatalf("self transfer must fail")
	}
	// 100 covers the amount but not amount plus tax.
	if env.await(test, env.ledger.Transfer(alice, bob, 100, "all in", 0.05)) {
		test.Fatalf("transfer without tax coverage must fail")
	}
	if got := env.stub.balanceOf(test, alice); got != 100 {
		test.Fatalf("source mutated to %v", got)
	}
	if env.stub.auditCount() != 0 {
		test.Fatalf("rejected transfer wrote audit records")
	}
}

func TestTransferCompensatesWhenCreditFails(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	alice := newPlayerID(test)
	bob := newPlayerID(test)
	env.stub.seed(alice, "alice", 1000)
	env.stub.seed(bob, "bob", 1000)

	env.stub.failOnce("add_balance", 1)
	if env.await(test, env.ledger.Transfer(alice, bob, 100, "gift", 0.05)) {
		test.Fatalf("transfer must report failure")
	}

	if got := env.stub.balanceOf(test, alice); got != 1000 {
		test.Fatalf("expected source restored to 1000, got %v", got)
	}
	if got := env.stub.balanceOf(test, bob); got != 1000 {
		test.Fatalf("expected destination untouched at 1000, got %v", got)
	}
	// The debit and its refund are both documented.
	withdraws := env.stub.auditsFor(alice, KindWithdraw)
	if len(withdraws) != 1 || withdraws[0].Amount != 105 {
		test.Fatalf("expected WITHDRAW record for 105, got %+v", withdraws)
	}
	refunds := env.stub.auditsFor(alice, KindDeposit)
	if len(refunds) != 1 || refunds[0].Reason != "refund of failed transfer" {
		test.Fatalf("expected refund record, got %+v", refunds)
	}
	if len(env.stub.auditsFor(alice, KindTransfer)) != 0 {
		test.Fatalf("failed transfer must not write a TRANSFER record")
	}
}

func TestGetBalanceDegradesToStaleCacheAndRecovers(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)
	env.stub.seed(player, "miner", 321)

	if got := env.awaitBalance(test, env.ledger.GetBalance(player)); got != 321 {
		test.Fatalf("expected 321, got %v", got)
	}

	// Entry goes stale, then the store goes away.
	env.clock.Advance(2 * DefaultBalanceWindow)
	env.stub.setDown(true)
	env.conn.MarkFailed()
	if got := env.awaitBalance(test, env.ledger.GetBalance(player)); got != 321 {
		test.Fatalf("expected stale cached 321 during outage, got %v", got)
	}

	// Store returns with a new authoritative value.
	env.stub.setDown(false)
	env.stub.seed(player, "miner", 500)
	if got := env.awaitBalance(test, env.ledger.GetBalance(player)); got != 500 {
		test.Fatalf("expected refreshed 500 after recovery, got %v", got)
	}
	if cached, ok := env.cache.Get(player); !ok || cached != 500 {
		test.Fatalf("cache not refreshed, got %v (ok=%v)", cached, ok)
	}
}

func TestGetBalanceFallsBackToConfiguredInitial(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	env.stub.config[ConfigKeyInitialBalance] = FloatValue(250)
	player := newPlayerID(test)

	if got := env.awaitBalance(test, env.ledger.GetBalance(player)); got != 250 {
		test.Fatalf("expected configured initial 250 for unknown account, got %v", got)
	}
}

func TestHasBalanceShortCircuitsOnFreshCache(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)
	env.cache.Put(player, 80)
	env.stub.setDown(true)
	env.conn.MarkFailed()

	if !env.await(test, env.ledger.HasBalance(player, 50)) {
		test.Fatalf("fresh cache hit should cover 50")
	}
	if env.await(test, env.ledger.HasBalance(player, 81)) {
		test.Fatalf("fresh cache hit should not cover 81")
	}
}

func TestAccountExistsFailsOpenDuringOutage(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)

	env.stub.setDown(true)
	env.conn.MarkFailed()
	if !env.await(test, env.ledger.AccountExists(player)) {
		test.Fatalf("existence check must fail open during an outage")
	}

	env.stub.setDown(false)
	if env.await(test, env.ledger.AccountExists(player)) {
		test.Fatalf("unknown account must not exist once the store is reachable")
	}
	env.stub.seed(player, "miner", 10)
	if !env.await(test, env.ledger.AccountExists(player)) {
		test.Fatalf("stored account must exist")
	}
}

func TestCreateAccountIsIdempotent(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)

	if !env.await(test, env.ledger.CreateAccount(player, "miner", 75)) {
		test.Fatalf("first create failed")
	}
	if !env.await(test, env.ledger.Deposit(player, 25, "bonus")) {
		test.Fatalf("deposit failed")
	}
	if !env.await(test, env.ledger.CreateAccount(player, "miner", 75)) {
		test.Fatalf("second create must report success")
	}
	if got := env.stub.balanceOf(test, player); got != 100 {
		test.Fatalf("second create altered balance, got %v", got)
	}
}

func TestCreateAccountFailsClosedDuringOutage(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)

	env.stub.setDown(true)
	env.conn.MarkFailed()
	if env.await(test, env.ledger.CreateAccount(player, "miner", 75)) {
		test.Fatalf("create must fail while the store is unreachable")
	}
	if env.cache.Contains(player) {
		test.Fatalf("failed create must not seed the cache")
	}
}

func TestAuditCompleteness(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	alice := newPlayerID(test)
	bob := newPlayerID(test)
	env.stub.seed(alice, "alice", 1000)
	env.stub.seed(bob, "bob", 1000)
	start := env.clock.Now()

	if !env.await(test, env.ledger.Deposit(alice, 10, "one")) {
		test.Fatalf("deposit failed")
	}
	if !env.await(test, env.ledger.Withdraw(alice, 10, "two")) {
		test.Fatalf("withdraw failed")
	}
	if !env.await(test, env.ledger.Transfer(alice, bob, 10, "three", 0.1)) {
		test.Fatalf("transfer failed")
	}

	// deposit + withdraw + transfer's TRANSFER/TAX pair.
	if got := env.stub.auditCount(); got != 4 {
		test.Fatalf("expected 4 audit records, got %d", got)
	}
	for _, record := range env.stub.audits {
		if record.CreatedAt.Before(start) {
			test.Fatalf("audit record predates the operation: %+v", record)
		}
	}
}

func TestTopAccountsSortedAndEmptyOnFailure(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	for _, balance := range []float64{50, 300, 100} {
		env.stub.seed(newPlayerID(test), "p", balance)
	}

	accounts, err := env.ledger.TopAccounts(2).Await(context.Background())
	if err != nil {
		test.Fatalf("await: %v", err)
	}
	if len(accounts) != 2 || accounts[0].Balance != 300 || accounts[1].Balance != 100 {
		test.Fatalf("unexpected top accounts %+v", accounts)
	}

	env.stub.setDown(true)
	env.conn.MarkFailed()
	accounts, err = env.ledger.TopAccounts(2).Await(context.Background())
	if err != nil {
		test.Fatalf("await: %v", err)
	}
	if len(accounts) != 0 {
		test.Fatalf("expected empty list during outage, got %+v", accounts)
	}
}

func TestWithdrawRacedToInsufficientWritesNoAudit(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	player := newPlayerID(test)
	env.stub.seed(player, "miner", 100)
	// A fresh cached value that overstates the stored balance simulates the
	// window between the precheck and the conditional decrement.
	env.cache.Put(player, 1000)

	if env.await(test, env.ledger.Withdraw(player, 500, "raced")) {
		test.Fatalf("raced withdrawal must fail at the store guard")
	}
	if got := env.stub.balanceOf(test, player); got != 100 {
		test.Fatalf("expected 100, got %v", got)
	}
	if env.stub.auditCount() != 0 {
		test.Fatalf("raced withdrawal wrote an audit record")
	}
	if env.cache.Contains(player) {
		test.Fatalf("stale overstated entry should be invalidated")
	}
}
