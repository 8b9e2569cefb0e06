// Package assetmanager is the minting and redemption engine. It owns every agent
// ledger, the collateral reservation and redemption request tables and the
// redemption ticket queue. Each public method runs under one mutex, so calls are
// applied one at a time and either complete fully or leave no trace.
package assetmanager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"fassets/internal/attestation"
	"fassets/internal/collateralpool"
	"fassets/internal/corevault"
	"fassets/internal/events"
	"fassets/internal/fasset"
	"fassets/internal/safemath"
	"fassets/internal/tickets"
	"fassets/internal/timing"
	"fassets/internal/underlying"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// CoreVault is the part of the core vault manager the engine drives.
type CoreVault interface {
	CoreVaultAddress() string
	IsDestinationAllowed(address string) bool
	CreditPayment(proof *attestation.Payment) (bool, error)
	RequestTransferFromCoreVault(destination string, reference common.Hash, amountUBA uint64, cancelable bool) (common.Hash, error)
	CancelTransferRequestFromCoreVault(destination string) (corevault.TransferRequest, error)
}

// Deps are the engine's collaborators. Verifier, Pools and Token are required;
// a nil CoreVault disables the core vault operations.
type Deps struct {
	Verifier  attestation.Verifier
	Pools     collateralpool.Sink
	Token     fasset.Token
	Prices    PriceReader
	CoreVault CoreVault
	Validator underlying.Validator
	Emitter   events.Emitter
	Clock     timing.Clock
	Log       *zap.Logger
}

type Engine struct {
	mu sync.Mutex

	settings  Settings
	verifier  attestation.Verifier
	pools     collateralpool.Sink
	token     fasset.Token
	prices    PriceReader
	coreVault CoreVault
	validator underlying.Validator
	emit      events.Emitter
	clock     timing.Clock
	log       *zap.Logger

	agents       map[common.Address]*Agent
	ownerNonces  map[common.Address]uint64
	reservations map[uint64]*CollateralReservation
	redemptions  map[uint64]*RedemptionRequest
	returns      map[uint64]*ReturnRequest
	queue        *tickets.Queue
	chain        timing.UnderlyingChain
	confirmed    map[common.Hash]bool
	native       map[common.Address]*big.Int

	nextReservationID  uint64
	nextRequestID      uint64
	nextReturnID       uint64
	nextWithdrawalID   uint64
	nextCVRedemptionID uint64

	coreVaultMintedAMG         uint64
	coreVaultReturnReservedAMG uint64
	coreVaultFeesWei           *big.Int
	burnedWei                  *big.Int

	paused     bool
	terminated bool
}

func New(settings Settings, deps Deps) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	if deps.Verifier == nil || deps.Pools == nil || deps.Token == nil {
		return nil, errors.New("assetmanager: verifier, pools and token are required")
	}
	if deps.Prices == nil {
		deps.Prices = FixedPricesFromSettings(settings)
	}
	if deps.Validator == nil {
		v, err := underlying.ForChain(settings.UnderlyingChain)
		if err != nil {
			return nil, err
		}
		deps.Validator = v
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = timing.SystemClock{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	e := &Engine{
		settings:  settings,
		verifier:  deps.Verifier,
		pools:     deps.Pools,
		token:     deps.Token,
		prices:    deps.Prices,
		coreVault: deps.CoreVault,
		validator: deps.Validator,
		emit:      deps.Emitter,
		clock:     deps.Clock,
		log:       deps.Log.With(zap.String("asset", settings.AssetSymbol)),
	}
	e.reset()
	return e, nil
}

func (e *Engine) reset() {
	e.agents = make(map[common.Address]*Agent)
	e.ownerNonces = make(map[common.Address]uint64)
	e.reservations = make(map[uint64]*CollateralReservation)
	e.redemptions = make(map[uint64]*RedemptionRequest)
	e.returns = make(map[uint64]*ReturnRequest)
	e.queue = tickets.NewQueue()
	e.chain = timing.UnderlyingChain{}
	e.confirmed = make(map[common.Hash]bool)
	e.native = make(map[common.Address]*big.Int)
	e.nextReservationID, e.nextRequestID, e.nextReturnID = 1, 1, 1
	e.nextWithdrawalID, e.nextCVRedemptionID = 1, 1
	e.coreVaultMintedAMG, e.coreVaultReturnReservedAMG = 0, 0
	e.coreVaultFeesWei = new(big.Int)
	e.burnedWei = new(big.Int)
	e.paused, e.terminated = false, false
}

func (e *Engine) Settings() Settings { return e.settings }

// verify checks the chain id and Merkle inclusion of every proof. It reads no
// engine state and runs before the engine lock is taken.
func (e *Engine) verify(ctx context.Context, proofs ...attestation.Proof) error {
	want := attestation.SourceID(e.settings.ChainID)
	for _, p := range proofs {
		if p.Source() != want {
			return ErrInvalidSourceID
		}
		if err := attestation.Verify(ctx, e.verifier, p); err != nil {
			return invalidProof(err)
		}
	}
	return nil
}

func (e *Engine) agent(vault common.Address) (*Agent, error) {
	a, ok := e.agents[vault]
	if !ok {
		return nil, ErrInvalidAgent
	}
	return a, nil
}

func (e *Engine) ownedAgent(vault, caller common.Address) (*Agent, error) {
	a, err := e.agent(vault)
	if err != nil {
		return nil, err
	}
	if a.Owner != caller {
		return nil, ErrOnlyAgentOwner
	}
	return a, nil
}

// transactionKey identifies an underlying transaction spent from one address.
func transactionKey(txID, sourceAddressHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(txID[:], sourceAddressHash[:])
}

func (e *Engine) lotUBA() uint64 { return e.settings.LotSizeUBA() }

func (e *Engine) amgToUBA(amg uint64) uint64 { return e.settings.AMGToUBA(amg) }
func (e *Engine) ubaToAMG(uba uint64) uint64 { return e.settings.UBAToAMG(uba) }

func (e *Engine) readPrices() (vault, pool *big.Int, err error) {
	if vault, err = e.prices.AMGToVaultWeiPrice(); err != nil {
		return nil, nil, fmt.Errorf("vault price: %w", err)
	}
	if pool, err = e.prices.AMGToPoolWeiPrice(); err != nil {
		return nil, nil, fmt.Errorf("pool price: %w", err)
	}
	return vault, pool, nil
}

// collateralState is an agent's free collateral at the current prices.
type collateralState struct {
	vaultPrice *big.Int
	poolPrice  *big.Int
	vaultFree  *big.Int
	poolFree   *big.Int
}

func (e *Engine) collateral(a *Agent) (collateralState, error) {
	vp, pp, err := e.readPrices()
	if err != nil {
		return collateralState{}, err
	}
	backed := a.MintedAMG + a.ReservedAMG + a.RedeemingAMG
	vaultLocked := safemath.BigMulBips(amgToWei(backed, vp), a.Settings.MintingVaultCollateralRatioBIPS)
	vaultLocked.Add(vaultLocked, a.announcedWithdrawalWei())
	poolLocked := safemath.BigMulBips(amgToWei(backed, pp), a.Settings.MintingPoolCollateralRatioBIPS)
	return collateralState{
		vaultPrice: vp,
		poolPrice:  pp,
		vaultFree:  safemath.BigSubFloor(a.VaultCollateralWei, vaultLocked),
		poolFree:   safemath.BigSubFloor(e.pools.TotalCollateral(a.Vault), poolLocked),
	}, nil
}

func (c collateralState) vaultNeeded(a *Agent, amg uint64) *big.Int {
	return safemath.BigMulBips(amgToWei(amg, c.vaultPrice), a.Settings.MintingVaultCollateralRatioBIPS)
}

func (c collateralState) poolNeeded(a *Agent, amg uint64) *big.Int {
	return safemath.BigMulBips(amgToWei(amg, c.poolPrice), a.Settings.MintingPoolCollateralRatioBIPS)
}

// covers reports whether free collateral can back amg more AMG at minting ratios.
func (c collateralState) covers(a *Agent, amg uint64) bool {
	return c.vaultNeeded(a, amg).Cmp(c.vaultFree) <= 0 && c.poolNeeded(a, amg).Cmp(c.poolFree) <= 0
}

func (c collateralState) freeLots(a *Agent, lotAMG uint64) uint64 {
	perLotVault := c.vaultNeeded(a, lotAMG)
	perLotPool := c.poolNeeded(a, lotAMG)
	if perLotVault.Sign() == 0 || perLotPool.Sign() == 0 {
		return 0
	}
	lots := new(big.Int).Quo(c.vaultFree, perLotVault)
	if byPool := new(big.Int).Quo(c.poolFree, perLotPool); byPool.Cmp(lots) < 0 {
		lots = byPool
	}
	if !lots.IsUint64() {
		return safemath.MaxUint[uint64]()
	}
	return lots.Uint64()
}

// totalBackedAMG is all f-asset value in existence or being minted.
func (e *Engine) totalBackedAMG() uint64 {
	total := e.coreVaultMintedAMG
	for _, a := range e.agents {
		total += a.MintedAMG + a.ReservedAMG + a.RedeemingAMG
	}
	return total
}

func (e *Engine) checkMintingCap(extraAMG uint64) error {
	if e.settings.MintingCapAMG > 0 && e.totalBackedAMG()+extraAMG > e.settings.MintingCapAMG {
		return ErrMintingCapExceeded
	}
	return nil
}

func (e *Engine) requiredUnderlyingUBA(a *Agent) uint64 {
	return safemath.MulBips(e.amgToUBA(a.MintedAMG), e.settings.MinUnderlyingBackingBIPS)
}

func (e *Engine) freeUnderlyingUBA(a *Agent) int64 {
	return a.UnderlyingBalanceUBA - int64(e.requiredUnderlyingUBA(a))
}

// checkUnderlyingBalance signals bots when an agent holds less underlying than
// its backing requires.
func (e *Engine) checkUnderlyingBalance(a *Agent) {
	required := e.requiredUnderlyingUBA(a)
	if a.UnderlyingBalanceUBA < int64(required) {
		e.emit.Emit(events.UnderlyingBalanceTooLow{
			AgentRef:           events.AgentRef{Agent: a.Vault},
			BalanceUBA:         a.UnderlyingBalanceUBA,
			RequiredBalanceUBA: required,
		})
	}
}

// createBacking adds amg to the agent's minted amount. Whole lots go to the
// queue tail, merging into the tail ticket when the agent owns it; the sub-lot
// rest stays in dust.
func (e *Engine) createBacking(a *Agent, amg uint64) {
	lot := e.settings.LotSizeAMG
	total := a.DustAMG + amg
	ticketAMG := total / lot * lot
	dust := total - ticketAMG
	if ticketAMG > 0 {
		if last, ok := e.queue.Get(e.queue.Last()); ok && last.Agent == a.Vault {
			_ = e.queue.SetValue(last.ID, last.ValueAMG+ticketAMG)
			e.emit.Emit(events.RedemptionTicketUpdated{
				AgentRef: events.AgentRef{Agent: a.Vault},
				TicketID: last.ID,
				ValueUBA: e.amgToUBA(last.ValueAMG + ticketAMG),
			})
		} else {
			id := e.queue.Create(a.Vault, ticketAMG)
			e.emit.Emit(events.RedemptionTicketCreated{
				AgentRef: events.AgentRef{Agent: a.Vault},
				TicketID: id,
				ValueUBA: e.amgToUBA(ticketAMG),
			})
		}
	}
	e.setDust(a, dust)
	a.MintedAMG += amg
}

func (e *Engine) setDust(a *Agent, dust uint64) {
	if dust == a.DustAMG {
		return
	}
	a.DustAMG = dust
	e.emit.Emit(events.DustChanged{AgentRef: events.AgentRef{Agent: a.Vault}, DustUBA: e.amgToUBA(dust)})
}

// closeBacking removes up to amg of the agent's backing, oldest tickets first
// and then dust, and returns the amount removed. A shrunk ticket keeps whole
// lots only; its sub-lot rest moves to dust.
func (e *Engine) closeBacking(a *Agent, amg uint64) uint64 {
	lot := e.settings.LotSizeAMG
	closed := uint64(0)
	for id := e.queue.FirstForAgent(a.Vault); id != 0 && closed < amg; {
		t, _ := e.queue.Get(id)
		next := e.queue.NextForAgent(id)
		take := min(t.ValueAMG, amg-closed)
		closed += take
		rest := t.ValueAMG - take
		keep := rest / lot * lot
		if keep == 0 {
			_ = e.queue.Delete(id)
			e.emit.Emit(events.RedemptionTicketDeleted{AgentRef: events.AgentRef{Agent: a.Vault}, TicketID: id})
		} else {
			_ = e.queue.SetValue(id, keep)
			e.emit.Emit(events.RedemptionTicketUpdated{
				AgentRef: events.AgentRef{Agent: a.Vault},
				TicketID: id,
				ValueUBA: e.amgToUBA(keep),
			})
		}
		if rest > keep {
			e.setDust(a, a.DustAMG+rest-keep)
		}
		id = next
	}
	if closed < amg && a.DustAMG > 0 {
		take := min(a.DustAMG, amg-closed)
		closed += take
		e.setDust(a, a.DustAMG-take)
	}
	a.MintedAMG -= closed
	return closed
}

func (e *Engine) credit(to common.Address, wei *big.Int) {
	if wei == nil || wei.Sign() <= 0 {
		return
	}
	bal, ok := e.native[to]
	if !ok {
		bal = new(big.Int)
		e.native[to] = bal
	}
	bal.Add(bal, wei)
}

func (e *Engine) burn(wei *big.Int) {
	if wei != nil && wei.Sign() > 0 {
		e.burnedWei.Add(e.burnedWei, wei)
	}
}

// payFromVault moves up to wei of the agent's vault collateral to recipient and
// returns the amount paid.
func (e *Engine) payFromVault(a *Agent, recipient common.Address, wei *big.Int) *big.Int {
	paid := safemath.BigMin(wei, a.VaultCollateralWei)
	a.VaultCollateralWei.Sub(a.VaultCollateralWei, paid)
	e.credit(recipient, paid)
	return paid
}

// settleExecutorFee pays a prepaid executor fee to the executor when it made the
// call and burns it otherwise.
func (e *Engine) settleExecutorFee(executor common.Address, fee *big.Int, caller common.Address) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	if executor != (common.Address{}) && caller == executor {
		e.credit(executor, fee)
		return
	}
	e.burn(fee)
}

// NativeBalance is the native currency the engine has paid out to addr.
func (e *Engine) NativeBalance(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bal, ok := e.native[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// BurnedWei is the native currency destroyed by reservation fees and penalties.
func (e *Engine) BurnedWei() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.burnedWei)
}

// UnderlyingChain returns the current mirror of the underlying chain head.
func (e *Engine) UnderlyingChain() timing.UnderlyingChain {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain
}

func (e *Engine) window(extraSeconds uint64) timing.PaymentWindow {
	return e.chain.Window(e.settings.UnderlyingBlocksForPayment, e.settings.UnderlyingSecondsForPayment,
		e.settings.AverageBlockTime(), extraSeconds)
}

func copyBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
