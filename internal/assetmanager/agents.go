package assetmanager

import (
	"math/big"
	"sort"
	"time"

	"fassets/internal/events"
	"fassets/internal/safemath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

type poolCreator interface {
	Create(agent common.Address)
}

func (e *Engine) validateAgentSettings(s AgentSettings) error {
	switch {
	case s.FeeBIPS > safemath.MaxBIPS:
		return reject("fee too high")
	case s.PoolFeeShareBIPS > safemath.MaxBIPS:
		return reject("pool fee share too high")
	case s.MintingVaultCollateralRatioBIPS < e.settings.MinVaultCollateralRatioBIPS:
		return reject("vault collateral ratio too small")
	case s.MintingPoolCollateralRatioBIPS < e.settings.MinPoolCollateralRatioBIPS:
		return reject("pool collateral ratio too small")
	}
	return nil
}

// CreateAgentVault registers a new agent owned by owner and returns the vault
// address, derived from the owner and its creation count.
func (e *Engine) CreateAgentVault(owner common.Address, underlyingAddress string, settings AgentSettings) (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validator.Validate(underlyingAddress); err != nil {
		return common.Address{}, &Error{Kind: KindPrecondition, Reason: "invalid underlying address", cause: err}
	}
	for _, a := range e.agents {
		if a.UnderlyingAddress == underlyingAddress {
			return common.Address{}, reject("address already claimed")
		}
	}
	if err := e.validateAgentSettings(settings); err != nil {
		return common.Address{}, err
	}

	vault := crypto.CreateAddress(owner, e.ownerNonces[owner])
	e.ownerNonces[owner]++
	if pc, ok := e.pools.(poolCreator); ok {
		pc.Create(vault)
	}
	e.agents[vault] = &Agent{
		Vault:              vault,
		Owner:              owner,
		UnderlyingAddress:  underlyingAddress,
		Settings:           settings,
		Status:             AgentNormal,
		VaultCollateralWei: new(big.Int),
		CreatedAtBlock:     e.chain.BlockNumber,
	}
	e.emit.Emit(events.AgentVaultCreated{
		AgentRef:          events.AgentRef{Agent: vault},
		Owner:             owner,
		UnderlyingAddress: underlyingAddress,
	})
	e.log.Info("agent vault created", zap.String("agent", vault.Hex()), zap.String("owner", owner.Hex()))
	return vault, nil
}

// DepositVaultCollateral adds vault collateral. Anyone may top up an agent.
func (e *Engine) DepositVaultCollateral(vault common.Address, wei *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.agent(vault)
	if err != nil {
		return err
	}
	if wei == nil || wei.Sign() <= 0 {
		return reject("deposit: amount must be positive")
	}
	a.VaultCollateralWei.Add(a.VaultCollateralWei, wei)
	e.emit.Emit(events.VaultCollateralDeposited{AgentRef: events.AgentRef{Agent: vault}, AmountWei: copyBig(wei)})
	return nil
}

// AnnounceVaultCollateralWithdrawal locks wei for withdrawal after the waiting
// period. Announcing zero cancels a pending announcement.
func (e *Engine) AnnounceVaultCollateralWithdrawal(caller, vault common.Address, wei *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	if wei == nil || wei.Sign() == 0 {
		a.CollateralWithdrawal = nil
		return nil
	}
	// the previous announcement is replaced, so it must not count as locked
	prev := a.CollateralWithdrawal
	a.CollateralWithdrawal = nil
	cs, err := e.collateral(a)
	a.CollateralWithdrawal = prev
	if err != nil {
		return err
	}
	if wei.Cmp(cs.vaultFree) > 0 {
		return reject("withdrawal: value too high")
	}
	allowedAt := e.clock.Now().Add(time.Duration(e.settings.WithdrawalWaitMinSeconds) * time.Second)
	a.CollateralWithdrawal = &CollateralWithdrawal{AmountWei: copyBig(wei), AllowedAt: allowedAt}
	e.emit.Emit(events.VaultCollateralWithdrawalAnnounced{
		AgentRef:  events.AgentRef{Agent: vault},
		AmountWei: copyBig(wei),
		AllowedAt: allowedAt,
	})
	return nil
}

// WithdrawVaultCollateral pays announced collateral back to the owner.
func (e *Engine) WithdrawVaultCollateral(caller, vault common.Address, wei *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	w := a.CollateralWithdrawal
	switch {
	case w == nil:
		return reject("withdrawal: not announced")
	case e.clock.Now().Before(w.AllowedAt):
		return reject("withdrawal: not allowed yet")
	case wei == nil || wei.Sign() <= 0:
		return reject("withdrawal: amount must be positive")
	case wei.Cmp(w.AmountWei) > 0:
		return reject("withdrawal: more than announced")
	}
	a.CollateralWithdrawal = nil
	cs, err := e.collateral(a)
	a.CollateralWithdrawal = w
	if err != nil {
		return err
	}
	if wei.Cmp(cs.vaultFree) > 0 {
		return reject("withdrawal: value too high")
	}

	a.VaultCollateralWei.Sub(a.VaultCollateralWei, wei)
	e.credit(a.Owner, wei)
	if rest := new(big.Int).Sub(w.AmountWei, wei); rest.Sign() > 0 {
		a.CollateralWithdrawal = &CollateralWithdrawal{AmountWei: rest, AllowedAt: w.AllowedAt}
	} else {
		a.CollateralWithdrawal = nil
	}
	e.emit.Emit(events.VaultCollateralWithdrawn{AgentRef: events.AgentRef{Agent: vault}, AmountWei: copyBig(wei)})
	return nil
}

// MakeAgentAvailable publishes the agent for public minting.
func (e *Engine) MakeAgentAvailable(caller, vault common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	if a.Status != AgentNormal {
		return ErrInvalidAgentStatus
	}
	if a.Available {
		return reject("agent already available")
	}
	cs, err := e.collateral(a)
	if err != nil {
		return err
	}
	lots := cs.freeLots(a, e.settings.LotSizeAMG)
	if lots == 0 {
		return ErrNotEnoughCollateral
	}
	a.Available = true
	e.emit.Emit(events.AgentAvailable{
		AgentRef:                   events.AgentRef{Agent: vault},
		FeeBIPS:                    a.Settings.FeeBIPS,
		MintingVaultCollateralBIPS: a.Settings.MintingVaultCollateralRatioBIPS,
		MintingPoolCollateralBIPS:  a.Settings.MintingPoolCollateralRatioBIPS,
		FreeCollateralLots:         lots,
	})
	return nil
}

func (e *Engine) ExitAvailableAgentList(caller, vault common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	if !a.Available {
		return reject("agent not available")
	}
	a.Available = false
	e.emit.Emit(events.AvailableAgentExited{AgentRef: events.AgentRef{Agent: vault}})
	return nil
}

// AnnounceDestroyAgent starts the destroy waiting period. The agent takes no new
// minting from then on.
func (e *Engine) AnnounceDestroyAgent(caller, vault common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	if a.Available {
		return reject("agent still available")
	}
	if a.Status != AgentNormal {
		return ErrInvalidAgentStatus
	}
	a.Status = AgentDestroying
	a.DestroyAllowedAt = e.clock.Now().Add(time.Duration(e.settings.WithdrawalWaitMinSeconds) * time.Second)
	e.emit.Emit(events.AgentDestroyAnnounced{AgentRef: events.AgentRef{Agent: vault}, DestroyAllowedAt: a.DestroyAllowedAt})
	return nil
}

// DestroyAgent removes an agent with no backing left and returns its vault
// collateral to the owner.
func (e *Engine) DestroyAgent(caller, vault common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	if a.Status != AgentDestroying {
		return reject("destroy: not announced")
	}
	if e.clock.Now().Before(a.DestroyAllowedAt) {
		return reject("destroy: not allowed yet")
	}
	if a.MintedAMG+a.ReservedAMG+a.RedeemingAMG > 0 || a.ActiveReturnID != 0 || a.ActiveTransferID != 0 {
		return reject("destroy: agent still active")
	}
	e.credit(a.Owner, a.VaultCollateralWei)
	delete(e.agents, vault)
	e.emit.Emit(events.AgentDestroyed{AgentRef: events.AgentRef{Agent: vault}})
	e.log.Info("agent destroyed", zap.String("agent", vault.Hex()))
	return nil
}

// SetAgentSetting changes one agent setting by name.
func (e *Engine) SetAgentSetting(caller, vault common.Address, name string, value uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	s := a.Settings
	switch name {
	case SettingFeeBIPS:
		s.FeeBIPS = value
	case SettingPoolFeeShareBIPS:
		s.PoolFeeShareBIPS = value
	case SettingMintingVaultCollateralRatioBIPS:
		s.MintingVaultCollateralRatioBIPS = value
	case SettingMintingPoolCollateralRatioBIPS:
		s.MintingPoolCollateralRatioBIPS = value
	default:
		return reject("unknown agent setting")
	}
	if err := e.validateAgentSettings(s); err != nil {
		return err
	}
	a.Settings = s
	e.emit.Emit(events.AgentSettingChanged{AgentRef: events.AgentRef{Agent: vault}, Name: name, Value: value})
	return nil
}

func (e *Engine) AgentInfo(vault common.Address) (AgentInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.agent(vault)
	if err != nil {
		return AgentInfo{}, err
	}
	return e.info(a)
}

func (e *Engine) info(a *Agent) (AgentInfo, error) {
	cs, err := e.collateral(a)
	if err != nil {
		return AgentInfo{}, err
	}
	info := AgentInfo{
		Vault:                     a.Vault,
		Owner:                     a.Owner,
		UnderlyingAddress:         a.UnderlyingAddress,
		Status:                    a.Status.String(),
		Available:                 a.Available,
		Settings:                  a.Settings,
		VaultCollateralWei:        copyBig(a.VaultCollateralWei),
		PoolCollateralWei:         e.pools.TotalCollateral(a.Vault),
		MintedUBA:                 e.amgToUBA(a.MintedAMG),
		ReservedUBA:               e.amgToUBA(a.ReservedAMG),
		RedeemingUBA:              e.amgToUBA(a.RedeemingAMG),
		DustUBA:                   e.amgToUBA(a.DustAMG),
		FreeCollateralLots:        cs.freeLots(a, e.settings.LotSizeAMG),
		UnderlyingBalanceUBA:      a.UnderlyingBalanceUBA,
		RequiredUnderlyingBalance: e.requiredUnderlyingUBA(a),
		FreeUnderlyingBalanceUBA:  e.freeUnderlyingUBA(a),
		ActiveTransferToCoreVault: a.ActiveTransferID,
		ActiveReturnFromCoreVault: a.ActiveReturnID,
	}
	if a.UnderlyingWithdrawal != nil {
		info.AnnouncedWithdrawalID = a.UnderlyingWithdrawal.ID
	}
	return info, nil
}

// AvailableAgents lists agents open for public minting, cheapest first.
func (e *Engine) AvailableAgents() ([]AgentInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []AgentInfo
	for _, a := range e.agents {
		if !a.Available {
			continue
		}
		info, err := e.info(a)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Settings.FeeBIPS != out[j].Settings.FeeBIPS {
			return out[i].Settings.FeeBIPS < out[j].Settings.FeeBIPS
		}
		return out[i].Vault.Hex() < out[j].Vault.Hex()
	})
	return out, nil
}

// Agents returns the vault addresses of all agents.
func (e *Engine) Agents() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Address, 0, len(e.agents))
	for vault := range e.agents {
		out = append(out, vault)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// startFullLiquidation is irreversible; the agent takes no new minting or
// transfers afterwards.
func (e *Engine) startFullLiquidation(a *Agent) {
	if a.Status == AgentFullLiquidation {
		return
	}
	a.Status = AgentFullLiquidation
	a.LiquidationStartedAt = e.clock.Now()
	if a.Available {
		a.Available = false
		e.emit.Emit(events.AvailableAgentExited{AgentRef: events.AgentRef{Agent: a.Vault}})
	}
	e.emit.Emit(events.FullLiquidationStarted{AgentRef: events.AgentRef{Agent: a.Vault}, Timestamp: a.LiquidationStartedAt})
	e.log.Warn("full liquidation started", zap.String("agent", a.Vault.Hex()))
}
