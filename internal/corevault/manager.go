// Package corevault manages the protocol-owned custody account on the underlying
// chain. It collects transfer requests, batches them into payment instructions for
// the custodian bot, and parks surplus liquidity in time-locked escrows.
package corevault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fassets/internal/attestation"
	"fassets/internal/events"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrDestinationNotAllowed = errors.New("destination address not allowed")
	ErrRequestExists         = errors.New("transfer request already exists")
	ErrRequestNotFound       = errors.New("transfer request not found")
	ErrInsufficientFunds     = errors.New("insufficient core vault funds")
	ErrInvalidPayment        = errors.New("invalid core vault payment")
	ErrDuplicatePreimage     = errors.New("preimage hash already added")
	ErrUnknownEscrow         = errors.New("unknown escrow")
	ErrZeroAmount            = errors.New("amount zero")
)

const day = 24 * time.Hour

type Settings struct {
	// CoreVaultAddress is the custody account on the underlying chain.
	CoreVaultAddress string `json:"coreVaultAddress"`
	// CustodianAddress receives escrowed funds when an escrow is finished.
	CustodianAddress     string `json:"custodianAddress"`
	EscrowAmountUBA      uint64 `json:"escrowAmountUBA"`
	EscrowEndTimeSeconds uint64 `json:"escrowEndTimeSeconds"`
	MinimalAmountLeftUBA uint64 `json:"minimalAmountLeftUBA"`
	ChainPaymentFeeUBA   uint64 `json:"chainPaymentFeeUBA"`
}

type TransferRequest struct {
	Destination      string      `json:"destination"`
	PaymentReference common.Hash `json:"paymentReference"`
	AmountUBA        uint64      `json:"amountUBA"`
	Cancelable       bool        `json:"cancelable"`
}

type Escrow struct {
	PreimageHash common.Hash `json:"preimageHash"`
	AmountUBA    uint64      `json:"amountUBA"`
	CancelAfter  time.Time   `json:"cancelAfter"`
	Finished     bool        `json:"finished"`
	Expired      bool        `json:"expired"`
}

func (e Escrow) open() bool { return !e.Finished && !e.Expired }

type Manager struct {
	mu       sync.Mutex
	settings Settings
	verifier attestation.Verifier
	emitter  events.Emitter
	log      *zap.Logger

	allowed           map[string]bool
	preimageHashes    []common.Hash
	knownPreimages    map[common.Hash]bool
	escrows           []Escrow
	nonCancelable     []TransferRequest
	cancelable        []TransferRequest
	availableFunds    uint64
	escrowedFunds     uint64
	nextSequence      uint64
	confirmedPayments map[common.Hash]bool
}

func NewManager(settings Settings, verifier attestation.Verifier, emitter events.Emitter, log *zap.Logger) (*Manager, error) {
	if settings.CoreVaultAddress == "" {
		return nil, fmt.Errorf("core vault address is required")
	}
	if settings.EscrowEndTimeSeconds >= uint64(day/time.Second) {
		return nil, fmt.Errorf("escrow end time must be within a day")
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		settings:          settings,
		verifier:          verifier,
		emitter:           emitter,
		log:               log,
		allowed:           make(map[string]bool),
		knownPreimages:    make(map[common.Hash]bool),
		confirmedPayments: make(map[common.Hash]bool),
	}, nil
}

func (m *Manager) CoreVaultAddress() string { return m.settings.CoreVaultAddress }

func (m *Manager) AddAllowedDestinationAddresses(addresses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addresses {
		if a != "" {
			m.allowed[a] = true
		}
	}
}

func (m *Manager) RemoveAllowedDestinationAddresses(addresses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addresses {
		delete(m.allowed, a)
	}
}

func (m *Manager) IsDestinationAllowed(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed[address]
}

func (m *Manager) AllowedDestinations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.allowed))
	for a := range m.allowed {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AddPreimageHashes queues hashes for future escrows. The batch is rejected as a
// whole if any hash was seen before.
func (m *Manager) AddPreimageHashes(hashes ...common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make(map[common.Hash]bool, len(hashes))
	for _, h := range hashes {
		if h == (common.Hash{}) {
			return fmt.Errorf("zero preimage hash")
		}
		if m.knownPreimages[h] || batch[h] {
			return fmt.Errorf("%w: %s", ErrDuplicatePreimage, h.Hex())
		}
		batch[h] = true
	}
	for _, h := range hashes {
		m.knownPreimages[h] = true
		m.preimageHashes = append(m.preimageHashes, h)
	}
	return nil
}

// ConfirmPayment credits an inbound payment to the core vault. Confirming the same
// transaction twice is a no-op; the result reports whether funds were credited.
func (m *Manager) ConfirmPayment(ctx context.Context, proof *attestation.Payment) (bool, error) {
	if err := m.verifier.VerifyPayment(ctx, proof); err != nil {
		return false, err
	}
	return m.CreditPayment(proof)
}

// CreditPayment is ConfirmPayment for a proof the caller has already verified.
func (m *Manager) CreditPayment(proof *attestation.Payment) (bool, error) {
	r := proof.Response
	if r.ReceivingAddressHash != attestation.AddressHash(m.settings.CoreVaultAddress) {
		return false, fmt.Errorf("%w: not a payment to the core vault", ErrInvalidPayment)
	}
	if r.Status != attestation.StatusSuccess {
		return false, fmt.Errorf("%w: payment failed", ErrInvalidPayment)
	}
	if r.ReceivedAmount <= 0 {
		return false, fmt.Errorf("%w: nothing received", ErrInvalidPayment)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	txID := proof.Request.TransactionID
	if m.confirmedPayments[txID] {
		return false, nil
	}
	m.confirmedPayments[txID] = true
	m.availableFunds += uint64(r.ReceivedAmount)
	m.emitter.Emit(events.PaymentConfirmed{
		TransactionID:    txID,
		PaymentReference: r.StandardPaymentReference,
		AmountUBA:        uint64(r.ReceivedAmount),
	})
	m.log.Info("core vault payment confirmed",
		zap.String("tx", txID.Hex()),
		zap.Int64("amount", r.ReceivedAmount))
	return true, nil
}

func (m *Manager) totalRequestAmountWithFee() uint64 {
	var total uint64
	for _, r := range m.nonCancelable {
		total += r.AmountUBA + m.settings.ChainPaymentFeeUBA
	}
	for _, r := range m.cancelable {
		total += r.AmountUBA + m.settings.ChainPaymentFeeUBA
	}
	return total
}

// TotalRequestAmountWithFee is the sum of pending requests plus their chain fees.
func (m *Manager) TotalRequestAmountWithFee() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalRequestAmountWithFee()
}

// RequestTransferFromCoreVault queues an outgoing payment. Non-cancelable requests
// to a destination with a pending non-cancelable request are merged into it and the
// earlier reference is returned.
func (m *Manager) RequestTransferFromCoreVault(destination string, reference common.Hash, amountUBA uint64, cancelable bool) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amountUBA == 0 {
		return common.Hash{}, ErrZeroAmount
	}
	if !m.allowed[destination] {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrDestinationNotAllowed, destination)
	}
	needed := m.totalRequestAmountWithFee() + amountUBA + m.settings.ChainPaymentFeeUBA
	if needed > m.availableFunds+m.escrowedFunds {
		return common.Hash{}, ErrInsufficientFunds
	}

	if cancelable {
		for _, r := range m.cancelable {
			if r.Destination == destination {
				return common.Hash{}, fmt.Errorf("%w: %s", ErrRequestExists, destination)
			}
		}
		m.cancelable = append(m.cancelable, TransferRequest{
			Destination: destination, PaymentReference: reference, AmountUBA: amountUBA, Cancelable: true,
		})
	} else {
		merged := false
		for i := range m.nonCancelable {
			if m.nonCancelable[i].Destination == destination {
				m.nonCancelable[i].AmountUBA += amountUBA
				reference = m.nonCancelable[i].PaymentReference
				merged = true
				break
			}
		}
		if !merged {
			m.nonCancelable = append(m.nonCancelable, TransferRequest{
				Destination: destination, PaymentReference: reference, AmountUBA: amountUBA,
			})
		}
	}
	m.emitter.Emit(events.TransferRequested{
		Destination:      destination,
		PaymentReference: reference,
		AmountUBA:        amountUBA,
		Cancelable:       cancelable,
	})
	return reference, nil
}

// CancelTransferRequestFromCoreVault drops the pending cancelable request for
// destination and returns it.
func (m *Manager) CancelTransferRequestFromCoreVault(destination string) (TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.cancelable {
		if r.Destination != destination {
			continue
		}
		m.cancelable = append(m.cancelable[:i], m.cancelable[i+1:]...)
		m.emitter.Emit(events.TransferRequestCanceled{
			Destination:      r.Destination,
			PaymentReference: r.PaymentReference,
			AmountUBA:        r.AmountUBA,
		})
		return r, nil
	}
	return TransferRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, destination)
}

// TriggerInstructions expires overdue escrows, pays pending requests in order
// while liquidity allows, and escrows the surplus once nothing is left unpaid.
// Each paid request gets its own instruction carrying its own reference, so a
// destination with both a cancelable and a non-cancelable request receives two.
// It returns the number of payment instructions issued.
func (m *Manager) TriggerInstructions(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now = now.UTC()
	fee := m.settings.ChainPaymentFeeUBA

	for i := range m.escrows {
		e := &m.escrows[i]
		if !e.open() || e.CancelAfter.After(now) {
			continue
		}
		e.Expired = true
		m.escrowedFunds -= e.AmountUBA
		m.availableFunds += e.AmountUBA
		m.emitter.Emit(events.EscrowExpired{PreimageHash: e.PreimageHash, AmountUBA: e.AmountUBA})
	}

	paid := 0
	pay := func(queue []TransferRequest) []TransferRequest {
		for len(queue) > 0 {
			r := queue[0]
			if m.availableFunds < m.settings.MinimalAmountLeftUBA+r.AmountUBA+fee {
				break
			}
			m.availableFunds -= r.AmountUBA + fee
			m.nextSequence++
			m.emitter.Emit(events.PaymentInstructions{
				Sequence:         m.nextSequence,
				Account:          m.settings.CoreVaultAddress,
				Destination:      r.Destination,
				AmountUBA:        r.AmountUBA,
				FeeUBA:           fee,
				PaymentReference: r.PaymentReference,
			})
			paid++
			queue = queue[1:]
		}
		return queue
	}
	m.nonCancelable = pay(m.nonCancelable)
	if len(m.nonCancelable) == 0 {
		m.cancelable = pay(m.cancelable)
	}

	if len(m.nonCancelable) == 0 && len(m.cancelable) == 0 && m.settings.EscrowAmountUBA > 0 {
		for len(m.preimageHashes) > 0 &&
			m.availableFunds >= m.settings.MinimalAmountLeftUBA+m.settings.EscrowAmountUBA+fee {
			h := m.preimageHashes[0]
			m.preimageHashes = m.preimageHashes[1:]
			cancelAfter := m.nextEscrowEnd(now)
			m.escrows = append(m.escrows, Escrow{PreimageHash: h, AmountUBA: m.settings.EscrowAmountUBA, CancelAfter: cancelAfter})
			m.availableFunds -= m.settings.EscrowAmountUBA + fee
			m.escrowedFunds += m.settings.EscrowAmountUBA
			m.nextSequence++
			m.emitter.Emit(events.EscrowInstructions{
				Sequence:     m.nextSequence,
				PreimageHash: h,
				Account:      m.settings.CoreVaultAddress,
				Destination:  m.settings.CustodianAddress,
				AmountUBA:    m.settings.EscrowAmountUBA,
				FeeUBA:       fee,
				CancelAfter:  cancelAfter,
			})
		}
	}

	if paid > 0 {
		m.log.Info("core vault payment instructions issued",
			zap.Int("count", paid),
			zap.Uint64("availableFunds", m.availableFunds))
	}
	return paid
}

// nextEscrowEnd returns the first escrow end-of-day boundary at least one day
// after now, and one day after the latest open escrow.
func (m *Manager) nextEscrowEnd(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := midnight.Add(time.Duration(m.settings.EscrowEndTimeSeconds) * time.Second)
	for end.Before(now.Add(day)) {
		end = end.Add(day)
	}
	for _, e := range m.escrows {
		if e.open() && !end.After(e.CancelAfter) {
			end = e.CancelAfter.Add(day)
		}
	}
	return end
}

// SetEscrowsFinished records escrows released to the custodian.
func (m *Manager) SetEscrowsFinished(hashes ...common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := make([]int, 0, len(hashes))
	for _, h := range hashes {
		found := -1
		for i, e := range m.escrows {
			if e.PreimageHash == h && e.open() {
				found = i
				break
			}
		}
		if found < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownEscrow, h.Hex())
		}
		idx = append(idx, found)
	}
	for _, i := range idx {
		e := &m.escrows[i]
		if !e.open() {
			continue
		}
		e.Finished = true
		m.escrowedFunds -= e.AmountUBA
		m.emitter.Emit(events.EscrowFinished{PreimageHash: e.PreimageHash, AmountUBA: e.AmountUBA})
	}
	return nil
}

func (m *Manager) AvailableFunds() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableFunds
}

func (m *Manager) EscrowedFunds() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrowedFunds
}

// PendingRequests lists unpaid requests, non-cancelable first.
func (m *Manager) PendingRequests() []TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]TransferRequest(nil), m.nonCancelable...)
	return append(out, m.cancelable...)
}

func (m *Manager) Escrows() []Escrow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Escrow(nil), m.escrows...)
}

func (m *Manager) UnusedPreimageHashes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.preimageHashes)
}

type State struct {
	Allowed           []string          `json:"allowed"`
	PreimageHashes    []common.Hash     `json:"preimageHashes"`
	KnownPreimages    []common.Hash     `json:"knownPreimages"`
	Escrows           []Escrow          `json:"escrows"`
	NonCancelable     []TransferRequest `json:"nonCancelable"`
	Cancelable        []TransferRequest `json:"cancelable"`
	AvailableFunds    uint64            `json:"availableFunds"`
	EscrowedFunds     uint64            `json:"escrowedFunds"`
	NextSequence      uint64            `json:"nextSequence"`
	ConfirmedPayments []common.Hash     `json:"confirmedPayments"`
}

func (m *Manager) Export() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		PreimageHashes: append([]common.Hash(nil), m.preimageHashes...),
		Escrows:        append([]Escrow(nil), m.escrows...),
		NonCancelable:  append([]TransferRequest(nil), m.nonCancelable...),
		Cancelable:     append([]TransferRequest(nil), m.cancelable...),
		AvailableFunds: m.availableFunds,
		EscrowedFunds:  m.escrowedFunds,
		NextSequence:   m.nextSequence,
	}
	for a := range m.allowed {
		st.Allowed = append(st.Allowed, a)
	}
	sort.Strings(st.Allowed)
	for h := range m.knownPreimages {
		st.KnownPreimages = append(st.KnownPreimages, h)
	}
	for h := range m.confirmedPayments {
		st.ConfirmedPayments = append(st.ConfirmedPayments, h)
	}
	return st
}

func (m *Manager) Import(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed = make(map[string]bool, len(st.Allowed))
	for _, a := range st.Allowed {
		m.allowed[a] = true
	}
	m.knownPreimages = make(map[common.Hash]bool, len(st.KnownPreimages))
	for _, h := range st.KnownPreimages {
		m.knownPreimages[h] = true
	}
	m.confirmedPayments = make(map[common.Hash]bool, len(st.ConfirmedPayments))
	for _, h := range st.ConfirmedPayments {
		m.confirmedPayments[h] = true
	}
	m.preimageHashes = append([]common.Hash(nil), st.PreimageHashes...)
	m.escrows = append([]Escrow(nil), st.Escrows...)
	m.nonCancelable = append([]TransferRequest(nil), st.NonCancelable...)
	m.cancelable = append([]TransferRequest(nil), st.Cancelable...)
	m.availableFunds = st.AvailableFunds
	m.escrowedFunds = st.EscrowedFunds
	m.nextSequence = st.NextSequence
}
