package server

import (
	"net/http"
	"strconv"

	"fassets/internal/eventstore"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

func (s *Server) queryRoutes(r *mux.Router) {
	s.handle(r, "/agents", "list_agents", http.StatusOK, s.listAgents)
	s.handle(r, "/agents/available", "available_agents", http.StatusOK, func(*http.Request) (any, error) {
		return s.engine.AvailableAgents()
	})
	s.handle(r, "/agents/{vault}", "agent_info", http.StatusOK, s.agentInfo)
	s.handle(r, "/agents/{vault}/tickets", "agent_tickets", http.StatusOK, s.agentTickets)
	s.handle(r, "/agents/{vault}/redemptions", "agent_redemptions", http.StatusOK, s.agentRedemptions)
	s.handle(r, "/agents/{vault}/core-vault/return", "active_return", http.StatusOK, s.activeReturn)
	s.handle(r, "/tickets", "tickets", http.StatusOK, func(*http.Request) (any, error) {
		return s.engine.Tickets(), nil
	})
	s.handle(r, "/reservations", "reservations", http.StatusOK, func(*http.Request) (any, error) {
		return s.engine.Reservations(), nil
	})
	s.handle(r, "/reservations/{id}", "reservation", http.StatusOK, func(r *http.Request) (any, error) {
		id, err := pathID(r)
		if err != nil {
			return nil, err
		}
		return s.engine.Reservation(id)
	})
	s.handle(r, "/redemptions", "redemptions", http.StatusOK, func(*http.Request) (any, error) {
		return s.engine.Redemptions(common.Address{}), nil
	})
	s.handle(r, "/redemptions/{id}", "redemption", http.StatusOK, func(r *http.Request) (any, error) {
		id, err := pathID(r)
		if err != nil {
			return nil, err
		}
		return s.engine.Redemption(id)
	})
	s.handle(r, "/core-vault", "core_vault", http.StatusOK, s.coreVaultInfo)
	s.handle(r, "/core-vault/transfer-fee", "core_vault_transfer_fee", http.StatusOK, s.transferFee)
	s.handle(r, "/balances/{address}", "balances", http.StatusOK, s.balances)
	s.handle(r, "/settings", "settings", http.StatusOK, func(*http.Request) (any, error) {
		return s.engine.Settings(), nil
	})
	s.handle(r, "/status", "status", http.StatusOK, s.status)
	s.handle(r, "/events", "events", http.StatusOK, s.listEvents)
}

func (s *Server) listAgents(*http.Request) (any, error) {
	vaults := s.engine.Agents()
	out := make([]any, 0, len(vaults))
	for _, v := range vaults {
		info, err := s.engine.AgentInfo(v)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Server) agentInfo(r *http.Request) (any, error) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		return nil, err
	}
	return s.engine.AgentInfo(vault)
}

func (s *Server) agentTickets(r *http.Request) (any, error) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.AgentInfo(vault); err != nil {
		return nil, err
	}
	return s.engine.AgentTickets(vault), nil
}

func (s *Server) agentRedemptions(r *http.Request) (any, error) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.AgentInfo(vault); err != nil {
		return nil, err
	}
	return s.engine.Redemptions(vault), nil
}

func (s *Server) activeReturn(r *http.Request) (any, error) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		return nil, err
	}
	return s.engine.ActiveReturn(vault)
}

type coreVaultView struct {
	Engine any `json:"engine"`
	// Manager is absent when no core vault manager is configured.
	Manager *managerView `json:"manager,omitempty"`
}

type managerView struct {
	Address              string   `json:"address"`
	AvailableUBA         uint64   `json:"availableUBA"`
	EscrowedUBA          uint64   `json:"escrowedUBA"`
	PendingRequests      any      `json:"pendingRequests"`
	Escrows              any      `json:"escrows"`
	AllowedDestinations  []string `json:"allowedDestinations"`
	UnusedPreimageHashes int      `json:"unusedPreimageHashes"`
}

func (s *Server) coreVaultInfo(*http.Request) (any, error) {
	view := coreVaultView{Engine: s.engine.CoreVaultInfo()}
	if m := s.coreVault; m != nil {
		view.Manager = &managerView{
			Address:              m.CoreVaultAddress(),
			AvailableUBA:         m.AvailableFunds(),
			EscrowedUBA:          m.EscrowedFunds(),
			PendingRequests:      m.PendingRequests(),
			Escrows:              m.Escrows(),
			AllowedDestinations:  m.AllowedDestinations(),
			UnusedPreimageHashes: m.UnusedPreimageHashes(),
		}
	}
	return view, nil
}

func (s *Server) transferFee(r *http.Request) (any, error) {
	amount, err := strconv.ParseUint(r.URL.Query().Get("amountUBA"), 10, 64)
	if err != nil {
		return nil, badRequest("amountUBA query parameter is required")
	}
	fee, err := s.engine.CoreVaultTransferFee(amount)
	if err != nil {
		return nil, err
	}
	return map[string]string{"feeWei": fee.String()}, nil
}

func (s *Server) balances(r *http.Request) (any, error) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		return nil, err
	}
	return struct {
		Address        common.Address `json:"address"`
		NativeWei      string         `json:"nativeWei"`
		FAssetUBA      uint64         `json:"fassetUBA"`
		PoolPayoutsWei string         `json:"poolPayoutsWei"`
	}{
		Address:        addr,
		NativeWei:      s.engine.NativeBalance(addr).String(),
		FAssetUBA:      s.token.BalanceOf(addr),
		PoolPayoutsWei: s.pools.Received(addr).String(),
	}, nil
}

func (s *Server) status(*http.Request) (any, error) {
	var seq uint64
	if s.publisher != nil {
		seq = s.publisher.Seq()
	}
	return struct {
		Paused         bool   `json:"paused"`
		Terminated     bool   `json:"terminated"`
		Chain          any    `json:"chain"`
		TotalSupplyUBA uint64 `json:"totalSupplyUBA"`
		BurnedWei      string `json:"burnedWei"`
		EventSeq       uint64 `json:"eventSeq"`
	}{
		Paused:         s.engine.Paused(),
		Terminated:     s.engine.Terminated(),
		Chain:          s.engine.UnderlyingChain(),
		TotalSupplyUBA: s.token.TotalSupply(),
		BurnedWei:      s.engine.BurnedWei().String(),
		EventSeq:       seq,
	}, nil
}

func (s *Server) listEvents(r *http.Request) (any, error) {
	if s.events == nil {
		return nil, &apiError{status: http.StatusNotFound, msg: "event index is not configured"}
	}
	q := r.URL.Query()
	query := eventstore.Query{Name: q.Get("name"), Agent: q.Get("agent")}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, badRequest("invalid after")
		}
		query.AfterSeq = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, badRequest("invalid limit")
		}
		query.Limit = limit
	}
	return s.events.List(r.Context(), query)
}

func (s *Server) governanceRoutes(r *mux.Router) {
	s.handle(r, "/governance/pause", "pause", http.StatusOK, s.governanceCall(func() error {
		s.engine.Pause()
		return nil
	}))
	s.handle(r, "/governance/unpause", "unpause", http.StatusOK, s.governanceCall(s.engine.Unpause))
	s.handle(r, "/governance/terminate", "terminate", http.StatusOK, s.governanceCall(func() error {
		s.engine.Terminate()
		return nil
	}))
}

func (s *Server) governanceCall(fn func() error) apiFunc {
	return func(r *http.Request) (any, error) {
		if _, err := s.governanceCaller(r); err != nil {
			return nil, err
		}
		if err := fn(); err != nil {
			return nil, err
		}
		return s.status(r)
	}
}
