package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"propertyescrow/crypto"
	"propertyescrow/integrations/eventlog"
)

type escrowListParams struct {
	ID            uint64 `json:"id"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EscrowAmount  string `json:"escrowAmount"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowDepositParams struct {
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

type escrowFundParams struct {
	Amount string `json:"amount"`
}

type escrowInspectionParams struct {
	ID     uint64 `json:"id"`
	Passed bool   `json:"passed"`
}

type escrowApprovalParams struct {
	ID    uint64 `json:"id"`
	Party string `json:"party"`
}

type eventsListParams struct {
	Type    string `json:"type,omitempty"`
	TitleID uint64 `json:"titleId,omitempty"`
	After   int64  `json:"after,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) handleEscrowRoles(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !requireNoParams(w, req) {
		return
	}
	roles := s.node.Roles()
	writeResult(w, req.ID, RolesResult{
		Seller:    formatAddress(roles.Seller),
		Inspector: formatAddress(roles.Inspector),
		Lender:    formatAddress(roles.Lender),
		Escrow:    formatAddress(s.node.EscrowAddress()),
		Registry:  formatAddress(s.node.RegistryAddress()),
	})
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params escrowListParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := requireTitleID(params.ID); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parseAmount(params.PurchasePrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	earnest, err := parseAmount(params.EscrowAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.node.EscrowList(r.Context(), caller, params.ID, buyer, price, earnest)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingResult(listing))
}

func (s *Server) handleEscrowDepositEarnest(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params escrowDepositParams
	if !decodeParams(w, req, &params) {
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowDepositEarnest(r.Context(), caller, params.ID, amount); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	s.writeListing(w, req, params.ID)
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params escrowFundParams
	if !decodeParams(w, req, &params) {
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowFund(r.Context(), caller, amount); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	s.writeEscrowBalance(w, req)
}

func (s *Server) handleEscrowUpdateInspection(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params escrowInspectionParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := s.node.EscrowUpdateInspection(r.Context(), caller, params.ID, params.Passed); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	s.writeListing(w, req, params.ID)
}

func (s *Server) handleEscrowApproveSale(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params escrowIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := s.node.EscrowApproveSale(r.Context(), caller, params.ID); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	s.writeListing(w, req, params.ID)
}

func (s *Server) handleEscrowFinalizeSale(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params escrowIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := s.node.EscrowFinalizeSale(r.Context(), caller, params.ID); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	s.writeListing(w, req, params.ID)
}

func (s *Server) handleEscrowCancelSale(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params escrowIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := s.node.EscrowCancelSale(r.Context(), caller, params.ID); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	s.writeListing(w, req, params.ID)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	s.writeListing(w, req, params.ID)
}

func (s *Server) handleEscrowIsListed(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	listed, err := s.node.EscrowIsListed(params.ID)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"listed": listed})
}

func (s *Server) handleEscrowApproval(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowApprovalParams
	if !decodeParams(w, req, &params) {
		return
	}
	party, err := parseBech32Address(params.Party)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	approved, err := s.node.EscrowApproval(params.ID, party)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"approved": approved})
}

func (s *Server) handleEscrowBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !requireNoParams(w, req) {
		return
	}
	s.writeEscrowBalance(w, req)
}

func (s *Server) handleEscrowReserved(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !requireNoParams(w, req) {
		return
	}
	reserved, err := s.node.EscrowReserved()
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"reserved": formatAmount(reserved)})
}

type buyerListingsResult struct {
	Buyer    string   `json:"buyer"`
	TitleIDs []uint64 `json:"titleIds"`
}

func (s *Server) handleEscrowListingsForBuyer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	buyer, ok := addressParam(w, req)
	if !ok {
		return
	}
	ids, err := s.node.EscrowListingsForBuyer(buyer)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeResult(w, req.ID, buyerListingsResult{Buyer: formatAddress(buyer), TitleIDs: ids})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := addressParam(w, req)
	if !ok {
		return
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult(formatAddress(addr), account))
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeInternal, "event journal not configured", nil)
		return
	}
	var params eventsListParams
	if len(req.Params) > 0 && !decodeParams(w, req, &params) {
		return
	}
	filter := eventlog.Filter{
		Type:          params.Type,
		AfterSequence: params.After,
		Limit:         params.Limit,
	}
	if params.TitleID != 0 {
		filter.TitleID = strconv.FormatUint(params.TitleID, 10)
	}
	records, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	if records == nil {
		records = []eventlog.Record{}
	}
	writeResult(w, req.ID, records)
}

func (s *Server) writeListing(w http.ResponseWriter, req *RPCRequest, id uint64) {
	listing, err := s.node.EscrowListing(id)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingResult(listing))
}

func (s *Server) writeEscrowBalance(w http.ResponseWriter, req *RPCRequest) {
	balance, err := s.node.EscrowBalance()
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Address: crypto.FromRaw(s.node.EscrowAddress()).String(),
		Balance: formatAmount(balance),
	})
}

// addressParam decodes a single bech32 address positional parameter.
func addressParam(w http.ResponseWriter, req *RPCRequest) ([20]byte, bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "address parameter required")
		return [20]byte{}, false
	}
	var addrStr string
	if err := json.Unmarshal(req.Params[0], &addrStr); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, false
	}
	addr, err := parseBech32Address(addrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, false
	}
	return addr, true
}
