package rpc

import (
	"net/http"
)

type titleMintParams struct {
	MetadataURI string `json:"metadataUri"`
}

type titleMintResult struct {
	ID uint64 `json:"id"`
}

type titleIDParams struct {
	ID uint64 `json:"id"`
}

type titleApproveParams struct {
	ID       uint64 `json:"id"`
	Delegate string `json:"delegate"`
}

type titleTransferParams struct {
	ID   uint64 `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

type ownerResult struct {
	ID    uint64 `json:"id"`
	Owner string `json:"owner"`
}

func (s *Server) handleTitleMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params titleMintParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := s.node.TitleMint(r.Context(), caller, params.MetadataURI)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, titleMintResult{ID: id})
}

func (s *Server) handleTitleApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params titleApproveParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := requireTitleID(params.ID); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	// An empty delegate clears the approval.
	var delegate [20]byte
	if params.Delegate != "" {
		parsed, err := parseBech32Address(params.Delegate)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		delegate = parsed
	}
	if err := s.node.TitleApprove(r.Context(), caller, params.ID, delegate); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleTitleTransferFrom(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params titleTransferParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := requireTitleID(params.ID); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	from, err := parseBech32Address(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseBech32Address(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.TitleTransferFrom(r.Context(), caller, from, to, params.ID); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleTitleGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params titleIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	t, err := s.node.TitleGet(params.ID)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, titleResult(t))
}

func (s *Server) handleTitleOwnerOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params titleIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := s.node.TitleOwnerOf(params.ID)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ownerResult{ID: params.ID, Owner: formatAddress(owner)})
}

func (s *Server) handleTitleBalanceOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := addressParam(w, req)
	if !ok {
		return
	}
	count, err := s.node.TitleBalanceOf(addr)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"balance": count})
}

func (s *Server) handleTitleTotalSupply(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !requireNoParams(w, req) {
		return
	}
	supply, err := s.node.TitleTotalSupply()
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"totalSupply": supply})
}

func (s *Server) handleTitleTokenURI(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params titleIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	uri, err := s.node.TitleTokenURI(params.ID)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"metadataUri": uri})
}

func (s *Server) handleTitleGetApproved(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params titleIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	delegate, err := s.node.TitleGetApproved(params.ID)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"approved": formatAddress(delegate)})
}
