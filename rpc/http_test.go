package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"propertyescrow/integrations/eventlog"
	nativecommon "propertyescrow/native/common"
	"propertyescrow/native/escrow"
	"propertyescrow/native/title"
)

func (e *testEnv) listTitle(price, earnest string) uint64 {
	e.t.Helper()
	var minted titleMintResult
	e.mustCall(&e.seller, &minted, "title_mint", map[string]string{"metadataUri": testURI})
	e.mustCall(&e.seller, nil, "title_approve", map[string]interface{}{
		"id":       minted.ID,
		"delegate": formatAddress(e.node.EscrowAddress()),
	})
	var listing ListingResult
	e.mustCall(&e.seller, &listing, "escrow_list", map[string]interface{}{
		"id":            minted.ID,
		"buyer":         formatAddress(e.buyer),
		"purchasePrice": price,
		"escrowAmount":  earnest,
	})
	require.True(e.t, listing.Listed)
	require.Equal(e.t, "listed", listing.Status)
	return minted.ID
}

func TestSaleLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t)
	id := env.listTitle("10", "5")

	var owner ownerResult
	env.mustCall(nil, &owner, "title_ownerOf", map[string]uint64{"id": id})
	require.Equal(t, formatAddress(env.node.EscrowAddress()), owner.Owner)

	var listing ListingResult
	env.mustCall(&env.buyer, &listing, "escrow_depositEarnest", map[string]interface{}{"id": id, "amount": "5"})
	require.Equal(t, "5", listing.Deposit)

	env.mustCall(&env.inspector, &listing, "escrow_updateInspection", map[string]interface{}{"id": id, "passed": true})
	require.True(t, listing.InspectionPassed)

	for _, party := range [][20]byte{env.buyer, env.seller, env.lender} {
		party := party
		env.mustCall(&party, nil, "escrow_approveSale", map[string]uint64{"id": id})
		var approval map[string]bool
		env.mustCall(nil, &approval, "escrow_approval", map[string]interface{}{"id": id, "party": formatAddress(party)})
		require.True(t, approval["approved"])
	}

	var balance BalanceResult
	env.mustCall(&env.lender, &balance, "escrow_fund", map[string]string{"amount": "5"})
	require.Equal(t, "10", balance.Balance)

	env.mustCall(&env.seller, &listing, "escrow_finalizeSale", map[string]uint64{"id": id})
	require.Equal(t, "finalized", listing.Status)
	require.False(t, listing.Listed)

	env.mustCall(nil, &owner, "title_ownerOf", map[string]uint64{"id": id})
	require.Equal(t, formatAddress(env.buyer), owner.Owner)
	env.mustCall(nil, &balance, "escrow_balance")
	require.Equal(t, "0", balance.Balance)
	env.mustCall(nil, &balance, "bank_balance", formatAddress(env.seller))
	require.Equal(t, "10", balance.Balance)

	var listed map[string]bool
	env.mustCall(nil, &listed, "escrow_isListed", map[string]uint64{"id": id})
	require.False(t, listed["listed"])
}

func TestMutationsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	recorder, resp := env.call(nil, "title_mint", map[string]string{"metadataUri": testURI})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeAuthRequired, resp.Error.Code)

	var supply map[string]uint64
	env.mustCall(nil, &supply, "title_totalSupply")
	require.Zero(t, supply["totalSupply"])
}

func TestRejectsForeignOrExpiredTokens(t *testing.T) {
	env := newTestEnv(t)
	params := marshalParam(t, map[string]string{"metadataUri": testURI})

	send := func(token string) *httptest.ResponseRecorder {
		body := `{"jsonrpc":"2.0","id":7,"method":"title_mint","params":[` + string(params) + `]}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		recorder := httptest.NewRecorder()
		env.handler.ServeHTTP(recorder, req)
		return recorder
	}

	forged, err := SignToken("another-secret-0123456789", formatAddress(env.seller), time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, send(forged).Code)

	expired, err := SignToken(testJWTSecret, formatAddress(env.seller), time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, send(expired).Code)

	require.Equal(t, http.StatusOK, send(env.token(env.seller)).Code)
}

func TestErrorTaxonomyMapping(t *testing.T) {
	env := newTestEnv(t)

	recorder, resp := env.call(&env.buyer, "title_mint", map[string]string{"metadataUri": testURI})
	require.Equal(t, http.StatusForbidden, recorder.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	recorder, resp = env.call(nil, "escrow_get", map[string]uint64{"id": 42})
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, codeNotFound, resp.Error.Code)

	id := env.listTitle("10", "5")
	recorder, resp = env.call(&env.seller, "escrow_finalizeSale", map[string]uint64{"id": id})
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Equal(t, codePreconditionFailed, resp.Error.Code)

	recorder, resp = env.call(&env.lender, "escrow_fund", map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Equal(t, codeTransferFailed, resp.Error.Code)

	recorder, resp = env.call(&env.buyer, "escrow_depositEarnest", map[string]interface{}{"id": id, "amount": "-1"})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	env.node.SetPauses(nativecommon.NewStaticPauses([]string{escrow.ModuleName}))
	recorder, resp = env.call(&env.buyer, "escrow_depositEarnest", map[string]interface{}{"id": id, "amount": "1"})
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.Equal(t, codePaused, resp.Error.Code)
}

func TestEscrowRoles(t *testing.T) {
	env := newTestEnv(t)
	var roles RolesResult
	env.mustCall(nil, &roles, "escrow_roles")
	require.Equal(t, formatAddress(env.seller), roles.Seller)
	require.Equal(t, formatAddress(env.inspector), roles.Inspector)
	require.Equal(t, formatAddress(env.lender), roles.Lender)
	require.Equal(t, formatAddress(env.node.RegistryAddress()), roles.Registry)
	require.NotEqual(t, roles.Escrow, roles.Registry)
}

func TestCancelOverRPC(t *testing.T) {
	env := newTestEnv(t)
	id := env.listTitle("10", "5")
	env.mustCall(&env.buyer, nil, "escrow_depositEarnest", map[string]interface{}{"id": id, "amount": "5"})

	var listing ListingResult
	env.mustCall(&env.seller, &listing, "escrow_cancelSale", map[string]uint64{"id": id})
	require.Equal(t, "cancelled", listing.Status)

	var balance BalanceResult
	env.mustCall(nil, &balance, "bank_balance", formatAddress(env.buyer))
	require.Equal(t, "100", balance.Balance)

	var got TitleResult
	env.mustCall(nil, &got, "title_get", map[string]uint64{"id": id})
	require.Equal(t, formatAddress(env.seller), got.Owner)
	require.Equal(t, testURI, got.MetadataURI)
}

func TestMalformedRequests(t *testing.T) {
	env := newTestEnv(t)

	post := func(body string) (*httptest.ResponseRecorder, testResponse) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		recorder := httptest.NewRecorder()
		env.handler.ServeHTTP(recorder, req)
		var resp testResponse
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		return recorder, resp
	}

	recorder, resp := post("{not json")
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, codeParseError, resp.Error.Code)

	recorder, resp = post(`{"jsonrpc":"2.0","id":1,"method":"escrow_steal"}`)
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	recorder, resp = post(`{"jsonrpc":"1.0","id":1,"method":"escrow_roles"}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	recorder, resp = post(`{"jsonrpc":"2.0","id":1,"method":"escrow_get","params":[{"id":1,"extra":true}]}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	large := bytes.Repeat([]byte("a"), maxRequestBytes+1)
	recorder, _ = post(string(large))
	require.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.RequestsPerSecond = 0.001
		cfg.Burst = 1
	})
	recorder, _ := env.call(nil, "escrow_roles")
	require.Equal(t, http.StatusOK, recorder.Code)
	recorder, resp := env.call(nil, "escrow_roles")
	require.Equal(t, http.StatusTooManyRequests, recorder.Code)
	require.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"escrow_roles"}`))
	req.Header.Set(requestIDHeader, "req-123")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	require.Equal(t, "req-123", recorder.Header().Get(requestIDHeader))

	recorder, _ = env.call(nil, "escrow_roles")
	require.NotEmpty(t, recorder.Header().Get(requestIDHeader))
}

func TestEventsListFromJournal(t *testing.T) {
	env := newTestEnv(t)
	recorder, resp := env.call(nil, "events_list")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.NotNil(t, resp.Error)

	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	env.node.SetEmitter(store)
	srv, err := NewServer(env.node, store, ServerConfig{JWTSecret: testJWTSecret})
	require.NoError(t, err)
	env.server = srv
	env.handler = srv.Routes()

	id := env.listTitle("10", "5")

	var records []eventlog.Record
	env.mustCall(nil, &records, "events_list")
	require.NotEmpty(t, records)
	require.Equal(t, title.EventTypeTitleMinted, records[0].Type)

	env.mustCall(nil, &records, "events_list", map[string]interface{}{"type": escrow.EventTypeEscrowListed, "titleId": id})
	require.Len(t, records, 1)
	require.Equal(t, "1", records[0].TitleID)

	stored, err := store.List(context.Background(), eventlog.Filter{})
	require.NoError(t, err)
	env.mustCall(nil, &records, "events_list", map[string]interface{}{"after": stored[len(stored)-1].Sequence})
	require.Empty(t, records)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "ok")
}

func TestUnlistedTitleIsAConflict(t *testing.T) {
	env := newTestEnv(t)
	var minted titleMintResult
	env.mustCall(&env.seller, &minted, "title_mint", map[string]string{"metadataUri": testURI})

	recorder, resp := env.call(&env.buyer, "escrow_depositEarnest", map[string]interface{}{"id": minted.ID, "amount": "5"})
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Equal(t, codePreconditionFailed, resp.Error.Code)

	recorder, resp = env.call(&env.seller, "escrow_finalizeSale", map[string]uint64{"id": minted.ID})
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Equal(t, codePreconditionFailed, resp.Error.Code)

	recorder, resp = env.call(&env.buyer, "escrow_depositEarnest", map[string]interface{}{"id": minted.ID + 1, "amount": "5"})
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, codeNotFound, resp.Error.Code)
}

func TestTitleMetadataAndApprovalReads(t *testing.T) {
	env := newTestEnv(t)
	var minted titleMintResult
	env.mustCall(&env.seller, &minted, "title_mint", map[string]string{"metadataUri": testURI})

	var uri map[string]string
	env.mustCall(nil, &uri, "title_tokenURI", map[string]uint64{"id": minted.ID})
	require.Equal(t, testURI, uri["metadataUri"])

	var approved map[string]string
	env.mustCall(nil, &approved, "title_getApproved", map[string]uint64{"id": minted.ID})
	require.Empty(t, approved["approved"])

	env.mustCall(&env.seller, nil, "title_approve", map[string]interface{}{"id": minted.ID, "delegate": formatAddress(env.lender)})
	env.mustCall(nil, &approved, "title_getApproved", map[string]uint64{"id": minted.ID})
	require.Equal(t, formatAddress(env.lender), approved["approved"])

	recorder, resp := env.call(nil, "title_tokenURI", map[string]uint64{"id": 99})
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, codeNotFound, resp.Error.Code)
}

func TestBuyerListingsAndReservedEarnest(t *testing.T) {
	env := newTestEnv(t)
	first := env.listTitle("10", "5")
	second := env.listTitle("20", "5")
	env.mustCall(&env.buyer, nil, "escrow_depositEarnest", map[string]interface{}{"id": first, "amount": "5"})

	var reserved map[string]string
	env.mustCall(nil, &reserved, "escrow_reserved")
	require.Equal(t, "5", reserved["reserved"])

	var listings buyerListingsResult
	env.mustCall(nil, &listings, "escrow_listingsForBuyer", formatAddress(env.buyer))
	require.Equal(t, formatAddress(env.buyer), listings.Buyer)
	require.Equal(t, []uint64{first, second}, listings.TitleIDs)

	env.mustCall(nil, &listings, "escrow_listingsForBuyer", formatAddress(env.lender))
	require.Empty(t, listings.TitleIDs)

	env.mustCall(&env.seller, nil, "escrow_cancelSale", map[string]uint64{"id": first})
	env.mustCall(nil, &reserved, "escrow_reserved")
	require.Equal(t, "0", reserved["reserved"])
}

type failingJournal struct{}

func (failingJournal) List(context.Context, eventlog.Filter) ([]eventlog.Record, error) {
	return nil, errors.New("sqlite: disk I/O error reading /var/lib/escrow/events.db")
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	env := newTestEnv(t)
	env.server.journal = failingJournal{}

	recorder, resp := env.call(nil, "events_list")
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInternal, resp.Error.Code)
	require.Equal(t, "internal_error", resp.Error.Message)
	require.Nil(t, resp.Error.Data)
	require.NotContains(t, recorder.Body.String(), "sqlite")
}

func TestClientSourceIgnoresForwardedForByDefault(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.10:7000"
	req.Header.Set("X-Forwarded-For", "198.51.100.8")
	require.Equal(t, "192.0.2.10", env.server.clientSource(req))
}

func TestClientSourceHonoursForwardedForWhenTrusted(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.TrustProxyHeaders = true })
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.10:7000"
	req.Header.Set("X-Forwarded-For", "198.51.100.8, 10.0.0.1")
	require.Equal(t, "198.51.100.8", env.server.clientSource(req))

	env = newTestEnv(t, func(cfg *ServerConfig) { cfg.TrustedProxies = []string{"10.0.0.1"} })
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	require.Equal(t, "198.51.100.7", env.server.clientSource(req))

	req.RemoteAddr = "10.0.0.2:8080"
	require.Equal(t, "10.0.0.2", env.server.clientSource(req))
}

func TestRateLimitSpoofedForwardedFor(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.RequestsPerSecond = 0.001
		cfg.Burst = 1
	})
	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"escrow_roles"}`))
		req.RemoteAddr = "192.0.2.10:4711"
		req.Header.Set("X-Forwarded-For", forwarded)
		recorder := httptest.NewRecorder()
		env.handler.ServeHTTP(recorder, req)
		return recorder.Code
	}
	require.Equal(t, http.StatusOK, send("198.51.100.1"))
	require.Equal(t, http.StatusTooManyRequests, send("198.51.100.2"))
}
