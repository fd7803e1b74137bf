package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"propertyescrow/core"
	nhbstate "propertyescrow/core/state"
	"propertyescrow/crypto"
	"propertyescrow/native/bank"
	"propertyescrow/native/escrow"
	"propertyescrow/storage"
)

const testJWTSecret = "rpc-test-secret-0123456789"

const testURI = "https://ipfs.io/ipfs/QmQVcpsjrA6cr1iJjZAodYwmPekYgbnXGo4DFubJiLc2EB/1.json"

type testEnv struct {
	t       *testing.T
	db      *storage.MemDB
	node    *core.Node
	server  *Server
	handler http.Handler

	seller, buyer, inspector, lender [20]byte
}

func testIdentity(t *testing.T) [20]byte {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address().Raw()
}

func newTestEnv(t *testing.T, opts ...func(*ServerConfig)) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		db:        storage.NewMemDB(),
		seller:    testIdentity(t),
		buyer:     testIdentity(t),
		inspector: testIdentity(t),
		lender:    testIdentity(t),
	}
	t.Cleanup(env.db.Close)
	node, err := core.NewNode(env.db, escrow.Roles{Seller: env.seller, Inspector: env.inspector, Lender: env.lender})
	require.NoError(t, err)
	env.node = node

	manager := nhbstate.NewManager(env.db)
	require.NoError(t, bank.Credit(manager, env.buyer, big.NewInt(100)))
	require.NoError(t, bank.Credit(manager, env.lender, big.NewInt(100)))

	cfg := ServerConfig{JWTSecret: testJWTSecret}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(node, nil, cfg)
	require.NoError(t, err)
	env.server = srv
	env.handler = srv.Routes()
	return env
}

type testResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (e *testEnv) token(caller [20]byte) string {
	e.t.Helper()
	token, err := SignToken(testJWTSecret, formatAddress(caller), time.Hour, time.Now())
	require.NoError(e.t, err)
	return token
}

// call issues method as caller. A nil caller sends no bearer token.
func (e *testEnv) call(caller *[20]byte, method string, params ...interface{}) (*httptest.ResponseRecorder, testResponse) {
	e.t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw = append(raw, marshalParam(e.t, p))
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: 1})
	require.NoError(e.t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4711"
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(*caller))
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, req)
	var resp testResponse
	require.NoError(e.t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	return recorder, resp
}

// mustCall issues method and decodes a successful result into out.
func (e *testEnv) mustCall(caller *[20]byte, out interface{}, method string, params ...interface{}) {
	e.t.Helper()
	recorder, resp := e.call(caller, method, params...)
	require.Nil(e.t, resp.Error, "method %s", method)
	require.Equal(e.t, http.StatusOK, recorder.Code)
	if out != nil {
		require.NoError(e.t, json.Unmarshal(resp.Result, out))
	}
}

func marshalParam(t testing.TB, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
