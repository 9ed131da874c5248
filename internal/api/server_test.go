package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"SAID-Chain/internal/address"
	"SAID-Chain/internal/auth"
	"SAID-Chain/internal/observability/metrics"
	"SAID-Chain/internal/registry"
	"SAID-Chain/internal/state"
	"SAID-Chain/internal/web3"
	"SAID-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type testServer struct {
	t       *testing.T
	srv     *httptest.Server
	program *registry.Program
}

func newTestServer(t *testing.T, verifier auth.Verifier) *testServer {
	t.Helper()
	store := state.NewMemoryStore(state.DefaultRent())
	program := registry.New(store,
		registry.WithClock(web3.Fixed(1700000000)),
		registry.WithLogger(logger.Discard()),
		registry.WithAuditLogger(logger.Discard()),
	)
	api := NewServer(":0", program, verifier,
		WithFaucet(true),
		WithMetrics(metrics.New()),
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
	)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, program: program}
}

func (ts *testServer) do(method, path string, principal common.Hash, body any) (int, []byte) {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		ts.t.Fatalf("new request: %v", err)
	}
	if principal != (common.Hash{}) {
		req.Header.Set(auth.HeaderPrincipal, principal.Hex())
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (ts *testServer) expect(method, path string, principal common.Hash, body any, status int, out any) {
	ts.t.Helper()
	got, raw := ts.do(method, path, principal, body)
	if got != status {
		ts.t.Fatalf("%s %s: expected %d, got %d: %s", method, path, status, got, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			ts.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

func (ts *testServer) fund(addr common.Hash, amount uint64) {
	ts.t.Helper()
	ts.expect(http.MethodPost, "/api/v1/faucet", common.Hash{}, FundRequest{Address: addr.Hex(), Amount: amount}, http.StatusOK, nil)
}

func principalOf(name string) common.Hash {
	return crypto.Keccak256Hash([]byte("api:" + name))
}

func TestRegistryLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, auth.HeaderVerifier{})
	authority, owner, reviewer, validator := principalOf("authority"), principalOf("owner"), principalOf("reviewer"), principalOf("validator")
	for _, p := range []common.Hash{authority, owner, reviewer, validator} {
		ts.fund(p, 100_000_000)
	}

	var treasury registry.TreasuryAccount
	ts.expect(http.MethodPost, "/api/v1/treasury", authority, nil, http.StatusCreated, &treasury)
	if treasury.Authority != authority {
		t.Fatalf("unexpected authority %s", treasury.Authority.Hex())
	}
	ts.expect(http.MethodPost, "/api/v1/treasury", authority, nil, http.StatusConflict, nil)

	var identity registry.IdentityAccount
	ts.expect(http.MethodPost, "/api/v1/agents", owner, AgentRequest{MetadataURI: "ipfs://agent"}, http.StatusCreated, &identity)
	if identity.Owner != owner || identity.MetadataURI != "ipfs://agent" || identity.CreatedAt != 1700000000 {
		t.Fatalf("unexpected identity %+v", identity)
	}
	ts.expect(http.MethodPost, "/api/v1/agents", owner, AgentRequest{MetadataURI: "ipfs://again"}, http.StatusConflict, nil)

	agentPath := "/api/v1/agents/" + identity.Address.Hex()
	ts.expect(http.MethodPut, agentPath, reviewer, AgentRequest{MetadataURI: "ipfs://hijack"}, http.StatusForbidden, nil)
	ts.expect(http.MethodPut, agentPath, owner, AgentRequest{MetadataURI: "ipfs://v2"}, http.StatusOK, &identity)
	if identity.MetadataURI != "ipfs://v2" {
		t.Fatalf("update not applied: %+v", identity)
	}

	var byOwner registry.IdentityAccount
	ts.expect(http.MethodGet, "/api/v1/owners/"+owner.Hex()+"/agent", common.Hash{}, nil, http.StatusOK, &byOwner)
	if byOwner.Address != identity.Address {
		t.Fatalf("owner lookup returned %s", byOwner.Address.Hex())
	}

	var rep registry.ReputationAccount
	ts.expect(http.MethodPost, agentPath+"/feedback", reviewer, FeedbackRequest{Positive: true, Context: "fast"}, http.StatusOK, &rep)
	ts.expect(http.MethodPost, agentPath+"/feedback", reviewer, FeedbackRequest{Positive: false}, http.StatusOK, &rep)
	if rep.TotalInteractions != 2 || rep.Score != 5000 {
		t.Fatalf("unexpected reputation %+v", rep)
	}
	ts.expect(http.MethodGet, agentPath+"/reputation", common.Hash{}, nil, http.StatusOK, &rep)
	if rep.PositiveFeedback != 1 || rep.NegativeFeedback != 1 {
		t.Fatalf("reputation query mismatch %+v", rep)
	}

	task := crypto.Keccak256Hash([]byte("task-1"))
	body := ValidationRequest{TaskHash: task.Hex(), Passed: true, EvidenceURI: "https://evidence"}
	var validation registry.ValidationAccount
	ts.expect(http.MethodPost, agentPath+"/validations", validator, body, http.StatusCreated, &validation)
	if validation.TaskHash != task || !validation.Passed || validation.Validator != validator {
		t.Fatalf("unexpected validation %+v", validation)
	}
	ts.expect(http.MethodPost, agentPath+"/validations", validator, body, http.StatusConflict, nil)
	ts.expect(http.MethodGet, agentPath+"/validations/"+task.Hex(), common.Hash{}, nil, http.StatusOK, &validation)

	var events EventsResponse
	ts.expect(http.MethodGet, "/api/v1/events?limit=2", common.Hash{}, nil, http.StatusOK, &events)
	if len(events.Events) != 2 || events.Events[0].Name != registry.EventAgentRegistered {
		t.Fatalf("unexpected first page %+v", events)
	}
	ts.expect(http.MethodGet, "/api/v1/events?after="+strconv.FormatUint(events.Next, 10), common.Hash{}, nil, http.StatusOK, &events)
	if len(events.Events) != 3 {
		t.Fatalf("expected remaining three events, got %d", len(events.Events))
	}

	ts.expect(http.MethodGet, "/api/v1/treasury", common.Hash{}, nil, http.StatusOK, &treasury)
	if treasury.TotalCollected != registry.RegistrationFee || treasury.Balance != treasury.Reserve+registry.RegistrationFee {
		t.Fatalf("unexpected treasury %+v", treasury)
	}
	ts.expect(http.MethodPost, "/api/v1/treasury/withdrawals", authority, WithdrawRequest{Amount: registry.RegistrationFee + 1}, http.StatusPaymentRequired, nil)
	ts.expect(http.MethodPost, "/api/v1/treasury/withdrawals", owner, WithdrawRequest{Amount: 1}, http.StatusForbidden, nil)
	ts.expect(http.MethodPost, "/api/v1/treasury/withdrawals", authority, WithdrawRequest{Amount: registry.RegistrationFee}, http.StatusOK, &treasury)
	if treasury.Balance != treasury.Reserve || treasury.TotalCollected != registry.RegistrationFee {
		t.Fatalf("withdrawal should leave the reserve: %+v", treasury)
	}

	var balance BalanceResponse
	ts.expect(http.MethodGet, "/api/v1/accounts/"+treasury.Address.Hex()+"/balance", common.Hash{}, nil, http.StatusOK, &balance)
	if balance.Balance != treasury.Reserve {
		t.Fatalf("unexpected treasury balance %d", balance.Balance)
	}
}

func TestErrorResponses(t *testing.T) {
	ts := newTestServer(t, auth.HeaderVerifier{})
	owner := principalOf("owner")

	var errResp ErrorResponse
	ts.expect(http.MethodPost, "/api/v1/agents", common.Hash{}, AgentRequest{MetadataURI: "x"}, http.StatusUnauthorized, &errResp)
	if errResp.Code != "UNAUTHENTICATED" {
		t.Fatalf("unexpected code %s", errResp.Code)
	}

	ts.expect(http.MethodPost, "/api/v1/agents", owner, AgentRequest{MetadataURI: "x"}, http.StatusNotFound, &errResp)
	if errResp.Code != string(registry.CodeTreasuryNotInitialized) {
		t.Fatalf("unexpected code %s", errResp.Code)
	}

	ts.expect(http.MethodGet, "/api/v1/agents/0x1234", common.Hash{}, nil, http.StatusBadRequest, &errResp)
	ts.expect(http.MethodGet, "/api/v1/agents/"+owner.Hex(), common.Hash{}, nil, http.StatusNotFound, &errResp)
	if errResp.Code != string(registry.CodeUnknownIdentity) {
		t.Fatalf("unexpected code %s", errResp.Code)
	}

	authority := principalOf("authority")
	ts.expect(http.MethodPost, "/api/v1/treasury", authority, nil, http.StatusPaymentRequired, &errResp)
	ts.fund(authority, 100_000_000)
	ts.expect(http.MethodPost, "/api/v1/treasury", authority, nil, http.StatusCreated, nil)
	ts.fund(owner, 100_000_000)
	long := AgentRequest{MetadataURI: strings.Repeat("u", 201)}
	ts.expect(http.MethodPost, "/api/v1/agents", owner, long, http.StatusBadRequest, &errResp)
	if errResp.Code != "METADATA_TOO_LONG" {
		t.Fatalf("unexpected code %s", errResp.Code)
	}

	status, _ := ts.do(http.MethodPost, "/api/v1/faucet", common.Hash{}, map[string]any{"address": owner.Hex(), "amount": 0})
	if status != http.StatusBadRequest {
		t.Fatalf("zero faucet amount should be rejected, got %d", status)
	}
}

func TestSignedRequests(t *testing.T) {
	ts := newTestServer(t, &auth.SignatureVerifier{})
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	authority := address.PrincipalFromPublicKey(&key.PublicKey)
	ts.fund(authority, 100_000_000)

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/v1/treasury", nil)
	if err := auth.SignRequest(req, nil, key, time.Now()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, raw)
	}

	var treasury registry.TreasuryAccount
	if err := json.NewDecoder(resp.Body).Decode(&treasury); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if treasury.Authority != authority {
		t.Fatalf("signature should authenticate as the key holder")
	}

	status, _ := ts.do(http.MethodPost, "/api/v1/agents", authority, AgentRequest{MetadataURI: "x"})
	if status != http.StatusUnauthorized {
		t.Fatalf("declared principal header must not be trusted in signature mode, got %d", status)
	}
}

func TestMetricsAndRequestID(t *testing.T) {
	ts := newTestServer(t, auth.HeaderVerifier{})
	ts.expect(http.MethodGet, "/healthz", common.Hash{}, nil, http.StatusOK, nil)

	resp, err := ts.srv.Client().Get(ts.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(HeaderRequestID) == "" {
		t.Fatalf("responses should carry a request id")
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `said_http_requests_total{code="200",handler="/healthz",method="GET"}`) {
		t.Fatalf("http metrics missing from exposition:\n%s", raw)
	}
}
