package marketd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ReignProtocol/ReignProtocol/chain"
	"github.com/ReignProtocol/ReignProtocol/connectors"
	"github.com/ReignProtocol/ReignProtocol/loanform"
	"github.com/ReignProtocol/ReignProtocol/services/marketd/middleware"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

type fakeConnectors struct {
	address    common.Address
	active     []*connectors.Opportunity
	byID       map[string]*connectors.Opportunity
	txHash     common.Hash
	forms      []*connectors.OpportunityForm
	votes      map[string]uint8
	connectErr error
	createErr  error
	listErr    error
	kinds      []wallet.Kind
}

func newFakeConnectors() *fakeConnectors {
	return &fakeConnectors{
		address: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		byID:    map[string]*connectors.Opportunity{},
		txHash:  common.HexToHash("0xfeed"),
		votes:   map[string]uint8{},
	}
}

func (f *fakeConnectors) CreateOpportunity(_ context.Context, form *connectors.OpportunityForm) (common.Hash, error) {
	if form == nil || form.LoanName == "" {
		return common.Hash{}, connectors.ErrEmptyForm
	}
	f.forms = append(f.forms, form)
	return f.txHash, f.createErr
}

func (f *fakeConnectors) VoteOpportunity(_ context.Context, id string, vote uint8) (common.Hash, error) {
	if _, err := connectors.ParseOpportunityID(id); err != nil {
		return common.Hash{}, err
	}
	f.votes[id] = vote
	return f.txHash, nil
}

func (f *fakeConnectors) OpportunityAt(_ context.Context, id string) (*connectors.Opportunity, error) {
	op, ok := f.byID[id]
	if !ok {
		return nil, connectors.ErrNilOpportunity
	}
	return op, nil
}

func (f *fakeConnectors) listing(context.Context) ([]*connectors.Opportunity, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.active, nil
}

func (f *fakeConnectors) OpportunitiesOf(ctx context.Context) ([]*connectors.Opportunity, error) {
	return f.listing(ctx)
}
func (f *fakeConnectors) UnderReviewOpportunities(ctx context.Context) ([]*connectors.Opportunity, error) {
	return f.listing(ctx)
}
func (f *fakeConnectors) DrawdownOpportunities(ctx context.Context) ([]*connectors.Opportunity, error) {
	return f.listing(ctx)
}
func (f *fakeConnectors) OpportunitiesWithDues(ctx context.Context) ([]*connectors.Opportunity, error) {
	return f.listing(ctx)
}
func (f *fakeConnectors) ActiveOpportunities(ctx context.Context) ([]*connectors.Opportunity, error) {
	return f.listing(ctx)
}
func (f *fakeConnectors) WithdrawableOpportunities(ctx context.Context) ([]*connectors.Opportunity, error) {
	return nil, nil
}
func (f *fakeConnectors) UnderwriterOpportunities(ctx context.Context) ([]*connectors.Opportunity, error) {
	return f.listing(ctx)
}

func (f *fakeConnectors) OpportunityName(_ context.Context, addr string) (string, error) {
	return "Pool " + addr[:6], nil
}

func (f *fakeConnectors) UserWalletAddress(context.Context) (common.Address, error) {
	return f.address, nil
}

func (f *fakeConnectors) WalletBalance(_ context.Context, address string) (string, error) {
	if address == "" {
		return "1250.5", nil
	}
	return "0.0", nil
}

func (f *fakeConnectors) RequestAccount(_ context.Context, kind wallet.Kind) (common.Address, error) {
	f.kinds = append(f.kinds, kind)
	return f.address, f.connectErr
}

func (f *fakeConnectors) IsConnected(context.Context) error { return f.connectErr }

func (f *fakeConnectors) GasPrice(context.Context) (string, error) { return "30.0", nil }

type testServer struct {
	handler    http.Handler
	connectors *fakeConnectors
}

func newTestServer(t *testing.T, auth *middleware.Authenticator) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := loanform.NewStore(db)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	fc := newFakeConnectors()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(ServerConfig{
		Connectors:     fc,
		Drafts:         loanform.NewService(store, fc),
		Network:        chain.DefaultNetwork(),
		Logger:         logger,
		Authenticator:  auth,
		Observability:  middleware.NewObservability(middleware.ObservabilityConfig{MetricsPrefix: "marketd_test"}, logger),
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testServer{handler: srv.Handler(), connectors: fc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/healthz", nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("healthz: %d %v", code, body)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestOpportunityListings(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connectors.active = []*connectors.Opportunity{{ID: "0x01", OpportunityName: "Working capital"}}

	for _, kind := range []string{"mine", "under-review", "drawdown", "dues", "active", "underwriter"} {
		code, body := ts.do(t, http.MethodGet, "/v1/opportunities/"+kind, nil)
		if code != http.StatusOK {
			t.Fatalf("%s: status %d", kind, code)
		}
		list, ok := body["opportunities"].([]any)
		if !ok || len(list) != 1 {
			t.Fatalf("%s: unexpected body %v", kind, body)
		}
	}

	code, body := ts.do(t, http.MethodGet, "/v1/opportunities/withdrawable", nil)
	if code != http.StatusOK {
		t.Fatalf("withdrawable: status %d", code)
	}
	if list, ok := body["opportunities"].([]any); !ok || len(list) != 0 {
		t.Fatalf("expected empty array, got %v", body["opportunities"])
	}

	ts.connectors.listErr = wallet.ErrNoWallet
	code, body = ts.do(t, http.MethodGet, "/v1/opportunities/mine", nil)
	if code != http.StatusPreconditionFailed || body["msg"] != "please connect your wallet!" {
		t.Fatalf("expected wallet error envelope, got %d %v", code, body)
	}
}

func TestOpportunityByID(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connectors.byID["0xabc"] = &connectors.Opportunity{ID: "0xabc", OpportunityName: "Bridge"}

	code, body := ts.do(t, http.MethodGet, "/v1/opportunities/0xabc", nil)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	op := body["opportunity"].(map[string]any)
	if op["opportunityName"] != "Bridge" {
		t.Fatalf("unexpected opportunity %v", op)
	}

	code, body = ts.do(t, http.MethodGet, "/v1/opportunities/0xdef", nil)
	if code != http.StatusBadRequest || body["msg"] != "opportunity is undefined" {
		t.Fatalf("expected undefined opportunity, got %d %v", code, body)
	}
}

func TestCreateOpportunity(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, http.MethodPost, "/v1/opportunities", nil)
	if code != http.StatusBadRequest || body["msg"] != "formData is undefined or empty" {
		t.Fatalf("expected empty form error, got %d %v", code, body)
	}

	code, body = ts.do(t, http.MethodPost, "/v1/opportunities", map[string]string{
		"loan_name":   "Working capital",
		"loan_amount": "1000",
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", code, body)
	}
	hash := common.HexToHash("0xfeed").Hex()
	if body["txHash"] != hash || body["explorerUrl"] != "https://amoy.polygonscan.com/tx/"+hash {
		t.Fatalf("unexpected body %v", body)
	}
	if len(ts.connectors.forms) != 1 || ts.connectors.forms[0].LoanAmount != "1000" {
		t.Fatalf("form not forwarded: %+v", ts.connectors.forms)
	}

	code, _ = ts.do(t, http.MethodPost, "/v1/opportunities", map[string]string{"unknown": "x"})
	if code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", code)
	}
}

func TestVoteOpportunity(t *testing.T) {
	ts := newTestServer(t, nil)
	id := common.HexToHash("0x01").Hex()

	code, body := ts.do(t, http.MethodPost, "/v1/opportunities/"+id+"/vote", map[string]int{"vote": 1})
	if code != http.StatusOK || body["txHash"] == nil {
		t.Fatalf("vote: %d %v", code, body)
	}
	if ts.connectors.votes[id] != 1 {
		t.Fatalf("vote not forwarded")
	}

	code, _ = ts.do(t, http.MethodPost, "/v1/opportunities/"+id+"/vote", map[string]int{})
	if code != http.StatusBadRequest {
		t.Fatalf("missing vote must be rejected, got %d", code)
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/opportunities/0x12/vote", map[string]int{"vote": 2})
	if code != http.StatusBadRequest {
		t.Fatalf("bad id must be rejected, got %d", code)
	}
}

func TestWalletRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, http.MethodGet, "/v1/wallet/address", nil)
	if code != http.StatusOK || body["address"] != ts.connectors.address.Hex() {
		t.Fatalf("address: %d %v", code, body)
	}
	code, body = ts.do(t, http.MethodGet, "/v1/wallet/balance", nil)
	if code != http.StatusOK || body["balance"] != "1250.5" {
		t.Fatalf("balance: %d %v", code, body)
	}
	code, _ = ts.do(t, http.MethodGet, "/v1/wallet/balance?address=nope", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("invalid address must be rejected, got %d", code)
	}
	code, body = ts.do(t, http.MethodGet, "/v1/network/gas-price", nil)
	if code != http.StatusOK || body["gasPrice"] != "30.0" {
		t.Fatalf("gas price: %d %v", code, body)
	}

	code, _ = ts.do(t, http.MethodPost, "/v1/wallet/connect", map[string]string{"kind": "clef"})
	if code != http.StatusOK || len(ts.connectors.kinds) != 1 || ts.connectors.kinds[0] != wallet.KindExternal {
		t.Fatalf("connect: %d %v", code, ts.connectors.kinds)
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/wallet/connect", map[string]string{"kind": "ledger"})
	if code != http.StatusBadRequest {
		t.Fatalf("unknown kind must be rejected, got %d", code)
	}

	code, body = ts.do(t, http.MethodGet, "/v1/wallet/status", nil)
	if code != http.StatusOK || body["connected"] != true {
		t.Fatalf("status: %d %v", code, body)
	}
	ts.connectors.connectErr = connectors.ErrWalletNotConnected
	code, body = ts.do(t, http.MethodGet, "/v1/wallet/status", nil)
	if code != http.StatusPreconditionFailed || body["msg"] != "Please Open Metamask and Connect" {
		t.Fatalf("status failure: %d %v", code, body)
	}

	code, body = ts.do(t, http.MethodGet, "/v1/pools/0xabcdef0000000000000000000000000000000000/name", nil)
	if code != http.StatusOK || body["name"] != "Pool 0xabcd" {
		t.Fatalf("pool name: %d %v", code, body)
	}
}

func TestLoanDraftFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, http.MethodPost, "/v1/loan-drafts", map[string]string{"borrower": "0x1111111111111111111111111111111111111111"})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	draft := body["draft"].(map[string]any)
	id := draft["id"].(string)
	steps := body["steps"].([]any)
	if len(steps) != 3 || steps[0].(map[string]any)["highlighted"] != true {
		t.Fatalf("unexpected steps %v", steps)
	}

	code, body = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/advance", map[string]any{
		"fields": map[string]string{"loan_name": "Working capital"},
	})
	if code != http.StatusBadRequest {
		t.Fatalf("expected validation failure, got %d", code)
	}
	problems := body["problems"].(map[string]any)
	if problems["loan_amount"] != "required" {
		t.Fatalf("unexpected problems %v", problems)
	}

	code, _ = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/advance", map[string]any{
		"fields": map[string]string{
			"loan_name":         "Working capital",
			"loan_type":         "0",
			"loan_amount":       "5000",
			"loan_tenure":       "90",
			"loan_interest":     "10",
			"payment_frequency": "30",
		},
	})
	if code != http.StatusOK {
		t.Fatalf("advance details: %d", code)
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/submit", nil)
	if code != http.StatusConflict {
		t.Fatalf("submit before review must conflict, got %d", code)
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/advance", map[string]any{
		"fields": map[string]string{"collateralHash": "QmC", "loanInfoHash": "QmI"},
	})
	if code != http.StatusOK {
		t.Fatalf("advance collateral: %d", code)
	}
	code, body = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/submit", nil)
	if code != http.StatusOK || body["txHash"] != common.HexToHash("0xfeed").Hex() {
		t.Fatalf("submit: %d %v", code, body)
	}
	if len(ts.connectors.forms) != 1 || ts.connectors.forms[0].LoanTenure != "90" {
		t.Fatalf("draft not forwarded to connectors: %+v", ts.connectors.forms)
	}

	code, body = ts.do(t, http.MethodGet, "/v1/loan-drafts/"+id, nil)
	if code != http.StatusOK || body["draft"].(map[string]any)["submittedTx"] == "" {
		t.Fatalf("get: %d %v", code, body)
	}
	code, _ = ts.do(t, http.MethodGet, "/v1/loan-drafts/"+uuid.NewString(), nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown draft: %d", code)
	}
	code, _ = ts.do(t, http.MethodGet, "/v1/loan-drafts/not-a-uuid", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", code)
	}
}

func signToken(t *testing.T, subject, scope string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestWriteRoutesRequireScopes(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "s3cret"}, nil)
	ts := newTestServer(t, auth)

	token := signToken(t, "0x1111111111111111111111111111111111111111", "underwriter")

	code, _ := ts.do(t, http.MethodPost, "/v1/opportunities", map[string]string{"loan_name": "x"})
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/opportunities", map[string]string{"loan_name": "x"}, "Authorization", "Bearer "+token)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing borrower scope, got %d", code)
	}
	id := common.HexToHash("0x02").Hex()
	code, _ = ts.do(t, http.MethodPost, "/v1/opportunities/"+id+"/vote", map[string]int{"vote": 1}, "Authorization", "Bearer "+token)
	if code != http.StatusOK {
		t.Fatalf("expected underwriter vote to pass, got %d", code)
	}
	code, _ = ts.do(t, http.MethodGet, "/v1/opportunities/active", nil)
	if code != http.StatusOK {
		t.Fatalf("read routes stay public, got %d", code)
	}

	code, _ = ts.do(t, http.MethodPost, "/v1/wallet/connect", map[string]string{"kind": "external"})
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous wallet connect, got %d", code)
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/wallet/connect", map[string]string{"kind": "external"}, "Authorization", "Bearer "+token)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 without operator scope, got %d", code)
	}
	if len(ts.connectors.kinds) != 0 {
		t.Fatalf("signer must not change, got %v", ts.connectors.kinds)
	}
	operator := signToken(t, "ops", "operator")
	code, _ = ts.do(t, http.MethodPost, "/v1/wallet/connect", map[string]string{"kind": "external"}, "Authorization", "Bearer "+operator)
	if code != http.StatusOK || len(ts.connectors.kinds) != 1 {
		t.Fatalf("operator connect: %d %v", code, ts.connectors.kinds)
	}
}

func TestDraftsAreScopedToBorrower(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "s3cret"}, nil)
	ts := newTestServer(t, auth)
	alice := signToken(t, "0x1111111111111111111111111111111111111111", "borrower")
	bob := signToken(t, "0x2222222222222222222222222222222222222222", "borrower")

	code, body := ts.do(t, http.MethodPost, "/v1/loan-drafts", nil, "Authorization", "Bearer "+alice)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	draft := body["draft"].(map[string]any)
	if draft["borrower"] != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("borrower should default to the token subject, got %v", draft["borrower"])
	}
	id := draft["id"].(string)

	for _, action := range []string{"advance", "back", "submit"} {
		code, _ = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/"+action, nil, "Authorization", "Bearer "+bob)
		if code != http.StatusForbidden {
			t.Fatalf("%s by another borrower: expected 403, got %d", action, code)
		}
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/back", nil, "Authorization", "Bearer "+alice)
	if code != http.StatusConflict {
		t.Fatalf("owner back at first step: expected 409, got %d", code)
	}
}

func TestSubmitDraftReportsUnconfirmedTransaction(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connectors.createErr = context.DeadlineExceeded

	code, body := ts.do(t, http.MethodPost, "/v1/loan-drafts", map[string]string{"borrower": "0x1111111111111111111111111111111111111111"})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	id := body["draft"].(map[string]any)["id"].(string)
	steps := []map[string]string{
		{"loan_name": "Working capital", "loan_type": "0", "loan_amount": "5000", "loan_tenure": "90", "loan_interest": "10", "payment_frequency": "30"},
		{"collateralHash": "QmC", "loanInfoHash": "QmI"},
	}
	for _, fields := range steps {
		if code, body = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/advance", map[string]any{"fields": fields}); code != http.StatusOK {
			t.Fatalf("advance: %d %v", code, body)
		}
	}

	code, body = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/submit", nil)
	if code != http.StatusGatewayTimeout || body["txHash"] != common.HexToHash("0xfeed").Hex() {
		t.Fatalf("expected 504 with the sent hash, got %d %v", code, body)
	}
	code, _ = ts.do(t, http.MethodPost, "/v1/loan-drafts/"+id+"/submit", nil)
	if code != http.StatusConflict || len(ts.connectors.forms) != 1 {
		t.Fatalf("retry must not resend: %d forms=%d", code, len(ts.connectors.forms))
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{loanform.ErrDraftNotFound, http.StatusNotFound},
		{errForeignDraft, http.StatusForbidden},
		{fmt.Errorf("wait: %w", chain.ErrReverted), http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{connectors.ErrWalletNotInstalled, http.StatusPreconditionFailed},
		{fmt.Errorf("dial: boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
