package marketd

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ReignProtocol/ReignProtocol/connectors"
	"github.com/ReignProtocol/ReignProtocol/loanform"
	"github.com/ReignProtocol/ReignProtocol/services/marketd/middleware"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

type listFunc func(ctx context.Context) ([]*connectors.Opportunity, error)

func (s *Server) list(fetch listFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ops, err := fetch(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if ops == nil {
			ops = []*connectors.Opportunity{}
		}
		writeResult(w, http.StatusOK, connectors.OK().With("opportunities", ops))
	}
}

func (s *Server) getOpportunity(w http.ResponseWriter, r *http.Request) {
	op, err := s.connectors.OpportunityAt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, connectors.OK().With("opportunity", op))
}

func (s *Server) createOpportunity(w http.ResponseWriter, r *http.Request) {
	var form connectors.OpportunityForm
	if err := decodeJSON(r, &form); err != nil {
		if errors.Is(err, errEmptyBody) {
			err = connectors.ErrEmptyForm
		}
		s.writeError(w, r, err)
		return
	}
	hash, err := s.connectors.CreateOpportunity(r.Context(), &form)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, s.txResult(hash.Hex()))
}

func (s *Server) voteOpportunity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vote *uint8 `json:"vote"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Vote == nil {
		s.writeError(w, r, &badRequest{err: errors.New("vote required")})
		return
	}
	hash, err := s.connectors.VoteOpportunity(r.Context(), chi.URLParam(r, "id"), *req.Vote)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, s.txResult(hash.Hex()))
}

func (s *Server) txResult(hash string) connectors.Result {
	result := connectors.OK().With("txHash", hash)
	if link := s.network.TxURL(hash); link != "" {
		result = result.With("explorerUrl", link)
	}
	return result
}

func (s *Server) poolName(w http.ResponseWriter, r *http.Request) {
	name, err := s.connectors.OpportunityName(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, connectors.OK().With("name", name))
}

func (s *Server) walletAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.connectors.UserWalletAddress(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, connectors.OK().With("address", addr.Hex()))
}

func (s *Server) walletBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address != "" && !common.IsHexAddress(address) {
		s.writeError(w, r, &badRequest{err: errors.New("invalid address")})
		return
	}
	balance, err := s.connectors.WalletBalance(r.Context(), address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, connectors.OK().With("balance", balance))
}

func (s *Server) walletStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.connectors.IsConnected(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, connectors.OK().With("connected", true))
}

func (s *Server) connectWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.writeError(w, r, err)
		return
	}
	kind, err := wallet.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := s.connectors.RequestAccount(r.Context(), kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, connectors.OK().With("address", addr.Hex()))
}

func (s *Server) gasPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.connectors.GasPrice(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, connectors.OK().With("gasPrice", price))
}

func (s *Server) draftResult(d *loanform.Draft) connectors.Result {
	return connectors.OK().With("draft", d).With("steps", s.drafts.Stepper(d))
}

func draftID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, &badRequest{err: errors.New("invalid draft id")}
	}
	return id, nil
}

// ownDraft rejects callers whose token subject differs from the draft's
// borrower. Either side being empty is allowed.
func (s *Server) ownDraft(r *http.Request, id uuid.UUID) error {
	subject := middleware.Subject(r.Context())
	if subject == "" {
		return nil
	}
	d, err := s.drafts.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if d.Borrower != "" && !strings.EqualFold(d.Borrower, subject) {
		return errForeignDraft
	}
	return nil
}

func (s *Server) createDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Borrower string `json:"borrower"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.writeError(w, r, err)
		return
	}
	borrower := strings.TrimSpace(req.Borrower)
	if borrower == "" {
		borrower = middleware.Subject(r.Context())
	}
	d, err := s.drafts.Create(r.Context(), borrower)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, s.draftResult(d))
}

func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	id, err := draftID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drafts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, s.draftResult(d))
}

func (s *Server) advanceDraft(w http.ResponseWriter, r *http.Request) {
	id, err := draftID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ownDraft(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Fields loanform.Fields `json:"fields"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drafts.Advance(r.Context(), id, req.Fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, s.draftResult(d))
}

func (s *Server) backDraft(w http.ResponseWriter, r *http.Request) {
	id, err := draftID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ownDraft(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drafts.Back(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, s.draftResult(d))
}

func (s *Server) submitDraft(w http.ResponseWriter, r *http.Request) {
	id, err := draftID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ownDraft(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drafts.Submit(r.Context(), id)
	if err != nil {
		if d != nil && d.Submitted() {
			// Sent but unconfirmed: report the hash so the client can follow it.
			s.logger.Warn("draft submitted without confirmation", "draft", d.ID, "tx", d.SubmittedTx, "error", err)
			writeResult(w, statusFor(err), connectors.Fail(err).With("draft", d).With("txHash", d.SubmittedTx))
			return
		}
		s.writeError(w, r, err)
		return
	}
	result := s.draftResult(d).With("txHash", d.SubmittedTx)
	if link := s.network.TxURL(d.SubmittedTx); link != "" {
		result = result.With("explorerUrl", link)
	}
	writeResult(w, http.StatusOK, result)
}
