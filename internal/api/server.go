// Package api exposes the vault service over HTTP. Identity is carried by
// the X-Spritz-Identity header for reads and inside the JSON body for
// mutations, where passkey credentials may accompany it.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/Spritz-Labs/spritz-vault/internal/balance"
	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/vault"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

const identityHeader = "X-Spritz-Identity"

// Server provides the vault HTTP API.
type Server struct {
	vaults *vault.Service
	reader *balance.Reader
	logger *slog.Logger
}

// NewServer creates the API server. The balance reader is optional; without
// it the balances endpoint reports 503.
func NewServer(vaults *vault.Service, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		vaults: vaults,
		logger: logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the API server.
type ServerOption func(*Server)

// WithBalanceReader sets the balance reader on the API server.
func WithBalanceReader(r *balance.Reader) ServerOption {
	return func(s *Server) { s.reader = r }
}

// Handler returns the HTTP handler for the vault API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/vaults", s.handleCreateVault)
	mux.HandleFunc("GET /v1/vaults", s.handleListVaults)
	mux.HandleFunc("GET /v1/vaults/{id}", s.handleGetVault)
	mux.HandleFunc("POST /v1/vaults/{id}/reconcile", s.handleReconcileVault)
	mux.HandleFunc("GET /v1/vaults/{id}/balances", s.handleVaultBalances)
	mux.HandleFunc("POST /v1/vaults/{id}/transactions", s.handleProposeTransaction)
	mux.HandleFunc("GET /v1/vaults/{id}/transactions", s.handleListTransactions)
	mux.HandleFunc("POST /v1/transactions/{id}/confirmations", s.handleConfirmTransaction)
	mux.HandleFunc("POST /v1/transactions/{id}/execute", s.handleExecuteTransaction)
	mux.HandleFunc("POST /v1/transactions/{id}/cancel", s.handleCancelTransaction)
	return mux
}

// --- wire types ---

type passkeyPayload struct {
	CredentialID string `json:"credentialId"`
	PublicKeyX   string `json:"publicKeyX"` // decimal text
	PublicKeyY   string `json:"publicKeyY"`
}

type identityPayload struct {
	Address    string          `json:"address"`
	AuthMethod string          `json:"authMethod"`
	Passkey    *passkeyPayload `json:"passkey,omitempty"`
}

func (p identityPayload) toModel() (model.Identity, error) {
	if !common.IsHexAddress(p.Address) {
		return model.Identity{}, fmt.Errorf("malformed identity address %q", p.Address)
	}
	identity := model.Identity{
		Address:    p.Address,
		AuthMethod: model.AuthMethod(p.AuthMethod),
	}
	if p.Passkey != nil {
		x, okX := new(big.Int).SetString(p.Passkey.PublicKeyX, 10)
		y, okY := new(big.Int).SetString(p.Passkey.PublicKeyY, 10)
		if !okX || !okY {
			return model.Identity{}, fmt.Errorf("malformed passkey coordinates")
		}
		identity.Passkey = &model.PasskeyCredential{
			CredentialID: p.Passkey.CredentialID,
			PublicKeyX:   x,
			PublicKeyY:   y,
		}
	}
	return identity, nil
}

type memberResponse struct {
	IdentityAddress string `json:"identityAddress"`
	SignerAddress   string `json:"signerAddress"`
	Nickname        string `json:"nickname"`
	IsCreator       bool   `json:"isCreator"`
	Status          string `json:"status"`
}

type vaultResponse struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	ChainID       uint64           `json:"chainId"`
	Threshold     int              `json:"threshold"`
	WalletAddress string           `json:"walletAddress"`
	IsDeployed    bool             `json:"isDeployed"`
	Members       []memberResponse `json:"members,omitempty"`
}

func toVaultResponse(v *model.Vault) vaultResponse {
	resp := vaultResponse{
		ID:            v.ID.String(),
		Name:          v.Name,
		ChainID:       v.ChainID,
		Threshold:     v.Threshold,
		WalletAddress: v.WalletAddress,
		IsDeployed:    v.IsDeployed,
	}
	for _, m := range v.Members {
		resp.Members = append(resp.Members, memberResponse{
			IdentityAddress: m.IdentityAddress,
			SignerAddress:   m.SignerAddress,
			Nickname:        m.Nickname,
			IsCreator:       m.IsCreator,
			Status:          string(m.Status),
		})
	}
	return resp
}

type transactionResponse struct {
	ID            string `json:"id"`
	VaultID       string `json:"vaultId"`
	To            string `json:"to"`
	Value         string `json:"value"`
	Data          string `json:"data,omitempty"`
	Operation     string `json:"operation"`
	Nonce         int64  `json:"nonce"`
	Status        string `json:"status"`
	CreatedBy     string `json:"createdBy"`
	Description   string `json:"description,omitempty"`
	Confirmations int    `json:"confirmations"`
}

func toTransactionResponse(txn *model.VaultTransaction, confirmations int) transactionResponse {
	resp := transactionResponse{
		ID:            txn.ID.String(),
		VaultID:       txn.VaultID.String(),
		To:            txn.ToAddress,
		Value:         txn.Value,
		Operation:     string(txn.Operation),
		Nonce:         txn.Nonce,
		Status:        string(txn.Status),
		CreatedBy:     txn.CreatedBy,
		Description:   txn.Description,
		Confirmations: confirmations,
	}
	if len(txn.Data) > 0 {
		resp.Data = hexutil.Encode(txn.Data)
	}
	return resp
}

// --- vault endpoints ---

type createVaultMember struct {
	Identity identityPayload `json:"identity"`
	Nickname string          `json:"nickname"`
}

type createVaultRequest struct {
	Name      string              `json:"name"`
	ChainID   uint64              `json:"chainId"`
	Threshold int                 `json:"threshold"`
	Creator   string              `json:"creator"`
	Members   []createVaultMember `json:"members"`
}

func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	var req createVaultRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.ChainID == 0 || req.Creator == "" || len(req.Members) == 0 {
		writeError(w, http.StatusBadRequest, "name, chainId, creator, and members are required")
		return
	}

	input := vault.CreateVaultInput{
		Name:           req.Name,
		ChainID:        req.ChainID,
		Threshold:      req.Threshold,
		CreatorAddress: req.Creator,
	}
	for _, m := range req.Members {
		identity, err := m.Identity.toModel()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		input.Members = append(input.Members, vault.MemberInput{Identity: identity, Nickname: m.Nickname})
	}

	v, err := s.vaults.CreateVault(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVaultResponse(v))
}

func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get(identityHeader)
	if identity == "" {
		writeError(w, http.StatusBadRequest, identityHeader+" header required")
		return
	}
	vaults, err := s.vaults.ListVaults(r.Context(), identity)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := make([]vaultResponse, len(vaults))
	for i := range vaults {
		resp[i] = toVaultResponse(&vaults[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	v, err := s.vaults.GetVault(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVaultResponse(v))
}

type reconcileRequest struct {
	Identities []identityPayload `json:"identities"`
}

func (s *Server) handleReconcileVault(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	identities := make([]model.Identity, 0, len(req.Identities))
	for _, p := range req.Identities {
		identity, err := p.toModel()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		identities = append(identities, identity)
	}

	v, err := s.vaults.ReconcileVault(r.Context(), id, identities)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVaultResponse(v))
}

func (s *Server) handleVaultBalances(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "balance reader not available")
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	v, err := s.vaults.GetVault(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// Opportunistic deployment probe: the first balance read after the wallet
	// gets code on chain flips the stored flag.
	if !v.IsDeployed {
		if deployed, err := s.reader.IsDeployed(r.Context(), v.ChainID, v.WalletAddress); err != nil {
			s.logger.Debug("deployment probe failed", "vault_id", id, "error", err)
		} else if deployed {
			if err := s.vaults.MarkDeployed(r.Context(), id); err != nil {
				s.logger.Warn("failed to record deployment", "vault_id", id, "error", err)
			}
		}
	}

	snapshot, err := s.reader.Snapshot(r.Context(), v.ChainID, v.WalletAddress)
	if err != nil {
		s.logger.Error("balance snapshot failed", "vault_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "balance fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// --- transaction endpoints ---

type tokenTransferPayload struct {
	ContractAddress string `json:"contractAddress"`
	Amount          string `json:"amount"`
}

type proposeRequest struct {
	Identity    identityPayload       `json:"identity"`
	To          string                `json:"to"`
	Value       string                `json:"value"`
	Token       *tokenTransferPayload `json:"token,omitempty"`
	Signature   string                `json:"signature"`
	Description string                `json:"description"`
}

func (s *Server) handleProposeTransaction(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	proposer, err := req.Identity.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	input := vault.ProposeInput{
		VaultID:     vaultID,
		Proposer:    proposer,
		To:          req.To,
		Value:       req.Value,
		Signature:   req.Signature,
		Description: req.Description,
	}
	if req.Token != nil {
		input.Token = &vault.TokenTransfer{
			ContractAddress: req.Token.ContractAddress,
			Amount:          req.Token.Amount,
		}
	}

	txn, err := s.vaults.Propose(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// The proposer's auto-confirmation is best-effort, so read the stored
	// tally rather than assuming it landed.
	tally, err := s.vaults.ConfirmationTally(r.Context(), txn.ID)
	if err != nil {
		s.logger.Warn("confirmation tally read failed", "transaction_id", txn.ID, "error", err)
		tally = 0
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(txn, tally))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	listed, err := s.vaults.ListTransactions(r.Context(), vaultID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := make([]transactionResponse, len(listed))
	for i := range listed {
		resp[i] = toTransactionResponse(&listed[i].VaultTransaction, listed[i].Confirmations)
	}
	writeJSON(w, http.StatusOK, resp)
}

type confirmRequest struct {
	Identity  identityPayload `json:"identity"`
	Signature string          `json:"signature"`
}

func (s *Server) handleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	identity, err := req.Identity.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.vaults.Confirm(r.Context(), txnID, identity, req.Signature)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type identityRequest struct {
	Identity identityPayload `json:"identity"`
}

func (s *Server) handleExecuteTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req identityRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	identity, err := req.Identity.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	params, err := s.vaults.Execute(r.Context(), txnID, identity)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (s *Server) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req identityRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	identity, err := req.Identity.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.vaults.Cancel(r.Context(), txnID, identity); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- helpers ---

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return uuid.UUID{}, false
	}
	return id, true
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
