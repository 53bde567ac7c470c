package bridged

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegisbridge/bridge"
	"aegisbridge/core/events"
	"aegisbridge/crypto"
	"aegisbridge/fraud"
	"aegisbridge/gateway"
	"aegisbridge/gateway/auth"
	"aegisbridge/observability/logging"
	"aegisbridge/stake"
)

// ServerConfig bundles the collaborators the HTTP surface exposes.
type ServerConfig struct {
	Ledger      *bridge.Ledger
	Pipeline    *fraud.Pipeline
	Gateway     *gateway.Gateway
	Issuer      *auth.Authenticator
	Verifier    *stake.Verifier
	Broker      *events.Broker
	Archive     *Archive
	Emitter     events.Emitter
	AdminSecret string
	Logger      *slog.Logger
}

// Server is the bridged HTTP surface: public withdrawal and fraud routes
// behind the security gateway, an admin plane behind bearer auth, and the
// event stream.
type Server struct {
	router   chi.Router
	ledger   *bridge.Ledger
	pipeline *fraud.Pipeline
	gateway  *gateway.Gateway
	issuer   *auth.Authenticator
	verifier *stake.Verifier
	broker   *events.Broker
	archive  *Archive
	emitter  events.Emitter
	logger   *slog.Logger
}

// NewServer wires the routes. Every mutating business route passes through
// the security gateway; operator routes require an admin-scoped bearer token.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil || cfg.Pipeline == nil || cfg.Gateway == nil || cfg.Issuer == nil {
		return nil, errors.New("bridged: ledger, pipeline, gateway, and issuer are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	s := &Server{
		ledger:   cfg.Ledger,
		pipeline: cfg.Pipeline,
		gateway:  cfg.Gateway,
		issuer:   cfg.Issuer,
		verifier: cfg.Verifier,
		broker:   cfg.Broker,
		archive:  cfg.Archive,
		emitter:  emitter,
		logger:   logger,
	}

	admin := newAdminAuth(cfg.AdminSecret, logger)

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/withdrawals", s.screened(s.handleInitiate))
		r.Get("/withdrawals", s.handleList)
		r.Get("/withdrawals/{hash}", s.handleGet)
		r.Post("/withdrawals/{hash}/finalize", s.screened(s.handleFinalize))
		r.Post("/blocks/{number}/evaluate", s.screened(s.handleEvaluateBlock))
		r.Get("/validators/{address}/eligibility", s.handleValidatorEligibility)
		r.Get("/events/ws", s.handleEventsWS)

		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.Middleware(ScopeAdmin))
			r.Post("/credentials", s.handleIssueCredential)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/export", s.handleExport)
			r.Get("/events", s.handleArchivedEvents)
		})
	})

	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// screened applies the full security pipeline before invoking the handler.
func (s *Server) screened(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.gateway.Screen(r.Context(), gateway.RequestFromHeader(r.Header)); err != nil {
			s.writeScreenError(w, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) writeScreenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, gateway.ErrReplayedNonce):
		writeError(w, http.StatusConflict, "nonce already used")
	case errors.Is(err, auth.ErrCredentialNotFound),
		errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrMalformedTimestamp),
		errors.Is(err, auth.ErrTimestampOutsideSkew):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	default:
		s.logger.Error("security screen failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type proofStepPayload struct {
	Hash  string `json:"hash"`
	Right bool   `json:"right"`
}

type initiateRequest struct {
	Recipient         string             `json:"recipient"`
	Token             string             `json:"token"`
	Amount            string             `json:"amount"`
	SourceBlockHash   string             `json:"sourceBlockHash"`
	SourceBlockNumber uint64             `json:"sourceBlockNumber"`
	WithdrawalHash    string             `json:"withdrawalHash"`
	Proof             []proofStepPayload `json:"proof"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	index, err := s.ledger.Initiate(r.Context(), params)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"index":          index,
		"withdrawalHash": hex.EncodeToString(params.WithdrawalHash[:]),
	})
}

func (req initiateRequest) toParams() (bridge.InitiateParams, error) {
	var params bridge.InitiateParams

	addr, err := crypto.DecodeAddress(strings.TrimSpace(req.Recipient))
	if err != nil {
		return params, errors.New("recipient must be a valid bech32 address")
	}
	copy(params.Recipient[:], addr.Bytes())

	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return params, errors.New("amount must be a base-10 integer")
	}
	params.Amount = amount
	params.Token = req.Token
	params.SourceBlockNumber = req.SourceBlockNumber

	if err := decodeHash32(req.SourceBlockHash, &params.SourceBlockHash); err != nil {
		return params, errors.New("sourceBlockHash must be 32 hex bytes")
	}
	if err := decodeHash32(req.WithdrawalHash, &params.WithdrawalHash); err != nil {
		return params, errors.New("withdrawalHash must be 32 hex bytes")
	}

	steps := make([]bridge.ProofStep, 0, len(req.Proof))
	for _, raw := range req.Proof {
		var step bridge.ProofStep
		if err := decodeHash32(raw.Hash, &step.Hash); err != nil {
			return params, errors.New("proof step hash must be 32 hex bytes")
		}
		step.Right = raw.Right
		steps = append(steps, step)
	}
	params.Proof = bridge.Proof{Steps: steps}
	return params, nil
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var hash [32]byte
	if err := decodeHash32(chi.URLParam(r, "hash"), &hash); err != nil {
		writeError(w, http.StatusBadRequest, "withdrawal hash must be 32 hex bytes")
		return
	}
	record, err := s.ledger.Finalize(r.Context(), hash)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalPayload(record))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var hash [32]byte
	if err := decodeHash32(chi.URLParam(r, "hash"), &hash); err != nil {
		writeError(w, http.StatusBadRequest, "withdrawal hash must be 32 hex bytes")
		return
	}
	record, err := s.ledger.Get(hash)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalPayload(record))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	records, err := s.ledger.List(offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list withdrawals failed")
		return
	}
	total, err := s.ledger.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count withdrawals failed")
		return
	}
	payloads := make([]map[string]any, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, withdrawalPayload(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       total,
		"offset":      offset,
		"withdrawals": payloads,
	})
}

func (s *Server) handleEvaluateBlock(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseUint(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number == 0 {
		writeError(w, http.StatusBadRequest, "block number must be a positive integer")
		return
	}
	verdict, err := s.pipeline.EvaluateBlock(r.Context(), number)
	if err != nil {
		if errors.Is(err, bridge.ErrUpstreamUnavailable) {
			writeError(w, http.StatusBadGateway, "block source unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "block evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          verdict.OK,
		"rule":        verdict.Rule,
		"reason":      verdict.Reason,
		"blockNumber": verdict.BlockNumber,
		"txIndex":     verdict.TxIndex,
	})
}

func (s *Server) handleValidatorEligibility(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "stake verification not configured")
		return
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(chi.URLParam(r, "address")))
	if err != nil || addr.Prefix() != crypto.ValidatorPrefix {
		writeError(w, http.StatusBadRequest, "address must be a validator bech32 address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"validator": addr.String(),
		"eligible":  s.verifier.VerifyStake(r.Context(), addr),
	})
}

type credentialRequest struct {
	OwnerID string `json:"ownerId"`
}

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cred, err := s.issuer.Issue(req.OwnerID)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateAPIKey) {
			writeError(w, http.StatusConflict, "api key collision, retry")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.emitter.Emit(events.CredentialIssued{OwnerID: cred.OwnerID, ApiKey: cred.APIKey})
	s.logger.Info("api credential issued",
		"owner", cred.OwnerID,
		"actor", actorFromContext(r.Context()),
		logging.MaskField("apiKey", cred.APIKey),
	)
	// The secret appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, cred)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	actor := actorFromContext(r.Context())
	s.ledger.Pause(actor, req.Reason)
	s.logger.Warn("bridge paused", "actor", actor, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	s.ledger.Resume(actor)
	s.logger.Info("bridge resumed", "actor", actor)
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

type exportRequest struct {
	Path    string `json:"path"`
	StartTs int64  `json:"startTs"`
	EndTs   int64  `json:"endTs"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	summary, err := s.ledger.Export(req.Path, req.StartTs, req.EndTs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    summary.Path,
		"entries": summary.Entries,
		"total":   summary.Total.String(),
	})
}

func (s *Server) handleArchivedEvents(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "event archive not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.archive.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query archive failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrWithdrawalNotFound):
		writeError(w, http.StatusNotFound, "withdrawal not found")
	case errors.Is(err, bridge.ErrDuplicateWithdrawal), errors.Is(err, bridge.ErrAlreadyFinalized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bridge.ErrChallengeNotElapsed), errors.Is(err, bridge.ErrNotFinalized):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, bridge.ErrUnsupportedToken), errors.Is(err, bridge.ErrProofInvalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, bridge.ErrBridgePaused):
		writeError(w, http.StatusServiceUnavailable, "bridge is paused")
	case errors.Is(err, bridge.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func withdrawalPayload(record *bridge.Withdrawal) map[string]any {
	payload := map[string]any{
		"index":             record.Index,
		"recipient":         crypto.NewAddress(crypto.AccountPrefix, record.Recipient[:]).String(),
		"token":             record.Token,
		"amount":            record.Amount.String(),
		"sourceBlockHash":   hex.EncodeToString(record.SourceBlockHash[:]),
		"sourceBlockNumber": record.SourceBlockNumber,
		"withdrawalHash":    hex.EncodeToString(record.WithdrawalHash[:]),
		"initiatedAt":       record.InitiatedAt.Unix(),
		"processed":         record.Processed,
	}
	if record.Processed {
		payload["processedAt"] = record.ProcessedAt.Unix()
	}
	return payload
}

func decodeHash32(value string, out *[32]byte) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return errors.New("hash must be 32 bytes")
	}
	copy(out[:], raw)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
