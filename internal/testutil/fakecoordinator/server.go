// Package fakecoordinator is an in-process coordinator speaking the real
// wire protocol over websocket. It verifies every signature it receives.
package fakecoordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
)

type appSession struct {
	id           string
	status       string
	definition   protocol.AppDefinition
	totals       map[string]decimal.Decimal
	version      uint64
	participants []string
}

type connState struct {
	ws            *websocket.Conn
	writeMu       sync.Mutex
	request       *protocol.AuthRequestParams
	challenge     string
	authenticated bool
	sessionKey    common.Address
}

func (c *connState) write(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Server is the fake coordinator. Behavior hooks are safe to change while
// clients are connected.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	conns      map[*connState]struct{}
	tokens     map[string]common.Address
	sessions   map[string]*appSession
	hold       map[string]bool
	delay      map[string]time.Duration
	reject     map[string]string
	frames     map[string]int
	signedAuth int
	tokenAuth  int
	rejectAuth bool
	badSigs    int
}

func New() *Server {
	s := &Server{
		conns:    make(map[*connState]struct{}),
		tokens:   make(map[string]common.Address),
		sessions: make(map[string]*appSession),
		hold:     make(map[string]bool),
		delay:    make(map[string]time.Duration),
		reject:   make(map[string]string),
		frames:   make(map[string]int),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL is the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

func (s *Server) Close() {
	s.DropConnections()
	s.httpServer.Close()
}

// Hold makes the coordinator swallow requests for method without replying.
func (s *Server) Hold(method string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold[method] = on
}

// Delay postpones replies for method.
func (s *Server) Delay(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay[method] = d
}

// Reject answers method with an error response carrying reason. An empty
// reason clears the rule.
func (s *Server) Reject(method, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		delete(s.reject, method)
		return
	}
	s.reject[method] = reason
}

// ExpireTokens invalidates every reusable token issued so far.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]common.Address)
}

// RejectAuth makes every auth_verify fail.
func (s *Server) RejectAuth(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = on
}

// Frames counts received requests per method.
func (s *Server) Frames(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[method]
}

// TotalFrames counts all received requests.
func (s *Server) TotalFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.frames {
		total += n
	}
	return total
}

// SignedVerifications counts successful challenge-signature verifications.
func (s *Server) SignedVerifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedAuth
}

// TokenVerifications counts successful token verifications.
func (s *Server) TokenVerifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenAuth
}

// BadSignatures counts requests whose signature did not match the session key.
func (s *Server) BadSignatures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badSigs
}

// SessionStatus reports the coordinator-side status of an app session.
func (s *Server) SessionStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if as, ok := s.sessions[id]; ok {
		return as.status
	}
	return ""
}

// SetSessionStatus overrides the coordinator-side status, as if a close
// had landed out of band.
func (s *Server) SetSessionStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if as, ok := s.sessions[id]; ok {
		as.status = status
		as.version++
	}
}

// DropConnections closes every client connection abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*connState, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Push sends an unsolicited notification to every authenticated client.
func (s *Server) Push(method string, params any) {
	frame := responseFrame(0, method, params)
	s.mu.Lock()
	conns := make([]*connState, 0, len(s.conns))
	for c := range s.conns {
		if c.authenticated {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.write(frame)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &connState{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handle(c, data)
	}
}

func (s *Server) handle(c *connState, data []byte) {
	var frame struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	var req protocol.Payload
	if err := json.Unmarshal(frame.Req, &req); err != nil {
		return
	}

	s.mu.Lock()
	s.frames[req.Method]++
	hold := s.hold[req.Method]
	delay := s.delay[req.Method]
	reason, rejected := s.reject[req.Method]
	s.mu.Unlock()

	if hold {
		return
	}
	var reply []byte
	if rejected {
		reply = errorFrame(req.RequestID, reason)
	} else {
		reply = s.dispatch(c, req, frame.Req, frame.Sig)
	}
	if reply == nil {
		return
	}
	if delay > 0 {
		go func() {
			time.Sleep(delay)
			c.write(reply)
		}()
		return
	}
	c.write(reply)
}

func (s *Server) dispatch(c *connState, req protocol.Payload, raw []byte, sigs []string) []byte {
	switch req.Method {
	case protocol.MethodAuthRequest:
		return s.authRequest(c, req)
	case protocol.MethodAuthVerify:
		return s.authVerify(c, req, sigs)
	}

	if !c.authenticated {
		return errorFrame(req.RequestID, "authentication required")
	}
	if !s.verifyPayload(c, raw, sigs) {
		return errorFrame(req.RequestID, "invalid signature")
	}

	switch req.Method {
	case protocol.MethodPing:
		return responseFrame(req.RequestID, protocol.MethodPong, []any{})
	case protocol.MethodCreateAppSession:
		return s.createAppSession(req)
	case protocol.MethodCloseAppSession:
		return s.closeAppSession(req)
	case protocol.MethodGetAppSessions:
		return s.getAppSessions(req)
	default:
		// Echo unknown methods so tests can exercise correlation.
		return responseFrame(req.RequestID, req.Method, json.RawMessage(req.Params))
	}
}

func (s *Server) authRequest(c *connState, req protocol.Payload) []byte {
	params, err := protocol.DecodeResult[protocol.AuthRequestParams](req.Params)
	if err != nil || !common.IsHexAddress(params.Address) || !common.IsHexAddress(params.SessionKey) {
		return errorFrame(req.RequestID, "invalid auth_request parameters")
	}
	c.request = &params
	c.challenge = uuid.NewString()
	return responseFrame(req.RequestID, protocol.MethodAuthChallenge, protocol.AuthChallengeResult{ChallengeMessage: c.challenge})
}

func (s *Server) authVerify(c *connState, req protocol.Payload, sigs []string) []byte {
	params, err := protocol.DecodeResult[protocol.AuthVerifyParams](req.Params)
	if err != nil {
		return errorFrame(req.RequestID, "invalid auth_verify parameters")
	}
	s.mu.Lock()
	rejectAll := s.rejectAuth
	s.mu.Unlock()
	if rejectAll {
		return errorFrame(req.RequestID, "authentication rejected")
	}

	if params.JWT != "" {
		s.mu.Lock()
		sessionKey, ok := s.tokens[params.JWT]
		if ok {
			s.tokenAuth++
			c.authenticated = true
			c.sessionKey = sessionKey
		}
		s.mu.Unlock()
		if !ok {
			return errorFrame(req.RequestID, "invalid or expired token")
		}
		return responseFrame(req.RequestID, protocol.MethodAuthVerify, protocol.AuthVerifyResult{
			SessionKey: sessionKey.Hex(),
			Success:    true,
		})
	}

	if c.request == nil || params.Challenge != c.challenge || len(sigs) != 1 {
		return errorFrame(req.RequestID, "invalid challenge or signature")
	}
	sig, err := signer.ParseSignature(sigs[0])
	if err != nil {
		return errorFrame(req.RequestID, "invalid signature")
	}
	allowances := make([]signer.Allowance, 0, len(c.request.Allowances))
	for _, a := range c.request.Allowances {
		allowances = append(allowances, signer.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	wallet := common.HexToAddress(c.request.Address)
	addr, err := signer.RecoverIdentitySigner(signer.PolicyMessage{
		Challenge:   c.challenge,
		Scope:       c.request.Scope,
		Wallet:      wallet,
		SessionKey:  common.HexToAddress(c.request.SessionKey),
		Application: c.request.Application,
		ExpiresAt:   c.request.ExpiresAt,
		Allowances:  allowances,
	}, sig)
	if err != nil || addr != wallet {
		return errorFrame(req.RequestID, "invalid challenge or signature")
	}

	token := uuid.NewString()
	s.mu.Lock()
	c.authenticated = true
	c.sessionKey = common.HexToAddress(c.request.SessionKey)
	s.tokens[token] = c.sessionKey
	s.signedAuth++
	s.mu.Unlock()
	return responseFrame(req.RequestID, protocol.MethodAuthVerify, protocol.AuthVerifyResult{
		Address:    wallet.Hex(),
		SessionKey: c.sessionKey.Hex(),
		JWTToken:   token,
		Success:    true,
	})
}

func (s *Server) verifyPayload(c *connState, raw []byte, sigs []string) bool {
	ok := false
	if len(sigs) == 1 {
		if sig, err := signer.ParseSignature(sigs[0]); err == nil {
			addr, err := signer.RecoverPayloadSigner(raw, sig)
			ok = err == nil && addr == c.sessionKey
		}
	}
	if !ok {
		s.mu.Lock()
		s.badSigs++
		s.mu.Unlock()
	}
	return ok
}

func (s *Server) createAppSession(req protocol.Payload) []byte {
	params, err := protocol.DecodeResult[protocol.CreateAppSessionParams](req.Params)
	if err != nil {
		return errorFrame(req.RequestID, "invalid create_app_session parameters")
	}
	def := params.Definition
	if len(def.Participants) < 2 || len(def.Weights) != len(def.Participants) {
		return errorFrame(req.RequestID, "invalid app definition")
	}
	totals := make(map[string]decimal.Decimal)
	for _, a := range params.Allocations {
		if a.Amount.IsNegative() {
			return errorFrame(req.RequestID, "negative allocation")
		}
		totals[a.Asset] = totals[a.Asset].Add(a.Amount)
	}

	defBytes, _ := json.Marshal(def)
	id := crypto.Keccak256Hash(defBytes).Hex()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return errorFrame(req.RequestID, "app session already exists")
	}
	s.sessions[id] = &appSession{
		id:           id,
		status:       protocol.StatusOpen,
		definition:   def,
		totals:       totals,
		version:      1,
		participants: def.Participants,
	}
	return responseFrame(req.RequestID, protocol.MethodCreateAppSession, protocol.AppSessionResult{
		AppSessionID: id,
		Status:       protocol.StatusOpen,
		Version:      1,
	})
}

func (s *Server) closeAppSession(req protocol.Payload) []byte {
	params, err := protocol.DecodeResult[protocol.CloseAppSessionParams](req.Params)
	if err != nil {
		return errorFrame(req.RequestID, "invalid close_app_session parameters")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[params.AppSessionID]
	if !ok || as.status != protocol.StatusOpen {
		return errorFrame(req.RequestID, "an open app session not found")
	}
	totals := make(map[string]decimal.Decimal)
	for _, a := range params.Allocations {
		totals[a.Asset] = totals[a.Asset].Add(a.Amount)
	}
	for asset := range unionKeys(as.totals, totals) {
		if !as.totals[asset].Equal(totals[asset]) {
			return errorFrame(req.RequestID, fmt.Sprintf("allocation mismatch for %s", asset))
		}
	}
	as.status = protocol.StatusClosed
	as.version++
	return responseFrame(req.RequestID, protocol.MethodCloseAppSession, protocol.AppSessionResult{
		AppSessionID: as.id,
		Status:       protocol.StatusClosed,
		Version:      as.version,
	})
}

func (s *Server) getAppSessions(req protocol.Payload) []byte {
	params, _ := protocol.DecodeResult[protocol.GetAppSessionsParams](req.Params)
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]protocol.AppSessionInfo, 0)
	for _, as := range s.sessions {
		if params.Status != "" && as.status != params.Status {
			continue
		}
		if params.Participant != "" && !containsAddress(as.participants, params.Participant) {
			continue
		}
		infos = append(infos, protocol.AppSessionInfo{
			AppSessionID: as.id,
			Status:       as.status,
			Participants: as.participants,
			Weights:      as.definition.Weights,
			Quorum:       as.definition.Quorum,
			Nonce:        as.definition.Nonce,
			Version:      as.version,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AppSessionID < infos[j].AppSessionID })
	return responseFrame(req.RequestID, protocol.MethodGetAppSessions, protocol.GetAppSessionsResult{AppSessions: infos})
}

func responseFrame(id uint64, method string, result any) []byte {
	body, _ := json.Marshal(result)
	frame, _ := json.Marshal(map[string]any{
		"res": []any{id, method, json.RawMessage(body), time.Now().UnixMilli()},
		"sig": []string{},
	})
	return frame
}

func errorFrame(id uint64, reason string) []byte {
	return responseFrame(id, protocol.MethodError, protocol.ErrorResult{Error: reason})
}

func unionKeys(a, b map[string]decimal.Decimal) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func containsAddress(list []string, addr string) bool {
	for _, item := range list {
		if strings.EqualFold(item, addr) {
			return true
		}
	}
	return false
}
