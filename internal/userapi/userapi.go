// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package userapi serves the HTTP JSON endpoints users register with and
// audit sessions through.
//
// All requests except status queries are POSTed JSON objects:
//
//	/register  {output_hash, pin, refund}   -> {sid, nonce, deadline}
//	/shares    {sid, nonce, shares}         -> {ack, user}
//	/verify    {sid, nonce}                 -> {ack, pin}
//	/escrow    {sid, nonce}                 -> {address, value}
//	/status?sid=<hex>                       -> session status
//
// Binary values are hex encoded.  A status query without a session ID
// describes the session currently accepting registrations.
package userapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/commitment"
	"github.com/coinparty/cpd/mixing/session"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
)

const maxRequestSize = 1 << 16

var log = slog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger slog.Logger) {
	log = logger
}

// Server answers user requests for the sessions of a manager.
type Server struct {
	m   *session.Manager
	mux *http.ServeMux
}

// New returns a user API server for the sessions of m.
func New(m *session.Manager) *Server {
	s := &Server{m: m, mux: http.NewServeMux()}
	s.mux.HandleFunc("/register", s.post(s.register))
	s.mux.HandleFunc("/shares", s.post(s.shares))
	s.mux.HandleFunc("/verify", s.post(s.verify))
	s.mux.HandleFunc("/escrow", s.post(s.escrow))
	s.mux.HandleFunc("/status", s.status)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve answers requests on every listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listeners []net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		log.Infof("User API listening on %s", l.Addr())
		g.Go(func() error {
			err := srv.Serve(l)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type registerRequest struct {
	OutputHash string `json:"output_hash"`
	PIN        string `json:"pin"`
	Refund     string `json:"refund,omitempty"`
}

type registerResponse struct {
	SID      string `json:"sid"`
	Nonce    string `json:"nonce"`
	Deadline int64  `json:"deadline"`
}

type sharesRequest struct {
	SID    string   `json:"sid"`
	Nonce  string   `json:"nonce"`
	Shares []string `json:"shares"`
}

type sharesResponse struct {
	Ack  bool   `json:"ack"`
	User string `json:"user"`
}

type nonceRequest struct {
	SID   string `json:"sid"`
	Nonce string `json:"nonce"`
}

type escrowResponse struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

type statusResponse struct {
	SID        string   `json:"sid"`
	Epoch      uint64   `json:"epoch"`
	Phase      string   `json:"phase"`
	Deadline   int64    `json:"deadline"`
	Remaining  int64    `json:"remaining"`
	Reason     string   `json:"reason,omitempty"`
	Users      int      `json:"users"`
	Funded     int      `json:"funded"`
	MixTx      string   `json:"mix_tx,omitempty"`
	RefundTx   string   `json:"refund_tx,omitempty"`
	Transcript string   `json:"transcript"`
	Messages   int      `json:"messages"`
	PeerPhases []string `json:"peer_phases"`
	Strikes    []int    `json:"strikes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func inputError(format string, args ...interface{}) error {
	return mixing.MakeError(mixing.ErrInputValidation,
		fmt.Sprintf(format, args...))
}

func decodeHex(dst []byte, s, what string) error {
	if hex.DecodedLen(len(s)) != len(dst) {
		return inputError("%s must be %d hex encoded bytes", what, len(dst))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return inputError("%s: %v", what, err)
	}
	return nil
}

// post wraps a handler of a JSON POST request.
func (s *Server) post(h func(r *http.Request, body []byte) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed,
				&errorResponse{Error: "method not allowed"})
			return
		}
		var body json.RawMessage
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
		if err := dec.Decode(&body); err != nil {
			writeError(w, inputError("malformed request: %v", err))
			return
		}
		resp, err := h(r, body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Write response: %v", err)
	}
}

// writeError answers with the status code of an error's kind.  Only input
// errors carry their description; others report their kind.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := mixing.ReasonString(err)
	switch {
	case errors.Is(err, mixing.ErrUnknownNonce),
		errors.Is(err, mixing.ErrUnknownSession):
		code = http.StatusNotFound
		msg = err.Error()
	case errors.Is(err, mixing.ErrPhaseClosed),
		errors.Is(err, mixing.ErrDoubleSpendCommitment):
		code = http.StatusConflict
		msg = err.Error()
	case errors.Is(err, mixing.ErrInputValidation):
		code = http.StatusBadRequest
		msg = err.Error()
	default:
		log.Errorf("User request failed: %v", err)
	}
	writeJSON(w, code, &errorResponse{Error: msg})
}

func (s *Server) lookup(sidHex string) (*session.Session, error) {
	var sid [32]byte
	if err := decodeHex(sid[:], sidHex, "sid"); err != nil {
		return nil, err
	}
	ses, ok := s.m.Session(sid)
	if !ok {
		return nil, mixing.MakeError(mixing.ErrUnknownSession,
			fmt.Sprintf("no running session %s", sidHex))
	}
	return ses, nil
}

func (s *Server) register(r *http.Request, body []byte) (interface{}, error) {
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, inputError("malformed request: %v", err)
	}
	var outputHash [32]byte
	if err := decodeHex(outputHash[:], req.OutputHash, "output_hash"); err != nil {
		return nil, err
	}
	ses := s.m.Current()
	if ses == nil {
		return nil, mixing.MakeError(mixing.ErrPhaseClosed,
			"no session is accepting registrations")
	}
	nonce, err := ses.Register(outputHash, req.PIN, req.Refund)
	if err != nil {
		return nil, err
	}
	sid := ses.SID()
	log.Debugf("Registration in session %v from %s", ses, r.RemoteAddr)
	return &registerResponse{
		SID:      hex.EncodeToString(sid[:]),
		Nonce:    nonce.String(),
		Deadline: ses.Status().Deadline.Unix(),
	}, nil
}

func (s *Server) shares(r *http.Request, body []byte) (interface{}, error) {
	var req sharesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, inputError("malformed request: %v", err)
	}
	ses, nonce, err := s.parseNonce(req.SID, req.Nonce)
	if err != nil {
		return nil, err
	}
	id, err := ses.BindShares(nonce, req.Shares)
	if err != nil {
		return nil, err
	}
	return &sharesResponse{Ack: true, User: id.String()}, nil
}

func (s *Server) parseNonce(sidHex, nonceHex string) (*session.Session, commitment.Nonce, error) {
	var nonce commitment.Nonce
	ses, err := s.lookup(sidHex)
	if err != nil {
		return nil, nonce, err
	}
	if err := decodeHex(nonce[:], nonceHex, "nonce"); err != nil {
		return nil, nonce, err
	}
	return ses, nonce, nil
}

func (s *Server) verify(r *http.Request, body []byte) (interface{}, error) {
	var req nonceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, inputError("malformed request: %v", err)
	}
	ses, nonce, err := s.parseNonce(req.SID, req.Nonce)
	if err != nil {
		return nil, err
	}
	res := ses.Verify(nonce)
	return &res, nil
}

func (s *Server) escrow(r *http.Request, body []byte) (interface{}, error) {
	var req nonceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, inputError("malformed request: %v", err)
	}
	ses, nonce, err := s.parseNonce(req.SID, req.Nonce)
	if err != nil {
		return nil, err
	}
	addr, err := ses.EscrowAddress(nonce)
	if err != nil {
		return nil, err
	}
	resp := &escrowResponse{Address: addr}
	if addr != "" {
		resp.Value = ses.FundingValue()
	}
	return resp, nil
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed,
			&errorResponse{Error: "method not allowed"})
		return
	}
	var st *session.Status
	if sidHex := r.URL.Query().Get("sid"); sidHex != "" {
		var sid [32]byte
		if err := decodeHex(sid[:], sidHex, "sid"); err != nil {
			writeError(w, err)
			return
		}
		var err error
		st, err = s.m.Status(sid)
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		ses := s.m.Current()
		if ses == nil {
			writeError(w, mixing.MakeError(mixing.ErrUnknownSession,
				"no current session"))
			return
		}
		st = ses.Status()
	}
	writeJSON(w, http.StatusOK, statusJSON(st))
}

func statusJSON(st *session.Status) *statusResponse {
	resp := &statusResponse{
		SID:        hex.EncodeToString(st.SID[:]),
		Epoch:      st.Epoch,
		Phase:      st.Phase.String(),
		Deadline:   st.Deadline.Unix(),
		Remaining:  int64(st.Remaining / time.Second),
		Reason:     st.Reason,
		Users:      st.Users,
		Funded:     st.Funded,
		PeerPhases: make([]string, len(st.PeerPhases)),
		Strikes:    st.Strikes,
	}
	if st.MixTx != nil {
		resp.MixTx = st.MixTx.String()
	}
	if st.RefundTx != nil {
		resp.RefundTx = st.RefundTx.String()
	}
	if st.Report != nil {
		resp.Transcript = hex.EncodeToString(st.Report.Transcript[:])
		resp.Messages = st.Report.Messages
	}
	for i, p := range st.PeerPhases {
		resp.PeerPhases[i] = p.String()
	}
	return resp
}
