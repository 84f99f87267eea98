package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/algo"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/daemon"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/session"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// Request is one client command. ID correlates the response on multiplexed
// transports; Token authenticates everything except ping and login.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response mirrors a request by ID.
type Response struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleRPC(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "malformed request: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.dispatch(c.Request.Context(), req))
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID, Type: req.Type}

	data, err := s.route(ctx, req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Success = true
	resp.Data = data
	return resp
}

func (s *Server) route(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case "ping":
		return gin.H{"pong": true}, nil
	case "login":
		return s.rpcLogin(ctx, req)
	case "getStrategies":
		return s.catalog.List(), nil
	case "getRithmicCredentials":
		return gin.H{
			"user":     s.cfg.RithmicUser,
			"password": s.cfg.RithmicPassword,
			"system":   s.cfg.RithmicSystem,
		}, nil
	}

	// Everything below requires an authenticated session.
	sess, err := s.sessions.Authenticate(req.Token)
	if err != nil {
		return nil, err
	}

	switch req.Type {
	case "status":
		return s.rpcStatus(sess)
	case "logout":
		return s.rpcLogout(ctx, sess)
	case "reconnect":
		if err := s.daemon.Reconnect(ctx, sess.ConnectionKey); err != nil {
			return nil, err
		}
		return gin.H{"reconnected": true}, nil
	case "getAccounts":
		return s.daemon.AccountsFor(sess.ConnectionKey)
	case "getPnL":
		return s.rpcPnL(sess, req.Payload)
	case "getPositions":
		return s.daemon.PositionsFor(ctx, sess.ConnectionKey)
	case "placeOrder":
		return s.rpcPlaceOrder(ctx, sess, req.Payload)
	case "cancelOrder", "cancelOrders":
		return s.rpcCancelOrders(ctx, sess, req.Payload)
	case "getContracts", "searchContracts":
		return s.rpcContracts(ctx, sess, req.Payload)
	case "startEngine":
		return s.rpcStartEngine(ctx, sess, req.Payload)
	case "stopEngine":
		return s.rpcStopEngine(ctx, sess)
	case "engineStatus":
		return s.rpcEngineStatus(sess)
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func (s *Server) rpcLogin(ctx context.Context, req Request) (any, error) {
	var creds broker.Credentials
	if err := json.Unmarshal(req.Payload, &creds); err != nil {
		return nil, fmt.Errorf("malformed credentials: %w", err)
	}
	if creds.Broker == "" || creds.UserID == "" {
		return nil, errors.New("credentials require broker and user_id")
	}
	if creds.DeviceID == "" {
		creds.DeviceID = s.cfg.DeviceID
	}

	accounts, err := s.daemon.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	sess, token, err := s.sessions.Create(creds.ConnectionKey())
	if err != nil {
		return nil, err
	}
	return gin.H{
		"session_id":     sess.ID,
		"token":          token,
		"connection_key": creds.ConnectionKey(),
		"accounts":       accounts,
	}, nil
}

func (s *Server) rpcLogout(ctx context.Context, sess *session.Session) (any, error) {
	if err := s.sessions.Destroy(ctx, sess.ID); err != nil {
		return nil, err
	}
	key := sess.ConnectionKey
	if err := s.daemon.Logout(ctx, key); err != nil && !errors.Is(err, daemon.ErrConnectionNotFound) {
		return nil, err
	}
	s.rec.Forget(key)
	return gin.H{"logged_out": true}, nil
}

func (s *Server) rpcStatus(sess *session.Session) (any, error) {
	info, ok := s.daemon.Record(sess.ConnectionKey)
	if !ok {
		return nil, daemon.ErrConnectionNotFound
	}
	out := gin.H{"connection": info, "session_id": sess.ID}
	if eng, err := s.sessions.Engine(sess.ID); err == nil && eng != nil {
		out["engine_state"] = eng.State().String()
	}
	return out, nil
}

func (s *Server) rpcPnL(sess *session.Session, payload json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"account_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.AccountID == "" {
		return nil, errors.New("getPnL requires account_id")
	}
	return s.daemon.PnLFor(sess.ConnectionKey, p.AccountID)
}

func (s *Server) rpcPlaceOrder(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req broker.OrderRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed order: %w", err)
	}
	if req.AccountID == "" || req.Symbol == "" || req.Qty <= 0 {
		return nil, errors.New("order requires account_id, symbol, and a positive qty")
	}
	return s.daemon.PlaceOrder(ctx, sess.ConnectionKey, req)
}

func (s *Server) rpcCancelOrders(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"account_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.AccountID == "" {
		return nil, errors.New("cancelOrders requires account_id")
	}
	if err := s.daemon.CancelOrders(ctx, sess.ConnectionKey, p.AccountID); err != nil {
		return nil, err
	}
	return gin.H{"canceled": true}, nil
}

func (s *Server) rpcContracts(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Query == "" {
		return nil, errors.New("getContracts requires query")
	}
	return s.daemon.ContractsFor(ctx, sess.ConnectionKey, p.Query)
}

// startEngineParams binds a preset to an account, with optional overrides.
type startEngineParams struct {
	StrategyID  string   `json:"strategy_id"`
	AccountID   string   `json:"account_id"`
	Symbol      string   `json:"symbol,omitempty"`
	Exchange    string   `json:"exchange,omitempty"`
	Size        int      `json:"size,omitempty"`
	DailyTarget *float64 `json:"daily_target,omitempty"`
	MaxRisk     *float64 `json:"max_risk,omitempty"`
}

func (s *Server) rpcStartEngine(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var p startEngineParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("malformed startEngine params: %w", err)
	}
	if p.StrategyID == "" || p.AccountID == "" {
		return nil, errors.New("startEngine requires strategy_id and account_id")
	}
	if eng, err := s.sessions.Engine(sess.ID); err == nil && eng != nil && eng.State() != algo.StateStopped {
		if eng.State() == algo.StateRunning || eng.State() == algo.StateStopping {
			return nil, session.ErrEngineActive
		}
	}

	strat, preset, err := s.catalog.Build(p.StrategyID)
	if err != nil {
		return nil, err
	}
	cfg := algo.Config{
		StrategyID:  preset.ID,
		Symbol:      preset.Symbol,
		Exchange:    preset.Exchange,
		AccountID:   p.AccountID,
		Size:        preset.Size,
		DailyTarget: preset.DailyTarget,
		MaxRisk:     preset.MaxRisk,
		TickSize:    preset.TickSize,
		TickValue:   preset.TickValue,
	}
	if p.Symbol != "" {
		cfg.Symbol = p.Symbol
	}
	if p.Exchange != "" {
		cfg.Exchange = p.Exchange
	}
	if p.Size > 0 {
		cfg.Size = p.Size
	}
	if p.DailyTarget != nil {
		cfg.DailyTarget = *p.DailyTarget
	}
	if p.MaxRisk != nil {
		cfg.MaxRisk = *p.MaxRisk
	}

	key := sess.ConnectionKey
	resolver := func() broker.Handle { return s.daemon.HandleFor(key) }
	runner := algo.New(sess.ID, cfg, strat, resolver, s.feeds(), s.bus, algo.Options{
		SettleDelay:     s.cfg.SettleDelay,
		PnLPollInterval: s.cfg.PnLPollInterval,
	})

	if err := s.sessions.AttachEngine(sess.ID, runner); err != nil {
		return nil, err
	}
	// Start on the server's base context, not the request's: net/http
	// cancels the request context as soon as the handler returns.
	if err := runner.Start(s.base); err != nil {
		return nil, err
	}
	return gin.H{"engine_state": runner.State().String(), "config": cfg}, nil
}

func (s *Server) rpcStopEngine(ctx context.Context, sess *session.Session) (any, error) {
	eng, err := s.sessions.Engine(sess.ID)
	if err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, errors.New("no engine for this session")
	}
	if err := eng.Stop(ctx, algo.ReasonManual); err != nil {
		return nil, err
	}
	return gin.H{"engine_state": eng.State().String(), "stats": eng.Stats()}, nil
}

func (s *Server) rpcEngineStatus(sess *session.Session) (any, error) {
	eng, err := s.sessions.Engine(sess.ID)
	if err != nil {
		return nil, err
	}
	if eng == nil {
		return gin.H{"engine_state": algo.StateIdle.String()}, nil
	}
	out := gin.H{"engine_state": eng.State().String(), "stats": eng.Stats()}
	if pos := eng.Position(); pos != nil {
		out["position"] = pos
	}
	return out, nil
}
