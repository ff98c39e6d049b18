// Package server exposes the matching engine over a line-based TCP
// request/response protocol. Each accepted connection is one client session
// served by its own goroutine; a session must LOGIN before it may submit,
// cancel or query orders.
package server

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/venue/pkg/venue"
)

// maxVWAPDurationMinutes bounds the execution window a client may request.
const maxVWAPDurationMinutes = 480

// Server accepts client sessions and dispatches protocol commands to the
// engine.
type Server struct {
	engine *venue.MatchingEngine
	log    *zap.SugaredLogger

	ln net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	clients map[string]struct{} // logged-in client ids
	closed  bool

	wg sync.WaitGroup
}

// New creates a server bound to the engine.
func New(engine *venue.MatchingEngine, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		engine:  engine,
		log:     logger,
		conns:   make(map[net.Conn]struct{}),
		clients: make(map[string]struct{}),
	}
}

// Listen binds addr and returns the bound address (useful with ":0").
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Infow("trading server listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Serve runs the accept loop until Close. Listen must have been called.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting, closes every live session and waits for handlers to
// return. Resting orders stay on the books.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	sess := &session{}
	defer func() {
		s.releaseSession(sess)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.process(sess, line)
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

// session is the per-connection state. An ungraceful disconnect frees it but
// leaves the client's live orders on the books.
type session struct {
	clientID string
}

func (sess *session) loggedIn() bool { return sess.clientID != "" }

// releaseSession frees the session's client id for future logins.
func (s *Server) releaseSession(sess *session) {
	if sess.clientID == "" {
		return
	}
	s.mu.Lock()
	delete(s.clients, sess.clientID)
	s.mu.Unlock()
	s.log.Infow("session released", "client_id", sess.clientID)
	sess.clientID = ""
}

func (s *Server) process(sess *session, line string) string {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return "UNKNOWN_COMMAND\n"
	}

	switch tokens[0] {
	case "LOGIN":
		return s.handleLogin(sess, tokens[1:])
	case "LOGOUT":
		return s.handleLogout(sess)
	case "ORDER":
		return s.handleOrder(sess, tokens[1:])
	case "STOP_LIMIT_ORDER":
		return s.handleStopLimitOrder(sess, tokens[1:])
	case "TRAILING_STOP_ORDER":
		return s.handleTrailingStopOrder(sess, tokens[1:])
	case "VWAP_ORDER":
		return s.handleVWAPOrder(sess, tokens[1:])
	case "VWAP_STATUS":
		return s.handleVWAPStatus(sess, tokens[1:])
	case "CANCEL":
		return s.handleCancel(sess, tokens[1:])
	case "BOOK":
		return s.handleBook(tokens[1:])
	}
	return "UNKNOWN_COMMAND\n"
}

func (s *Server) handleLogin(sess *session, args []string) string {
	if len(args) != 1 || args[0] == "" {
		return "LOGIN_FAILED:Missing client ID\n"
	}
	if sess.loggedIn() {
		return "LOGIN_FAILED:Already logged in\n"
	}
	clientID := args[0]

	s.mu.Lock()
	if _, taken := s.clients[clientID]; taken {
		s.mu.Unlock()
		return "LOGIN_FAILED:Client already connected\n"
	}
	s.clients[clientID] = struct{}{}
	s.mu.Unlock()

	sess.clientID = clientID
	s.log.Infow("client logged in", "client_id", clientID)
	return "LOGIN_SUCCESS:" + clientID + "\n"
}

func (s *Server) handleLogout(sess *session) string {
	if !sess.loggedIn() {
		return "LOGOUT_FAILED:Not logged in\n"
	}
	s.releaseSession(sess)
	return "LOGOUT_SUCCESS\n"
}

// authorize verifies the session is logged in as clientID. An empty return
// means authorized.
func (sess *session) authorize(clientID string) string {
	if !sess.loggedIn() {
		return "ERROR:Not logged in\n"
	}
	if sess.clientID != clientID {
		return "ERROR:Client ID mismatch\n"
	}
	return ""
}

func (s *Server) handleOrder(sess *session, args []string) string {
	if len(args) != 6 {
		return "ORDER_ID:0\n"
	}
	symbol := args[0]
	typ, okType := venue.ParseOrderType(args[1])
	side, okSide := venue.ParseSide(args[2])
	price, errPrice := strconv.ParseFloat(args[3], 64)
	quantity, errQty := strconv.ParseFloat(args[4], 64)
	clientID := args[5]

	if reply := sess.authorize(clientID); reply != "" {
		return reply
	}
	if !okType || !okSide || errPrice != nil || errQty != nil {
		return "ORDER_ID:0\n"
	}

	orderID := s.engine.SubmitOrder(symbol, typ, side, price, quantity, clientID)
	return "ORDER_ID:" + strconv.FormatUint(orderID, 10) + "\n"
}

func (s *Server) handleStopLimitOrder(sess *session, args []string) string {
	if len(args) != 6 {
		return "ORDER_ID:0\n"
	}
	symbol := args[0]
	side, okSide := venue.ParseSide(args[1])
	stopPrice, errStop := strconv.ParseFloat(args[2], 64)
	limitPrice, errLimit := strconv.ParseFloat(args[3], 64)
	quantity, errQty := strconv.ParseFloat(args[4], 64)
	clientID := args[5]

	if reply := sess.authorize(clientID); reply != "" {
		return reply
	}
	if !okSide || errStop != nil || errLimit != nil || errQty != nil {
		return "ORDER_ID:0\n"
	}

	orderID := s.engine.SubmitStopLimitOrder(symbol, side, stopPrice, limitPrice, quantity, clientID)
	return "ORDER_ID:" + strconv.FormatUint(orderID, 10) + "\n"
}

func (s *Server) handleTrailingStopOrder(sess *session, args []string) string {
	if len(args) != 5 {
		return "ORDER_ID:0\n"
	}
	symbol := args[0]
	side, okSide := venue.ParseSide(args[1])
	trailingAmount, errTrail := strconv.ParseFloat(args[2], 64)
	quantity, errQty := strconv.ParseFloat(args[3], 64)
	clientID := args[4]

	if reply := sess.authorize(clientID); reply != "" {
		return reply
	}
	if !okSide || errTrail != nil || errQty != nil {
		return "ORDER_ID:0\n"
	}

	orderID := s.engine.SubmitTrailingStopOrder(symbol, side, trailingAmount, quantity, clientID)
	return "ORDER_ID:" + strconv.FormatUint(orderID, 10) + "\n"
}

func (s *Server) handleVWAPOrder(sess *session, args []string) string {
	if len(args) != 6 {
		return "VWAP_ORDER_FAILED:Invalid parameters\n"
	}
	symbol := args[0]
	side, okSide := venue.ParseSide(args[1])
	targetVWAP, errTarget := strconv.ParseFloat(args[2], 64)
	quantity, errQty := strconv.ParseFloat(args[3], 64)
	durationMinutes, errDur := strconv.Atoi(args[4])
	clientID := args[5]

	if reply := sess.authorize(clientID); reply != "" {
		return reply
	}
	if !okSide || errTarget != nil || errQty != nil || errDur != nil {
		return "VWAP_ORDER_FAILED:Invalid parameters\n"
	}
	if durationMinutes <= 0 || durationMinutes > maxVWAPDurationMinutes {
		return "VWAP_ORDER_FAILED:Invalid duration\n"
	}

	start := time.Now()
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	orderID := s.engine.SubmitVWAPOrder(symbol, side, targetVWAP, quantity, start, end, clientID)
	if orderID == 0 {
		return "VWAP_ORDER_FAILED:Rejected\n"
	}
	return "VWAP_ORDER_ID:" + strconv.FormatUint(orderID, 10) + "\n"
}

func (s *Server) handleVWAPStatus(sess *session, args []string) string {
	if len(args) != 2 {
		return "VWAP_STATUS:NO_ACTIVE_VWAP_ORDERS\n"
	}
	symbol, clientID := args[0], args[1]

	if reply := sess.authorize(clientID); reply != "" {
		return reply
	}

	orders := s.engine.ActiveVWAPOrders(symbol, clientID)
	if len(orders) == 0 {
		return "VWAP_STATUS:NO_ACTIVE_VWAP_ORDERS\n"
	}

	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		parts = append(parts, fmt.Sprintf("ID:%d SIDE:%s TARGET:%s PROGRESS:%s/%s STATUS:%d",
			o.ID,
			o.Side,
			formatPrice(o.TargetVWAP),
			formatPrice(o.FilledQuantity),
			formatPrice(o.Quantity),
			o.Status,
		))
	}
	return "VWAP_STATUS:" + strings.Join(parts, "|") + "\n"
}

func (s *Server) handleCancel(sess *session, args []string) string {
	if len(args) != 2 {
		return "CANCEL_FAILED\n"
	}
	orderID, err := strconv.ParseUint(args[0], 10, 64)
	clientID := args[1]

	if reply := sess.authorize(clientID); reply != "" {
		return reply
	}
	if err != nil {
		return "CANCEL_FAILED\n"
	}

	if s.engine.CancelOrder(orderID, clientID) {
		return "CANCELLED\n"
	}
	return "CANCEL_FAILED\n"
}

func (s *Server) handleBook(args []string) string {
	if len(args) != 1 {
		return "BOOK_NOT_FOUND\n"
	}
	book := s.engine.OrderBook(args[0])
	if book == nil {
		return "BOOK_NOT_FOUND\n"
	}
	return "BID:" + formatPrice(book.BestBid()) +
		" ASK:" + formatPrice(book.BestAsk()) +
		" LAST:" + formatPrice(book.LastPrice()) + "\n"
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
