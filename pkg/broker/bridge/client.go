// Package bridge talks to a broker bridge sidecar that holds the live broker
// session. Requests and responses are JSON frames over one websocket,
// correlated by id.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signal-core/pkg/broker"
)

var errNotConnected = errors.New("bridge not connected")

// Bridge operations.
const (
	opAuth          = "auth"
	opBalance       = "balance"
	opBuy           = "buy"
	opSell          = "sell"
	opCheckResult   = "check_result"
	opOpenPositions = "open_positions"
)

// Config for the bridge client.
type Config struct {
	URL            string
	SSID           string
	AssetSuffix    string // appended on placement, e.g. "_otc"
	RateLimit      float64
	Burst          int
	RequestTimeout time.Duration // applies to every call except check_result
}

type request struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type placeParams struct {
	Asset    string  `json:"asset"`
	Amount   float64 `json:"amount"`
	Duration int     `json:"duration"` // seconds
}

type resultData struct {
	TradeID string  `json:"trade_id"`
	Result  string  `json:"result"`
	Profit  float64 `json:"profit"`
	Amount  float64 `json:"amount"`
}

// Client implements broker.Gateway over the bridge websocket.
type Client struct {
	cfg     Config
	log     *zap.Logger
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]pendingCall
}

// pendingCall remembers which socket a request went out on so a dying
// socket only fails its own callers.
type pendingCall struct {
	conn *websocket.Conn
	ch   chan response
}

var _ broker.Gateway = (*Client)(nil)

// Dial connects and authenticates.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[string]pendingCall),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return broker.Wrap("dial", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	if err := c.call(ctx, opAuth, map[string]string{"ssid": c.cfg.SSID}, nil, c.cfg.RequestTimeout); err != nil {
		c.closeConn(conn)
		return err
	}
	c.log.Info("bridge connected", zap.String("url", c.cfg.URL))
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.closeConn(conn)
			c.failPending(conn, err)
			return
		}
		c.pendingMu.Lock()
		pc, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.log.Warn("bridge response without caller", zap.String("id", resp.ID))
			continue
		}
		pc.ch <- resp
	}
}

func (c *Client) failPending(conn *websocket.Conn, cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, pc := range c.pending {
		if pc.conn != conn {
			continue
		}
		pc.ch <- response{ID: id, Error: fmt.Sprintf("connection lost: %v", cause)}
		delete(c.pending, id)
	}
}

// closeConn drops conn if it is still the active one.
func (c *Client) closeConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) call(ctx context.Context, op string, params any, out any, timeout time.Duration) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return broker.Wrap(op, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return broker.Wrap(op, errNotConnected)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = pendingCall{conn: conn, ch: ch}
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(request{ID: id, Op: op, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return broker.Wrap(op, err)
	}

	select {
	case <-ctx.Done():
		return broker.Wrap(op, ctx.Err())
	case resp := <-ch:
		if !resp.OK {
			msg := resp.Error
			if msg == "" {
				msg = "request rejected"
			}
			return broker.Wrap(op, errors.New(msg))
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return broker.Wrap(op, fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}
}

func (c *Client) Balance(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := c.call(ctx, opBalance, nil, &out, c.cfg.RequestTimeout); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) Buy(ctx context.Context, asset string, amount float64, duration time.Duration) (broker.Placement, error) {
	return c.place(ctx, opBuy, broker.DirectionCall, asset, amount, duration)
}

func (c *Client) Sell(ctx context.Context, asset string, amount float64, duration time.Duration) (broker.Placement, error) {
	return c.place(ctx, opSell, broker.DirectionPut, asset, amount, duration)
}

func (c *Client) place(ctx context.Context, op string, dir broker.Direction, asset string, amount float64, duration time.Duration) (broker.Placement, error) {
	params := placeParams{
		Asset:    c.brokerAsset(asset),
		Amount:   amount,
		Duration: int(duration / time.Second),
	}
	var p broker.Placement
	if err := c.call(ctx, op, params, &p, c.cfg.RequestTimeout); err != nil {
		return broker.Placement{}, err
	}
	if p.TradeID == "" {
		return broker.Placement{}, broker.Wrap(op, errors.New("bridge returned no trade id"))
	}
	p.Asset = asset
	p.Direction = dir
	if p.Amount == 0 {
		p.Amount = amount
	}
	return p, nil
}

func (c *Client) brokerAsset(asset string) string {
	if c.cfg.AssetSuffix == "" || strings.HasSuffix(asset, c.cfg.AssetSuffix) {
		return asset
	}
	return asset + c.cfg.AssetSuffix
}

// CheckResult is bounded only by ctx; the bridge answers once the trade expires.
func (c *Client) CheckResult(ctx context.Context, tradeID string) (broker.Result, error) {
	var out resultData
	if err := c.call(ctx, opCheckResult, map[string]string{"trade_id": tradeID}, &out, 0); err != nil {
		return broker.Result{}, err
	}
	outcome, err := broker.ParseOutcome(out.Result)
	if err != nil {
		return broker.Result{}, broker.Wrap(opCheckResult, err)
	}
	res := broker.Result{TradeID: tradeID, Outcome: outcome, Amount: out.Amount}
	if outcome == broker.OutcomeWin && out.Profit > 0 {
		res.Profit = out.Profit
	}
	return res, nil
}

func (c *Client) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	var out []broker.Position
	if err := c.call(ctx, opOpenPositions, nil, &out, c.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Asset = strings.TrimSuffix(out[i].Asset, c.cfg.AssetSuffix)
	}
	return out, nil
}

// Reconnect drops the current socket, if any, and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.closeConn(conn)
	}
	return c.connect(ctx)
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.closeConn(conn)
	return nil
}
