package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/metrics"
)

// PushConfig tunes the push backend's dial and reconnect behavior.
type PushConfig struct {
	Endpoints       []string // tried in order; the first is the primary
	ConnectTimeout  time.Duration
	FallbackTimeout time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
}

// Keepalive parameters for the node connection. A connection that produces
// neither data nor pongs within pongWait is treated as dead so the reconnect
// loop can replace it.
const (
	pongWait     = 60 * time.Second
	pingPeriod   = 25 * time.Second
	pingWait     = 10 * time.Second
	notifyBuffer = 64
)

// PushClient maintains a persistent wRPC (JSON over websocket) connection to
// a kaspad node and routes utxos-changed notifications to the watcher. When
// the connection drops it reconnects with exponential backoff and replays
// every live subscription.
type PushClient struct {
	cfg     PushConfig
	onUTXOs func(address string, utxos []UTXO)
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	nextID       uint64
	pending      map[uint64]chan rpcResponse
	subscribed   map[string]struct{}
	scriptToAddr map[string]string

	notifs       chan pushNotification
	stop         chan struct{}
	done         chan struct{}
	dispatchDone chan struct{}
}

// pushNotification is one address's worth of a utxos-changed notification,
// handed from the read loop to the dispatch goroutine.
type pushNotification struct {
	address string
	utxos   []UTXO
}

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// NewPushClient builds a push client. onUTXOs is invoked on a dedicated
// dispatch goroutine, never the read loop, for every monitored address named
// (directly or via script mapping) in a utxos-changed notification. The
// callback may therefore call back into the client.
func NewPushClient(cfg PushConfig, onUTXOs func(address string, utxos []UTXO), m *metrics.Metrics, log zerolog.Logger) *PushClient {
	return &PushClient{
		cfg:          cfg,
		onUTXOs:      onUTXOs,
		metrics:      m,
		log:          log.With().Str("component", "push").Logger(),
		pending:      make(map[uint64]chan rpcResponse),
		subscribed:   make(map[string]struct{}),
		scriptToAddr: make(map[string]string),
		notifs:       make(chan pushNotification, notifyBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
}

// Start dials the node and runs the reconnect loop until Stop. The initial
// dial failure is not fatal: the poll backend carries detection alone until
// a connection lands.
func (c *PushClient) Start() {
	go c.run()
	go c.dispatchLoop()
}

// Stop closes the connection and terminates the reconnect loop.
func (c *PushClient) Stop() {
	close(c.stop)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	<-c.dispatchDone
}

// Connected reports whether a live node connection exists right now.
func (c *PushClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *PushClient) run() {
	defer close(c.done)

	backoff := c.cfg.ReconnectBase
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("push.connect_failed")
			select {
			case <-c.stop:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > c.cfg.ReconnectCap {
				backoff = c.cfg.ReconnectCap
			}
			c.metrics.NodeReconnects.Inc()
			continue
		}
		backoff = c.cfg.ReconnectBase

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.log.Info().Msg("push.connected")

		c.replaySubscriptions()

		pingStop := make(chan struct{})
		go c.pingLoop(conn, pingStop)
		c.readLoop(conn) // returns on disconnect
		close(pingStop)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.failPending(errors.New("connection lost"))
		c.mu.Unlock()

		select {
		case <-c.stop:
			return
		default:
			c.log.Warn().Msg("push.disconnected")
			c.metrics.NodeReconnects.Inc()
		}
	}
}

// dial tries the primary endpoint with the long timeout, then each fallback
// with the short one.
func (c *PushClient) dial() (*websocket.Conn, error) {
	var lastErr error
	for i, endpoint := range c.cfg.Endpoints {
		timeout := c.cfg.ConnectTimeout
		if i > 0 {
			timeout = c.cfg.FallbackTimeout
		}
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.Dial(endpoint, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.Debug().Err(err).Str("endpoint", endpoint).Msg("push.dial_failed")
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return nil, lastErr
}

// pingLoop keeps the connection's liveness deadline fed. WriteControl is
// safe to call concurrently with the request writes in doCall.
func (c *PushClient) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWait)); err != nil {
				return
			}
		}
	}
}

// dispatchLoop delivers queued notifications to the watcher callback outside
// the read loop, so the callback can issue calls on this same connection
// without blocking response delivery.
func (c *PushClient) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.stop:
			return
		case n := <-c.notifs:
			c.onUTXOs(n.address, n.utxos)
		}
	}
}

func (c *PushClient) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg rpcResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("push.bad_frame")
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		switch msg.Method {
		case "utxos-changed", "utxosChanged":
			c.handleUTXOsChanged(msg.Params)
		}
	}
}

// call performs one request/response round trip over the shared connection.
func (c *PushClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := c.doCall(ctx, method, params)
	c.metrics.ObserveNodeCall(method, time.Since(start), err)
	return raw, err
}

func (c *PushClient) doCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, errors.New("push backend not connected")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	err := c.conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: params})
	c.mu.Unlock()

	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("ledger: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("ledger: %s: %w", method, resp.Error)
		}
		return resp.Params, nil
	}
}

func (c *PushClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *PushClient) failPending(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResponse{Error: &rpcError{Message: err.Error()}}
	}
}

// BlueScore queries the node's sink blue score.
func (c *PushClient) BlueScore(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "getSinkBlueScore", struct{}{})
	if err != nil {
		return 0, err
	}
	var body struct {
		BlueScore json.Number `json:"blueScore"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, fmt.Errorf("ledger: decode blue score: %w", err)
	}
	return strconv.ParseUint(body.BlueScore.String(), 10, 64)
}

// Subscribe registers for utxos-changed notifications on an address. The
// address stays in the replay set until Unsubscribe, so reconnects restore
// it. A one-shot UTXO fetch seeds the script-to-address map for nodes that
// key notifications by script public key instead of address.
func (c *PushClient) Subscribe(ctx context.Context, address string) error {
	c.mu.Lock()
	c.subscribed[address] = struct{}{}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil // replayed when the connection lands
	}
	return c.subscribeNow(ctx, address)
}

func (c *PushClient) subscribeNow(ctx context.Context, address string) error {
	if _, err := c.call(ctx, "subscribeUtxosChanged", map[string]any{
		"addresses": []string{address},
	}); err != nil {
		return err
	}
	c.seedScriptMap(ctx, address)
	return nil
}

// Unsubscribe stops notifications for an address and drops it from the
// replay set.
func (c *PushClient) Unsubscribe(ctx context.Context, address string) {
	c.mu.Lock()
	delete(c.subscribed, address)
	for script, addr := range c.scriptToAddr {
		if addr == address {
			delete(c.scriptToAddr, script)
		}
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return
	}
	if _, err := c.call(ctx, "unsubscribeUtxosChanged", map[string]any{
		"addresses": []string{address},
	}); err != nil {
		c.log.Warn().Err(err).Str("address", address).Msg("push.unsubscribe_failed")
	}
}

func (c *PushClient) replaySubscriptions() {
	c.mu.Lock()
	addrs := make([]string, 0, len(c.subscribed))
	for a := range c.subscribed {
		addrs = append(addrs, a)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, a := range addrs {
		if err := c.subscribeNow(ctx, a); err != nil {
			c.log.Warn().Err(err).Str("address", a).Msg("push.resubscribe_failed")
		}
	}
}

// seedScriptMap fetches the address's current UTXOs once so later
// notifications carrying only a script public key can be routed back.
func (c *PushClient) seedScriptMap(ctx context.Context, address string) {
	raw, err := c.call(ctx, "getUtxosByAddresses", map[string]any{
		"addresses": []string{address},
	})
	if err != nil {
		c.log.Debug().Err(err).Str("address", address).Msg("push.seed_script_map_failed")
		return
	}
	var body struct {
		Entries []pushUTXOEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	c.mu.Lock()
	for _, e := range body.Entries {
		if script := e.UTXOEntry.ScriptPublicKey.Script; script != "" {
			c.scriptToAddr[script] = address
		}
	}
	c.mu.Unlock()
}

// pushUTXOEntry mirrors one entry in utxos-changed notifications and
// getUtxosByAddresses responses.
type pushUTXOEntry struct {
	Address  string `json:"address"`
	Outpoint struct {
		TransactionID string `json:"transactionId"`
		Index         uint32 `json:"index"`
	} `json:"outpoint"`
	UTXOEntry struct {
		Amount          json.Number `json:"amount"`
		BlockDAAScore   json.Number `json:"blockDaaScore"`
		ScriptPublicKey struct {
			Script string `json:"scriptPublicKey"`
		} `json:"scriptPublicKey"`
	} `json:"utxoEntry"`
}

func (c *PushClient) handleUTXOsChanged(params json.RawMessage) {
	var body struct {
		Added []pushUTXOEntry `json:"added"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		c.log.Warn().Err(err).Msg("push.bad_notification")
		return
	}

	byAddress := make(map[string][]UTXO)
	for _, e := range body.Added {
		address := e.Address
		if address == "" {
			c.mu.Lock()
			address = c.scriptToAddr[e.UTXOEntry.ScriptPublicKey.Script]
			c.mu.Unlock()
		}
		if address == "" {
			continue
		}
		u, err := e.toUTXO()
		if err != nil {
			c.log.Warn().Err(err).Msg("push.skip_malformed_utxo")
			continue
		}
		byAddress[address] = append(byAddress[address], u)
	}

	for address, utxos := range byAddress {
		select {
		case c.notifs <- pushNotification{address: address, utxos: utxos}:
		default:
			// Overflow is tolerable: the poll backend re-detects anything
			// dropped here on its next pass.
			c.log.Warn().Str("address", address).Msg("push.notify_queue_full")
		}
	}
}

func (e pushUTXOEntry) toUTXO() (UTXO, error) {
	amount, ok := new(big.Int).SetString(e.UTXOEntry.Amount.String(), 10)
	if !ok {
		return UTXO{}, fmt.Errorf("bad amount %q", e.UTXOEntry.Amount)
	}
	score := uint64(0)
	if s := e.UTXOEntry.BlockDAAScore.String(); s != "" {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return UTXO{}, fmt.Errorf("bad blockDaaScore %q", s)
		}
		score = parsed
	}
	return UTXO{
		TxID:          e.Outpoint.TransactionID,
		Index:         e.Outpoint.Index,
		AmountSompi:   amount,
		BlockDAAScore: score,
		ScriptPubKey:  e.UTXOEntry.ScriptPublicKey.Script,
	}, nil
}
