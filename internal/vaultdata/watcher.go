package vaultdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/pkg/logger"
)

const reconnBaseDelay = 1 * time.Second

// TriggerFunc receives the vault addresses whose APY moved enough to
// justify a targeted cycle.
type TriggerFunc func(vaults []string)

// Watcher holds a websocket subscription to the indexer's vault update
// stream. APY moves below the configured threshold are ignored; moves at
// or above it are debounced and handed to the trigger, which runs a
// targeted cycle for the affected vaults only.
type Watcher struct {
	url        string
	minMove    decimal.Decimal
	debounce   time.Duration
	pingPeriod time.Duration
	maxDelay   time.Duration
	trigger    TriggerFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	isConnected bool
	lastAPY     map[string]decimal.Decimal
	pending     map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWatcher(cfg config.WatcherConfig, trigger TriggerFunc) *Watcher {
	minMoveBps := cfg.MinMoveBps
	if minMoveBps <= 0 {
		minMoveBps = 25
	}
	debounce := time.Duration(cfg.DebounceSeconds) * time.Second
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	pingPeriod := time.Duration(cfg.PingPeriodSeconds) * time.Second
	if pingPeriod <= 0 {
		pingPeriod = 15 * time.Second
	}
	maxDelay := time.Duration(cfg.ReconnectMaxDelayS) * time.Second
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		url:        cfg.WSURL,
		minMove:    decimal.New(int64(minMoveBps), -4),
		debounce:   debounce,
		pingPeriod: pingPeriod,
		maxDelay:   maxDelay,
		trigger:    trigger,
		lastAPY:    make(map[string]decimal.Decimal),
		pending:    make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the connection loop and the debounce flusher.
func (w *Watcher) Start() {
	go w.runLoop()
	go w.flushLoop()
}

// Stop closes the watcher.
func (w *Watcher) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
}

func (w *Watcher) runLoop() {
	delay := reconnBaseDelay

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if err := w.connect(); err != nil {
			logger.Error("Vault stream connection failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			delay *= 2
			if delay > w.maxDelay {
				delay = w.maxDelay
			}
			continue
		}

		delay = reconnBaseDelay
		w.mu.Lock()
		w.isConnected = true
		w.mu.Unlock()

		if err := w.sendSubscribe(); err != nil {
			logger.Error("Failed to subscribe to vault stream", "error", err)
			w.conn.Close()
			continue
		}

		w.readLoop()

		w.mu.Lock()
		w.isConnected = false
		w.mu.Unlock()
	}
}

func (w *Watcher) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	readTimeout := w.pingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(w.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.mu.Lock()
				if !w.isConnected || w.conn == nil {
					w.mu.Unlock()
					return
				}
				err := w.conn.WriteMessage(websocket.PingMessage, []byte{})
				w.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	return nil
}

type vaultUpdate struct {
	EventType string `json:"event_type"`
	Vault     string `json:"vault"`
	NetAPY    string `json:"net_apy"`
}

func (w *Watcher) readLoop() {
	defer w.conn.Close()

	readTimeout := w.pingPeriod + 10*time.Second

	for {
		w.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			logger.Error("Vault stream read error", "error", err)
			return
		}

		var updates []vaultUpdate
		if err := json.Unmarshal(message, &updates); err != nil {
			var single vaultUpdate
			if err2 := json.Unmarshal(message, &single); err2 == nil {
				updates = []vaultUpdate{single}
			} else {
				continue
			}
		}

		for _, u := range updates {
			if u.EventType != "apy_update" || u.Vault == "" {
				continue
			}
			apy, err := decimal.NewFromString(u.NetAPY)
			if err != nil {
				continue
			}
			w.observe(u.Vault, apy)
		}
	}
}

// observe records the latest APY for a vault and queues it for a targeted
// trigger when the move since the last observation reaches the threshold.
// The first observation only seeds the baseline.
func (w *Watcher) observe(vault string, apy decimal.Decimal) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, seen := w.lastAPY[vault]
	w.lastAPY[vault] = apy
	if !seen {
		return false
	}

	if apy.Sub(prev).Abs().LessThan(w.minMove) {
		return false
	}
	w.pending[vault] = struct{}{}
	return true
}

func (w *Watcher) flushLoop() {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	vaults := make([]string, 0, len(w.pending))
	for v := range w.pending {
		vaults = append(vaults, v)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	logger.Info("APY move detected, firing targeted cycle", "vaults", len(vaults))
	w.trigger(vaults)
}

func (w *Watcher) sendSubscribe() error {
	msg := map[string]interface{}{
		"type":    "subscribe",
		"channel": "vault_apy",
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("no connection")
	}
	return w.conn.WriteJSON(msg)
}
