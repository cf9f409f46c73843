package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"tp-bridge/internal/alerts"
	"tp-bridge/internal/breaker"
	"tp-bridge/internal/config"
	"tp-bridge/internal/feed"
	"tp-bridge/internal/journal"
	"tp-bridge/internal/ledger"
	"tp-bridge/internal/metrics"
	"tp-bridge/internal/pgexport"
	"tp-bridge/internal/protocol"
	"tp-bridge/internal/router"
	"tp-bridge/internal/statemgr"
	"tp-bridge/internal/transport"

	"go.uber.org/zap"
)

const simBaselineKey = "sim_baseline"

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *journal.Store
	metrics   *metrics.Metrics
	metricsH  http.Handler
	alerts    *alerts.Telegram
	brk       *breaker.Breaker
	client    *transport.Client
	table     *protocol.RequestTable
	norm      *protocol.Normalizer
	requester *transport.Requester
	state     *statemgr.Manager
	router    *router.Router
	feed      *feed.Server
	export    *pgexport.Writer

	applyBalance  func(protocol.Message)
	applyPosition func(protocol.Message)
	applyOrder    func(protocol.Message)

	runCtx context.Context

	mu       sync.Mutex
	orders   map[string][]ledger.Update
	exported map[string]bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := journal.Open(cfg.Journal.SQLitePath)
	if err != nil {
		return nil, err
	}

	m := metrics.NewNoop()
	var metricsH http.Handler
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		metricsH = prom.Handler()
	}

	alertsClient := alerts.NewTelegram(cfg.Telegram, log)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})

	var codec transport.Codec = transport.MsgpackCodec{}
	if cfg.Transport.Codec == "json" {
		codec = transport.JSONCodec{}
	}
	client := transport.New(transport.Config{
		Host:              cfg.Transport.Host,
		Port:              cfg.Transport.Port,
		Username:          cfg.Transport.Username,
		Password:          cfg.Transport.Password,
		DialTimeout:       cfg.Transport.DialTimeout,
		LogonTimeout:      cfg.Transport.LogonTimeout,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Transport.HeartbeatTimeout,
	}, codec, brk, breaker.Exponential(cfg.Breaker.BackoffBase, cfg.Breaker.BackoffMax), log)

	table := protocol.NewRequestTable(0)
	norm := protocol.NewNormalizer(table, protocol.ClassifyAccount, log)
	requester := transport.NewRequester(client, table)

	initialMode := protocol.Mode(strings.ToUpper(cfg.Sim.InitialMode))
	state := statemgr.New(initialMode, log)
	rt := router.New(log)

	var feedSrv *feed.Server
	if cfg.Feed.Enabled {
		feedSrv = feed.NewServer(log)
	}

	export, err := pgexport.New(cfg.PgExport, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		metrics:   m,
		metricsH:  metricsH,
		alerts:    alertsClient,
		brk:       brk,
		client:    client,
		table:     table,
		norm:      norm,
		requester: requester,
		state:     state,
		router:    rt,
		feed:      feedSrv,
		export:    export,
		runCtx:    context.Background(),
		orders:    make(map[string][]ledger.Update),
		exported:  make(map[string]bool),
	}

	a.applyBalance = router.ModeFiltered(state.Mode, a.balanceUpdate)
	a.applyPosition = router.ModeFiltered(state.Mode, a.positionUpdate)
	a.applyOrder = router.ModeFiltered(state.Mode, a.orderUpdate)

	state.Observe(func(ev statemgr.Event) {
		rt.DispatchEvent(ev)
		if a.feed != nil {
			if fe, ok := feed.FromStateEvent(ev); ok {
				a.feed.Broadcast(fe)
			}
		}
	})

	brk.OnTransition(func(from, to breaker.State) {
		switch {
		case to == breaker.StateOpen:
			m.BreakerTripped.Inc()
		case to == breaker.StateClosed && from == breaker.StateHalfOpen:
			m.BreakerRecovered.Inc()
		}
		go a.alerts.NotifyBreaker(a.runCtx, from, to)
	})

	client.SetOnConnected(func() {
		m.Reconnects.Inc()
		go a.issueStartupRequests()
	})
	client.SetOnSessionEnd(func(err error) {
		if errors.Is(err, transport.ErrHeartbeatSilence) {
			m.HeartbeatTimeouts.Inc()
		}
	})

	return a, nil
}

// Router exposes the fan-out for external subscribers (UI, persistence).
func (a *App) Router() *router.Router { return a.router }

// State exposes the read side of the state manager.
func (a *App) State() *statemgr.Manager { return a.state }

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.export.Close()
	a.runCtx = ctx

	a.restoreSimBaseline(ctx)
	a.export.Start(ctx)

	if a.metricsH != nil {
		a.serveHTTP(ctx, a.cfg.Metrics.Address, a.cfg.Metrics.Path, a.metricsH)
	}
	if a.feed != nil {
		a.serveHTTP(ctx, a.cfg.Feed.Address, "/feed", a.feed.Handler())
	}
	if a.cfg.Sim.ResetInterval > 0 {
		go a.simResetLoop(ctx)
	}

	err := a.client.Run(ctx, a.handleRaw)
	switch {
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, transport.ErrDisconnected):
		a.log.Info("server ended the session")
		return nil
	default:
		return err
	}
}

func (a *App) serveHTTP(ctx context.Context, addr, path string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("http server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

func (a *App) restoreSimBaseline(ctx context.Context) {
	val, ok, err := a.store.Get(ctx, simBaselineKey)
	if err != nil {
		a.log.Warn("sim baseline load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	baseline, err := strconv.ParseFloat(val, 64)
	if err != nil || baseline <= 0 {
		a.log.Warn("sim baseline unparsable", zap.String("value", val))
		return
	}
	a.state.ResetModeBalance(protocol.ModeSim, baseline)
}

func (a *App) simResetLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Sim.ResetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.state.ResetModeBalance(protocol.ModeSim, a.cfg.Sim.ResetBalance)
			value := strconv.FormatFloat(a.cfg.Sim.ResetBalance, 'f', -1, 64)
			if err := a.store.Set(ctx, simBaselineKey, value); err != nil {
				a.log.Warn("sim baseline persist failed", zap.Error(err))
			}
			a.log.Info("sim balance reset", zap.Float64("balance", a.cfg.Sim.ResetBalance))
		}
	}
}

func (a *App) issueStartupRequests() {
	ctx, cancel := context.WithTimeout(a.runCtx, 10*time.Second)
	defer cancel()
	if _, err := a.requester.RequestTradeAccounts(ctx); err != nil {
		a.log.Warn("trade accounts request failed", zap.Error(err))
	}
	account := a.cfg.Transport.Account
	if _, err := a.requester.RequestOpenOrders(ctx, account); err != nil {
		a.log.Warn("open orders request failed", zap.Error(err))
	}
	if _, err := a.requester.RequestPositions(ctx, account); err != nil {
		a.log.Warn("positions request failed", zap.Error(err))
	}
}

// handleRaw runs on the transport receive goroutine. Everything downstream
// of it is single-writer: journal, normalize, apply, dispatch.
func (a *App) handleRaw(raw protocol.Raw) {
	if err := a.store.Append(a.runCtx, time.Now().UTC(), raw); err != nil {
		a.log.Warn("journal append failed", zap.Error(err))
	}

	msg, err := a.norm.Normalize(raw)
	if err != nil {
		a.metrics.MessagesDropped.Inc()
		if errors.Is(err, protocol.ErrProtocolViolation) {
			a.metrics.ProtocolViolations.Inc()
		} else {
			a.log.Debug("message dropped", zap.Int("type", raw.Type), zap.Error(err))
		}
		return
	}
	a.metrics.MessagesNormalized.Inc()

	switch msg.Kind {
	case protocol.KindHeartbeat, protocol.KindLogonResponse:
		return
	case protocol.KindLogoff:
		a.log.Info("logoff received", zap.String("reason", msg.Reason))
	case protocol.KindTradeAccountResponse:
		a.tradeAccountResponse(msg)
	case protocol.KindBalanceUpdate:
		a.applyBalance(msg)
	case protocol.KindPositionUpdate:
		a.applyPosition(msg)
	case protocol.KindOrderUpdate:
		a.applyOrder(msg)
	}
	a.router.DispatchMessage(msg)
}

// tradeAccountResponse derives the tracked mode from the account the
// platform reports. A configured account restricts which response counts.
func (a *App) tradeAccountResponse(msg protocol.Message) {
	if acct := a.cfg.Transport.Account; acct != "" && !strings.EqualFold(acct, msg.Account) {
		return
	}
	if msg.Mode == protocol.ModeUntagged {
		return
	}
	if !a.state.RequestModeChange(msg.Mode) {
		a.log.Warn("mode change rejected", zap.String("mode", string(msg.Mode)))
	}
}

func (a *App) balanceUpdate(msg protocol.Message) {
	mode := msg.Mode
	if mode == protocol.ModeUntagged {
		mode = a.state.Mode()
	}
	a.state.ApplyBalanceUpdate(mode, msg.Balance)
}

// positionUpdate reconciles the platform's view of the open position.
func (a *App) positionUpdate(msg protocol.Message) {
	pos, open := a.state.Position()
	qty := msg.Qty
	switch {
	case qty == 0 && open && pos.Symbol == msg.Symbol:
		if _, err := a.state.ClosePosition(); err != nil {
			a.log.Warn("position close failed", zap.Error(err))
		}
	case qty != 0 && !open:
		side := "BUY"
		if qty < 0 {
			side = "SELL"
			qty = -qty
		}
		if err := a.state.RecoverPosition(msg.Mode, msg.Symbol, qty, msg.Price, side); err != nil {
			a.log.Warn("position recovery failed", zap.Error(err))
		}
	}
}

func (a *App) orderUpdate(msg protocol.Message) {
	a.metrics.OrderUpdatesApplied.Inc()

	update, ok := ledger.FromMessage(msg)
	if ok {
		a.mu.Lock()
		a.orders[update.OrderID] = append(a.orders[update.OrderID], update)
		group := a.orders[update.OrderID]
		alreadyExported := a.exported[update.OrderID]
		a.mu.Unlock()

		if msg.LastFillQty > 0 {
			a.export.EnqueueFill(ledger.Fill{
				OrderID: msg.OrderID,
				Account: msg.Account,
				Symbol:  msg.Symbol,
				Side:    msg.Side,
				Qty:     msg.LastFillQty,
				Price:   msg.LastFillPrice,
				Time:    msg.Timestamp,
			})
		}
		if ledger.IsTerminal(msg.Status) && !alreadyExported {
			if recs := ledger.Build(group); len(recs) == 1 {
				a.export.EnqueueRecord(recs[0])
				a.mu.Lock()
				a.exported[update.OrderID] = true
				a.mu.Unlock()
			}
		}
	}

	a.applyFill(msg)

	if a.feed != nil {
		a.feed.Broadcast(feed.FromOrderUpdate(msg))
	}
}

// applyFill moves the single open position on fills: the first fill while
// flat opens it, an opposite-side fill covering the full quantity closes it.
func (a *App) applyFill(msg protocol.Message) {
	if msg.LastFillQty <= 0 {
		return
	}
	// Some updates carry only the per-fill quantity, not the cumulative one.
	qty := msg.FilledQty
	if qty == 0 {
		qty = msg.LastFillQty
	}
	pos, open := a.state.Position()
	switch {
	case !open:
		price := msg.AvgFillPrice
		if price == 0 {
			price = msg.LastFillPrice
		}
		if err := a.state.OpenPosition(msg.Mode, msg.Symbol, qty, price, msg.Side); err != nil {
			a.log.Warn("position open failed", zap.Error(err))
		}
	case pos.Symbol == msg.Symbol && !strings.EqualFold(pos.Side, msg.Side) && qty >= pos.Qty:
		if _, err := a.state.ClosePosition(); err != nil {
			a.log.Warn("position close failed", zap.Error(err))
		}
	}
}

// SessionRecords builds ledger records for every order seen this session.
func (a *App) SessionRecords() []ledger.Record {
	a.mu.Lock()
	var updates []ledger.Update
	for _, group := range a.orders {
		updates = append(updates, group...)
	}
	a.mu.Unlock()
	return ledger.Build(updates)
}

// SessionFills returns the chronological fill stream for this session.
func (a *App) SessionFills() []ledger.Fill {
	a.mu.Lock()
	var updates []ledger.Update
	for _, group := range a.orders {
		updates = append(updates, group...)
	}
	a.mu.Unlock()
	return ledger.FillStream(updates)
}
