package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

// Client order id kinds attached after the tag prefix
const (
	orderKindEntry      = "in"
	orderKindStopLoss   = "sl"
	orderKindTakeProfit = "tp"
	orderKindFlatten    = "fl"
)

// BinanceFutures implements Venue on Binance USDⓈ-M futures in one-way mode.
// Binance has no per-position tag, so ownership is carried by the client
// order ids of the protective orders: tt<tag>-<kind>-<suffix>.
type BinanceFutures struct {
	client    *futures.Client
	logger    *zap.SugaredLogger
	symbol    string
	asset     string
	stopLevel int64

	mu         sync.Mutex
	instrument *types.Instrument
	qtyDigits  int32
}

// BinanceOption configures the futures venue
type BinanceOption func(*BinanceFutures)

// WithBaseURL points the client at another endpoint (testnet, tests)
func WithBaseURL(url string) BinanceOption {
	return func(b *BinanceFutures) {
		b.client.BaseURL = url
	}
}

// WithStopLevel sets the minimum stop distance in points
func WithStopLevel(points int64) BinanceOption {
	return func(b *BinanceFutures) {
		b.stopLevel = points
	}
}

// WithMarginAsset sets the asset whose wallet balance is reported
func WithMarginAsset(asset string) BinanceOption {
	return func(b *BinanceFutures) {
		b.asset = asset
	}
}

// NewBinanceFutures creates a futures venue for one symbol
func NewBinanceFutures(apiKey, secretKey, symbol string, logger *zap.SugaredLogger, opts ...BinanceOption) *BinanceFutures {
	b := &BinanceFutures{
		client: futures.NewClient(apiKey, secretKey),
		logger: logger,
		symbol: symbol,
		asset:  "USDT",
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// ListOpenPositions returns every non-flat position on the symbol
func (b *BinanceFutures) ListOpenPositions(ctx context.Context) ([]types.VenuePosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return nil, b.venueError(types.OpListPositions, err)
	}

	orders, err := b.client.NewListOpenOrdersService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return nil, b.venueError(types.OpListPositions, err)
	}

	var positions []types.VenuePosition
	for _, risk := range risks {
		pos, ok := positionFromRisk(risk, orders)
		if ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// SubmitOrder places a market entry followed by reduce-all stop orders
func (b *BinanceFutures) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.Handle, error) {
	if _, err := b.Instrument(ctx); err != nil {
		return "", types.NewVenueError(types.OpSubmitOrder, err)
	}
	_, qtyDigits := b.precision()

	entrySide, exitSide, err := orderSides(req.Side)
	if err != nil {
		return "", &types.VenueError{Op: types.OpSubmitOrder, Err: err}
	}

	order, err := b.client.NewCreateOrderService().
		Symbol(b.symbol).
		Side(entrySide).
		Type(futures.OrderTypeMarket).
		Quantity(req.Lots.StringFixed(qtyDigits)).
		NewClientOrderID(clientOrderID(req.Tag, orderKindEntry)).
		Do(ctx)
	if err != nil {
		b.logger.Errorw("[BINANCE] Entry order failed",
			"symbol", b.symbol,
			"side", req.Side,
			"error", err,
		)
		return "", b.venueError(types.OpSubmitOrder, err)
	}

	b.logger.Infow("[BINANCE] Entry order placed",
		"order_id", order.OrderID,
		"symbol", b.symbol,
		"side", req.Side,
		"status", order.Status,
	)

	// The entry itself carries no lasting tag; ownership lives on the exits.
	// A position that cannot be protected is flattened rather than left untagged.
	exits := []struct {
		kind  string
		price decimal.Decimal
	}{
		{orderKindStopLoss, req.StopLoss},
		{orderKindTakeProfit, req.TakeProfit},
	}

	var placed []int64
	for _, exit := range exits {
		if exit.price.IsZero() {
			continue
		}
		orderID, err := b.placeExit(ctx, req.Tag, exit.kind, exitSide, exit.price)
		if err != nil {
			b.unwind(ctx, req.Tag, exitSide, req.Lots.StringFixed(qtyDigits), placed)
			return "", b.venueError(types.OpSubmitOrder, err)
		}
		placed = append(placed, orderID)
	}

	return positionHandle(b.symbol), nil
}

// unwind cancels the exits already placed and closes the entry with a
// reduce-only market order
func (b *BinanceFutures) unwind(ctx context.Context, tag int64, side futures.SideType, quantity string, placed []int64) {
	for _, orderID := range placed {
		if _, err := b.client.NewCancelOrderService().Symbol(b.symbol).OrderID(orderID).Do(ctx); err != nil {
			b.logger.Errorw("[BINANCE] Failed to cancel protective order",
				"symbol", b.symbol,
				"order_id", orderID,
				"error", err,
			)
		}
	}

	_, err := b.client.NewCreateOrderService().
		Symbol(b.symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(true).
		NewClientOrderID(clientOrderID(tag, orderKindFlatten)).
		Do(ctx)
	if err != nil {
		b.logger.Errorw("[BINANCE] Failed to flatten unprotected entry",
			"symbol", b.symbol,
			"quantity", quantity,
			"error", err,
		)
		return
	}

	b.logger.Warnw("[BINANCE] Unprotected entry flattened",
		"symbol", b.symbol,
		"tag", tag,
		"quantity", quantity,
	)
}

// ModifyPosition cancels and replaces whichever protective order changed
func (b *BinanceFutures) ModifyPosition(ctx context.Context, handle types.Handle, stopLoss, takeProfit decimal.Decimal) error {
	if _, err := b.Instrument(ctx); err != nil {
		return types.NewVenueError(types.OpModify, err)
	}

	symbol, ok := symbolFromHandle(handle)
	if !ok || symbol != b.symbol {
		return &types.VenueError{Op: types.OpModify, Err: errors.Errorf("unknown handle %s", handle)}
	}

	risks, err := b.client.NewGetPositionRiskService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return b.venueError(types.OpModify, err)
	}
	orders, err := b.client.NewListOpenOrdersService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return b.venueError(types.OpModify, err)
	}

	var current types.VenuePosition
	for _, risk := range risks {
		if pos, ok := positionFromRisk(risk, orders); ok {
			current = pos
			break
		}
	}
	if current.Side == types.SideNone {
		return &types.VenueError{Op: types.OpModify, Err: errors.Errorf("no open position for %s", handle)}
	}
	_, exitSide, _ := orderSides(current.Side)

	replace := []struct {
		kind  string
		price decimal.Decimal
		prev  decimal.Decimal
	}{
		{orderKindStopLoss, stopLoss, current.StopLoss},
		{orderKindTakeProfit, takeProfit, current.TakeProfit},
	}

	for _, r := range replace {
		if r.price.Equal(r.prev) {
			continue
		}
		for _, o := range orders {
			tag, kind, ok := parseClientOrderID(o.ClientOrderID)
			if !ok || tag != current.Tag || kind != r.kind {
				continue
			}
			if _, err := b.client.NewCancelOrderService().Symbol(b.symbol).OrderID(o.OrderID).Do(ctx); err != nil {
				return b.venueError(types.OpModify, err)
			}
		}
		if r.price.IsZero() {
			continue
		}
		if _, err := b.placeExit(ctx, current.Tag, r.kind, exitSide, r.price); err != nil {
			return b.venueError(types.OpModify, err)
		}
	}

	b.logger.Infow("[BINANCE] Protective orders replaced",
		"symbol", b.symbol,
		"stop_loss", stopLoss,
		"take_profit", takeProfit,
	)
	return nil
}

// placeExit places a STOP_MARKET or TAKE_PROFIT_MARKET order closing the position
func (b *BinanceFutures) placeExit(ctx context.Context, tag int64, kind string, side futures.SideType, price decimal.Decimal) (int64, error) {
	orderType := futures.OrderTypeStopMarket
	if kind == orderKindTakeProfit {
		orderType = futures.OrderTypeTakeProfitMarket
	}

	digits, _ := b.precision()

	order, err := b.client.NewCreateOrderService().
		Symbol(b.symbol).
		Side(side).
		Type(orderType).
		StopPrice(price.StringFixed(digits)).
		ClosePosition(true).
		NewClientOrderID(clientOrderID(tag, kind)).
		Do(ctx)
	if err != nil {
		b.logger.Errorw("[BINANCE] Protective order failed",
			"symbol", b.symbol,
			"kind", kind,
			"price", price,
			"error", err,
		)
		return 0, err
	}
	return order.OrderID, nil
}

// AccountBalance returns the wallet balance of the margin asset
func (b *BinanceFutures) AccountBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, b.venueError(types.OpBalance, err)
	}

	for _, balance := range balances {
		if balance.Asset == b.asset {
			amount, err := decimal.NewFromString(balance.Balance)
			if err != nil {
				return decimal.Zero, &types.VenueError{Op: types.OpBalance, Err: errors.Wrap(err, "parse balance")}
			}
			return amount, nil
		}
	}

	return decimal.Zero, nil
}

// Quote returns the best bid/ask from the REST book ticker
func (b *BinanceFutures) Quote(ctx context.Context) (types.Quote, error) {
	tickers, err := b.client.NewListBookTickersService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return types.Quote{}, b.venueError(types.OpQuote, err)
	}
	if len(tickers) == 0 {
		return types.Quote{}, &types.VenueError{Op: types.OpQuote, Err: errors.Errorf("no book ticker for %s", b.symbol)}
	}

	bid, err := decimal.NewFromString(tickers[0].BidPrice)
	if err != nil {
		return types.Quote{}, &types.VenueError{Op: types.OpQuote, Err: errors.Wrap(err, "parse bid")}
	}
	ask, err := decimal.NewFromString(tickers[0].AskPrice)
	if err != nil {
		return types.Quote{}, &types.VenueError{Op: types.OpQuote, Err: errors.Wrap(err, "parse ask")}
	}

	return types.Quote{Symbol: b.symbol, Bid: bid, Ask: ask, Time: time.Now()}, nil
}

// Instrument returns tick size and precision from exchange info, cached after the first call
func (b *BinanceFutures) Instrument(ctx context.Context) (types.Instrument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.instrument != nil {
		return *b.instrument, nil
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return types.Instrument{}, b.venueError(types.OpInstrument, err)
	}

	for _, sym := range info.Symbols {
		if sym.Symbol != b.symbol {
			continue
		}
		inst, err := instrumentFromSymbol(sym, b.stopLevel)
		if err != nil {
			return types.Instrument{}, &types.VenueError{Op: types.OpInstrument, Err: err}
		}
		b.instrument = &inst
		b.qtyDigits = int32(sym.QuantityPrecision)

		b.logger.Infow("[BINANCE] Instrument loaded",
			"symbol", inst.Symbol,
			"point", inst.Point,
			"digits", inst.Digits,
			"stop_level", inst.StopLevel,
		)
		return inst, nil
	}

	return types.Instrument{}, &types.VenueError{Op: types.OpInstrument, Err: errors.Errorf("symbol %s not listed", b.symbol)}
}

// precision returns the cached price and quantity digits
func (b *BinanceFutures) precision() (price, qty int32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.instrument == nil {
		return 8, b.qtyDigits
	}
	return b.instrument.Digits, b.qtyDigits
}

// Close is a no-op for the REST client
func (b *BinanceFutures) Close() error {
	return nil
}

// venueError wraps err, carrying the Binance API error code when there is one
func (b *BinanceFutures) venueError(op string, err error) *types.VenueError {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &types.VenueError{Op: op, Code: apiErr.Code, Err: err}
	}
	return types.NewVenueError(op, err)
}

func instrumentFromSymbol(sym futures.Symbol, stopLevel int64) (types.Instrument, error) {
	inst := types.Instrument{
		Symbol:    sym.Symbol,
		Digits:    int32(sym.PricePrecision),
		StopLevel: stopLevel,
	}

	for _, filter := range sym.Filters {
		if filter["filterType"] != "PRICE_FILTER" {
			continue
		}
		tick, _ := filter["tickSize"].(string)
		point, err := decimal.NewFromString(tick)
		if err != nil {
			return types.Instrument{}, errors.Wrapf(err, "parse tick size %q", tick)
		}
		inst.Point = point
	}

	if inst.Point.IsZero() {
		inst.Point = decimal.New(1, -inst.Digits)
	}
	return inst, nil
}

// positionFromRisk maps a position risk row and the open orders to a VenuePosition
func positionFromRisk(risk *futures.PositionRisk, orders []*futures.Order) (types.VenuePosition, bool) {
	amount, err := decimal.NewFromString(risk.PositionAmt)
	if err != nil || amount.IsZero() {
		return types.VenuePosition{}, false
	}

	pos := types.VenuePosition{
		Symbol: risk.Symbol,
		Side:   types.SideLong,
		Lots:   amount.Abs(),
		Handle: positionHandle(risk.Symbol),
	}
	if amount.IsNegative() {
		pos.Side = types.SideShort
	}
	pos.OpenPrice, _ = decimal.NewFromString(risk.EntryPrice)
	pos.UnrealizedPnL, _ = decimal.NewFromString(risk.UnRealizedProfit)

	for _, o := range orders {
		tag, kind, ok := parseClientOrderID(o.ClientOrderID)
		if !ok {
			continue
		}
		stop, _ := decimal.NewFromString(o.StopPrice)
		switch kind {
		case orderKindStopLoss:
			pos.Tag = tag
			pos.StopLoss = stop
		case orderKindTakeProfit:
			pos.Tag = tag
			pos.TakeProfit = stop
		}
	}

	return pos, true
}

func orderSides(side types.Side) (entry, exit futures.SideType, err error) {
	switch side {
	case types.SideLong:
		return futures.SideTypeBuy, futures.SideTypeSell, nil
	case types.SideShort:
		return futures.SideTypeSell, futures.SideTypeBuy, nil
	default:
		return "", "", errors.New("order side is none")
	}
}

// clientOrderID builds tt<tag>-<kind>-<suffix>, within Binance's 36 character limit
func clientOrderID(tag int64, kind string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("tt%d-%s-%s", tag, kind, suffix)
}

// parseClientOrderID extracts the tag and kind from an id built by clientOrderID
func parseClientOrderID(id string) (tag int64, kind string, ok bool) {
	if !strings.HasPrefix(id, "tt") {
		return 0, "", false
	}
	parts := strings.SplitN(id[2:], "-", 3)
	if len(parts) != 3 {
		return 0, "", false
	}
	tag, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return tag, parts[1], true
}

func positionHandle(symbol string) types.Handle {
	return types.Handle(symbol + ":BOTH")
}

func symbolFromHandle(handle types.Handle) (string, bool) {
	symbol, side, ok := strings.Cut(string(handle), ":")
	return symbol, ok && side == "BOTH"
}

// BinanceStreamer implements MarketStreamer over the futures book ticker stream
type BinanceStreamer struct {
	logger        *zap.SugaredLogger
	rest          *futures.Client
	mu            sync.RWMutex
	quoteChan     chan types.Quote
	subscriptions map[string]*wsSubscription
	ctx           context.Context
	cancel        context.CancelFunc
	closed        bool
}

// wsSubscription holds the state for a single WebSocket connection
type wsSubscription struct {
	symbol   string
	stopChan chan struct{}
	done     chan struct{}
}

// NewBinanceStreamer creates a new Binance futures market data streamer
func NewBinanceStreamer(logger *zap.SugaredLogger) *BinanceStreamer {
	ctx, cancel := context.WithCancel(context.Background())
	return &BinanceStreamer{
		logger:        logger,
		rest:          futures.NewClient("", ""), // Public endpoints, no auth needed
		quoteChan:     make(chan types.Quote, 1000),
		subscriptions: make(map[string]*wsSubscription),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe starts streaming quotes for a symbol
func (s *BinanceStreamer) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("streamer is closed")
	}

	if _, exists := s.subscriptions[symbol]; exists {
		s.logger.Debugw("[BINANCE] Already subscribed", "symbol", symbol)
		return nil
	}

	sub := &wsSubscription{
		symbol:   symbol,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.subscriptions[symbol] = sub

	go s.runWebSocket(sub)

	s.logger.Infow("[BINANCE] Subscribed to symbol", "symbol", symbol)
	return nil
}

// runWebSocket manages the WebSocket connection with auto-reconnection
func (s *BinanceStreamer) runWebSocket(sub *wsSubscription) {
	defer close(sub.done)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-sub.stopChan:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		handler := func(event *futures.WsBookTickerEvent) {
			q, err := quoteFromBookTicker(event)
			if err != nil {
				s.logger.Errorw("[BINANCE] Failed to parse book ticker",
					"symbol", sub.symbol,
					"error", err,
				)
				return
			}
			s.emit(q)
		}

		errHandler := func(err error) {
			s.logger.Errorw("[BINANCE] WebSocket error",
				"symbol", sub.symbol,
				"error", err,
			)
		}

		doneC, stopC, err := futures.WsBookTickerServe(sub.symbol, handler, errHandler)
		if err != nil {
			s.logger.Errorw("[BINANCE] Failed to connect WebSocket",
				"symbol", sub.symbol,
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-sub.stopChan:
				return
			case <-s.ctx.Done():
				return
			}
		}

		s.logger.Infow("[BINANCE] WebSocket connected", "symbol", sub.symbol)
		backoff = time.Second

		select {
		case <-doneC:
			s.logger.Warnw("[BINANCE] WebSocket disconnected, reconnecting...",
				"symbol", sub.symbol,
			)
		case <-sub.stopChan:
			close(stopC)
			return
		case <-s.ctx.Done():
			close(stopC)
			return
		}
	}
}

func (s *BinanceStreamer) emit(q types.Quote) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.quoteChan <- q:
	default:
		// Channel full, drop message to prevent blocking
		s.logger.Warnw("[BINANCE] Quote channel full, dropping update",
			"symbol", q.Symbol,
		)
	}
}

func quoteFromBookTicker(event *futures.WsBookTickerEvent) (types.Quote, error) {
	bid, err := decimal.NewFromString(event.BestBidPrice)
	if err != nil {
		return types.Quote{}, errors.Wrap(err, "parse bid")
	}
	ask, err := decimal.NewFromString(event.BestAskPrice)
	if err != nil {
		return types.Quote{}, errors.Wrap(err, "parse ask")
	}

	at := time.Now()
	if event.Time > 0 {
		at = time.UnixMilli(event.Time)
	}
	return types.Quote{Symbol: event.Symbol, Bid: bid, Ask: ask, Time: at}, nil
}

// Unsubscribe stops streaming quotes for a symbol
func (s *BinanceStreamer) Unsubscribe(symbol string) error {
	s.mu.Lock()
	sub, exists := s.subscriptions[symbol]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.subscriptions, symbol)
	s.mu.Unlock()

	close(sub.stopChan)

	select {
	case <-sub.done:
	case <-time.After(5 * time.Second):
		s.logger.Warnw("[BINANCE] Timeout waiting for WebSocket to close",
			"symbol", symbol,
		)
	}

	s.logger.Infow("[BINANCE] Unsubscribed from symbol", "symbol", symbol)
	return nil
}

// Events returns the channel for receiving quotes
func (s *BinanceStreamer) Events() <-chan types.Quote {
	return s.quoteChan
}

// GetKlines returns historical futures klines
func (s *BinanceStreamer) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]types.Kline, error) {
	klines, err := s.rest.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "get klines for %s", symbol)
	}

	result := make([]types.Kline, len(klines))
	for i, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		close, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		result[i] = types.Kline{
			OpenTime:  k.OpenTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
			CloseTime: k.CloseTime,
		}
	}

	return result, nil
}

// Close stops all subscriptions and cleans up
func (s *BinanceStreamer) Close() error {
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	symbols := make([]string, 0, len(s.subscriptions))
	for symbol := range s.subscriptions {
		symbols = append(symbols, symbol)
	}
	s.mu.Unlock()

	for _, symbol := range symbols {
		s.Unsubscribe(symbol)
	}

	s.mu.Lock()
	s.closed = true
	close(s.quoteChan)
	s.mu.Unlock()

	s.logger.Info("[BINANCE] Streamer closed")
	return nil
}
