// rest.go implements Client over the per-broker adapter's HTTP API.
//
// The adapter process owns broker-specific encoding; this client owns the
// engine-side discipline: read calls are retried up to twice with jitter,
// write calls (place/modify/cancel) are never retried — replaying a place
// without server-side idempotency is unsafe — and every failure surfaces
// as a typed UPSTREAM_TIMEOUT or UPSTREAM_ERROR.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// RestClient talks to one broker adapter service.
type RestClient struct {
	reads  *resty.Client // retrying client for idempotent calls
	writes *resty.Client // single-shot client for order mutations
	logger *slog.Logger
}

// NewRestClient builds the adapter client for a base URL.
func NewRestClient(baseURL string, readTimeout, writeTimeout time.Duration, logger *slog.Logger) *RestClient {
	reads := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(readTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			// Jittered backoff so a flapping adapter is not hammered in lockstep.
			return 200*time.Millisecond + time.Duration(rand.Int63n(int64(300*time.Millisecond))), nil
		}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	writes := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(writeTimeout).
		SetHeader("Content-Type", "application/json")

	return &RestClient{
		reads:  reads,
		writes: writes,
		logger: logger.With("component", "broker-rest"),
	}
}

// classify maps transport failures to the typed error kinds.
func classify(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAPIErrorf(types.ErrUpstreamTimeout, "%s timed out", op)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return types.NewAPIErrorf(types.ErrUpstreamTimeout, "%s timed out", op)
	}
	return types.NewAPIErrorf(types.ErrUpstream, "%s: %v", op, err)
}

func checkStatus(resp *resty.Response, op string) error {
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	return types.NewAPIErrorf(types.ErrUpstream, "%s: status %d: %s", op, resp.StatusCode(), resp.String())
}

func (c *RestClient) PlaceOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	var result struct {
		OrderID string `json:"orderid"`
	}
	resp, err := c.writes.R().
		SetContext(ctx).
		SetBody(intent).
		SetResult(&result).
		Post("/order/place")
	if err != nil {
		return "", classify(err, "place order")
	}
	if err := checkStatus(resp, "place order"); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

func (c *RestClient) ModifyOrder(ctx context.Context, userID, brokerOrderID string, changes OrderChanges) error {
	resp, err := c.writes.R().
		SetContext(ctx).
		SetBody(map[string]any{"user_id": userID, "orderid": brokerOrderID, "changes": changes}).
		Post("/order/modify")
	if err != nil {
		return classify(err, "modify order")
	}
	return checkStatus(resp, "modify order")
}

func (c *RestClient) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	resp, err := c.writes.R().
		SetContext(ctx).
		SetBody(map[string]any{"user_id": userID, "orderid": brokerOrderID}).
		Post("/order/cancel")
	if err != nil {
		return classify(err, "cancel order")
	}
	return checkStatus(resp, "cancel order")
}

func (c *RestClient) CancelAll(ctx context.Context, userID string, filter *CancelFilter) ([]string, error) {
	var result struct {
		Cancelled []string `json:"cancelled"`
	}
	resp, err := c.writes.R().
		SetContext(ctx).
		SetBody(map[string]any{"user_id": userID, "filter": filter}).
		SetResult(&result).
		Post("/order/cancel-all")
	if err != nil {
		return nil, classify(err, "cancel all")
	}
	if err := checkStatus(resp, "cancel all"); err != nil {
		return nil, err
	}
	c.logger.Warn("cancel-all issued", "user", userID, "count", len(result.Cancelled))
	return result.Cancelled, nil
}

func (c *RestClient) OrderStatus(ctx context.Context, userID, brokerOrderID string) (types.OrderRecord, error) {
	var result types.OrderRecord
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetQueryParam("orderid", brokerOrderID).
		SetResult(&result).
		Get("/order/status")
	if err != nil {
		return types.OrderRecord{}, classify(err, "order status")
	}
	if err := checkStatus(resp, "order status"); err != nil {
		return types.OrderRecord{}, err
	}
	return result, nil
}

func (c *RestClient) Positions(ctx context.Context, userID string) ([]types.Position, error) {
	var result []types.Position
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, classify(err, "positions")
	}
	if err := checkStatus(resp, "positions"); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RestClient) NetPosition(ctx context.Context, userID, symbol string, exchange types.Exchange, product types.Product) (int, error) {
	positions, err := c.Positions(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Exchange == exchange && p.Product == product {
			return p.NetQty, nil
		}
	}
	return 0, nil
}

func (c *RestClient) Holdings(ctx context.Context, userID string) ([]types.Position, error) {
	var result []types.Position
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetResult(&result).
		Get("/holdings")
	if err != nil {
		return nil, classify(err, "holdings")
	}
	if err := checkStatus(resp, "holdings"); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RestClient) Orderbook(ctx context.Context, userID string) ([]types.OrderRecord, error) {
	return c.fetchOrders(ctx, userID, "/orderbook", "orderbook")
}

func (c *RestClient) Tradebook(ctx context.Context, userID string) ([]types.OrderRecord, error) {
	return c.fetchOrders(ctx, userID, "/tradebook", "tradebook")
}

func (c *RestClient) fetchOrders(ctx context.Context, userID, path, op string) ([]types.OrderRecord, error) {
	var result []types.OrderRecord
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, classify(err, op)
	}
	if err := checkStatus(resp, op); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RestClient) Funds(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	var result map[string]decimal.Decimal
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetResult(&result).
		Get("/funds")
	if err != nil {
		return nil, classify(err, "funds")
	}
	if err := checkStatus(resp, "funds"); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RestClient) Quote(ctx context.Context, symbol string, exchange types.Exchange) (Quote, error) {
	var result Quote
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("exchange", string(exchange)).
		SetResult(&result).
		Get("/quote")
	if err != nil {
		return Quote{}, classify(err, "quote")
	}
	if err := checkStatus(resp, "quote"); err != nil {
		return Quote{}, err
	}
	return result, nil
}

func (c *RestClient) Depth(ctx context.Context, symbol string, exchange types.Exchange) (types.Depth, error) {
	var result types.Depth
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("exchange", string(exchange)).
		SetResult(&result).
		Get("/depth")
	if err != nil {
		return types.Depth{}, classify(err, "depth")
	}
	if err := checkStatus(resp, "depth"); err != nil {
		return types.Depth{}, err
	}
	return result, nil
}

func (c *RestClient) History(ctx context.Context, symbol string, exchange types.Exchange, interval string, bars int) ([]Candle, error) {
	var result []Candle
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("exchange", string(exchange)).
		SetQueryParam("interval", interval).
		SetQueryParam("bars", fmt.Sprintf("%d", bars)).
		SetResult(&result).
		Get("/history")
	if err != nil {
		return nil, classify(err, "history")
	}
	if err := checkStatus(resp, "history"); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RestClient) LotMargin(ctx context.Context, symbol string, exchange types.Exchange) (decimal.Decimal, bool, error) {
	var result struct {
		Margin decimal.Decimal `json:"margin"`
		Known  bool            `json:"known"`
	}
	resp, err := c.reads.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("exchange", string(exchange)).
		SetResult(&result).
		Get("/margin/lot")
	if err != nil {
		return decimal.Zero, false, classify(err, "lot margin")
	}
	if err := checkStatus(resp, "lot margin"); err != nil {
		return decimal.Zero, false, err
	}
	return result.Margin, result.Known, nil
}

func (c *RestClient) MasterContracts(ctx context.Context) ([]types.SymbolRecord, error) {
	var result []types.SymbolRecord
	resp, err := c.reads.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/contracts")
	if err != nil {
		return nil, classify(err, "master contracts")
	}
	if err := checkStatus(resp, "master contracts"); err != nil {
		return nil, err
	}
	return result, nil
}
