package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "polyscalp/config"
	"polyscalp/logger"
	"polyscalp/models"
)

// OrderType selects the venue order flavor.
type OrderType string

const (
	OrderTypeMarket        OrderType = "market"
	OrderTypeLimitPostOnly OrderType = "limit_post_only"
)

// OrderRequest is the POST /order body.
type OrderRequest struct {
	Market string          `json:"market"`
	Token  models.Token    `json:"token"`
	Side   string          `json:"side"`
	Size   decimal.Decimal `json:"size"`
	Price  decimal.Decimal `json:"price,omitempty"`
	Type   OrderType       `json:"type"`
	TIF    string          `json:"tif"`
}

// OrderResponse is the venue's order acknowledgement. Marketable
// orders report their fill inline.
type OrderResponse struct {
	OrderID    string          `json:"order_id"`
	Status     string          `json:"status"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
}

// Fill is a confirmed execution of a resting order, delivered by the user
// stream.
type Fill struct {
	OrderID string
	Token   models.Token
	Side    string
	Size    decimal.Decimal
	Price   decimal.Decimal
	TS      time.Time
}

// Client is the venue trading surface the coordinator depends on.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	Markets(ctx context.Context, query string) ([]models.MarketDescriptor, error)
}

// RESTClient talks to the venue HTTP API with a shared rate limiter.
type RESTClient struct {
	config  *appconfig.Config
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewRESTClient(cfg *appconfig.Config) *RESTClient {
	rl := cfg.Venue.RateLimit
	if rl.RequestsPerSecond <= 0 {
		rl.RequestsPerSecond = 10
	}
	if rl.BurstSize <= 0 {
		rl.BurstSize = rl.RequestsPerSecond
	}
	return &RESTClient{
		config:  cfg,
		baseURL: strings.TrimRight(cfg.Venue.RESTURL, "/"),
		http:    &http.Client{Timeout: cfg.Venue.RequestTimeout.Std()},
		limiter: rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.BurstSize),
		log:     logger.GetLogger(),
	}
}

// PlaceOrder submits an order; marketable IOC orders come back with
// their fill, post-only limits with a resting order id.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/order", req, &resp); err != nil {
		return OrderResponse{}, err
	}
	logger.IncrementOrderPlaced()
	return resp, nil
}

// CancelOrder removes a resting order.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/order/"+url.PathEscape(orderID), nil, nil)
}

// Markets queries descriptors; used by external discovery, not the core
// engine.
func (c *RESTClient) Markets(ctx context.Context, query string) ([]models.MarketDescriptor, error) {
	var out []models.MarketDescriptor
	path := "/markets"
	if query != "" {
		path += "?query=" + url.QueryEscape(query)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	if err := c.limiter.Wait(ctx); err != nil {
		return newError(KindTransient, op, "rate limiter interrupted", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return newError(KindPermanent, op, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return newError(KindPermanent, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return newError(KindTransient, op, "request failed", err)
	}
	defer resp.Body.Close()

	log := c.log.WithComponent("venue_client")
	logger.LogPerformanceEntry(log, "venue_client", op, time.Since(start), nil)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return newError(kindFromStatus(resp.StatusCode), op,
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(KindTransient, op, "decode response", err)
	}
	return nil
}

// applyAuth attaches the opaque venue credentials. The signing scheme
// is the venue's concern; the engine only forwards what config holds.
func (c *RESTClient) applyAuth(req *http.Request) {
	v := c.config.Venue
	if v.APIKey != "" {
		req.Header.Set("X-Api-Key", v.APIKey)
	}
	if v.APISecret != "" {
		req.Header.Set("X-Api-Secret", v.APISecret)
	}
	if v.APIPassphrase != "" {
		req.Header.Set("X-Api-Passphrase", v.APIPassphrase)
	}
}
