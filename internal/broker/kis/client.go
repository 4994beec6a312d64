// Package kis implements the Korea Investment & Securities open API client:
// REST order management behind a process-wide token bucket, OAuth token
// caching, and the realtime websocket feed.
//
// REST surface (paper TR identifiers in parentheses):
//   - IssueOrder:         POST /uapi/domestic-stock/v1/trading/order-cash
//     buy TTTC0802U (VTTC0802U), sell TTTC0801U (VTTC0801U)
//   - CancelOrder:        POST /uapi/domestic-stock/v1/trading/order-rvsecncl
//     TTTC0803U (VTTC0803U)
//   - InquireBalance:     GET  /uapi/domestic-stock/v1/trading/inquire-balance
//     TTTC8434R (VTTC8434R)
//   - InquireOrderStatus: GET  /uapi/domestic-stock/v1/trading/inquire-daily-ccld
//     TTTC8001R (VTTC8001R)
//   - InquireMinuteBars:  GET  /uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice
//     FHKST03010200
//
// Every request is rate-limited, retried on 429/5xx, and authenticated with
// the cached bearer token. Non-zero rt_cd responses map to *broker.APIError.
package kis

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"krx-momentum/internal/broker"
	"krx-momentum/internal/config"
	"krx-momentum/internal/krx"
	"krx-momentum/pkg/types"
)

// Client is the KIS REST API client. It implements broker.Broker together
// with the Feed it owns for the streaming methods.
type Client struct {
	http    *resty.Client
	tokens  *TokenProvider
	bucket  *Bucket
	feed    *Feed
	creds   config.Credentials
	cfg     config.BrokerConfig
	dryRun  bool
	paper   bool
	logger  *slog.Logger
	now     func() time.Time

	dryMu     sync.Mutex
	dryOrders map[string]types.OrderRequest // dry-run order id → request, for status replies
	drySeq    int
}

var _ broker.Broker = (*Client)(nil)

// New creates the REST client and its websocket feed. onFeedDown fires when
// the feed exhausts its reconnect attempts.
func New(cfg config.BrokerConfig, usePaper, dryRun bool, dataDir string, logger *slog.Logger, onFeedDown func()) *Client {
	mode := "live"
	if usePaper {
		mode = "paper"
	}
	creds := cfg.Active(usePaper)
	tokens := NewTokenProvider(cfg.ActiveBaseURL(usePaper), creds.AppKey, creds.AppSecret, mode, dataDir, cfg.TokenMargin, logger)

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := resty.New().
		SetBaseURL(cfg.ActiveBaseURL(usePaper)).
		SetTransport(transport).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	c := &Client{
		http:      httpClient,
		tokens:    tokens,
		bucket:    NewBucket(cfg.BucketSize, cfg.RatePerSec),
		creds:     creds,
		cfg:       cfg,
		dryRun:    dryRun,
		paper:     usePaper,
		logger:    logger.With("component", "kis"),
		now:       time.Now,
		dryOrders: make(map[string]types.OrderRequest),
	}
	c.feed = NewFeed(cfg.ActiveWSURL(usePaper), tokens.ApprovalKey, cfg.WSReconnects, cfg.WSReconnectGap, logger, onFeedDown)
	return c
}

// Feed returns the realtime feed for the engine to run and read.
func (c *Client) Feed() *Feed { return c.feed }

// trID returns the transaction identifier for op, switched between live and
// paper together with the credentials.
func (c *Client) trID(op string) string {
	live := map[string]string{
		"buy":     "TTTC0802U",
		"sell":    "TTTC0801U",
		"cancel":  "TTTC0803U",
		"balance": "TTTC8434R",
		"status":  "TTTC8001R",
		"bars":    "FHKST03010200",
	}
	id := live[op]
	if c.paper && id != "" && id[0] == 'T' {
		id = "V" + id[1:]
	}
	return id
}

// acquire takes one rate token, bounded by AcquireTimeout. Exceeding the
// bound is a hard error for the caller's stage, not a retry.
func (c *Client) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	if err := c.bucket.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return broker.ErrRateLimited
	}
	return nil
}

// authHeaders builds the per-request header set.
func (c *Client) authHeaders(ctx context.Context, trID string) (map[string]string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        c.creds.AppKey,
		"appsecret":     c.creds.AppSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}, nil
}

// envelope is the common KIS response wrapper. rt_cd "0" is success.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (e envelope) err() error {
	if e.RtCd == "0" {
		return nil
	}
	return &broker.APIError{Code: e.RtCd, Msg: e.Msg1}
}

// Prewarm issues one lightweight balance query to establish the TLS session,
// prime DNS, and force a token refresh before the first real order.
func (c *Client) Prewarm(ctx context.Context) error {
	_, err := c.InquireBalance(ctx)
	return err
}

// IssueOrder places a cash order. Orders outside the regular session fail
// fast with ErrMarketClosed without consuming a rate token.
func (c *Client) IssueOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if !krx.InRegularSession(c.now()) {
		return types.OrderResult{}, broker.ErrMarketClosed
	}
	if c.dryRun {
		return c.dryIssue(req), nil
	}
	if err := c.acquire(ctx); err != nil {
		return types.OrderResult{}, err
	}

	op := "buy"
	if req.Side == types.SELL {
		op = "sell"
	}
	headers, err := c.authHeaders(ctx, c.trID(op))
	if err != nil {
		return types.OrderResult{}, err
	}

	price := "0"
	if req.Price > 0 {
		price = strconv.FormatInt(int64(req.Price), 10)
	}
	var result struct {
		envelope
		Output struct {
			OrderNo string `json:"ODNO"`
			OrdTime string `json:"ORD_TMD"`
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(map[string]string{
			"CANO":         c.creds.AccountNo,
			"ACNT_PRDT_CD": c.creds.ProductCode,
			"PDNO":         req.Code,
			"ORD_DVSN":     string(req.Kind),
			"ORD_QTY":      strconv.FormatInt(req.Qty, 10),
			"ORD_UNPR":     price,
		}).
		SetResult(&result).
		Post("/uapi/domestic-stock/v1/trading/order-cash")
	if err != nil {
		return types.OrderResult{}, &broker.TransientError{Op: "issue_order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, &broker.TransientError{Op: "issue_order", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if err := result.err(); err != nil {
		return types.OrderResult{}, err
	}
	return types.OrderResult{OrderID: result.Output.OrderNo, Time: c.now()}, nil
}

// dryIssue fabricates an accepted order and remembers it so a later status
// inquiry can report a full fill at the requested price.
func (c *Client) dryIssue(req types.OrderRequest) types.OrderResult {
	c.dryMu.Lock()
	c.drySeq++
	id := fmt.Sprintf("DRY%06d", c.drySeq)
	c.dryOrders[id] = req
	c.dryMu.Unlock()
	c.logger.Info("DRY-RUN: would issue order",
		"code", req.Code, "side", req.Side, "kind", req.Kind, "qty", req.Qty, "price", req.Price)
	return types.OrderResult{OrderID: id, Time: c.now()}
}

// CancelOrder cancels the unfilled remainder of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return types.CancelResult{OrderID: orderID}, nil
	}
	if err := c.acquire(ctx); err != nil {
		return types.CancelResult{}, err
	}
	headers, err := c.authHeaders(ctx, c.trID("cancel"))
	if err != nil {
		return types.CancelResult{}, err
	}

	var result struct {
		envelope
		Output struct {
			OrderNo string `json:"ODNO"`
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(map[string]string{
			"CANO":          c.creds.AccountNo,
			"ACNT_PRDT_CD":  c.creds.ProductCode,
			"ORGN_ODNO":     orderID,
			"RVSE_CNCL_DVSN_CD": "02", // cancel
			"ORD_DVSN":      "00",
			"ORD_QTY":       "0", // 0 = all remaining
			"ORD_UNPR":      "0",
			"QTY_ALL_ORD_YN": "Y",
		}).
		SetResult(&result).
		Post("/uapi/domestic-stock/v1/trading/order-rvsecncl")
	if err != nil {
		return types.CancelResult{}, &broker.TransientError{Op: "cancel_order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.CancelResult{}, &broker.TransientError{Op: "cancel_order", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if err := result.err(); err != nil {
		return types.CancelResult{}, err
	}
	return types.CancelResult{OrderID: result.Output.OrderNo}, nil
}

// InquireBalance returns the normalized account snapshot.
func (c *Client) InquireBalance(ctx context.Context) (types.Balance, error) {
	if c.dryRun {
		// A fixed paper balance keeps dry-run sizing deterministic.
		return types.Balance{
			Cash:            decimal.NewFromInt(50_000_000),
			TotalEvaluation: decimal.NewFromInt(50_000_000),
		}, nil
	}
	if err := c.acquire(ctx); err != nil {
		return types.Balance{}, err
	}
	headers, err := c.authHeaders(ctx, c.trID("balance"))
	if err != nil {
		return types.Balance{}, err
	}

	var result struct {
		envelope
		Output1 []struct {
			Code         string `json:"pdno"`
			Name         string `json:"prdt_name"`
			Qty          string `json:"hldg_qty"`
			AvgCost      string `json:"pchs_avg_pric"`
			CurrentPrice string `json:"prpr"`
			EvalPnL      string `json:"evlu_pfls_amt"`
		} `json:"output1"`
		Output2 []struct {
			Cash  string `json:"dnca_tot_amt"`
			Total string `json:"tot_evlu_amt"`
		} `json:"output2"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"CANO":                 c.creds.AccountNo,
			"ACNT_PRDT_CD":         c.creds.ProductCode,
			"AFHR_FLPR_YN":         "N",
			"OFL_YN":               "",
			"INQR_DVSN":            "02",
			"UNPR_DVSN":            "01",
			"FUND_STTL_ICLD_YN":    "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":            "00",
			"CTX_AREA_FK100":       "",
			"CTX_AREA_NK100":       "",
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/trading/inquire-balance")
	if err != nil {
		return types.Balance{}, &broker.TransientError{Op: "inquire_balance", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Balance{}, &broker.TransientError{Op: "inquire_balance", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if err := result.err(); err != nil {
		return types.Balance{}, err
	}

	bal := types.Balance{}
	for _, h := range result.Output1 {
		qty, _ := strconv.ParseInt(h.Qty, 10, 64)
		if qty == 0 {
			continue
		}
		avg, _ := strconv.ParseFloat(h.AvgCost, 64)
		cur, _ := strconv.ParseFloat(h.CurrentPrice, 64)
		pnl, _ := decimal.NewFromString(h.EvalPnL)
		bal.Holdings = append(bal.Holdings, types.Holding{
			Code: h.Code, Name: h.Name, Qty: qty, AvgCost: avg, CurrentPrice: cur, EvalPnL: pnl,
		})
	}
	if len(result.Output2) > 0 {
		bal.Cash, _ = decimal.NewFromString(result.Output2[0].Cash)
		bal.TotalEvaluation, _ = decimal.NewFromString(result.Output2[0].Total)
	}
	return bal, nil
}

// InquireOrderStatus reports fill progress for one order.
func (c *Client) InquireOrderStatus(ctx context.Context, orderID string) (types.OrderStatus, error) {
	if c.dryRun {
		return c.dryStatus(orderID)
	}
	if err := c.acquire(ctx); err != nil {
		return types.OrderStatus{}, err
	}
	headers, err := c.authHeaders(ctx, c.trID("status"))
	if err != nil {
		return types.OrderStatus{}, err
	}

	day := c.now().In(krx.KST).Format("20060102")
	var result struct {
		envelope
		Output1 []struct {
			OrderNo      string `json:"odno"`
			Code         string `json:"pdno"`
			OrderQty     string `json:"ord_qty"`
			FilledQty    string `json:"tot_ccld_qty"`
			RemainingQty string `json:"rmn_qty"`
			AvgPrice     string `json:"avg_prvs"`
		} `json:"output1"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"CANO":              c.creds.AccountNo,
			"ACNT_PRDT_CD":      c.creds.ProductCode,
			"INQR_STRT_DT":      day,
			"INQR_END_DT":       day,
			"SLL_BUY_DVSN_CD":   "00",
			"INQR_DVSN":         "00",
			"PDNO":              "",
			"CCLD_DVSN":         "00",
			"ODNO":              orderID,
			"INQR_DVSN_3":       "00",
			"INQR_DVSN_1":       "",
			"CTX_AREA_FK100":    "",
			"CTX_AREA_NK100":    "",
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/trading/inquire-daily-ccld")
	if err != nil {
		return types.OrderStatus{}, &broker.TransientError{Op: "inquire_order_status", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderStatus{}, &broker.TransientError{Op: "inquire_order_status", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if err := result.err(); err != nil {
		return types.OrderStatus{}, err
	}

	for _, o := range result.Output1 {
		if o.OrderNo != orderID {
			continue
		}
		filled, _ := strconv.ParseInt(o.FilledQty, 10, 64)
		remaining, _ := strconv.ParseInt(o.RemainingQty, 10, 64)
		avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
		st := types.OrderPending
		switch {
		case filled > 0 && remaining == 0:
			st = types.OrderFilled
		case filled > 0:
			st = types.OrderPartial
		}
		return types.OrderStatus{
			OrderID: orderID, Code: o.Code,
			FilledQty: filled, RemainingQty: remaining,
			AvgFillPrice: avg, State: st,
		}, nil
	}
	return types.OrderStatus{OrderID: orderID, State: types.OrderUnknown}, nil
}

func (c *Client) dryStatus(orderID string) (types.OrderStatus, error) {
	c.dryMu.Lock()
	req, ok := c.dryOrders[orderID]
	c.dryMu.Unlock()
	if !ok {
		return types.OrderStatus{OrderID: orderID, State: types.OrderUnknown}, nil
	}
	price := req.Price
	return types.OrderStatus{
		OrderID: orderID, Code: req.Code,
		FilledQty: req.Qty, RemainingQty: 0,
		AvgFillPrice: price, State: types.OrderFilled,
	}, nil
}

// InquireMinuteBars fetches up to count minute bars of the given interval
// ending at endHHMMSS ("" = now). Bars are returned oldest first.
func (c *Client) InquireMinuteBars(ctx context.Context, code string, intervalMin int, endHHMMSS string, count int) ([]types.Bar, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	headers, err := c.authHeaders(ctx, c.trID("bars"))
	if err != nil {
		return nil, err
	}
	if endHHMMSS == "" {
		endHHMMSS = c.now().In(krx.KST).Format("150405")
	}

	var result struct {
		envelope
		Output2 []struct {
			Date   string `json:"stck_bsop_date"` // YYYYMMDD
			Time   string `json:"stck_cntg_hour"` // HHMMSS
			Open   string `json:"stck_oprc"`
			High   string `json:"stck_hgpr"`
			Low    string `json:"stck_lwpr"`
			Close  string `json:"stck_prpr"`
			Volume string `json:"cntg_vol"`
		} `json:"output2"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"FID_ETC_CLS_CODE":     "",
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":       code,
			"FID_INPUT_HOUR_1":     endHHMMSS,
			"FID_PW_DATA_INCU_YN":  "N",
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice")
	if err != nil {
		return nil, &broker.TransientError{Op: "inquire_minute_bars", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &broker.TransientError{Op: "inquire_minute_bars", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if err := result.err(); err != nil {
		return nil, err
	}

	// The endpoint serves newest-first 1-minute rows; aggregate to the
	// requested interval and flip to oldest-first.
	raw := make([]types.Bar, 0, len(result.Output2))
	for i := len(result.Output2) - 1; i >= 0; i-- {
		row := result.Output2[i]
		ts, err := time.ParseInLocation("20060102150405", row.Date+row.Time, krx.KST)
		if err != nil {
			continue
		}
		open, _ := strconv.ParseFloat(row.Open, 64)
		high, _ := strconv.ParseFloat(row.High, 64)
		low, _ := strconv.ParseFloat(row.Low, 64)
		cls, _ := strconv.ParseFloat(row.Close, 64)
		vol, _ := strconv.ParseInt(row.Volume, 10, 64)
		raw = append(raw, types.Bar{Time: ts, Open: open, High: high, Low: low, Close: cls, Volume: vol})
	}
	bars := krx.ResampleBars(raw, time.Duration(intervalMin)*time.Minute)
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// SubscribeTrade registers code on the realtime trade stream.
func (c *Client) SubscribeTrade(code string) (<-chan types.Tick, error) {
	return c.feed.SubscribeTrade(code)
}

// SubscribeQuote registers code on the level-1 quote stream.
func (c *Client) SubscribeQuote(code string) (<-chan types.Quote, error) {
	return c.feed.SubscribeQuote(code)
}
