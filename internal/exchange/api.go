package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

// Wire types. The venue serializes money as strings; they are parsed to
// decimals at the adapter boundary so nothing downstream touches floats.

type wireAdvert struct {
	AdvertNo      string `json:"advertNo"`
	TradeType     string `json:"tradeType"` // merchant perspective
	Asset         string `json:"asset"`
	FiatUnit      string `json:"fiatUnit"`
	Price         string `json:"price"`
	AdvertStatus  int    `json:"advertStatus"` // 1 = online
	SurplusAmount string `json:"surplusAmount"`
}

type wireCompetitor struct {
	AdvertNo        string  `json:"advertNo"`
	NickName        string  `json:"nickName"`
	UserNo          string  `json:"userNo"`
	Price           string  `json:"price"`
	SurplusAmount   string  `json:"surplusAmount"`
	MonthOrderCount int     `json:"monthOrderCount"`
	MonthFinishRate float64 `json:"monthFinishRate"`
	PositiveRate    float64 `json:"positiveRate"`
	UserGrade       int     `json:"userGrade"`
	IsOnline        bool    `json:"isOnline"`
}

type wireOrder struct {
	OrderNumber   string          `json:"orderNumber"`
	TradeType     string          `json:"tradeType"`
	Asset         string          `json:"asset"`
	FiatUnit      string          `json:"fiatUnit"`
	Price         string          `json:"price"`
	TotalPrice    string          `json:"totalPrice"`
	BuyerNickName string          `json:"buyerNickName"`
	BuyerName     string          `json:"buyerName"` // KYC real name, detail endpoint only
	BuyerUserNo   string          `json:"buyerUserNo"`
	OrderStatus   json.RawMessage `json:"orderStatus"` // int on lists, string on detail
	CreateTime    int64           `json:"createTime"`  // epoch millis
	PayTime       int64           `json:"payTime"`     // epoch millis, 0 if unpaid
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (w wireOrder) toOrder() models.Order {
	o := models.Order{
		OrderNumber:   w.OrderNumber,
		Side:          models.Side(w.TradeType),
		Asset:         w.Asset,
		Fiat:          w.FiatUnit,
		UnitPrice:     parseDecimal(w.Price),
		TotalPrice:    parseDecimal(w.TotalPrice),
		BuyerNickName: w.BuyerNickName,
		BuyerRealName: w.BuyerName,
		BuyerUserNo:   w.BuyerUserNo,
		Status:        NormalizeStatus(w.OrderStatus),
	}
	if w.CreateTime > 0 {
		o.CreatedAt = time.UnixMilli(w.CreateTime)
	}
	if w.PayTime > 0 {
		t := time.UnixMilli(w.PayTime)
		o.PaidAt = &t
	}
	return o
}

// ListOwnAds returns the merchant's own advertisements.
func (c *Client) ListOwnAds(ctx context.Context) ([]models.Advertisement, error) {
	var data []wireAdvert
	if err := c.call(ctx, http.MethodGet, "/api/v1/merchant/adverts", nil, &data); err != nil {
		return nil, err
	}

	ads := make([]models.Advertisement, 0, len(data))
	for _, w := range data {
		ads = append(ads, models.Advertisement{
			AdvertNo:      w.AdvertNo,
			Side:          models.Side(w.TradeType),
			Asset:         w.Asset,
			Fiat:          w.FiatUnit,
			Price:         parseDecimal(w.Price),
			Online:        w.AdvertStatus == 1,
			SurplusAmount: parseDecimal(w.SurplusAmount),
		})
	}
	return ads, nil
}

// SearchCompetitorAds fetches the public listings competing with one of
// our ads. The venue's search endpoint takes the *client* perspective:
// to see other sellers of an asset one queries side=BUY, and conversely.
// Callers pass their own ad side; the inversion happens here.
func (c *Client) SearchCompetitorAds(ctx context.Context, asset, fiat string, ownSide models.Side, rows int) ([]models.Competitor, error) {
	clientSide := models.SideBuy
	if ownSide == models.SideBuy {
		clientSide = models.SideSell
	}
	if rows <= 0 {
		rows = 20
	}

	params := url.Values{}
	params.Set("asset", asset)
	params.Set("fiatUnit", fiat)
	params.Set("tradeType", string(clientSide))
	params.Set("rows", strconv.Itoa(rows))

	var data []wireCompetitor
	if err := c.call(ctx, http.MethodGet, "/api/v1/advert/search", params, &data); err != nil {
		return nil, err
	}

	competitors := make([]models.Competitor, 0, len(data))
	for _, w := range data {
		competitors = append(competitors, models.Competitor{
			AdvertNo:        w.AdvertNo,
			NickName:        w.NickName,
			UserNo:          w.UserNo,
			Price:           parseDecimal(w.Price),
			SurplusAmount:   parseDecimal(w.SurplusAmount),
			MonthOrderCount: w.MonthOrderCount,
			MonthFinishRate: w.MonthFinishRate,
			PositiveRate:    w.PositiveRate,
			UserGrade:       w.UserGrade,
			IsOnline:        w.IsOnline,
		})
	}
	return competitors, nil
}

// ListPendingOrders pulls open orders (TRADING, BUYER_PAYED, APPEALING).
func (c *Client) ListPendingOrders(ctx context.Context, rows int) ([]models.Order, error) {
	if rows <= 0 {
		rows = 50
	}
	params := url.Values{}
	params.Set("rows", strconv.Itoa(rows))

	var data []wireOrder
	if err := c.call(ctx, http.MethodGet, "/api/v1/order/pending", params, &data); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(data))
	for _, w := range data {
		orders = append(orders, w.toOrder())
	}
	return orders, nil
}

// ListOrderHistory pulls recently completed or cancelled orders for one side.
func (c *Client) ListOrderHistory(ctx context.Context, side models.Side, rows int) ([]models.Order, error) {
	if rows <= 0 {
		rows = 50
	}
	params := url.Values{}
	params.Set("tradeType", string(side))
	params.Set("rows", strconv.Itoa(rows))

	var data []wireOrder
	if err := c.call(ctx, http.MethodGet, "/api/v1/order/history", params, &data); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(data))
	for _, w := range data {
		orders = append(orders, w.toOrder())
	}
	return orders, nil
}

// GetOrderDetail fetches the full order, including the counterparty KYC
// real name. The venue puts the legal name in a sibling field to the
// nickname; it is the anchor for payer-name verification.
func (c *Client) GetOrderDetail(ctx context.Context, orderNumber string) (*models.Order, error) {
	params := url.Values{}
	params.Set("orderNumber", orderNumber)

	var data wireOrder
	if err := c.call(ctx, http.MethodGet, "/api/v1/order/detail", params, &data); err != nil {
		return nil, err
	}
	o := data.toOrder()
	return &o, nil
}

// UpdateAdPrice pushes a new 2-decimal price for one advertisement.
func (c *Client) UpdateAdPrice(ctx context.Context, advertNo string, price decimal.Decimal) error {
	params := url.Values{}
	params.Set("advertNo", advertNo)
	params.Set("price", price.StringFixed(2))
	return c.call(ctx, http.MethodPost, "/api/v1/advert/price", params, nil)
}

// ToggleAdStatus puts an advertisement online or offline.
func (c *Client) ToggleAdStatus(ctx context.Context, advertNo string, enable bool) error {
	params := url.Values{}
	params.Set("advertNo", advertNo)
	status := "0"
	if enable {
		status = "1"
	}
	params.Set("advertStatus", status)
	return c.call(ctx, http.MethodPost, "/api/v1/advert/status", params, nil)
}

// ReleaseCoin asks the venue to release the crypto for a paid order.
// Only ever invoked by the operator release endpoint behind the
// release-enabled kill switch; the engine itself never calls this.
func (c *Client) ReleaseCoin(ctx context.Context, orderNumber, twoFactorToken string) error {
	params := url.Values{}
	params.Set("orderNumber", orderNumber)
	params.Set("code", twoFactorToken)
	return c.call(ctx, http.MethodPost, "/api/v1/order/release", params, nil)
}
