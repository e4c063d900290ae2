package breeze

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// envelope is the common response wrapper.
type envelope struct {
	Success json.RawMessage `json:"Success"`
	Status  int             `json:"Status"`
	Error   json.RawMessage `json:"Error"`
}

// customerDetails is the session bootstrap response payload.
type customerDetails struct {
	SessionToken string `json:"session_token"`
}

// number tolerates both quoted and bare numerics, which the vendor mixes
// freely across endpoints.
type number string

func (n *number) UnmarshalJSON(b []byte) error {
	*n = number(strings.Trim(string(b), `"`))
	return nil
}

func (n number) empty() bool {
	return n == "" || n == "null"
}

func (n number) Decimal() (decimal.Decimal, error) {
	if n.empty() {
		return decimal.Decimal{}, fmt.Errorf("empty numeric field")
	}
	return decimal.NewFromString(string(n))
}

// Int64Ptr returns nil for absent values, preserving the distinction
// between "not reported" and zero.
func (n number) Int64Ptr() (*int64, error) {
	if n.empty() {
		return nil, nil
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return nil, err
	}
	v := d.IntPart()
	return &v, nil
}

// wireCandle is one historical bar as the vendor returns it.
type wireCandle struct {
	Datetime     string `json:"datetime"`
	Open         number `json:"open"`
	High         number `json:"high"`
	Low          number `json:"low"`
	Close        number `json:"close"`
	Volume       number `json:"volume"`
	OpenInterest number `json:"open_interest"`
}

// historicalRequest is the historicalcharts request body.
type historicalRequest struct {
	Interval     string `json:"interval"`
	FromDate     string `json:"from_date"`
	ToDate       string `json:"to_date"`
	StockCode    string `json:"stock_code"`
	ExchangeCode string `json:"exchange_code"`
	ProductType  string `json:"product_type"`
	ExpiryDate   string `json:"expiry_date,omitempty"`
	Right        string `json:"right,omitempty"`
	StrikePrice  string `json:"strike_price,omitempty"`
}

// sessionRequest is the customerdetails request body.
type sessionRequest struct {
	SessionToken string `json:"SessionToken"`
	AppKey       string `json:"AppKey"`
}
