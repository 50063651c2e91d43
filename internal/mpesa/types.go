package mpesa

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the Daraja timestamp format. The provider validates the
// password derivation against it, so it must not drift.
const TimestampLayout = "20060102150405"

// Password derives the Lipa Na M-Pesa password for a given instant:
// base64(shortCode + passkey + timestamp). Returns the password and the
// timestamp string it was derived from.
func Password(shortCode, passkey string, t time.Time) (password, timestamp string) {
	timestamp = t.Format(TimestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
	return password, timestamp
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// STKPushRequest is the wire shape of the push request. Field names follow
// the Daraja API.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgment. ResponseCode "0" means
// the push was accepted for processing; errorCode/errorMessage appear instead
// when Daraja rejects the request outright. The struct is persisted verbatim
// into payment_details, success or not.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID   string `json:"CheckoutRequestID,omitempty"`
	ResponseCode        string `json:"ResponseCode,omitempty"`
	ResponseDescription string `json:"ResponseDescription,omitempty"`
	CustomerMessage     string `json:"CustomerMessage,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (r *STKPushResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

// FailureDescription picks the most specific provider-supplied error text.
func (r *STKPushResponse) FailureDescription() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if r.ResponseDescription != "" {
		return r.ResponseDescription
	}
	return "gateway rejected the push request"
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID   string `json:"CheckoutRequestID,omitempty"`
	ResponseCode        string `json:"ResponseCode,omitempty"`
	ResponseDescription string `json:"ResponseDescription,omitempty"`
	ResultCode          string `json:"ResultCode,omitempty"`
	ResultDesc          string `json:"ResultDesc,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Succeeded reports whether the queried transaction completed on the
// customer side.
func (r *STKQueryResponse) Succeeded() bool {
	return r.ResponseCode == "0" && r.ResultCode == "0"
}

// Settled reports whether the provider has a terminal answer for the
// transaction. Daraja answers in-flight queries with an errorCode instead of
// a result.
func (r *STKQueryResponse) Settled() bool {
	return r.ErrorCode == "" && r.ResultCode != ""
}

// CallbackEnvelope mirrors the nested Daraja callback body.
type CallbackEnvelope struct {
	Body CallbackBody `json:"Body"`
}

type CallbackBody struct {
	STKCallback STKCallback `json:"stkCallback"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

func (c *STKCallback) Succeeded() bool {
	return c.ResultCode == 0
}

// CallbackMetadata is the heterogeneous {Name, Value} item list attached to
// successful callbacks. Lookups match by known key name; unknown keys are
// ignored and missing keys are tolerated, so provider schema drift does not
// break reconciliation.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

const (
	MetadataReceiptNumber   = "MpesaReceiptNumber"
	MetadataTransactionDate = "TransactionDate"
	MetadataAmount          = "Amount"
	MetadataPhoneNumber     = "PhoneNumber"
)

func (m *CallbackMetadata) get(name string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	for _, item := range m.Item {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

// ReceiptNumber returns the M-Pesa receipt code, empty when absent.
func (m *CallbackMetadata) ReceiptNumber() string {
	if v, ok := m.get(MetadataReceiptNumber); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Amount returns the confirmed amount, zero when absent.
func (m *CallbackMetadata) Amount() decimal.Decimal {
	v, ok := m.get(MetadataAmount)
	if !ok {
		return decimal.Zero
	}
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val)
	case string:
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	case json.Number:
		if d, err := decimal.NewFromString(val.String()); err == nil {
			return d
		}
	}
	return decimal.Zero
}

// TransactionDate returns the provider transaction timestamp as its raw
// numeric form (YYYYMMDDHHmmss), empty when absent.
func (m *CallbackMetadata) TransactionDate() string {
	v, ok := m.get(MetadataTransactionDate)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case float64:
		return fmt.Sprintf("%.0f", val)
	case string:
		return val
	case json.Number:
		return val.String()
	}
	return ""
}

// PhoneNumber returns the confirmed payer msisdn, empty when absent.
func (m *CallbackMetadata) PhoneNumber() string {
	v, ok := m.get(MetadataPhoneNumber)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case float64:
		return fmt.Sprintf("%.0f", val)
	case string:
		return val
	case json.Number:
		return val.String()
	}
	return ""
}
