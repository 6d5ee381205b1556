// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package domain

import (
	"wxpay/modules/aead"
)

// Webhook signature headers.
const (
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderSignature = "Wechatpay-Signature"
	HeaderSerial    = "Wechatpay-Serial"
)

// State of a single notification as it moves through the verifier.
type State string

const (
	StateReceived  State = "received"
	StateVerified  State = "verified"
	StateRejected  State = "rejected"
	StateDecrypted State = "decrypted"
	StateFailed    State = "failed"
)

type (
	// Header carries the four signature headers of a webhook.
	Header struct {
		Timestamp string
		Nonce     string
		Signature string
		Serial    string
	}

	// Envelope is the webhook body as sent by the gateway.
	Envelope struct {
		ID           string                 `json:"id"`
		CreateTime   string                 `json:"create_time"`
		EventType    string                 `json:"event_type"`
		Summary      string                 `json:"summary"`
		ResourceType string                 `json:"resource_type"`
		Resource     aead.EncryptedResource `json:"resource"`
	}

	// DecryptedNotification is either a *PaymentResult or a *RefundResult.
	DecryptedNotification interface {
		// Event is the envelope event_type the payload was decoded for.
		Event() string
		isDecryptedNotification()
	}
)

type (
	Payer struct {
		OpenID string `json:"openid"`
	}

	PaymentAmount struct {
		Total         int64  `json:"total"`
		PayerTotal    int64  `json:"payer_total"`
		Currency      string `json:"currency"`
		PayerCurrency string `json:"payer_currency"`
	}

	SceneInfo struct {
		DeviceID string `json:"device_id,omitempty"`
	}

	PromotionDetail struct {
		CouponID            string `json:"coupon_id"`
		Name                string `json:"name,omitempty"`
		Scope               string `json:"scope,omitempty"`
		Type                string `json:"type,omitempty"`
		Amount              int64  `json:"amount"`
		StockID             string `json:"stock_id,omitempty"`
		WechatpayContribute int64  `json:"wechatpay_contribute,omitempty"`
		MerchantContribute  int64  `json:"merchant_contribute,omitempty"`
		OtherContribute     int64  `json:"other_contribute,omitempty"`
		Currency            string `json:"currency,omitempty"`
	}

	// PaymentResult is the decrypted resource of TRANSACTION.* events.
	PaymentResult struct {
		EventType string `json:"-"`

		AppID           string            `json:"appid"`
		MchID           string            `json:"mchid"`
		OutTradeNo      string            `json:"out_trade_no"`
		TransactionID   string            `json:"transaction_id"`
		TradeType       string            `json:"trade_type"`
		TradeState      string            `json:"trade_state"`
		TradeStateDesc  string            `json:"trade_state_desc"`
		BankType        string            `json:"bank_type"`
		Attach          string            `json:"attach,omitempty"`
		SuccessTime     string            `json:"success_time"`
		Payer           Payer             `json:"payer"`
		Amount          PaymentAmount     `json:"amount"`
		SceneInfo       *SceneInfo        `json:"scene_info,omitempty"`
		PromotionDetail []PromotionDetail `json:"promotion_detail,omitempty"`
	}

	RefundAmount struct {
		Total       int64 `json:"total"`
		Refund      int64 `json:"refund"`
		PayerTotal  int64 `json:"payer_total"`
		PayerRefund int64 `json:"payer_refund"`
	}

	// RefundResult is the decrypted resource of REFUND.* events.
	RefundResult struct {
		EventType string `json:"-"`

		MchID               string       `json:"mchid"`
		OutTradeNo          string       `json:"out_trade_no"`
		TransactionID       string       `json:"transaction_id"`
		OutRefundNo         string       `json:"out_refund_no"`
		RefundID            string       `json:"refund_id"`
		RefundStatus        string       `json:"refund_status"`
		SuccessTime         string       `json:"success_time,omitempty"`
		UserReceivedAccount string       `json:"user_received_account"`
		Amount              RefundAmount `json:"amount"`
	}
)

func (p *PaymentResult) Event() string         { return p.EventType }
func (*PaymentResult) isDecryptedNotification() {}

func (r *RefundResult) Event() string         { return r.EventType }
func (*RefundResult) isDecryptedNotification() {}
