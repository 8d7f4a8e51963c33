package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"hotspot_billing/internal/config"
)

const (
	mpesaTimestampLayout = "20060102150405"
	mpesaTokenSkew       = 60 * time.Second
)

// PromptRequest asks the payer's handset to authorize a payment.
type PromptRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// PromptResponse carries the identifier the gateway will echo back in its callback.
type PromptResponse struct {
	CorrelationID       string
	MerchantRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// PaymentGateway issues payment prompts.
type PaymentGateway interface {
	RequestPayment(ctx context.Context, req PromptRequest) (*PromptResponse, error)
}

type mpesaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
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

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// MpesaService talks to the Safaricom Daraja API.
type MpesaService struct {
	client      *resty.Client
	cfg         config.MpesaConfig
	callbackURL string
	cache       Cache
	location    *time.Location
	now         func() time.Time
	log         *zap.Logger
	metrics     *Metrics
}

// NewMpesaService creates a Daraja client. Access tokens are kept in cache.
func NewMpesaService(cfg config.MpesaConfig, baseURL string, cache Cache, log *zap.Logger, metrics *Metrics) *MpesaService {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn("unknown M-Pesa timezone, using EAT offset", zap.String("timezone", cfg.Timezone), zap.Error(err))
		location = time.FixedZone("EAT", 3*60*60)
	}
	if cache == nil {
		cache = NewMemoryCache()
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &MpesaService{
		client:      client,
		cfg:         cfg,
		callbackURL: strings.TrimRight(baseURL, "/") + "/mpesa/callback",
		cache:       cache,
		location:    location,
		now:         time.Now,
		log:         log.Named("mpesa"),
		metrics:     metrics,
	}
}

func (s *MpesaService) tokenKey() string {
	return "mpesa:access_token:" + s.cfg.ConsumerKey
}

// AccessToken returns a cached OAuth token, fetching a new one when needed.
func (s *MpesaService) AccessToken(ctx context.Context) (string, error) {
	var token string
	if err := s.cache.Get(ctx, s.tokenKey(), &token); err == nil && token != "" {
		return token, nil
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBasicAuth(s.cfg.ConsumerKey, s.cfg.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		Get("/oauth/v1/generate")
	if err != nil {
		s.metrics.ObserveGatewayCall("token", false)
		return "", fmt.Errorf("%w: token request: %v", ErrGatewayUnavailable, err)
	}
	if resp.IsError() {
		s.metrics.ObserveGatewayCall("token", false)
		return "", fmt.Errorf("%w: token request returned %d", ErrGatewayUnavailable, resp.StatusCode())
	}

	var body mpesaTokenResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.AccessToken == "" {
		s.metrics.ObserveGatewayCall("token", false)
		return "", fmt.Errorf("%w: malformed token response", ErrGatewayUnavailable)
	}
	s.metrics.ObserveGatewayCall("token", true)

	ttl := tokenTTL(body.ExpiresIn)
	if ttl > 0 {
		if err := s.cache.Set(ctx, s.tokenKey(), body.AccessToken, ttl); err != nil {
			s.log.Warn("failed to cache access token", zap.Error(err))
		}
	}
	return body.AccessToken, nil
}

func tokenTTL(expiresIn string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds)*time.Second - mpesaTokenSkew
}

// RequestPayment sends an STK push to the payer's phone.
func (s *MpesaService) RequestPayment(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	phone := NormalizePhone(req.Phone, s.cfg.CountryCode)
	timestamp := s.now().In(s.location).Format(mpesaTimestampLayout)
	password := base64.StdEncoding.EncodeToString([]byte(s.cfg.ShortCode + s.cfg.Passkey + timestamp))

	description := req.Description
	if description == "" {
		description = "Payment for service"
	}

	payload := stkPushRequest{
		BusinessShortCode: s.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            s.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       s.callbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   description,
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post("/mpesa/stkpush/v1/processrequest")
	if err != nil {
		s.metrics.ObserveGatewayCall("stk_push", false)
		return nil, fmt.Errorf("%w: stk push: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		// Token revoked or expired early; the next attempt fetches a fresh one.
		if err := s.cache.Delete(ctx, s.tokenKey()); err != nil {
			s.log.Warn("failed to evict access token", zap.Error(err))
		}
	}

	var body stkPushResponse
	decodeErr := json.Unmarshal(resp.Body(), &body)

	if resp.IsError() {
		s.metrics.ObserveGatewayCall("stk_push", false)
		s.log.Warn("stk push rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("error_code", body.ErrorCode),
			zap.String("error_message", body.ErrorMessage),
		)
		return nil, fmt.Errorf("%w: stk push returned %d", ErrGatewayUnavailable, resp.StatusCode())
	}
	if decodeErr != nil {
		s.metrics.ObserveGatewayCall("stk_push", false)
		return nil, fmt.Errorf("%w: malformed stk push response", ErrGatewayUnavailable)
	}
	if body.ResponseCode != "0" || body.CheckoutRequestID == "" {
		s.metrics.ObserveGatewayCall("stk_push", false)
		s.log.Warn("stk push not accepted",
			zap.String("response_code", body.ResponseCode),
			zap.String("description", body.ResponseDescription),
		)
		return nil, fmt.Errorf("%w: stk push not accepted (code %q)", ErrGatewayUnavailable, body.ResponseCode)
	}

	s.metrics.ObserveGatewayCall("stk_push", true)
	return &PromptResponse{
		CorrelationID:       body.CheckoutRequestID,
		MerchantRequestID:   body.MerchantRequestID,
		ResponseCode:        body.ResponseCode,
		ResponseDescription: body.ResponseDescription,
		CustomerMessage:     body.CustomerMessage,
	}, nil
}

// NormalizePhone rewrites a local number into the international form the gateway expects.
// "0712..." becomes "254712...", "+254712..." becomes "254712...", anything else is unchanged.
func NormalizePhone(phone, countryCode string) string {
	phone = strings.TrimSpace(phone)
	switch {
	case strings.HasPrefix(phone, "0"):
		return countryCode + phone[1:]
	case strings.HasPrefix(phone, "+"):
		return phone[1:]
	}
	return phone
}
