package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/util"
)

// tenant headers carried on every remote call
const (
	headerTenantID = "X-Tenant-ID"
	headerUserID   = "X-User-ID"
)

// UserValidatorClient calls the remote user service.
type UserValidatorClient struct {
	baseURL string
	client  *http.Client
}

// NewUserValidatorClient creates a user validator over HTTP
func NewUserValidatorClient(baseURL string, timeout time.Duration) *UserValidatorClient {
	return &UserValidatorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Validate checks whether the user exists and is active
func (c *UserValidatorClient) Validate(ctx context.Context, tc saga.TenantContext, userID string) (*saga.ValidationResult, error) {
	ctx, span := util.StartSpan(ctx, "UserValidatorClient.Validate")
	defer span.End()

	url := fmt.Sprintf("%s/api/v1/users/%s/validate", c.baseURL, userID)
	var result saga.ValidationResult
	if err := c.doJSON(ctx, tc, http.MethodGet, url, nil, &result); err != nil {
		return nil, fmt.Errorf("user validation request failed: %w", err)
	}
	return &result, nil
}

func (c *UserValidatorClient) doJSON(ctx context.Context, tc saga.TenantContext, method, url string, body, out interface{}) error {
	return doJSON(ctx, c.client, tc, method, url, body, out)
}

// PaymentGatewayClient calls the remote payment service.
type PaymentGatewayClient struct {
	baseURL string
	client  *http.Client
}

// NewPaymentGatewayClient creates a payment gateway over HTTP
func NewPaymentGatewayClient(baseURL string, timeout time.Duration) *PaymentGatewayClient {
	return &PaymentGatewayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Charge submits a charge for an order
func (c *PaymentGatewayClient) Charge(ctx context.Context, tc saga.TenantContext, req saga.ChargeRequest) (*saga.ChargeResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGatewayClient.Charge")
	defer span.End()

	var result saga.ChargeResult
	url := fmt.Sprintf("%s/api/v1/charges", c.baseURL)
	if err := doJSON(ctx, c.client, tc, http.MethodPost, url, req, &result); err != nil {
		return nil, fmt.Errorf("charge request failed: %w", err)
	}
	return &result, nil
}

// Refund reverses a prior charge
func (c *PaymentGatewayClient) Refund(ctx context.Context, tc saga.TenantContext, paymentID string, amount int64, reason string) error {
	ctx, span := util.StartSpan(ctx, "PaymentGatewayClient.Refund")
	defer span.End()

	body := map[string]interface{}{
		"amount": amount,
		"reason": reason,
	}
	url := fmt.Sprintf("%s/api/v1/payments/%s/refund", c.baseURL, paymentID)
	if err := doJSON(ctx, c.client, tc, http.MethodPost, url, body, nil); err != nil {
		return fmt.Errorf("refund request failed: %w", err)
	}
	return nil
}

func doJSON(ctx context.Context, client *http.Client, tc saga.TenantContext, method, url string, body, out interface{}) error {
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenantID, tc.TenantID)
	req.Header.Set(headerUserID, tc.UserID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
