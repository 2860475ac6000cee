package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/findosh/harvest/internal/middleware"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/audit"
	"github.com/findosh/harvest/internal/services/auth"
	"github.com/findosh/harvest/internal/services/harvest"
	"github.com/findosh/harvest/internal/services/positions"
	"github.com/findosh/harvest/internal/services/settings"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientSecret = "correct-horse-battery"

type apiFixture struct {
	server *httptest.Server
	static *positions.Static
	token  string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	static := positions.NewStatic()
	engine := harvest.New(harvest.Config{
		Positions: static,
		Settings:  settings.NewStore(nil),
		Audit:     audit.NewLog(&bytes.Buffer{}, nil),
	})
	authService := auth.NewService("test-secret", time.Hour, auth.NewMemoryClients())
	_, err := authService.RegisterClient(context.Background(), "advisor", clientSecret)
	require.NoError(t, err)

	h := New(engine, authService, nil)
	server := httptest.NewServer(h.Routes(middleware.NewAuth(authService)))
	t.Cleanup(server.Close)

	f := &apiFixture{server: server, static: static}
	res, body := f.do(t, http.MethodPost, "/api/auth/token", map[string]string{"client_id": "advisor", "client_secret": clientSecret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var tok auth.Token
	require.NoError(t, json.Unmarshal(body, &tok))
	f.token = tok.AccessToken
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(res.Body)
	require.NoError(t, err)
	return res, out.Bytes()
}

func position(symbol, qty, basis, price string) models.Position {
	return models.Position{
		Symbol:       symbol,
		Name:         symbol + " Inc.",
		Quantity:     decimal.RequireFromString(qty),
		CostBasis:    decimal.RequireFromString(basis),
		CurrentPrice: decimal.RequireFromString(price),
		Lots: []models.Lot{{
			Quantity:     decimal.RequireFromString(qty),
			AcquiredDate: time.Now().UTC().AddDate(0, -3, 0),
			CostBasis:    decimal.RequireFromString(basis),
		}},
	}
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func (f *apiFixture) scanOne(t *testing.T) *models.HarvestOpportunity {
	t.Helper()
	f.static.Set("hh-1", "acct-1", position("AAPL", "100", "10000", "80"))
	res, body := f.do(t, http.MethodPost, "/api/harvest/scan", map[string]string{"tax_entity_id": "hh-1"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	var report harvest.EntityReport
	require.NoError(t, json.Unmarshal(body, &report))
	require.Len(t, report.Opportunities, 1)
	return report.Opportunities[0]
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPI(t)
	f.token = ""
	res, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	f := newAPI(t)
	f.token = ""
	res, _ := f.do(t, http.MethodGet, "/api/harvest/opportunities", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	f.token = "not-a-token"
	res, _ = f.do(t, http.MethodGet, "/api/harvest/opportunities", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTokenRejectsBadSecret(t *testing.T) {
	f := newAPI(t)
	f.token = ""
	res, body := f.do(t, http.MethodPost, "/api/auth/token", map[string]string{"client_id": "advisor", "client_secret": "wrong-secret-value"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, body).Code)
}

func TestOpportunityLifecycle(t *testing.T) {
	f := newAPI(t)
	o := f.scanOne(t)
	base := "/api/harvest/opportunities/" + o.ID.String()

	res, body := f.do(t, http.MethodGet, "/api/harvest/opportunities?tax_entity_id=hh-1&status=identified", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list []models.HarvestOpportunity
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	res, body = f.do(t, http.MethodPost, base+"/approve", map[string]string{"replacement_symbol": "VGT"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var approved models.HarvestOpportunity
	require.NoError(t, json.Unmarshal(body, &approved))
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, "advisor", approved.ApprovedBy)
	assert.Equal(t, "VGT", approved.ReplacementSymbol)

	res, body = f.do(t, http.MethodPost, base+"/recommend", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, "invalid_transition", e.Code)
	assert.Equal(t, o.ID.String(), e.ID)

	res, _ = f.do(t, http.MethodPost, base+"/executing", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body = f.do(t, http.MethodPost, base+"/executed", map[string]string{
		"sell_transaction_id": "sell-1",
		"buy_transaction_id":  "buy-1",
		"actual_loss":         "-1950.50",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var executed models.HarvestOpportunity
	require.NoError(t, json.Unmarshal(body, &executed))
	assert.Equal(t, models.StatusExecuted, executed.Status)
	assert.True(t, executed.ActualLoss.Decimal.Equal(decimal.RequireFromString("-1950.50")))

	res, body = f.do(t, http.MethodGet, base+"/audit", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var trail []audit.Entry
	require.NoError(t, json.Unmarshal(body, &trail))
	require.Len(t, trail, 4)
	assert.Equal(t, "identify", trail[0].Action)

	res, body = f.do(t, http.MethodGet, "/api/wash-sale/windows?entity_id=hh-1&symbol=aapl", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var windows []models.WashSaleWindow
	require.NoError(t, json.Unmarshal(body, &windows))
	require.Len(t, windows, 1)
	assert.Equal(t, models.WashSaleInWindow, windows[0].Status)

	res, body = f.do(t, http.MethodGet, "/api/audit/hh-1/verify", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"valid":true`)
}

func TestApproveIntoOpenWindowIsUnprocessable(t *testing.T) {
	f := newAPI(t)
	o := f.scanOne(t)

	res, body := f.do(t, http.MethodPost, "/api/wash-sale/transactions", map[string]interface{}{
		"tax_entity_id":   "hh-1",
		"account_id":      "acct-2",
		"symbol":          "XLK",
		"side":            "sell",
		"trade_date":      time.Now().UTC().Format("2006-01-02"),
		"realized_amount": -300,
		"transaction_id":  "tx-9",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = f.do(t, http.MethodPost, "/api/harvest/opportunities/"+o.ID.String()+"/approve", map[string]string{"replacement_symbol": "XLK"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, "wash_sale_risk", e.Code)
	assert.Equal(t, "XLK", e.Symbol)

	res, body = f.do(t, http.MethodGet, "/api/harvest/opportunities/"+o.ID.String(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got models.HarvestOpportunity
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.StatusWashSaleRisk, got.Status)

	res, body = f.do(t, http.MethodGet, "/api/wash-sale/check?tax_entity_id=hh-1&symbol=XLK", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"is_safe":false`)
}

func TestErrorMapping(t *testing.T) {
	f := newAPI(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"bad id", http.MethodGet, "/api/harvest/opportunities/nope", nil, http.StatusBadRequest, "validation"},
		{"unknown id", http.MethodGet, "/api/harvest/opportunities/6f1c2b8e-1111-4c1e-9a55-0d6f2f0c9a10", nil, http.StatusNotFound, "not_found"},
		{"bad status filter", http.MethodGet, "/api/harvest/opportunities?status=pending", nil, http.StatusBadRequest, "validation"},
		{"scan without entity", http.MethodPost, "/api/harvest/scan", map[string]string{}, http.StatusBadRequest, "validation"},
		{"bad trade date", http.MethodPost, "/api/wash-sale/transactions", map[string]string{"trade_date": "01/02/2026"}, http.StatusBadRequest, "validation"},
		{"check without symbol", http.MethodGet, "/api/wash-sale/check?tax_entity_id=hh-1", nil, http.StatusBadRequest, "validation"},
		{"unknown window", http.MethodPost, "/api/wash-sale/windows/6f1c2b8e-1111-4c1e-9a55-0d6f2f0c9a10/adjust", map[string]string{"note": "x"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, res.StatusCode, string(body))
			assert.Equal(t, tt.code, decodeError(t, body).Code)
		})
	}
}

func TestRejectRequiresReason(t *testing.T) {
	f := newAPI(t)
	o := f.scanOne(t)
	path := "/api/harvest/opportunities/" + o.ID.String() + "/reject"

	res, body := f.do(t, http.MethodPost, path, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "reason", decodeError(t, body).Field)

	res, body = f.do(t, http.MethodPost, path, map[string]string{"reason": "client declined"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Contains(t, string(body), `"status":"rejected"`)
}

func TestSettingsEndpoints(t *testing.T) {
	f := newAPI(t)

	res, body := f.do(t, http.MethodGet, "/api/settings/hh-1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var s models.HarvestingSettings
	require.NoError(t, json.Unmarshal(body, &s))
	assert.True(t, s.MinLossAmount.Equal(decimal.NewFromInt(100)))

	res, body = f.do(t, http.MethodPut, "/api/settings/hh-1", map[string]interface{}{
		"tax_entity_id":   "hh-1",
		"min_loss_amount": "500",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &s))
	assert.True(t, s.MinLossAmount.Equal(decimal.NewFromInt(500)))
	assert.True(t, s.ShortTermTaxRate.Equal(decimal.RequireFromString("0.24")))

	res, body = f.do(t, http.MethodPut, "/api/settings/hh-1", map[string]interface{}{
		"tax_entity_id":       "hh-1",
		"short_term_tax_rate": "1.2",
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, "invalid_rate", e.Code)
	assert.Equal(t, "short_term_tax_rate", e.Field)

	res, _ = f.do(t, http.MethodPut, "/api/settings/hh-1", map[string]interface{}{"tax_entity_id": "hh-2"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	// a loss below min_loss_amount is not harvested
	f.static.Set("hh-1", "acct-1", position("MSFT", "10", "3300", "300"))
	res, body = f.do(t, http.MethodPost, "/api/harvest/scan", map[string]interface{}{"tax_entity_ids": []string{"hh-1"}})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var batch harvest.BatchReport
	require.NoError(t, json.Unmarshal(body, &batch))
	require.Len(t, batch.Entities, 1)
	assert.Empty(t, batch.Entities[0].Opportunities)
}
