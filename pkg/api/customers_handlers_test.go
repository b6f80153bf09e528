package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

type fakeCustomerService struct {
	customers.Service
	createErr error
	getErr    error
	deleted   []string
}

func (f *fakeCustomerService) CreateCustomer(ctx context.Context, req *customers.CreateCustomerRequest) (*customers.Customer, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &customers.Customer{ID: "cus_1", Email: req.Email, Name: req.Name, CreatedAt: time.Now()}, nil
}

func (f *fakeCustomerService) GetCustomer(ctx context.Context, id string) (*customers.Customer, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &customers.Customer{ID: id, Email: "ada@example.com"}, nil
}

func (f *fakeCustomerService) DeleteCustomer(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCustomerService) ListCustomers(ctx context.Context, limit, offset int) ([]*customers.Customer, int64, error) {
	return []*customers.Customer{{ID: "cus_1"}, {ID: "cus_2"}}, 5, nil
}

func customerRouter(svc customers.Service, subs subscriptions.Service,
	inv invoices.Service, rec audit.Recorder) *mux.Router {
	return newTestRouter(func(r *mux.Router) {
		NewCustomerHandlers(svc, subs, inv, rec).RegisterRoutes(r)
	})
}

func TestCreateCustomer(t *testing.T) {
	rec := &recordingAudit{}
	router := customerRouter(&fakeCustomerService{}, nil, nil, rec)

	resp := doRequest(router, "POST", "/v1/customers",
		map[string]string{"email": "ada@example.com", "name": "Ada"},
		auth.ScopeCustomersWrite)

	require.Equal(t, http.StatusCreated, resp.Code)
	var got customers.Customer
	decodeBody(t, resp, &got)
	assert.Equal(t, "cus_1", got.ID)
	assert.Equal(t, []audit.EventType{audit.EventCustomerCreated}, rec.recorded())
}

func TestCreateCustomerInvalidEmail(t *testing.T) {
	router := customerRouter(&fakeCustomerService{}, nil, nil, nil)

	resp := doRequest(router, "POST", "/v1/customers",
		map[string]string{"email": "not-an-email"}, auth.ScopeCustomersWrite)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCreateCustomerEmailTaken(t *testing.T) {
	router := customerRouter(&fakeCustomerService{createErr: customers.ErrEmailTaken}, nil, nil, nil)

	resp := doRequest(router, "POST", "/v1/customers",
		map[string]string{"email": "ada@example.com"}, auth.ScopeCustomersWrite)

	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestGetCustomerNotFound(t *testing.T) {
	router := customerRouter(&fakeCustomerService{getErr: customers.ErrNotFound}, nil, nil, nil)

	resp := doRequest(router, "GET", "/v1/customers/cus_missing", nil, auth.ScopeCustomersRead)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetCustomerScopeRequired(t *testing.T) {
	router := customerRouter(&fakeCustomerService{}, nil, nil, nil)

	resp := doRequest(router, "GET", "/v1/customers/cus_1", nil, auth.ScopeUsageWrite)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestListCustomersEnvelope(t *testing.T) {
	router := customerRouter(&fakeCustomerService{}, nil, nil, nil)

	resp := doRequest(router, "GET", "/v1/customers?limit=2", nil, auth.ScopeCustomersRead)

	require.Equal(t, http.StatusOK, resp.Code)
	var envelope struct {
		Data    []*customers.Customer `json:"data"`
		HasMore bool                  `json:"has_more"`
		Total   int64                 `json:"total"`
	}
	decodeBody(t, resp, &envelope)
	assert.Len(t, envelope.Data, 2)
	assert.True(t, envelope.HasMore)
	assert.Equal(t, int64(5), envelope.Total)
}

func TestDeleteCustomer(t *testing.T) {
	svc := &fakeCustomerService{}
	rec := &recordingAudit{}
	router := customerRouter(svc, nil, nil, rec)

	resp := doRequest(router, "DELETE", "/v1/customers/cus_1", nil, auth.ScopeCustomersWrite)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, []string{"cus_1"}, svc.deleted)
	assert.Equal(t, []audit.EventType{audit.EventCustomerDeleted}, rec.recorded())
}
