package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/catalog"
)

type fakeCatalogService struct {
	catalog.Service
	createPlanErr  error
	createPriceErr error
	deactivated    []string
}

func (f *fakeCatalogService) CreatePlan(ctx context.Context, req *catalog.CreatePlanRequest) (*catalog.Plan, error) {
	if f.createPlanErr != nil {
		return nil, f.createPlanErr
	}
	return &catalog.Plan{ID: "plan_1", Name: req.Name, Active: true}, nil
}

func (f *fakeCatalogService) CreatePrice(ctx context.Context, req *catalog.CreatePriceRequest) (*catalog.Price, error) {
	if f.createPriceErr != nil {
		return nil, f.createPriceErr
	}
	return &catalog.Price{ID: "price_1", PlanID: req.PlanID,
		UnitAmountCents: req.UnitAmountCents, Currency: "usd", Active: true}, nil
}

func (f *fakeCatalogService) ListPlans(ctx context.Context, activeOnly bool) ([]*catalog.Plan, error) {
	return []*catalog.Plan{{ID: "plan_1"}}, nil
}

func (f *fakeCatalogService) DeactivatePrice(ctx context.Context, id string) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

func catalogRouter(svc catalog.Service, rec audit.Recorder) *mux.Router {
	return newTestRouter(func(r *mux.Router) {
		NewCatalogHandlers(svc, rec).RegisterRoutes(r)
	})
}

func TestCreatePlan(t *testing.T) {
	rec := &recordingAudit{}
	router := catalogRouter(&fakeCatalogService{}, rec)

	resp := doRequest(router, "POST", "/v1/plans",
		map[string]string{"name": "Pro"}, auth.ScopeCatalogWrite)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, []audit.EventType{audit.EventPlanCreated}, rec.recorded())
}

func TestCreatePlanNameTaken(t *testing.T) {
	router := catalogRouter(&fakeCatalogService{createPlanErr: catalog.ErrPlanNameTaken}, nil)

	resp := doRequest(router, "POST", "/v1/plans",
		map[string]string{"name": "Pro"}, auth.ScopeCatalogWrite)

	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestCreatePriceMeteredUnitRequired(t *testing.T) {
	router := catalogRouter(&fakeCatalogService{createPriceErr: catalog.ErrMeteredUnitRequired}, nil)

	resp := doRequest(router, "POST", "/v1/prices", map[string]interface{}{
		"plan_id":           "plan_1",
		"unit_amount_cents": 900,
		"interval":          "month",
		"usage_type":        "metered",
	}, auth.ScopeCatalogWrite)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "metered_unit")
}

func TestListPlans(t *testing.T) {
	router := catalogRouter(&fakeCatalogService{}, nil)

	resp := doRequest(router, "GET", "/v1/plans?active=true", nil, auth.ScopeCatalogRead)

	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestDeactivatePrice(t *testing.T) {
	svc := &fakeCatalogService{}
	rec := &recordingAudit{}
	router := catalogRouter(svc, rec)

	resp := doRequest(router, "DELETE", "/v1/prices/price_1", nil, auth.ScopeCatalogWrite)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, []string{"price_1"}, svc.deactivated)
	assert.Equal(t, []audit.EventType{audit.EventPriceDeactivated}, rec.recorded())
}

func TestCatalogWriteNeedsScope(t *testing.T) {
	router := catalogRouter(&fakeCatalogService{}, nil)

	resp := doRequest(router, "POST", "/v1/plans",
		map[string]string{"name": "Pro"}, auth.ScopeCatalogRead)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}
