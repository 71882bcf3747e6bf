// README: End-to-end HTTP tests over in-memory stores: role gates, lifecycle, errors and the live feed.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	logtest "github.com/sirupsen/logrus/hooks/test"

	apihttp "cabcore/internal/http"
	"cabcore/internal/http/handlers"
	"cabcore/internal/infra"
	"cabcore/internal/modules/coordination"
	"cabcore/internal/modules/dispatch"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/ride"
	"cabcore/internal/types"
)

// tokenVerifier accepts tokens of the form "<role>:<uid>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, raw string) (*infra.Identity, error) {
	role, uid, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, infra.ErrInvalidToken
	}
	return &infra.Identity{UID: uid, Role: role}, nil
}

// syncEnqueuer publishes inline so tests observe events without a worker.
type syncEnqueuer struct {
	pub coordination.Publisher
}

func (s syncEnqueuer) Enqueue(e coordination.Event) bool {
	return s.pub.Publish(context.Background(), e) == nil
}

type testAPI struct {
	handler http.Handler
	live    *handlers.LiveHandler
	billing *fare.Billing
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, _ := logtest.NewNullLogger()

	engine := fare.NewEngine(fare.DefaultConfig(), nil)
	billing := fare.NewBilling(fare.NewMemoryInvoiceStore(), engine.Currency())
	drivers := dispatch.NewService(dispatch.NewMemoryStore(), log)

	// The live hub needs the ride service and the coordinator needs the hub.
	var live *handlers.LiveHandler
	fanout := coordination.FanoutPublisher{publisherFunc(func(ctx context.Context, e coordination.Event) error {
		return live.Publish(ctx, e)
	})}
	coord := coordination.NewCoordinator(
		coordination.NewLocal(drivers, engine, billing, coordination.GeoDistance{}),
		syncEnqueuer{pub: fanout},
		log,
	)
	rides := ride.NewService(ride.NewMemoryStore(), engine, coord, log,
		ride.WithStartCodes(func() (string, error) { return "4321", nil }))
	live = handlers.NewLiveHandler(rides, log)

	srv := apihttp.NewServer(apihttp.ServerDeps{
		Rides:    rides,
		Drivers:  drivers,
		Fares:    engine,
		Billing:  billing,
		Live:     live,
		Verifier: tokenVerifier{},
		Log:      log,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC) },
	})
	return &testAPI{handler: srv.Routes(), live: live, billing: billing}
}

type publisherFunc func(ctx context.Context, e coordination.Event) error

func (f publisherFunc) Publish(ctx context.Context, e coordination.Event) error { return f(ctx, e) }

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, out
}

func (a *testAPI) expect(t *testing.T, method, path, token string, body any, want int) map[string]any {
	t.Helper()
	w, out := a.do(t, method, path, token, body)
	if w.Code != want {
		t.Fatalf("%s %s: expected %d, got %d (%s)", method, path, want, w.Code, w.Body.String())
	}
	return out
}

var bookBody = map[string]any{
	"vehicle_class": "sedan",
	"pickup":        map[string]any{"lat": 12.9716, "lng": 77.5946, "address": "MG Road"},
	"dropoff":       map[string]any{"lat": 12.9352, "lng": 77.6245, "address": "Koramangala"},
}

func (a *testAPI) book(t *testing.T, customer string) string {
	t.Helper()
	out := a.expect(t, http.MethodPost, "/api/rides", "customer:"+customer, bookBody, http.StatusCreated)
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatalf("booking returned no id: %v", out)
	}
	return id
}

func (a *testAPI) registerDriver(t *testing.T, driver string) {
	t.Helper()
	tok := "driver:" + driver
	a.expect(t, http.MethodPost, "/api/drivers/me", tok, map[string]any{"vehicle_class": "SEDAN", "capacity": 4}, http.StatusOK)
	a.expect(t, http.MethodPut, "/api/drivers/me/location", tok, map[string]any{"lat": 12.9720, "lng": 77.5950}, http.StatusNoContent)
	a.expect(t, http.MethodPut, "/api/drivers/me/status", tok, map[string]any{"status": "available"}, http.StatusOK)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w, _ := api.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("unexpected health response: %d %q", w.Code, w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t)
	api.expect(t, http.MethodPost, "/api/rides", "", bookBody, http.StatusUnauthorized)
	api.expect(t, http.MethodPost, "/api/rides", "garbage", bookBody, http.StatusUnauthorized)
}

func TestBook_RoleAndValidation(t *testing.T) {
	api := newTestAPI(t)
	api.expect(t, http.MethodPost, "/api/rides", "driver:d1", bookBody, http.StatusForbidden)
	api.expect(t, http.MethodPost, "/api/rides", "customer:c1", map[string]any{"vehicle_class": "SEDAN"}, http.StatusBadRequest)
	api.expect(t, http.MethodPost, "/api/rides", "customer:c1", map[string]any{
		"vehicle_class": "HOVERCRAFT",
		"pickup":        map[string]any{"lat": 1, "lng": 1},
		"dropoff":       map[string]any{"lat": 2, "lng": 2},
	}, http.StatusBadRequest)

	out := api.expect(t, http.MethodPost, "/api/rides", "customer:c1", bookBody, http.StatusCreated)
	if out["status"] != string(ride.StatusSearchingDriver) || out["start_code"] != "4321" {
		t.Fatalf("unexpected booking: %v", out)
	}
	if out["vehicle_class"] != "SEDAN" {
		t.Fatalf("class not normalised: %v", out["vehicle_class"])
	}
	api.expect(t, http.MethodPost, "/api/rides", "customer:c1", bookBody, http.StatusConflict)
}

func TestRideLifecycle(t *testing.T) {
	api := newTestAPI(t)
	api.registerDriver(t, "d1")
	id := api.book(t, "c1")
	base := "/api/rides/" + id

	nearby := api.expect(t, http.MethodGet, "/api/drivers/nearby?lat=12.9716&lng=77.5946", "customer:c1", nil, http.StatusOK)
	if nearby["total"] != float64(1) {
		t.Fatalf("expected one nearby driver, got %v", nearby)
	}

	accepted := api.expect(t, http.MethodPost, base+"/accept", "driver:d1", nil, http.StatusOK)
	if accepted["status"] != string(ride.StatusAccepted) || accepted["driver_id"] != "d1" {
		t.Fatalf("unexpected accept: %v", accepted)
	}
	if _, leaked := accepted["start_code"]; leaked {
		t.Fatalf("start code shown to driver")
	}
	me := api.expect(t, http.MethodGet, "/api/drivers/me", "driver:d1", nil, http.StatusOK)
	if me["status"] != string(dispatch.StatusBusy) {
		t.Fatalf("driver should be busy after accept, got %v", me["status"])
	}

	api.expect(t, http.MethodPost, base+"/arrive", "driver:d2", nil, http.StatusConflict)
	api.expect(t, http.MethodPost, base+"/arrive", "driver:d1", nil, http.StatusOK)
	api.expect(t, http.MethodPost, base+"/start", "driver:d1", map[string]any{"start_code": "0000"}, http.StatusConflict)
	api.expect(t, http.MethodPost, base+"/start", "driver:d1", map[string]any{}, http.StatusBadRequest)
	api.expect(t, http.MethodPost, base+"/start", "driver:d1", map[string]any{"start_code": "4321"}, http.StatusOK)

	api.expect(t, http.MethodPost, base+"/location", "driver:d1", map[string]any{"lat": 12.96, "lng": 77.60}, http.StatusCreated)
	api.expect(t, http.MethodPost, base+"/location", "customer:c1", map[string]any{"lat": 12.96, "lng": 77.60}, http.StatusForbidden)
	track := api.expect(t, http.MethodGet, base+"/track", "customer:c1", nil, http.StatusOK)
	if points, _ := track["points"].([]any); len(points) != 1 {
		t.Fatalf("expected one track point, got %v", track["points"])
	}

	done := api.expect(t, http.MethodPost, base+"/complete", "driver:d1", nil, http.StatusOK)
	if done["status"] != string(ride.StatusCompleted) || done["actual_fare"] == nil {
		t.Fatalf("unexpected completion: %v", done)
	}
	me = api.expect(t, http.MethodGet, "/api/drivers/me", "driver:d1", nil, http.StatusOK)
	if me["status"] != string(dispatch.StatusAvailable) {
		t.Fatalf("driver should be released after completion, got %v", me["status"])
	}

	inv := api.expect(t, http.MethodGet, base+"/invoice", "customer:c1", nil, http.StatusOK)
	if num, _ := inv["invoice_number"].(string); !strings.HasPrefix(num, "INV-") {
		t.Fatalf("unexpected invoice: %v", inv)
	}
	api.expect(t, http.MethodGet, base+"/invoice", "customer:c2", nil, http.StatusForbidden)

	api.expect(t, http.MethodPost, base+"/rate", "customer:c1", map[string]any{"rating": 6}, http.StatusBadRequest)
	api.expect(t, http.MethodPost, base+"/rate", "customer:c1", map[string]any{"rating": 4, "feedback": "smooth"}, http.StatusNoContent)
	api.expect(t, http.MethodPost, base+"/rate", "customer:c1", map[string]any{"rating": 5}, http.StatusConflict)
	api.expect(t, http.MethodPost, base+"/rate", "driver:d1", map[string]any{"rating": "4.5"}, http.StatusNoContent)
	api.expect(t, http.MethodPost, base+"/rate", "admin:ops", map[string]any{"rating": 4}, http.StatusForbidden)

	me = api.expect(t, http.MethodGet, "/api/drivers/me", "driver:d1", nil, http.StatusOK)
	if me["rating"] != "4" || me["total_trips"] != float64(1) {
		t.Fatalf("first rating should replace the initial 5.0, got %v", me["rating"])
	}

	history := api.expect(t, http.MethodGet, "/api/me/rides?page=0&size=5", "customer:c1", nil, http.StatusOK)
	if history["total"] != float64(1) || history["size"] != float64(5) {
		t.Fatalf("unexpected history: %v", history)
	}
	driverHistory := api.expect(t, http.MethodGet, "/api/me/rides", "driver:d1", nil, http.StatusOK)
	if driverHistory["total"] != float64(1) {
		t.Fatalf("unexpected driver history: %v", driverHistory)
	}
	api.expect(t, http.MethodGet, "/api/me/rides?page=x", "customer:c1", nil, http.StatusBadRequest)
}

func TestGet_AccessControl(t *testing.T) {
	api := newTestAPI(t)
	id := api.book(t, "c1")

	api.expect(t, http.MethodGet, "/api/rides/"+id, "customer:c2", nil, http.StatusForbidden)
	api.expect(t, http.MethodGet, "/api/rides/"+id, "driver:d1", nil, http.StatusForbidden)
	api.expect(t, http.MethodGet, "/api/rides/missing", "customer:c1", nil, http.StatusNotFound)

	own := api.expect(t, http.MethodGet, "/api/rides/"+id, "customer:c1", nil, http.StatusOK)
	if own["start_code"] != "4321" {
		t.Fatalf("customer should see the start code: %v", own)
	}
	ops := api.expect(t, http.MethodGet, "/api/rides/"+id, "admin:ops", nil, http.StatusOK)
	if _, leaked := ops["start_code"]; leaked {
		t.Fatalf("start code shown to operator")
	}
}

func TestCancel(t *testing.T) {
	api := newTestAPI(t)
	id := api.book(t, "c1")
	base := "/api/rides/" + id

	api.expect(t, http.MethodPost, base+"/cancel", "customer:c2", map[string]any{"reason": "x"}, http.StatusConflict)
	api.expect(t, http.MethodPost, base+"/cancel", "driver:d1", nil, http.StatusConflict)

	out := api.expect(t, http.MethodPost, base+"/cancel", "customer:c1", map[string]any{"reason": "changed plans"}, http.StatusOK)
	if out["status"] != string(ride.StatusCancelled) || out["cancelled_by"] != string(ride.ActorCustomer) {
		t.Fatalf("unexpected cancel: %v", out)
	}
	api.expect(t, http.MethodPost, base+"/cancel", "admin:ops", nil, http.StatusConflict)

	// A new ride is allowed once the previous one is cancelled.
	second := api.book(t, "c1")
	api.expect(t, http.MethodPost, "/api/rides/"+second+"/cancel", "system:reaper", nil, http.StatusOK)
}

func TestActive_OperatorOnly(t *testing.T) {
	api := newTestAPI(t)
	api.book(t, "c1")
	api.book(t, "c2")

	api.expect(t, http.MethodGet, "/api/admin/rides/active", "customer:c1", nil, http.StatusForbidden)
	out := api.expect(t, http.MethodGet, "/api/admin/rides/active", "admin:ops", nil, http.StatusOK)
	if out["total"] != float64(2) {
		t.Fatalf("expected two active rides, got %v", out)
	}
}

func TestDriverEndpoints_Validation(t *testing.T) {
	api := newTestAPI(t)
	api.expect(t, http.MethodGet, "/api/drivers/me", "driver:ghost", nil, http.StatusNotFound)
	api.expect(t, http.MethodPost, "/api/drivers/me", "driver:d1", map[string]any{"vehicle_class": "SEDAN"}, http.StatusBadRequest)
	api.expect(t, http.MethodPost, "/api/drivers/me", "customer:c1", map[string]any{"vehicle_class": "SEDAN", "capacity": 4}, http.StatusForbidden)
	api.expect(t, http.MethodPost, "/api/drivers/me", "driver:d1", map[string]any{"vehicle_class": "SEDAN", "capacity": 4}, http.StatusOK)
	api.expect(t, http.MethodPut, "/api/drivers/me/status", "driver:d1", map[string]any{"status": "BUSY"}, http.StatusBadRequest)
	api.expect(t, http.MethodPut, "/api/drivers/me/location", "driver:d1", map[string]any{"lat": 123.0, "lng": 0}, http.StatusBadRequest)
	api.expect(t, http.MethodGet, "/api/drivers/nearby?lat=abc&lng=1", "customer:c1", nil, http.StatusBadRequest)
	api.expect(t, http.MethodGet, "/api/drivers/nearby?lat=1&lng=1&radius_km=-2", "customer:c1", nil, http.StatusBadRequest)
	api.expect(t, http.MethodGet, "/api/drivers/nearest?lat=1&lng=1", "customer:c1", nil, http.StatusNotFound)
}

func TestFareAndRouteEstimates(t *testing.T) {
	api := newTestAPI(t)
	est := api.expect(t, http.MethodPost, "/api/fares/estimate", "customer:c1", map[string]any{
		"vehicle_class": "SEDAN",
		"pickup":        map[string]any{"lat": 12.9716, "lng": 77.5946},
		"dropoff":       map[string]any{"lat": 12.9352, "lng": 77.6245},
	}, http.StatusOK)
	if est["total"] == nil || est["estimated_distance_km"] == nil {
		t.Fatalf("unexpected estimate: %v", est)
	}
	api.expect(t, http.MethodPost, "/api/fares/estimate", "customer:c1", map[string]any{"pickup": map[string]any{"lat": 1, "lng": 1}}, http.StatusBadRequest)

	route := api.expect(t, http.MethodGet, "/api/routes/estimate?from_lat=12.9716&from_lng=77.5946&to_lat=12.9352&to_lng=77.6245", "customer:c1", nil, http.StatusOK)
	if poly, _ := route["polyline"].([]any); len(poly) != 11 {
		t.Fatalf("expected 11 polyline points, got %d", len(poly))
	}
	api.expect(t, http.MethodGet, "/api/routes/estimate?from_lat=12.9", "customer:c1", nil, http.StatusBadRequest)
}

func TestLiveFeed(t *testing.T) {
	api := newTestAPI(t)
	api.registerDriver(t, "d1")
	id := api.book(t, "c1")

	ts := httptest.NewServer(api.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/rides/" + id + "/live?access_token=customer:c1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial live feed: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for api.live.Subscribers(types.ID(id)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	api.expect(t, http.MethodPost, "/api/rides/"+id+"/accept", "driver:d1", nil, http.StatusOK)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read live event: %v", err)
	}
	var e coordination.Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if e.Type != coordination.EventRideAccepted || string(e.RideID) != id {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestLiveFeed_Forbidden(t *testing.T) {
	api := newTestAPI(t)
	id := api.book(t, "c1")
	ts := httptest.NewServer(api.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/rides/" + id + "/live?access_token=customer:c2"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

// completeRide books and finishes a ride for customer with driver.
func (a *testAPI) completeRide(t *testing.T, customer, driver string) string {
	t.Helper()
	a.registerDriver(t, driver)
	id := a.book(t, customer)
	base := "/api/rides/" + id
	tok := "driver:" + driver
	a.expect(t, http.MethodPost, base+"/accept", tok, nil, http.StatusOK)
	a.expect(t, http.MethodPost, base+"/arrive", tok, nil, http.StatusOK)
	a.expect(t, http.MethodPost, base+"/start", tok, map[string]any{"start_code": "4321"}, http.StatusOK)
	a.expect(t, http.MethodPost, base+"/complete", tok, nil, http.StatusOK)
	return id
}

func TestPayments(t *testing.T) {
	api := newTestAPI(t)
	id := api.completeRide(t, "c1", "d1")
	inv := api.expect(t, http.MethodGet, "/api/rides/"+id+"/invoice", "customer:c1", nil, http.StatusOK)
	invoiceID, _ := inv["id"].(string)

	api.expect(t, http.MethodPost, "/api/payments", "driver:d1", map[string]any{"invoice_id": invoiceID, "payment_method": "CASH"}, http.StatusForbidden)
	api.expect(t, http.MethodPost, "/api/payments", "customer:c1", map[string]any{"invoice_id": invoiceID}, http.StatusBadRequest)
	api.expect(t, http.MethodPost, "/api/payments", "customer:c1", map[string]any{"invoice_id": invoiceID, "payment_method": "barter"}, http.StatusBadRequest)
	api.expect(t, http.MethodPost, "/api/payments", "customer:c2", map[string]any{"invoice_id": invoiceID, "payment_method": "cash"}, http.StatusForbidden)
	api.expect(t, http.MethodPost, "/api/payments", "customer:c1", map[string]any{"invoice_id": "missing", "payment_method": "cash"}, http.StatusNotFound)

	paid := api.expect(t, http.MethodPost, "/api/payments", "customer:c1", map[string]any{"invoice_id": invoiceID, "payment_method": "cash"}, http.StatusOK)
	txn, _ := paid["transaction_id"].(string)
	if paid["status"] != string(fare.PaymentSuccess) || !strings.HasPrefix(txn, "TXN-") {
		t.Fatalf("unexpected payment: %v", paid)
	}
	inv = api.expect(t, http.MethodGet, "/api/rides/"+id+"/invoice", "customer:c1", nil, http.StatusOK)
	if inv["status"] != string(fare.InvoicePaid) {
		t.Fatalf("invoice should be paid, got %v", inv["status"])
	}
	api.expect(t, http.MethodPost, "/api/payments", "customer:c1", map[string]any{"invoice_id": invoiceID, "payment_method": "cash"}, http.StatusConflict)

	api.expect(t, http.MethodGet, "/api/payments/"+txn, "customer:c1", nil, http.StatusOK)
	api.expect(t, http.MethodGet, "/api/payments/"+txn, "customer:c2", nil, http.StatusForbidden)
	api.expect(t, http.MethodGet, "/api/payments/TXN-NOPE", "admin:ops", nil, http.StatusNotFound)

	api.expect(t, http.MethodPost, "/api/payments/"+txn+"/refund", "customer:c1", nil, http.StatusForbidden)
	refunded := api.expect(t, http.MethodPost, "/api/payments/"+txn+"/refund", "admin:ops", nil, http.StatusOK)
	if refunded["status"] != string(fare.PaymentRefunded) {
		t.Fatalf("unexpected refund: %v", refunded)
	}
	api.expect(t, http.MethodPost, "/api/payments/"+txn+"/refund", "admin:ops", nil, http.StatusConflict)

	list := api.expect(t, http.MethodGet, "/api/me/invoices", "customer:c1", nil, http.StatusOK)
	items, _ := list["items"].([]any)
	if list["total"] != float64(1) || len(items) != 1 {
		t.Fatalf("unexpected invoice list: %v", list)
	}
	if first, _ := items[0].(map[string]any); first["status"] != string(fare.InvoiceRefunded) {
		t.Fatalf("expected refunded invoice, got %v", items[0])
	}
	other := api.expect(t, http.MethodGet, "/api/me/invoices", "customer:c2", nil, http.StatusOK)
	if other["total"] != float64(0) {
		t.Fatalf("other customer sees invoices: %v", other)
	}
	api.expect(t, http.MethodGet, "/api/me/invoices?size=x", "customer:c1", nil, http.StatusBadRequest)
}

func TestOpenRides(t *testing.T) {
	api := newTestAPI(t)
	first := api.book(t, "c1")
	second := api.book(t, "c2")
	api.expect(t, http.MethodPost, "/api/rides", "customer:c3", map[string]any{
		"vehicle_class": "SUV",
		"pickup":        bookBody["pickup"],
		"dropoff":       bookBody["dropoff"],
	}, http.StatusCreated)

	api.expect(t, http.MethodGet, "/api/open-rides", "customer:c1", nil, http.StatusForbidden)
	api.expect(t, http.MethodGet, "/api/open-rides?vehicle_class=zeppelin", "driver:d1", nil, http.StatusBadRequest)

	all := api.expect(t, http.MethodGet, "/api/open-rides", "driver:d1", nil, http.StatusOK)
	if all["total"] != float64(3) {
		t.Fatalf("expected three open rides, got %v", all)
	}
	sedans := api.expect(t, http.MethodGet, "/api/open-rides?vehicle_class=sedan", "driver:d1", nil, http.StatusOK)
	rides, _ := sedans["rides"].([]any)
	if len(rides) != 2 {
		t.Fatalf("expected two sedan rides, got %v", sedans)
	}
	for _, r := range rides {
		if _, leaked := r.(map[string]any)["start_code"]; leaked {
			t.Fatalf("start code shown in open rides")
		}
	}

	api.registerDriver(t, "d1")
	api.expect(t, http.MethodPost, "/api/rides/"+first+"/accept", "driver:d1", nil, http.StatusOK)
	api.expect(t, http.MethodPost, "/api/rides/"+second+"/cancel", "customer:c2", nil, http.StatusOK)
	left := api.expect(t, http.MethodGet, "/api/open-rides?vehicle_class=SEDAN", "driver:d2", nil, http.StatusOK)
	if left["total"] != float64(0) {
		t.Fatalf("accepted and cancelled rides must drop out, got %v", left)
	}
}
