package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "polyscalp/config"
	"polyscalp/internal/events"
	"polyscalp/models"
)

type fakeController struct {
	added   []models.MarketDescriptor
	removed []string
	failAdd bool
}

func (f *fakeController) AddMarket(d models.MarketDescriptor) error {
	if f.failAdd {
		return errFull
	}
	f.added = append(f.added, d)
	return nil
}

func (f *fakeController) RemoveMarket(id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeController) Status() models.BotStatus {
	return models.BotStatus{Running: true, ActiveMarkets: len(f.added), TS: time.Now()}
}

var errFull = &capacityError{}

type capacityError struct{}

func (*capacityError) Error() string { return "max concurrent markets reached" }

func newRouter(controller Controller) *gin.Engine {
	s := NewServer(appconfig.DashboardConfig{Enabled: true, Address: ":0"}, controller, events.NewBus(8))
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/status", s.handleStatus)
	router.POST("/markets", s.handleAddMarket)
	router.DELETE("/markets/:id", s.handleRemoveMarket)
	return router
}

func TestDisabledDashboardIsNil(t *testing.T) {
	if s := NewServer(appconfig.DashboardConfig{Enabled: false}, &fakeController{}, events.NewBus(1)); s != nil {
		t.Fatalf("disabled dashboard must be nil")
	}
}

func TestStatusRoute(t *testing.T) {
	router := newRouter(&fakeController{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	var status models.BotStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Fatalf("unexpected status payload %+v", status)
	}
}

func TestAddMarketRoute(t *testing.T) {
	ctrl := &fakeController{}
	router := newRouter(ctrl)

	body, _ := json.Marshal(models.MarketDescriptor{
		MarketID: "m1",
		Question: "Will BTC be higher in 15 minutes?",
		TokenYes: "y",
		TokenNo:  "n",
		EndTime:  time.Now().Add(14 * time.Minute),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/markets", bytes.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if len(ctrl.added) != 1 || ctrl.added[0].MarketID != "m1" {
		t.Fatalf("controller not invoked: %+v", ctrl.added)
	}
}

func TestAddMarketRouteRejectsOverCapacity(t *testing.T) {
	router := newRouter(&fakeController{failAdd: true})

	body, _ := json.Marshal(models.MarketDescriptor{MarketID: "m1", TokenYes: "y", TokenNo: "n"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/markets", bytes.NewReader(body)))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", w.Code)
	}
}

func TestRemoveMarketRoute(t *testing.T) {
	ctrl := &fakeController{}
	router := newRouter(ctrl)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/markets/m1", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if len(ctrl.removed) != 1 || ctrl.removed[0] != "m1" {
		t.Fatalf("remove not forwarded: %v", ctrl.removed)
	}
}
