package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cd "controlling_door"
	"controlling_door/internal/grbl"
	"controlling_door/internal/service"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastSignUpPassword string
	lastGenUsername    string
	lastGenPassword    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(ctx context.Context, username, password string) (int, error) {
	m.lastSignUpUsername = username
	m.lastSignUpPassword = password
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(ctx context.Context, username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockDoor struct {
	status cd.DoorStatus
	frames chan cd.DoorStatus

	openErr    error
	closeErr   error
	stopErr    error
	moveErr    error
	jogErr     error
	homeErr    error
	zeroErr    error
	clearErr   error
	reconfErr  error
	reconfCfg  cd.DoorConfig
	activeCfg  cd.DoorConfig
	stagedFlag bool
	conn       grbl.ConnectionState

	openCalled  int
	closeCalled int
	stopCalled  int
	homeCalled  int
	zeroCalled  int
	clearCalled int
	lastPercent float64
	lastJogDist float64
	lastJogFeed float64
	lastPatch   cd.DoorConfigPatch
}

func (m *mockDoor) Status() cd.DoorStatus { return m.status }
func (m *mockDoor) Subscribe(buffer int) (<-chan cd.DoorStatus, func()) {
	ch := m.frames
	if ch == nil {
		ch = make(chan cd.DoorStatus)
	}
	return ch, func() {}
}
func (m *mockDoor) Open(ctx context.Context) error {
	m.openCalled++
	return m.openErr
}
func (m *mockDoor) Close(ctx context.Context) error {
	m.closeCalled++
	return m.closeErr
}
func (m *mockDoor) Stop(ctx context.Context) error {
	m.stopCalled++
	return m.stopErr
}
func (m *mockDoor) MoveToPercent(ctx context.Context, percent float64) error {
	m.lastPercent = percent
	return m.moveErr
}
func (m *mockDoor) Jog(ctx context.Context, distanceMM, feedMMMin float64) error {
	m.lastJogDist = distanceMM
	m.lastJogFeed = feedMMMin
	return m.jogErr
}
func (m *mockDoor) Home(ctx context.Context) error {
	m.homeCalled++
	return m.homeErr
}
func (m *mockDoor) Zero(ctx context.Context) error {
	m.zeroCalled++
	return m.zeroErr
}
func (m *mockDoor) ClearAlarm(ctx context.Context) error {
	m.clearCalled++
	return m.clearErr
}
func (m *mockDoor) Config() (cd.DoorConfig, bool) { return m.activeCfg, m.stagedFlag }
func (m *mockDoor) Reconfigure(ctx context.Context, patch cd.DoorConfigPatch) (cd.DoorConfig, error) {
	m.lastPatch = patch
	if m.reconfErr != nil {
		return cd.DoorConfig{}, m.reconfErr
	}
	return m.reconfCfg, nil
}
func (m *mockDoor) Connection() grbl.ConnectionState { return m.conn }

type mockSettings struct {
	dump    map[string]string
	dumpErr error
	getVal  string
	getErr  error
	setErr  error

	lastGetKey   string
	lastSetKey   string
	lastSetValue string
}

func (m *mockSettings) Dump(ctx context.Context) (map[string]string, error) {
	return m.dump, m.dumpErr
}
func (m *mockSettings) Get(ctx context.Context, key string) (string, error) {
	m.lastGetKey = key
	return m.getVal, m.getErr
}
func (m *mockSettings) Set(ctx context.Context, key, value string) error {
	m.lastSetKey = key
	m.lastSetValue = value
	return m.setErr
}

type mockEventLog struct {
	resp     []cd.DoorEvent
	err      error
	lastFrom time.Time
	lastTo   time.Time
	lastType string
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]cd.DoorEvent, error) {
	m.lastFrom = f.From
	m.lastTo = f.To
	m.lastType = f.Type
	return m.resp, m.err
}

// memSubscriptions is an in-memory repository.Subscriptions.
type memSubscriptions struct {
	subs      map[string]cd.PushSubscription
	upsertErr error
	deleteErr error
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{subs: make(map[string]cd.PushSubscription)}
}

func (m *memSubscriptions) Upsert(ctx context.Context, sub cd.PushSubscription) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.subs[sub.Endpoint] = sub
	return nil
}
func (m *memSubscriptions) Delete(ctx context.Context, endpoint string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.subs, endpoint)
	return nil
}
func (m *memSubscriptions) List(ctx context.Context) ([]cd.PushSubscription, error) {
	out := make([]cd.PushSubscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service, opts Options) *gin.Engine {
	h := NewHandler(s, nil, opts)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
