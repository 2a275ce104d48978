package httpapi

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/models"
)

func (e *testEnv) dial(t *testing.T, token string, kind models.UserKind) *websocket.Conn {
	t.Helper()
	q := url.Values{"token": {token}, "userType": {string(kind)}}
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) dispatch.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env dispatch.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ dispatch.MessageType) dispatch.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		if env := readFrame(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s frame", typ)
	return dispatch.Envelope{}
}

func send(t *testing.T, conn *websocket.Conn, typ dispatch.MessageType, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(dispatch.Message{Type: typ, Data: data}))
}

func errorCode(t *testing.T, env dispatch.Envelope) string {
	t.Helper()
	require.Equal(t, dispatch.MsgError, env.Type)
	var p dispatch.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p.Code
}

func TestWSRejectsBadToken(t *testing.T) {
	e := newEnv(t, WSOptions{})
	conn := e.dial(t, "not-a-token", models.KindCustomer)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), err.Error())
	assert.Zero(t, e.registry.Stats().Connections)
}

func TestWSRejectsMismatchedKind(t *testing.T) {
	e := newEnv(t, WSOptions{})
	conn := e.dial(t, e.token(t, "c1", models.KindCustomer), models.KindProvider)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestWSConnectionEstablished(t *testing.T) {
	e := newEnv(t, WSOptions{})
	conn := e.dial(t, e.token(t, "p1", models.KindProvider), models.KindProvider)

	env := readFrame(t, conn)
	require.Equal(t, dispatch.MsgConnectionEstablished, env.Type)
	var ce dispatch.ConnectionEstablished
	require.NoError(t, json.Unmarshal(env.Data, &ce))
	assert.Equal(t, "p1", ce.UserID)
	assert.Equal(t, models.KindProvider, ce.UserType)
	assert.NotEmpty(t, ce.ConnectionID)

	assert.True(t, e.registry.IsOnline("p1"))
	assert.Contains(t, e.rooms.RoomsOf("p1"), dispatch.ProviderRoom("p1"))
}

func TestWSSubscribeAuthorization(t *testing.T) {
	e := newEnv(t, WSOptions{})
	e.addProvider(t, "p1", souq)
	res := e.book(t, e.token(t, "c1", models.KindCustomer))
	room := dispatch.JobRoom(res.Job.ID)

	owner := e.dial(t, e.token(t, "c1", models.KindCustomer), models.KindCustomer)
	readUntil(t, owner, dispatch.MsgConnectionEstablished)
	send(t, owner, dispatch.MsgSubscribe, dispatch.RoomPayload{Room: room})
	assert.Equal(t, dispatch.MsgSubscribed, readFrame(t, owner).Type)

	stranger := e.dial(t, e.token(t, "c2", models.KindCustomer), models.KindCustomer)
	readUntil(t, stranger, dispatch.MsgConnectionEstablished)
	send(t, stranger, dispatch.MsgSubscribe, dispatch.RoomPayload{Room: room})
	assert.Equal(t, "forbidden", errorCode(t, readFrame(t, stranger)))

	send(t, stranger, dispatch.MsgSubscribe, dispatch.RoomPayload{Room: ""})
	assert.Equal(t, "bad_message", errorCode(t, readFrame(t, stranger)))

	send(t, owner, dispatch.MsgRequestStatus, dispatch.JobRefPayload{JobID: res.Job.ID})
	env := readUntil(t, owner, dispatch.MsgStatusUpdate)
	var upd dispatch.StatusUpdate
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.Equal(t, models.StatusSearching, upd.Status)
	assert.Equal(t, res.Job.ID, upd.JobID)
}

func TestWSOfferAndAccept(t *testing.T) {
	e := newEnv(t, WSOptions{})
	e.addProvider(t, "p1", souq)
	provider := e.dial(t, e.token(t, "p1", models.KindProvider), models.KindProvider)
	readUntil(t, provider, dispatch.MsgConnectionEstablished)

	customer := e.dial(t, e.token(t, "c1", models.KindCustomer), models.KindCustomer)
	readUntil(t, customer, dispatch.MsgConnectionEstablished)

	res := e.book(t, e.token(t, "c1", models.KindCustomer))

	env := readUntil(t, provider, dispatch.MsgNewJobRequest)
	var offer dispatch.JobOffer
	require.NoError(t, json.Unmarshal(env.Data, &offer))
	assert.Equal(t, res.Job.ID, offer.JobID)
	assert.Equal(t, res.Job.JobNumber, offer.JobNumber)

	send(t, provider, dispatch.MsgAcceptJob, dispatch.JobRefPayload{JobID: res.Job.ID})

	env = readUntil(t, customer, dispatch.MsgJobAccepted)
	var acc dispatch.JobAccepted
	require.NoError(t, json.Unmarshal(env.Data, &acc))
	assert.Equal(t, "p1", acc.ProviderID)
	assert.Positive(t, acc.ETAMinutes)

	readUntil(t, provider, dispatch.MsgJobAccepted)
	assert.Contains(t, e.rooms.Members(dispatch.JobRoom(res.Job.ID)), "p1")
}

func TestWSLocationRelayOnlyForAssignedProvider(t *testing.T) {
	e := newEnv(t, WSOptions{})
	e.addProvider(t, "p1", souq)
	e.addProvider(t, "p2", souq)
	customer := e.dial(t, e.token(t, "c1", models.KindCustomer), models.KindCustomer)
	readUntil(t, customer, dispatch.MsgConnectionEstablished)
	assigned := e.dial(t, e.token(t, "p1", models.KindProvider), models.KindProvider)
	readUntil(t, assigned, dispatch.MsgConnectionEstablished)
	other := e.dial(t, e.token(t, "p2", models.KindProvider), models.KindProvider)
	readUntil(t, other, dispatch.MsgConnectionEstablished)

	res := e.book(t, e.token(t, "c1", models.KindCustomer))
	readUntil(t, assigned, dispatch.MsgNewJobRequest)
	send(t, assigned, dispatch.MsgAcceptJob, dispatch.JobRefPayload{JobID: res.Job.ID})
	readUntil(t, customer, dispatch.MsgJobAccepted)

	send(t, other, dispatch.MsgLocationUpdate, dispatch.LocationPayload{Lat: 26.3, Lng: 50.6, JobID: res.Job.ID})
	assert.Equal(t, "forbidden", errorCode(t, readUntil(t, other, dispatch.MsgError)))

	send(t, assigned, dispatch.MsgLocationUpdate, dispatch.LocationPayload{Lat: 26.23, Lng: 50.59, JobID: res.Job.ID})
	env := readUntil(t, customer, dispatch.MsgProviderLocation)
	var loc dispatch.ProviderLocation
	require.NoError(t, json.Unmarshal(env.Data, &loc))
	assert.Equal(t, "p1", loc.ProviderID)
	assert.InDelta(t, 26.23, loc.Lat, 1e-9)
}

func TestWSCustomerCannotAccept(t *testing.T) {
	e := newEnv(t, WSOptions{})
	conn := e.dial(t, e.token(t, "c1", models.KindCustomer), models.KindCustomer)
	readUntil(t, conn, dispatch.MsgConnectionEstablished)

	send(t, conn, dispatch.MsgAcceptJob, dispatch.JobRefPayload{JobID: "j1"})
	assert.Equal(t, "forbidden", errorCode(t, readFrame(t, conn)))

	send(t, conn, dispatch.MsgLocationUpdate, dispatch.LocationPayload{Lat: 26.2, Lng: 50.5})
	assert.Equal(t, "forbidden", errorCode(t, readFrame(t, conn)))
}

func TestWSProviderLocationRelay(t *testing.T) {
	e := newEnv(t, WSOptions{})
	conn := e.dial(t, e.token(t, "p4", models.KindProvider), models.KindProvider)
	readUntil(t, conn, dispatch.MsgConnectionEstablished)

	send(t, conn, dispatch.MsgProviderStatus, map[string]any{"isOnline": true})
	send(t, conn, dispatch.MsgLocationUpdate, dispatch.LocationPayload{Lat: 26.21, Lng: 50.58})
	require.Eventually(t, func() bool {
		snap, err := e.index.Get(t.Context(), "p4")
		return err == nil && snap.Online && snap.Loc.Lat == 26.21
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSInboundRateLimit(t *testing.T) {
	e := newEnv(t, WSOptions{InboundRate: 1})
	conn := e.dial(t, e.token(t, "c1", models.KindCustomer), models.KindCustomer)
	readUntil(t, conn, dispatch.MsgConnectionEstablished)

	const n = 6
	for i := 0; i < n; i++ {
		send(t, conn, dispatch.MsgUnsubscribe, dispatch.RoomPayload{Room: dispatch.RoomNearbyCustomers})
	}
	limited := 0
	for i := 0; i < n; i++ {
		if env := readFrame(t, conn); env.Type == dispatch.MsgError && errorCode(t, env) == "rate_limited" {
			limited++
		}
	}
	assert.Positive(t, limited)
}

func TestWSDisconnectLeavesRooms(t *testing.T) {
	e := newEnv(t, WSOptions{})
	conn := e.dial(t, e.token(t, "p1", models.KindProvider), models.KindProvider)
	readUntil(t, conn, dispatch.MsgConnectionEstablished)
	send(t, conn, dispatch.MsgSubscribe, dispatch.RoomPayload{Room: dispatch.RoomNearbyCustomers})
	readUntil(t, conn, dispatch.MsgSubscribed)
	require.Len(t, e.rooms.RoomsOf("p1"), 2)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !e.registry.IsOnline("p1") && len(e.rooms.RoomsOf("p1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.rooms.Members(dispatch.RoomNearbyCustomers))
}
