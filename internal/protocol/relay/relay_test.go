// ABOUTME: Tests for the relay Library against an in-process websocket engine
// ABOUTME: Covers calls, remote errors, store requests, and receive events

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/protostore"
)

var testCreds = protocol.Credentials{Number: "+15550001111", Password: "secret"}

type engineConn struct {
	t    *testing.T
	ws   *websocket.Conn
	req  *http.Request
	role string
}

func (e *engineConn) read(ctx context.Context) frame {
	e.t.Helper()
	var f frame
	require.NoError(e.t, wsjson.Read(ctx, e.ws, &f))
	return f
}

func (e *engineConn) write(ctx context.Context, f frame) {
	e.t.Helper()
	require.NoError(e.t, wsjson.Write(ctx, e.ws, f))
}

func (e *engineConn) reply(ctx context.Context, call frame, result any) {
	e.t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(e.t, err)
	e.write(ctx, frame{Type: frameResult, ID: call.ID, Result: raw})
}

// newEngine serves one websocket per connection and runs handle on it.
func newEngine(t *testing.T, handle func(ctx context.Context, e *engineConn)) *Library {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || pass != testCreds.Password || (user != testCreds.Number && user != testCreds.Number+".1") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		handle(r.Context(), &engineConn{t: t, ws: ws, req: r, role: r.URL.Query().Get("role")})
		// Keep the socket open until the client hangs up.
		_, _, _ = ws.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	lib, err := New(srv.URL, WithCallTimeout(5*time.Second))
	require.NoError(t, err)
	return lib
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RejectsScheme(t *testing.T) {
	_, err := New("ftp://relay")
	assert.Error(t, err)

	lib, err := New("wss://relay.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/base/v1/socket?role=sender", lib.socketURL(roleSender))
}

func TestSender_SendMessage(t *testing.T) {
	got := make(chan sendParams, 1)
	lib := newEngine(t, func(ctx context.Context, e *engineConn) {
		assert.Equal(t, roleSender, e.role)
		call := e.read(ctx)
		assert.Equal(t, frameCall, call.Type)
		assert.Equal(t, methodSendMessage, call.Method)
		var p sendParams
		require.NoError(t, json.Unmarshal(call.Params, &p))
		got <- p
		e.reply(ctx, call, protocol.SendResult{Timestamp: p.Timestamp, Successful: []string{p.Recipient}})
	})
	ctx := testContext(t)

	snd, err := lib.NewSender(ctx, testCreds, protostore.New())
	require.NoError(t, err)
	defer snd.Close()

	res, err := snd.SendMessageToNumber(ctx, protocol.OutgoingMessage{
		Recipient: "+15552223333", Body: "hi", Timestamp: 77, ProfileKey: []byte{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), res.Timestamp)
	assert.Equal(t, []string{"+15552223333"}, res.Successful)

	p := <-got
	assert.Equal(t, "hi", p.Body)
	assert.Equal(t, []byte{1, 2}, p.ProfileKey)
}

func TestAccountManager_RemoteError(t *testing.T) {
	lib := newEngine(t, func(ctx context.Context, e *engineConn) {
		call := e.read(ctx)
		assert.Equal(t, methodRegisterSingleDevice, call.Method)
		e.write(ctx, frame{Type: frameResult, ID: call.ID, Error: &frameError{Code: 403, Message: "bad code"}})
	})
	ctx := testContext(t)

	am, err := lib.NewAccountManager(ctx, testCreds, protostore.New())
	require.NoError(t, err)
	defer am.Close()

	err = am.RegisterSingleDevice(ctx, "000000")
	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, 403, remote.StatusCode)
	assert.Equal(t, "bad code", remote.Message)
}

func TestDial_Unauthorized(t *testing.T) {
	lib := newEngine(t, func(context.Context, *engineConn) {})

	_, err := lib.NewSender(testContext(t), protocol.Credentials{Number: "+1", Password: "wrong"}, protostore.New())
	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusUnauthorized, remote.StatusCode)
}

func TestStoreRequests(t *testing.T) {
	results := make(chan []frame, 1)
	lib := newEngine(t, func(ctx context.Context, e *engineConn) {
		put, _ := json.Marshal(map[string]any{
			"namespace": "preKey",
			"id":        "7",
			"value":     protostore.Record(map[string]protostore.Value{"pubKey": protostore.Binary([]byte{1}), "privKey": protostore.Binary([]byte{2})}),
		})
		e.write(ctx, frame{Type: frameStore, ID: "s1", Method: "put", Params: put})
		e.write(ctx, frame{Type: frameStore, ID: "s2", Method: "loadPreKey", Params: json.RawMessage(`{"keyId":7}`)})
		e.write(ctx, frame{Type: frameStore, ID: "s3", Method: "loadSession", Params: json.RawMessage(`{"address":"+15552223333.1"}`)})
		e.write(ctx, frame{Type: frameStore, ID: "s4", Method: "explode", Params: json.RawMessage(`{}`)})
		out := make([]frame, 0, 4)
		for i := 0; i < 4; i++ {
			out = append(out, e.read(ctx))
		}
		results <- out
	})
	ctx := testContext(t)

	st := protostore.New()
	snd, err := lib.NewSender(ctx, testCreds, st)
	require.NoError(t, err)
	defer snd.Close()

	var out []frame
	select {
	case out = <-results:
	case <-ctx.Done():
		t.Fatal("timed out waiting for store results")
	}

	for i, f := range out {
		assert.Equal(t, frameStoreResult, f.Type)
		assert.Equal(t, []string{"s1", "s2", "s3", "s4"}[i], f.ID)
	}
	assert.Nil(t, out[0].Error)

	var kp keyPairJSON
	require.NoError(t, json.Unmarshal(out[1].Result, &kp))
	assert.Equal(t, []byte{1}, kp.PubKey)
	assert.Equal(t, []byte{2}, kp.PrivKey)

	assert.Nil(t, out[2].Error)
	assert.JSONEq(t, `null`, string(out[2].Result))

	require.NotNil(t, out[3].Error)
	assert.Contains(t, out[3].Error.Message, "unknown store method")

	loaded, err := st.LoadPreKey(7)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, loaded.PrivKey)
}

func TestStoreRequests_IdentityGroupsAndQueue(t *testing.T) {
	const peer = "+15552223333"
	group, err := json.Marshal(map[string]any{
		"id":    "g1",
		"value": protostore.Record(map[string]protostore.Value{"name": protostore.String("friends")}),
	})
	require.NoError(t, err)

	requests := []frame{
		{ID: "g1", Method: "putGroup", Params: group},
		{ID: "g2", Method: "getGroup", Params: json.RawMessage(`{"id":"g1"}`)},
		{ID: "g3", Method: "getAllGroupIds", Params: json.RawMessage(`{}`)},
		{ID: "g4", Method: "removeGroup", Params: json.RawMessage(`{"id":"g1"}`)},
		{ID: "g5", Method: "getGroup", Params: json.RawMessage(`{"id":"g1"}`)},
		{ID: "i1", Method: "setVerified", Params: json.RawMessage(`{"address":"` + peer + `","verified":1,"key":"CQ=="}`)},
		{ID: "i2", Method: "setApproval", Params: json.RawMessage(`{"address":"` + peer + `","nonblockingApproval":true}`)},
		{ID: "i3", Method: "loadIdentity", Params: json.RawMessage(`{"address":"` + peer + `"}`)},
		{ID: "i4", Method: "setVerified", Params: json.RawMessage(`{"address":"` + peer + `","verified":7,"key":"CQ=="}`)},
		{ID: "i5", Method: "setVerified", Params: json.RawMessage(`{"address":"` + peer + `","verified":1,"key":"AQ=="}`)},
		{ID: "a1", Method: "archiveSession", Params: json.RawMessage(`{"address":"` + peer + `.1"}`)},
		{ID: "a2", Method: "containsSession", Params: json.RawMessage(`{"address":"` + peer + `.2"}`)},
		{ID: "a3", Method: "archiveAllSessions", Params: json.RawMessage(`{"name":"` + peer + `"}`)},
		{ID: "i6", Method: "removeIdentityKey", Params: json.RawMessage(`{"address":"` + peer + `"}`)},
		{ID: "i7", Method: "loadIdentity", Params: json.RawMessage(`{"address":"` + peer + `"}`)},
		{ID: "k1", Method: "getPreKeyIds", Params: json.RawMessage(`{}`)},
		{ID: "k2", Method: "getSignedPreKeyIds", Params: json.RawMessage(`{}`)},
		{ID: "u1", Method: "getUnprocessed", Params: json.RawMessage(`{"id":"env-1"}`)},
		{ID: "u2", Method: "removeAllUnprocessed", Params: json.RawMessage(`{}`)},
		{ID: "u3", Method: "getUnprocessed", Params: json.RawMessage(`{"id":"env-1"}`)},
		{ID: "n1", Method: "removeAll", Params: json.RawMessage(`{"namespace":"session"}`)},
	}

	results := make(chan map[string]frame, 1)
	lib := newEngine(t, func(ctx context.Context, e *engineConn) {
		out := make(map[string]frame, len(requests))
		for _, req := range requests {
			req.Type = frameStore
			e.write(ctx, req)
			res := e.read(ctx)
			out[res.ID] = res
		}
		results <- out
	})
	ctx := testContext(t)

	st := protostore.New()
	_, err = st.SaveIdentity(protostore.Address{Name: peer, DeviceID: 1}, []byte{9}, false)
	require.NoError(t, err)
	for _, dev := range []uint32{1, 2} {
		require.NoError(t, st.StoreSession(protostore.Address{Name: peer, DeviceID: dev}, []byte{byte(dev)}))
	}
	require.NoError(t, st.StorePreKey(3, protostore.KeyPair{PubKey: []byte{1}, PrivKey: []byte{2}}))
	require.NoError(t, st.StoreSignedPreKey(4, protostore.KeyPair{PubKey: []byte{1}, PrivKey: []byte{2}}))
	require.NoError(t, st.AddUnprocessed(protostore.UnprocessedEnvelope{ID: "env-1", Envelope: []byte("raw"), Timestamp: 10}))

	snd, err := lib.NewSender(ctx, testCreds, st)
	require.NoError(t, err)
	defer snd.Close()

	var out map[string]frame
	select {
	case out = <-results:
	case <-ctx.Done():
		t.Fatal("timed out waiting for store results")
	}
	require.Len(t, out, len(requests))
	for _, id := range []string{"g1", "g2", "g3", "g4", "g5", "i1", "i2", "i3", "a1", "a2", "a3", "i6", "i7", "k1", "k2", "u1", "u2", "u3", "n1"} {
		assert.Nil(t, out[id].Error, id)
	}

	var name protostore.Value
	require.NoError(t, json.Unmarshal(out["g2"].Result, &name))
	field, ok := name.Field("name")
	require.True(t, ok)
	got, _ := field.AsString()
	assert.Equal(t, "friends", got)
	assert.JSONEq(t, `["g1"]`, string(out["g3"].Result))
	assert.JSONEq(t, `null`, string(out["g5"].Result))

	var ident identityJSON
	require.NoError(t, json.Unmarshal(out["i3"].Result, &ident))
	assert.Equal(t, int(protostore.VerifiedVerified), ident.Verified)
	assert.True(t, ident.NonblockingApproval)
	require.NotNil(t, out["i4"].Error, "unknown verified status")
	require.NotNil(t, out["i5"].Error, "key mismatch")
	assert.JSONEq(t, `null`, string(out["i7"].Result))

	assert.JSONEq(t, `true`, string(out["a2"].Result), "archiving one device leaves its sibling open")

	assert.JSONEq(t, `[3]`, string(out["k1"].Result))
	assert.JSONEq(t, `[4]`, string(out["k2"].Result))

	var queued unprocessedJSON
	require.NoError(t, json.Unmarshal(out["u1"].Result, &queued))
	assert.Equal(t, []byte("raw"), queued.Envelope)
	assert.Equal(t, int64(10), queued.Timestamp)
	assert.JSONEq(t, `null`, string(out["u3"].Result))

	_, err = st.LoadIdentity(peer)
	assert.ErrorIs(t, err, protostore.ErrNotFound)
	assert.Equal(t, 0, st.UnprocessedCount())
	assert.Equal(t, 0, st.Len(protostore.NamespaceSession))
	assert.Empty(t, st.GroupIDs())
}

func TestReceiver_EventsAndCalls(t *testing.T) {
	acked := make(chan string, 1)
	lib := newEngine(t, func(ctx context.Context, e *engineConn) {
		assert.Equal(t, roleReceiver, e.role)
		user, _, _ := e.req.BasicAuth()
		assert.Equal(t, testCreds.Number+".1", user)

		e.write(ctx, frame{Type: frameEvent, Event: eventMessage, Envelope: &protocol.Envelope{
			ID: "env-1", Source: "+15559990000", Timestamp: 5, Body: "hello",
			Attachments: []protocol.AttachmentPointer{{ID: "att-1", ContentType: "image/png"}},
		}})
		e.write(ctx, frame{Type: frameEvent, Event: eventEmpty})

		for i := 0; i < 2; i++ {
			call := e.read(ctx)
			switch call.Method {
			case methodDownloadAttachment:
				e.reply(ctx, call, attachmentResult{Data: []byte("png bytes")})
			case methodAcknowledge:
				var p idParams
				require.NoError(t, json.Unmarshal(call.Params, &p))
				acked <- p.ID
				e.reply(ctx, call, nil)
			}
		}
	})
	ctx := testContext(t)

	r, err := lib.NewReceiver(ctx, testCreds.WithDevice(protocol.ReceiverDeviceID), protostore.New())
	require.NoError(t, err)
	defer r.Close()

	ev := <-r.Events()
	require.Equal(t, protocol.EventMessage, ev.Kind)
	assert.Equal(t, "hello", ev.Envelope.Body)

	data, err := r.DownloadAttachment(ctx, ev.Envelope.Attachments[0])
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
	require.NoError(t, r.Acknowledge(ctx, ev.Envelope.ID))
	assert.Equal(t, "env-1", <-acked)

	ev = <-r.Events()
	assert.Equal(t, protocol.EventEmpty, ev.Kind)
}

func TestReceiver_DroppedConnection(t *testing.T) {
	lib := newEngine(t, func(ctx context.Context, e *engineConn) {
		_ = e.ws.Close(websocket.StatusInternalError, "engine restarting")
	})
	ctx := testContext(t)

	r, err := lib.NewReceiver(ctx, testCreds, protostore.New())
	require.NoError(t, err)
	defer r.Close()

	ev, ok := <-r.Events()
	require.True(t, ok)
	assert.Equal(t, protocol.EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrClosed)

	_, ok = <-r.Events()
	assert.False(t, ok)

	assert.ErrorIs(t, r.Acknowledge(ctx, "x"), ErrClosed)
}

func TestReceiver_LocalCloseEndsEvents(t *testing.T) {
	lib := newEngine(t, func(context.Context, *engineConn) {})
	ctx := testContext(t)

	r, err := lib.NewReceiver(ctx, testCreds, protostore.New())
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, ok := <-r.Events()
	assert.False(t, ok)
}
