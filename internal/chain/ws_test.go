package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// wsTestServer answers every request: subscribe methods get a fixed
// subscription id, everything else gets true.
func wsTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req := gjson.ParseBytes(raw)
			id := req.Get("id").Uint()
			result := `true`
			if strings.HasSuffix(req.Get("method").String(), "_subscribe") {
				result = `"sub-1"`
			}
			reply := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func subNotification(subID string, value int) []byte {
	return []byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"chain_newHead","params":{"subscription":%q,"result":%d}}`,
		subID, value))
}

func TestWSClientSubscribeDeliversNotifications(t *testing.T) {
	srv := wsTestServer(t)
	c := NewWSClient("westend", wsURL(srv), zerolog.Nop())
	defer c.Close()

	ch, cancel, err := c.Subscribe(context.Background(), "chain_subscribe", "chain_unsubscribe")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	defer cancel()

	c.dispatch(subNotification("sub-1", 7))
	select {
	case got := <-ch:
		if got.Int() != 7 {
			t.Fatalf("通知内容应为 7，实际 %s", got.Raw)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到订阅通知")
	}
}

func TestWSClientCancelledSubscriptionDropsNotifications(t *testing.T) {
	srv := wsTestServer(t)
	c := NewWSClient("westend", wsURL(srv), zerolog.Nop())
	defer c.Close()

	_, cancel, err := c.Subscribe(context.Background(), "chain_subscribe", "chain_unsubscribe")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	cancel()
	cancel()

	// A notification arriving after cancellation must be dropped, not sent
	// into the closed channel.
	c.dispatch(subNotification("sub-1", 1))
}

func TestWSClientDispatchRacesCancel(t *testing.T) {
	srv := wsTestServer(t)
	c := NewWSClient("westend", wsURL(srv), zerolog.Nop())
	defer c.Close()

	ch, cancel, err := c.Subscribe(context.Background(), "chain_subscribe", "chain_unsubscribe")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	go func() {
		for range ch {
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c.dispatch(subNotification("sub-1", i))
		}
	}()
	cancel()
	wg.Wait()
}

func TestMarshalParam(t *testing.T) {
	if got, err := MarshalParam("alice"); err != nil || got != "alice" {
		t.Fatalf("标量参数应原样传递，实际 %v %v", got, err)
	}
	if got, err := MarshalParam(42); err != nil || got != 42 {
		t.Fatalf("整数参数应原样传递，实际 %v %v", got, err)
	}

	got, err := MarshalParam(map[string]any{"era": 100})
	if err != nil {
		t.Fatalf("复合参数编码失败: %v", err)
	}
	raw, ok := got.(json.RawMessage)
	if !ok {
		t.Fatalf("复合参数应编码为内联 JSON，实际 %T", got)
	}
	if string(raw) != `{"era":100}` {
		t.Fatalf("编码结果应为 {\"era\":100}，实际 %s", raw)
	}
}
