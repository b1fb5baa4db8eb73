package wsocket

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"

	"github.com/freddyaboulton/gradio-webrtc/pkg/audio"
	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// phoneProps keeps every leg at 8kHz so the bridge's resamplers pass samples
// through untouched.
func phoneProps() streamer.Props {
	return streamer.Props{
		InputSampleRate:  8000,
		OutputSampleRate: 8000,
		OutputFrameSize:  160,
		ExpectedLayout:   audio.LayoutMono,
	}
}

func dialBridge(t *testing.T, handler streamer.Handler) (*websocket.Conn, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		bridge := NewBridge(commons.NewNopLogger(), handler, conn)
		go bridge.Run()
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return client, func() {
		client.Close()
		srv.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev["event"] == want {
			return ev
		}
	}
	t.Fatalf("did not receive %q event in time", want)
	return nil
}

func TestPingPong(t *testing.T) {
	client, cleanup := dialBridge(t, streamer.NewEchoHandler(phoneProps()))
	defer cleanup()

	require.NoError(t, client.WriteJSON(map[string]any{"event": "start", "websocket_id": "test-session-1"}))
	require.NoError(t, client.WriteJSON(map[string]string{"event": "ping"}))
	readEvent(t, client, "pong", 2*time.Second)
}

func TestMediaEchoRoundTrip(t *testing.T) {
	client, cleanup := dialBridge(t, streamer.NewEchoHandler(phoneProps()))
	defer cleanup()

	require.NoError(t, client.WriteJSON(map[string]any{"event": "start", "websocket_id": "test-session-2"}))

	// Several 20ms mu-law frames of a constant tone. The 8k to 24k upsampler
	// carries filter latency, so one frame alone would not fill an output frame.
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = 8000
	}
	payload := base64.StdEncoding.EncodeToString(g711.EncodeUlaw(audio.Int16ToBytes(pcm)))
	for i := 0; i < 5; i++ {
		require.NoError(t, client.WriteJSON(map[string]any{
			"event": "media",
			"media": map[string]string{"payload": payload},
		}))
	}

	ev := readEvent(t, client, "media", 3*time.Second)
	media, ok := ev["media"].(map[string]any)
	require.True(t, ok)
	decoded, err := base64.StdEncoding.DecodeString(media["payload"].(string))
	require.NoError(t, err)
	// Browser sessions get 24kHz output: one 20ms frame is 480 mu-law bytes.
	assert.Len(t, decoded, 480)
	assert.Empty(t, ev["streamSid"], "non-phone sessions carry no streamSid")
}

func TestPhoneModeEchoesStreamSid(t *testing.T) {
	handler := streamer.NewEchoHandler(phoneProps())
	client, cleanup := dialBridge(t, handler)
	defer cleanup()

	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]string{"streamSid": "MZ0123456789", "callSid": "CA0123456789"},
	}))

	pcm := make([]int16, 160)
	payload := base64.StdEncoding.EncodeToString(g711.EncodeUlaw(audio.Int16ToBytes(pcm)))
	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]string{"payload": payload},
	}))

	ev := readEvent(t, client, "media", 3*time.Second)
	assert.Equal(t, "MZ0123456789", ev["streamSid"], "phone sessions echo the carrier stream id")
	media := ev["media"].(map[string]any)
	decoded, err := base64.StdEncoding.DecodeString(media["payload"].(string))
	require.NoError(t, err)
	// Phone output stays at 8kHz: 160 mu-law bytes per 20ms frame.
	assert.Len(t, decoded, 160)
	assert.True(t, handler.PhoneMode(), "start event with streamSid enables phone mode")
}

func TestStopFlushesPartialFrame(t *testing.T) {
	client, cleanup := dialBridge(t, streamer.NewEchoHandler(phoneProps()))
	defer cleanup()

	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]string{"streamSid": "MZ9876543210", "callSid": "CA9876543210"},
	}))

	// Half a 20ms frame: not enough to fill an output frame on its own, so it
	// sits in the writer until the stream ends.
	pcm := make([]int16, 80)
	for i := range pcm {
		pcm[i] = 8000
	}
	payload := base64.StdEncoding.EncodeToString(g711.EncodeUlaw(audio.Int16ToBytes(pcm)))
	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]string{"payload": payload},
	}))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, client.WriteJSON(map[string]string{"event": "stop"}))

	ev := readEvent(t, client, "media", 3*time.Second)
	media, ok := ev["media"].(map[string]any)
	require.True(t, ok)
	decoded, err := base64.StdEncoding.DecodeString(media["payload"].(string))
	require.NoError(t, err)
	require.Len(t, decoded, 160, "tail is padded out to a full 20ms frame")

	out := audio.BytesToInt16(g711.DecodeUlaw(decoded))
	assert.NotZero(t, out[0], "frame starts with the queued audio")
	for _, s := range out[80:] {
		assert.Zero(t, s, "padding is silence")
	}
}

func TestStopEndsSession(t *testing.T) {
	client, cleanup := dialBridge(t, streamer.NewEchoHandler(phoneProps()))
	defer cleanup()

	require.NoError(t, client.WriteJSON(map[string]any{"event": "start", "websocket_id": "test-session-3"}))
	require.NoError(t, client.WriteJSON(map[string]string{"event": "stop"}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			return // server closed the socket
		}
	}
}
