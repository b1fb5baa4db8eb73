package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

func TestMatchStopword(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		stopwords []string
		want      string
		matched   bool
	}{
		{"simple hit", "hey computer turn on the lights", []string{"computer"}, "computer", true},
		{"case insensitive", "OK Computer", []string{"computer"}, "computer", true},
		{"no hit", "nothing to see here", []string{"computer"}, "", false},
		{"substring does not match", "supercomputers are fast", []string{"computer"}, "", false},
		{"trailing punctuation", "computer, please", []string{"computer"}, "computer", true},
		{"two word phrase", "well ok computer go", []string{"ok computer"}, "ok computer", true},
		{"phrase with punctuation between", "ok, computer! go", []string{"ok computer"}, "ok computer", true},
		{"phrase words out of order", "computer ok", []string{"ok computer"}, "", false},
		{"first of several", "alexa stop", []string{"siri", "alexa"}, "alexa", true},
		{"empty stopword ignored", "anything", []string{"  "}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MatchStopword(tt.text, tt.stopwords)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWhisperClientTranscribe(t *testing.T) {
	var gotPath, gotLanguage string
	var wavLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(10<<20))
		gotLanguage = r.FormValue("language")

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		buf := make([]byte, 64)
		n, _ := file.Read(buf)
		wavLen = n

		_ = json.NewEncoder(w).Encode(map[string]string{"text": " hey computer "})
	}))
	defer srv.Close()

	c, err := NewWhisperClient(srv.URL)
	require.NoError(t, err)

	text, err := c.Transcribe(context.Background(), &streamer.AudioFrame{
		SampleRate: 16000,
		Channels:   1,
		Data:       make([]int16, 1600),
	})
	require.NoError(t, err)
	assert.Equal(t, " hey computer ", text)
	assert.Equal(t, "/inference", gotPath)
	assert.Equal(t, "en", gotLanguage)
	assert.GreaterOrEqual(t, wavLen, 44, "payload should carry a RIFF header")
}

func TestWhisperClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewWhisperClient(srv.URL)
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), &streamer.AudioFrame{SampleRate: 16000, Channels: 1, Data: make([]int16, 160)})
	assert.ErrorContains(t, err, "HTTP 500")
}

func TestWhisperClientRequiresURL(t *testing.T) {
	_, err := NewWhisperClient("")
	assert.Error(t, err)
}

func TestEncodeWAVHeader(t *testing.T) {
	wav := encodeWAV(make([]byte, 320), 16000, 1)
	require.Len(t, wav, 44+320)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))
}
