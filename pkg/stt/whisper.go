package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/freddyaboulton/gradio-webrtc/pkg/audio"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

const wavBitsPerSample = 16

// WhisperOption configures a WhisperClient.
type WhisperOption func(*WhisperClient)

// WithWhisperModel forwards a model hint to the server (e.g. "base.en").
// When empty the server uses whatever model it was started with.
func WithWhisperModel(model string) WhisperOption {
	return func(c *WhisperClient) { c.model = model }
}

// WithWhisperLanguage sets the language hint. Defaults to "en".
func WithWhisperLanguage(lang string) WhisperOption {
	return func(c *WhisperClient) { c.language = lang }
}

// WithWhisperHTTPClient overrides the HTTP client, mainly for tests.
func WithWhisperHTTPClient(hc *http.Client) WhisperOption {
	return func(c *WhisperClient) { c.httpClient = hc }
}

// WhisperClient is an Engine backed by a whisper-server process exposing
// POST /inference. Each utterance is wrapped in a WAV container and submitted
// as one batch request.
type WhisperClient struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// NewWhisperClient creates a client for the whisper server at serverURL,
// e.g. "http://localhost:8080".
func NewWhisperClient(serverURL string, opts ...WhisperOption) (*WhisperClient, error) {
	if serverURL == "" {
		return nil, errors.New("whisper server url must not be empty")
	}
	c := &WhisperClient{
		serverURL:  serverURL,
		language:   "en",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe submits the utterance and returns the recognised text.
func (c *WhisperClient) Transcribe(ctx context.Context, frame *streamer.AudioFrame) (string, error) {
	wav := encodeWAV(audio.Int16ToBytes(frame.Data), frame.SampleRate, frame.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("failed to write wav data: %w", err)
	}
	if c.language != "" {
		if err := mw.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if c.model != "" {
		if err := mw.WriteField("model", c.model); err != nil {
			return "", fmt.Errorf("failed to write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalise multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create inference request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read inference response: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to parse inference response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps raw 16-bit little-endian PCM in a RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * wavBitsPerSample / 8
	blockAlign := channels * wavBitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], wavBitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}
