package ocr

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

const visionResponse = `{
  "responses": [{
    "textAnnotations": [
      {"description": "Sign in\n", "boundingPoly": {"vertices": [{"x": 10, "y": 10}, {"x": 90, "y": 10}, {"x": 90, "y": 30}, {"x": 10, "y": 30}]}},
      {"description": "Sign", "boundingPoly": {"vertices": [{"y": 10}, {"x": 40, "y": 10}, {"x": 40, "y": 30}, {"y": 30}]}},
      {"description": "in", "boundingPoly": {"vertices": [{"x": 50, "y": 10}, {"x": 90, "y": 10}, {"x": 90, "y": 30}, {"x": 50, "y": 30}]}}
    ]
  }]
}`

func TestGoogleVision_Recognize(t *testing.T) {
	img := []byte("fake-image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		req := gjson.GetBytes(body, "requests.0")
		assert.Equal(t, base64.StdEncoding.EncodeToString(img), req.Get("image.content").String())
		assert.Equal(t, "TEXT_DETECTION", req.Get("features.0.type").String())
		assert.Equal(t, "en", req.Get("imageContext.languageHints.0").String())

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, visionResponse)
	}))
	defer srv.Close()

	g := NewGoogleVision(srv.URL, "secret", "en", srv.Client())
	words, err := g.Recognize(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, "Sign", words[0].Text)
	assert.Equal(t, core.Bounds{X: 0, Y: 10, Width: 40, Height: 20}, words[0].Bounds)
	assert.Equal(t, 1.0, words[0].Confidence)
	assert.Equal(t, "in", words[1].Text)

	ms := FindPhrase(words, "Sign in")
	require.Len(t, ms, 1)
	assert.Equal(t, core.Bounds{X: 0, Y: 10, Width: 90, Height: 20}, ms[0].Bounds)
}

func TestGoogleVision_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error": {"code": 403, "message": "API key not valid"}}`)
	}))
	defer srv.Close()

	_, err := NewGoogleVision(srv.URL, "bad", "", nil).Recognize(context.Background(), []byte{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDriver)
	assert.Contains(t, err.Error(), "API key not valid")
}

func TestParseAnnotations(t *testing.T) {
	_, err := parseAnnotations([]byte(`{"responses":[{"error":{"message":"bad image"}}]}`))
	assert.ErrorContains(t, err, "bad image")

	_, err = parseAnnotations([]byte(`not json`))
	assert.Error(t, err)

	words, err := parseAnnotations([]byte(`{"responses":[{}]}`))
	require.NoError(t, err)
	assert.Empty(t, words)
}
