package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

const defaultVisionTimeout = 30 * time.Second

// GoogleVision recognizes text through the Cloud Vision REST API
type GoogleVision struct {
	endpoint string
	apiKey   string
	language string
	client   *http.Client
}

var _ TextRecognizer = (*GoogleVision)(nil)

// NewGoogleVision creates a Vision client. A nil client uses a default
// with a 30 second timeout
func NewGoogleVision(endpoint, apiKey, language string, client *http.Client) *GoogleVision {
	if client == nil {
		client = &http.Client{Timeout: defaultVisionTimeout}
	}
	return &GoogleVision{
		endpoint: endpoint,
		apiKey:   apiKey,
		language: language,
		client:   client,
	}
}

type (
	annotateRequest struct {
		Requests []imageRequest `json:"requests"`
	}

	imageRequest struct {
		Image        imageContent  `json:"image"`
		Features     []feature     `json:"features"`
		ImageContext *imageContext `json:"imageContext,omitempty"`
	}

	imageContent struct {
		Content string `json:"content"`
	}

	feature struct {
		Type string `json:"type"`
	}

	imageContext struct {
		LanguageHints []string `json:"languageHints,omitempty"`
	}
)

// Recognize sends img for TEXT_DETECTION and returns the individual words.
// The first annotation, which is the whole text block, is skipped
func (g *GoogleVision) Recognize(ctx context.Context, img []byte) ([]Word, error) {
	req := imageRequest{
		Image:    imageContent{Content: base64.StdEncoding.EncodeToString(img)},
		Features: []feature{{Type: "TEXT_DETECTION"}},
	}
	if g.language != "" {
		req.ImageContext = &imageContext{LanguageHints: []string{g.language}}
	}
	body, err := json.Marshal(annotateRequest{Requests: []imageRequest{req}})
	if err != nil {
		return nil, err
	}

	u := g.endpoint
	if g.apiKey != "" {
		u += "?key=" + url.QueryEscape(g.apiKey)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, core.ErrDriver.WithMessage("vision request failed").WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = string(data)
		}
		return nil, core.ErrDriver.WithMessagef("vision returned %d: %s", resp.StatusCode, msg)
	}
	return parseAnnotations(data)
}

func parseAnnotations(data []byte) ([]Word, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid vision response")
	}
	res := gjson.GetBytes(data, "responses.0")
	if msg := res.Get("error.message"); msg.Exists() {
		return nil, core.ErrDriver.WithMessagef("vision error: %s", msg.String())
	}

	var words []Word
	for i, ann := range res.Get("textAnnotations").Array() {
		if i == 0 {
			continue
		}
		conf := 1.0
		if c := ann.Get("confidence"); c.Exists() {
			conf = c.Float()
		}
		words = append(words, Word{
			Text:       ann.Get("description").String(),
			Bounds:     polyBounds(ann.Get("boundingPoly.vertices").Array()),
			Confidence: conf,
		})
	}
	return words, nil
}

// polyBounds returns the axis-aligned box around the vertices. Vision
// omits zero coordinates
func polyBounds(vs []gjson.Result) core.Bounds {
	if len(vs) == 0 {
		return core.Bounds{}
	}
	x1, y1 := int(vs[0].Get("x").Int()), int(vs[0].Get("y").Int())
	x2, y2 := x1, y1
	for _, v := range vs[1:] {
		x, y := int(v.Get("x").Int()), int(v.Get("y").Int())
		x1, y1 = min(x1, x), min(y1, y)
		x2, y2 = max(x2, x), max(y2, y)
	}
	return core.Bounds{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}
