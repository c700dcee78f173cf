package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/expr"
	"github.com/devicelab-dev/optics-runner/pkg/flow"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
)

const (
	maxAPIResponse = 8 << 20

	// assertionValue is the variable $ stands for in an API assertion
	assertionValue = "__value"
)

var pathIndex = regexp.MustCompile(`\[(\d+)\]`)

// invokeAPI calls a project API, binds the extracted response fields to
// session variables and checks the response assertions
func (r *Runner) invokeAPI(inv *invocation) (any, error) {
	ref := strings.TrimSpace(inv.arg(0))
	coll, api, err := r.sess.Config().Definitions().API(ref)
	if err != nil {
		return nil, core.ErrInvalidArgument.WithCause(err).WithMessage(err.Error())
	}

	req, err := r.apiRequest(inv.ctx, coll, api)
	if err != nil {
		return nil, err
	}
	client := r.reader.Client
	if client == nil {
		client = http.DefaultClient
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if inv.ctx.Err() != nil {
			return nil, core.TimeoutFromContext(inv.ctx)
		}
		return nil, core.ErrDataSource.WithCause(err).WithMessagef("api %s: %v", ref, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		return nil, core.ErrDataSource.WithCause(err).WithMessagef("api %s: read response: %v", ref, err)
	}

	out := map[string]any{
		"api":        ref,
		"method":     req.Method,
		"url":        req.URL.String(),
		"status":     resp.StatusCode,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, core.ErrDataSource.
			WithMessagef("api %s returned %s", ref, resp.Status).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(string(body), 512)})
	}

	expect := api.Expected
	if !gjson.ValidBytes(body) {
		if len(expect.Assertions) > 0 {
			return out, core.ErrAssertion.WithMessagef("api %s: response is not JSON, cannot check assertions", ref)
		}
		if len(expect.Extract) > 0 {
			r.log.Warn("api response is not JSON, nothing extracted",
				logger.ExecutionID(inv.result.ExecutionID), logger.Keyword("invoke_api"),
				"api", ref, "content_type", resp.Header.Get("Content-Type"))
		}
		return out, nil
	}
	doc := gjson.ParseBytes(body)

	extracted := map[string]any{}
	for _, name := range slices.Sorted(maps.Keys(expect.Extract)) {
		res := doc.Get(jsonPath(expect.Extract[name]))
		if !res.Exists() {
			r.log.Warn("api response has no value at path",
				logger.ExecutionID(inv.result.ExecutionID), logger.Keyword("invoke_api"),
				"api", ref, "path", expect.Extract[name])
			continue
		}
		r.sess.SetVar(name, res.Value())
		extracted[name] = res.Value()
	}
	out["extracted"] = extracted

	for _, a := range expect.Assertions {
		if err := r.checkAssertion(inv.ctx, doc, a); err != nil {
			return out, err
		}
	}
	return out, nil
}

// apiRequest builds the request with ${var} references expanded in the
// endpoint, headers and body. Request headers override collection ones
func (r *Runner) apiRequest(ctx context.Context, coll flow.APICollection, api flow.API) (*http.Request, error) {
	url, err := r.expandOne(ctx, strings.TrimRight(coll.BaseURL, "/")+"/"+strings.TrimLeft(api.Endpoint, "/"))
	if err != nil {
		return nil, err
	}

	var body io.Reader
	contentType := ""
	switch b := api.Request.Body.(type) {
	case nil:
	case string:
		s, err := r.expandOne(ctx, b)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(s)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, errInvalid("api body cannot be sent as JSON: %v", err)
		}
		s, err := r.expandOne(ctx, string(raw))
		if err != nil {
			return nil, err
		}
		body = bytes.NewBufferString(s)
		contentType = "application/json"
	}

	method := strings.ToUpper(strings.TrimSpace(api.Request.Method))
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errInvalid("api request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, headers := range []map[string]string{coll.Headers, api.Request.Headers} {
		for k, v := range headers {
			s, err := r.expandOne(ctx, v)
			if err != nil {
				return nil, err
			}
			req.Header.Set(k, s)
		}
	}
	return req, nil
}

// checkAssertion evaluates the condition with $ bound to the value at the
// assertion path
func (r *Runner) checkAssertion(ctx context.Context, doc gjson.Result, a flow.APIAssertion) error {
	res := doc.Get(jsonPath(a.Path))
	var value any
	if res.Exists() {
		value = res.Value()
	}
	v, err := r.evalWith(ctx, bindDollar(a.Condition), map[string]any{assertionValue: value})
	if err != nil {
		return err
	}
	if !expr.Truthy(v) {
		return core.ErrAssertion.
			WithMessagef("assertion %q failed for %s = %s", a.Condition, a.Path, expr.Format(value)).
			WithDetails(map[string]any{"path": a.Path, "condition": a.Condition, "value": value})
	}
	return nil
}

// jsonPath turns "$.items[0].id" into the gjson path "items.0.id"
func jsonPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(strings.TrimPrefix(p, "$"), ".")
	if p == "" {
		return "@this"
	}
	return pathIndex.ReplaceAllString(p, ".$1")
}

// bindDollar replaces every bare $ outside string literals with a
// reference to the asserted value
func bindDollar(cond string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(cond); i++ {
		c := cond[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(cond) {
				b.WriteByte(c)
				i++
				c = cond[i]
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '$' && (i+1 == len(cond) || cond[i+1] != '{'):
			fmt.Fprintf(&b, "${%s}", assertionValue)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
