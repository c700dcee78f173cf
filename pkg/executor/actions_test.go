package executor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/flow"
)

func TestExecute_FormKeywords(t *testing.T) {
	fx := newFixture(t, baseConfig())

	for _, call := range [][]string{
		{"press_checkbox", "login"},
		{"press_radio_button", "Login", "0.1"},
		{"select_dropdown_option", "login", "Item"},
		{"enter_number", "email", " 42.5 "},
	} {
		res := fx.exec(call[0], call[1:]...)
		require.Equal(t, core.StatusSuccess, res.Status, "%s: %v", call[0], res.Error)
	}

	a := fx.driver.Actions()
	require.Len(t, a, 5)
	for _, i := range []int{0, 1, 2, 3} {
		assert.Equal(t, core.ActionTap, a[i].Action.Kind, i)
	}
	assert.Equal(t, core.Point{X: 200, Y: 225}, a[0].Point)
	assert.Equal(t, core.Point{X: 200, Y: 225}, a[1].Point)
	assert.Equal(t, core.Point{X: 200, Y: 225}, a[2].Point, "the dropdown opens first")
	assert.Equal(t, core.Point{X: 200, Y: 325}, a[3].Point, "then the option is tapped")
	assert.Equal(t, core.ActionType, a[4].Action.Kind)
	assert.Equal(t, "42.5", a[4].Action.Text)
	require.NotNil(t, a[4].Match)

	res := fx.exec("enter_number", "email", "forty")
	assert.Equal(t, core.StatusError, res.Status)
	assert.Equal(t, core.ErrInvalidArgument.Code, res.Error.Code)

	res = fx.exec("select_dropdown_option", "login", "Nowhere", "0.05")
	assert.Equal(t, core.StatusFailure, res.Status)
	assert.Len(t, fx.driver.Actions(), 6, "the dropdown was opened before the option went missing")
}

func TestExecute_EnterTextUsingKeyboard(t *testing.T) {
	fx := newFixture(t, baseConfig())

	for _, text := range []string{"enter_key", "Backspace_Key", "hello_world", "plain text"} {
		res := fx.exec("enter_text_using_keyboard", text)
		require.Equal(t, core.StatusSuccess, res.Status, "%s: %v", text, res.Error)
	}

	a := fx.driver.Actions()
	require.Len(t, a, 4)
	assert.Equal(t, core.ActionKey, a[0].Action.Kind)
	assert.Equal(t, 66, a[0].Action.KeyCode)
	assert.Equal(t, core.ActionKey, a[1].Action.Kind)
	assert.Equal(t, 67, a[1].Action.KeyCode)
	assert.Equal(t, core.ActionType, a[2].Action.Kind)
	assert.Equal(t, "hello_world", a[2].Action.Text, "unknown key names are typed")
	assert.Equal(t, "plain text", a[3].Action.Text)
}

func TestExecute_ScrollFromElement(t *testing.T) {
	fx := newFixture(t, baseConfig())

	res := fx.exec("scroll_from_element", "email", "down", "100")
	require.Equal(t, core.StatusSuccess, res.Status, res.Error)
	res = fx.exec("scroll_from_element", "login", "up")
	require.Equal(t, core.StatusSuccess, res.Status, res.Error)

	a := fx.driver.Actions()
	require.Len(t, a, 2)
	assert.Equal(t, core.ActionSwipe, a[0].Action.Kind)
	assert.Equal(t, core.Point{X: 200, Y: 530}, a[0].Point)
	assert.Equal(t, core.Point{X: 200, Y: 430}, a[0].Action.End, "scrolling down drags upwards")
	assert.Equal(t, core.Point{X: 200, Y: 799}, a[1].Action.End, "clamped to the screen")
}

func TestExecute_SwipeUntilElementAppears(t *testing.T) {
	fx := newFixture(t, baseConfig())

	res := fx.exec("swipe_until_element_appears", "Login", "up")
	require.Equal(t, core.StatusSuccess, res.Status, res.Error)
	assert.Empty(t, fx.driver.Actions(), "visible elements need no swiping")

	res = fx.exec("swipe_until_element_appears", "Footer", "down", "0.05")
	assert.Equal(t, core.StatusFailure, res.Status)
	a := fx.driver.Actions()
	require.NotEmpty(t, a)
	assert.Equal(t, core.ActionSwipe, a[0].Action.Kind)
	assert.Equal(t, core.Point{X: 40, Y: 400}, a[0].Action.Point)
	assert.Equal(t, core.Point{X: 40, Y: 600}, a[0].Action.End)

	res = fx.exec("swipe_until_element_appears", "Footer", "sideways")
	assert.Equal(t, core.StatusError, res.Status)
}

func apiServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" || r.Header.Get("Accept") != "application/json" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"id":42,"name":"Ada","tags":["admin","ops"]}}`)
	})
	mux.HandleFunc("POST /users", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"created": in["user"]})
	})
	mux.HandleFunc("GET /plain", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "not json")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_InvokeAPI(t *testing.T) {
	srv := apiServer(t)
	user := flow.API{
		Endpoint: "/users/${uid}",
		Request:  flow.APIRequest{Headers: map[string]string{"Accept": "application/json"}},
		Expected: flow.APIExpectation{
			Extract: map[string]string{"name": "$.data.name", "first_tag": "data.tags[0]"},
			Assertions: []flow.APIAssertion{
				{Path: "$.data.id", Condition: `$ == "42"`},
				{Path: "$.data.tags", Condition: `len($) == 2`},
			},
		},
	}
	wrong := user
	wrong.Expected = flow.APIExpectation{
		Extract:    map[string]string{"name": "$.data.name"},
		Assertions: []flow.APIAssertion{{Path: "$.data.id", Condition: `$ == "99"`}},
	}

	cfg := baseConfig()
	cfg.Variables = map[string]string{"token": "secret", "uid": "42"}
	cfg.APIs = map[string]flow.APICollection{
		"users": {
			BaseURL: srv.URL + "/",
			Headers: map[string]string{"X-Token": "${token}"},
			APIs: map[string]flow.API{
				"get":   user,
				"wrong": wrong,
				"create": {
					Endpoint: "users",
					Request:  flow.APIRequest{Method: "post", Body: map[string]any{"user": "${uid}"}},
					Expected: flow.APIExpectation{Extract: map[string]string{"created": "created"}},
				},
				"text":    {Endpoint: "/plain", Expected: flow.APIExpectation{Extract: map[string]string{"x": "x"}}},
				"missing": {Endpoint: "/missing"},
			},
		},
	}
	fx := newFixture(t, cfg)

	res := fx.exec("invoke_api", "users.get")
	require.Equal(t, core.StatusSuccess, res.Status, res.Error)
	name, _ := fx.sess.Var("name")
	assert.Equal(t, "Ada", name)
	tag, _ := fx.sess.Var("first_tag")
	assert.Equal(t, "admin", tag)
	out, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, out["status"])

	res = fx.exec("enter_text_direct", "hello ${name}")
	require.Equal(t, core.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "hello Ada", fx.driver.Actions()[0].Action.Text)

	res = fx.exec("invoke_api", "users.create")
	require.Equal(t, core.StatusSuccess, res.Status, res.Error)
	created, _ := fx.sess.Var("created")
	assert.Equal(t, "42", created)

	res = fx.exec("invoke_api", "users.wrong")
	assert.Equal(t, core.StatusFailure, res.Status)
	assert.Equal(t, core.ErrAssertion.Code, res.Error.Code)

	res = fx.exec("invoke_api", "users.text")
	require.Equal(t, core.StatusSuccess, res.Status, res.Error)
	_, found := fx.sess.Var("x")
	assert.False(t, found, "non-JSON responses extract nothing")

	res = fx.exec("invoke_api", "users.missing")
	assert.Equal(t, core.StatusError, res.Status)
	assert.Equal(t, core.ErrDataSource.Code, res.Error.Code)

	for _, ref := range []string{"users.nothing", "orders.get", "users"} {
		res = fx.exec("invoke_api", ref)
		assert.Equal(t, core.StatusError, res.Status, ref)
		assert.Equal(t, core.ErrInvalidArgument.Code, res.Error.Code, ref)
	}
}

func TestJSONPath(t *testing.T) {
	for in, want := range map[string]string{
		"$.data.id":       "data.id",
		"data.id":         "data.id",
		"$.items[0].name": "items.0.name",
		"$":               "@this",
		" $.a[10][2] ":    "a.10.2",
	} {
		assert.Equal(t, want, jsonPath(in), in)
	}
}

func TestBindDollar(t *testing.T) {
	for in, want := range map[string]string{
		`$ == "42"`:        `${__value} == "42"`,
		`$ > 1 and $ < 5`:  `${__value} > 1 and ${__value} < 5`,
		`$ == '$5'`:        `${__value} == '$5'`,
		`$ == ${expected}`: `${__value} == ${expected}`,
		`$ == "a\"$"`:      `${__value} == "a\"$"`,
	} {
		assert.Equal(t, want, bindDollar(in), in)
	}
}
