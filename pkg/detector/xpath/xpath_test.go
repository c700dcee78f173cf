package xpath

import (
	"context"
	"testing"

	"github.com/antchfx/xmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

const androidSource = `<?xml version="1.0" encoding="UTF-8"?>
<hierarchy rotation="0">
  <android.widget.FrameLayout class="android.widget.FrameLayout" bounds="[0,0][1080,2400]" enabled="true">
    <android.widget.TextView class="android.widget.TextView" text="Welcome back" bounds="[100,200][980,300]" enabled="true"/>
    <android.widget.Button class="android.widget.Button" text="Login" resource-id="com.app:id/login" bounds="[100,400][500,500]" clickable="true" enabled="true"/>
    <android.widget.Button class="android.widget.Button" text="login with google" bounds="[100,600][500,700]" clickable="true" enabled="true"/>
    <android.widget.ImageView class="android.widget.ImageView" content-desc="Settings" bounds="[900,50][1000,150]" clickable="true" enabled="true"/>
    <android.view.View class="android.view.View" text="hidden" bounds="[0,0][0,0]" enabled="true"/>
    <android.widget.TextView class="android.widget.TextView" text="disabled" bounds="[0,800][10,810]" enabled="false"/>
  </android.widget.FrameLayout>
</hierarchy>`

const iosSource = `<?xml version="1.0" encoding="UTF-8"?>
<AppiumAUT>
  <XCUIElementTypeApplication type="XCUIElementTypeApplication" name="Demo" x="0" y="0" width="390" height="844" visible="true" enabled="true">
    <XCUIElementTypeButton type="XCUIElementTypeButton" name="loginButton" label="Sign In" x="20" y="400" width="350" height="50" visible="true" enabled="true" accessible="true"/>
    <XCUIElementTypeTextField type="XCUIElementTypeTextField" name="email" value="user@example.com" x="20" y="300" width="350" height="40" visible="true" enabled="true"/>
  </XCUIElementTypeApplication>
</AppiumAUT>`

func state(id uint64, src string) *core.ScreenState {
	return &core.ScreenState{CaptureID: id, Source: src}
}

func TestLocate_XPath(t *testing.T) {
	d := New()
	ms, err := d.Locate(context.Background(),
		core.Target{Kind: core.TargetXPath, Value: "//*[@resource-id='com.app:id/login']"},
		state(1, androidSource))
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, core.Bounds{X: 100, Y: 400, Width: 400, Height: 100}, ms[0].Bounds)
	assert.Equal(t, core.Point{X: 300, Y: 450}, ms[0].Point)
	assert.Equal(t, "Login", ms[0].Text)
}

func TestLocate_XPathDocumentOrder(t *testing.T) {
	ms, err := New().Locate(context.Background(),
		core.Target{Kind: core.TargetXPath, Value: "//android.widget.Button"},
		state(1, androidSource))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 400, ms[0].Bounds.Y)
	assert.Equal(t, 600, ms[1].Bounds.Y)
}

func TestLocate_InvalidXPath(t *testing.T) {
	_, err := New().Locate(context.Background(),
		core.Target{Kind: core.TargetXPath, Value: "//*[@text="},
		state(1, androidSource))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestLocate_TextExactBeforePartial(t *testing.T) {
	ms, err := New().Locate(context.Background(),
		core.Target{Kind: core.TargetText, Value: "login"},
		state(1, androidSource))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "Login", ms[0].Text)
	assert.Equal(t, "login with google", ms[1].Text)
}

func TestLocate_TextContentDescAndRegex(t *testing.T) {
	d := New()
	ms, err := d.Locate(context.Background(), core.Target{Kind: core.TargetText, Value: "settings"}, state(1, androidSource))
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, 950, ms[0].Point.X)

	ms, err = d.Locate(context.Background(), core.Target{Kind: core.TargetText, Value: "^Welcome.*"}, state(1, androidSource))
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "Welcome back", ms[0].Text)
}

func TestLocate_SkipsZeroSizeNodes(t *testing.T) {
	ms, err := New().Locate(context.Background(), core.Target{Kind: core.TargetText, Value: "hidden"}, state(1, androidSource))
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestLocate_IOS(t *testing.T) {
	d := New()
	ms, err := d.Locate(context.Background(), core.Target{Kind: core.TargetText, Value: "Sign In"}, state(1, iosSource))
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, core.Bounds{X: 20, Y: 400, Width: 350, Height: 50}, ms[0].Bounds)

	ms, err = d.Locate(context.Background(), core.Target{Kind: core.TargetXPath, Value: "//XCUIElementTypeTextField[@name='email']"}, state(2, iosSource))
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "user@example.com", ms[0].Text)
}

func TestLocate_NoSource(t *testing.T) {
	_, err := New().Locate(context.Background(), core.Target{Kind: core.TargetText, Value: "x"}, state(1, ""))
	assert.Error(t, err)
}

func TestLocate_ReparsesPerCapture(t *testing.T) {
	d := New()
	_, err := d.Locate(context.Background(), core.Target{Kind: core.TargetText, Value: "Login"}, state(1, androidSource))
	require.NoError(t, err)

	ms, err := d.Locate(context.Background(), core.Target{Kind: core.TargetText, Value: "Sign In"}, state(2, iosSource))
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestSupportsAndNeeds(t *testing.T) {
	d := New()
	assert.True(t, d.Supports(core.TargetXPath))
	assert.True(t, d.Supports(core.TargetText))
	assert.False(t, d.Supports(core.TargetImage))
	assert.Equal(t, core.CaptureRequest{Source: true}, d.Needs())
}

func TestParse_Platform(t *testing.T) {
	tree, err := Parse(androidSource)
	require.NoError(t, err)
	assert.Equal(t, Android, tree.Platform)

	tree, err = Parse(iosSource)
	require.NoError(t, err)
	assert.Equal(t, IOS, tree.Platform)

	_, err = Parse("   ")
	assert.Error(t, err)
}

func TestInteractive(t *testing.T) {
	tree, err := Parse(androidSource)
	require.NoError(t, err)

	elems := tree.Interactive()
	var texts []string
	for _, e := range elems {
		texts = append(texts, e.Text)
	}
	assert.Contains(t, texts, "Login")
	assert.Contains(t, texts, "Settings")
	assert.NotContains(t, texts, "hidden")
	assert.NotContains(t, texts, "disabled")

	for _, e := range elems {
		if e.Text != "Login" {
			continue
		}
		assert.Equal(t, "com.app:id/login", e.ID)
		assert.Equal(t, "android.widget.Button", e.Class)
		assert.True(t, e.Clickable)
		assert.Equal(t, "/hierarchy[1]/android.widget.FrameLayout[1]/android.widget.Button[1]", e.XPath)

		nodes, err := xmlquery.QueryAll(tree.Root, e.XPath)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "Login", nodes[0].SelectAttr("text"))
	}
}

func TestParseBounds(t *testing.T) {
	assert.Equal(t, core.Bounds{X: 1, Y: 2, Width: 9, Height: 18}, parseBounds("[1,2][10,20]"))
	assert.Equal(t, core.Bounds{}, parseBounds("garbage"))
}

func TestLooksLikeRegex(t *testing.T) {
	assert.False(t, looksLikeRegex("mastodon.social"))
	assert.False(t, looksLikeRegex("$5.00"))
	assert.True(t, looksLikeRegex("^Start"))
	assert.True(t, looksLikeRegex("a|b"))
	assert.True(t, looksLikeRegex("item.*"))
}
