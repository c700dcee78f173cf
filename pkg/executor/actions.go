package executor

import (
	"errors"
	"strings"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/locate"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
)

// descriptor builds the descriptor of a project element, or of a raw
// identifier when no element has that name
func (r *Runner) descriptor(element string, index int) (core.ElementDescriptor, error) {
	element = strings.TrimSpace(element)
	ids := []string{element}
	if defined, ok := r.sess.Config().Elements[element]; ok {
		ids = defined
	}
	return locate.NewDescriptor(element, ids, index)
}

func (r *Runner) find(inv *invocation, element string, index int, timeout time.Duration) (*core.Match, error) {
	desc, err := r.descriptor(element, index)
	if err != nil {
		return nil, err
	}
	return r.resolve(inv, desc, timeout)
}

func (r *Runner) resolve(inv *invocation, desc core.ElementDescriptor, timeout time.Duration) (*core.Match, error) {
	inv.enter(PhaseResolving)
	m, err := r.sess.Resolve(inv.ctx, desc, timeout, r.observer(inv, desc))
	if err != nil {
		return nil, err
	}
	r.sess.Publish(events.ElementResolved, map[string]any{
		"execution_id": inv.result.ExecutionID,
		"element":      desc.Name(),
		"strategy":     m.Strategy,
		"target":       m.Target.String(),
		"x":            m.Point.X,
		"y":            m.Point.Y,
		"bounds":       m.Bounds,
		"confidence":   m.Confidence,
		"capture_id":   m.CaptureID,
	})
	return m, nil
}

// observer reports every detector that did not find the element, which
// is when resolution falls back to the next detector or cycle
func (r *Runner) observer(inv *invocation, desc core.ElementDescriptor) locate.Observer {
	return func(o core.StrategyOutcome) {
		if o.Kind == core.OutcomeFound {
			return
		}
		r.sess.Publish(events.DetectorFallback, map[string]any{
			"execution_id": inv.result.ExecutionID,
			"element":      desc.Name(),
			"detector":     o.Detector,
			"cycle":        o.Cycle,
			"capture_id":   o.CaptureID,
			"outcome":      o.Kind.String(),
			"reason":       o.Reason,
		})
	}
}

func (r *Runner) act(inv *invocation, a core.Action, m *core.Match) error {
	inv.enter(PhaseActing)
	return r.sess.Perform(inv.ctx, a, m)
}

func (r *Runner) screenSize(inv *invocation) (int, int, error) {
	st, err := r.sess.Capture(inv.ctx, core.CaptureRequest{Screenshot: true})
	if err != nil {
		return 0, 0, err
	}
	w, h, err := st.Size()
	if err != nil {
		return 0, 0, core.ErrDriver.WithCause(err).WithMessage("cannot read screen size: " + err.Error())
	}
	return w, h, nil
}

func (r *Runner) pressElement(inv *invocation) (any, error) {
	repeat, err := optionalInt("repeat", inv.arg(1), 1)
	if err != nil {
		return nil, err
	}
	if repeat < 1 {
		return nil, errInvalid("repeat must be at least 1")
	}
	ox, err := optionalInt("offset_x", inv.arg(2), 0)
	if err != nil {
		return nil, err
	}
	oy, err := optionalInt("offset_y", inv.arg(3), 0)
	if err != nil {
		return nil, err
	}
	timeout, err := optionalSeconds("timeout", inv.arg(4), r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}

	m, err := r.find(inv, inv.arg(0), 0, timeout)
	if err != nil {
		return nil, err
	}
	return m, r.act(inv, core.Action{
		Kind:   core.ActionTap,
		Repeat: repeat,
		Offset: core.Point{X: ox, Y: oy},
	}, m)
}

// pressToggle taps a checkbox or radio button
func (r *Runner) pressToggle(inv *invocation) (any, error) {
	timeout, err := optionalSeconds("timeout", inv.arg(1), r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	m, err := r.find(inv, inv.arg(0), 0, timeout)
	if err != nil {
		return nil, err
	}
	return m, r.act(inv, core.Action{Kind: core.ActionTap}, m)
}

// selectDropdownOption opens a dropdown and taps the option, which is
// resolved only once the list is open
func (r *Runner) selectDropdownOption(inv *invocation) (any, error) {
	timeout, err := optionalSeconds("timeout", inv.arg(2), r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	dropdown, err := r.find(inv, inv.arg(0), 0, timeout)
	if err != nil {
		return nil, err
	}
	if err := r.act(inv, core.Action{Kind: core.ActionTap}, dropdown); err != nil {
		return nil, err
	}
	option, err := r.find(inv, inv.arg(1), 0, timeout)
	if err != nil {
		return nil, err
	}
	return option, r.act(inv, core.Action{Kind: core.ActionTap}, option)
}

func (r *Runner) pressElementWithIndex(inv *invocation) (any, error) {
	index, err := parseInt("index", inv.arg(1))
	if err != nil {
		return nil, err
	}
	timeout, err := optionalSeconds("timeout", inv.arg(2), r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	m, err := r.find(inv, inv.arg(0), index, timeout)
	if err != nil {
		return nil, err
	}
	return m, r.act(inv, core.Action{Kind: core.ActionTap}, m)
}

func (r *Runner) detectAndPress(inv *invocation) (any, error) {
	timeout, err := optionalSeconds("timeout", inv.arg(1), r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	m, err := r.find(inv, inv.arg(0), 0, timeout)
	if err != nil {
		return nil, err
	}
	// pressed by coordinates so drivers without element handles work too
	return m, r.act(inv, core.Action{Kind: core.ActionTap, Point: m.Point}, nil)
}

func (r *Runner) pressByCoordinates(inv *invocation) (any, error) {
	x, err := parseInt("x", inv.arg(0))
	if err != nil {
		return nil, err
	}
	y, err := parseInt("y", inv.arg(1))
	if err != nil {
		return nil, err
	}
	repeat, err := optionalInt("repeat", inv.arg(2), 1)
	if err != nil {
		return nil, err
	}
	p := core.Point{X: x, Y: y}
	return p, r.act(inv, core.Action{Kind: core.ActionTap, Point: p, Repeat: repeat}, nil)
}

func (r *Runner) pressByPercentage(inv *invocation) (any, error) {
	px, err := parseFloat("percent_x", inv.arg(0))
	if err != nil {
		return nil, err
	}
	py, err := parseFloat("percent_y", inv.arg(1))
	if err != nil {
		return nil, err
	}
	if px < 0 || px > 100 || py < 0 || py > 100 {
		return nil, errInvalid("percentages must be between 0 and 100")
	}
	repeat, err := optionalInt("repeat", inv.arg(2), 1)
	if err != nil {
		return nil, err
	}

	w, h, err := r.screenSize(inv)
	if err != nil {
		return nil, err
	}
	p := core.Point{
		X: min(int(float64(w)*px/100), w-1),
		Y: min(int(float64(h)*py/100), h-1),
	}
	return p, r.act(inv, core.Action{Kind: core.ActionTap, Point: p, Repeat: repeat}, nil)
}

func (r *Runner) swipe(inv *invocation) (any, error) {
	x, err := parseInt("x", inv.arg(0))
	if err != nil {
		return nil, err
	}
	y, err := parseInt("y", inv.arg(1))
	if err != nil {
		return nil, err
	}
	dir, err := parseDirection(inv.arg(2))
	if err != nil {
		return nil, err
	}
	length, err := optionalInt("length", inv.arg(3), defaultSwipeLength)
	if err != nil {
		return nil, err
	}
	start := core.Point{X: x, Y: y}
	end := dir.from(start, length)
	return end, r.act(inv, core.Action{Kind: core.ActionSwipe, Point: start, End: end}, nil)
}

func (r *Runner) swipeFromElement(inv *invocation) (any, error) {
	dir, err := parseDirection(inv.arg(1))
	if err != nil {
		return nil, err
	}
	length, err := optionalInt("length", inv.arg(2), defaultSwipeLength)
	if err != nil {
		return nil, err
	}
	m, err := r.find(inv, inv.arg(0), 0, r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	return m, r.act(inv, core.Action{Kind: core.ActionSwipe, End: dir.from(m.Point, length)}, m)
}

func (r *Runner) scroll(inv *invocation) (any, error) {
	dir, err := parseDirection(inv.arg(0))
	if err != nil {
		return nil, err
	}
	length, err := optionalInt("length", inv.arg(1), defaultScrollLength)
	if err != nil {
		return nil, err
	}
	return nil, r.scrollOnce(inv, dir, length)
}

// scrollOnce swipes from the screen centre against dir so the content
// moves towards dir. The end point is kept on screen
func (r *Runner) scrollOnce(inv *invocation, dir Direction, length int) error {
	w, h, err := r.screenSize(inv)
	if err != nil {
		return err
	}
	centre := core.Point{X: w / 2, Y: h / 2}
	end := clamp(dir.opposite().from(centre, length), w, h)
	return r.act(inv, core.Action{Kind: core.ActionSwipe, Point: centre, End: end}, nil)
}

// clamp keeps p on a w by h screen
func clamp(p core.Point, w, h int) core.Point {
	return core.Point{X: min(max(p.X, 0), w-1), Y: min(max(p.Y, 0), h-1)}
}

func (r *Runner) scrollUntilElementAppears(inv *invocation) (any, error) {
	return r.untilAppears(inv, func(dir Direction) error {
		return r.scrollOnce(inv, dir, defaultScrollLength)
	})
}

func (r *Runner) swipeUntilElementAppears(inv *invocation) (any, error) {
	return r.untilAppears(inv, func(dir Direction) error {
		return r.swipeByPercentage(inv, dir)
	})
}

// untilAppears resolves the element of arg 0, moving the screen in the
// direction of arg 1 between attempts until arg 2 seconds pass
func (r *Runner) untilAppears(inv *invocation, move func(Direction) error) (any, error) {
	dir, err := parseDirection(inv.arg(1))
	if err != nil {
		return nil, err
	}
	timeout, err := optionalSeconds("timeout", inv.arg(2), r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	desc, err := r.descriptor(inv.arg(0), 0)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		// one cycle per screen position
		m, err := r.resolve(inv, desc, 0)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, core.ErrElementNotFound) || !time.Now().Before(deadline) {
			return nil, err
		}
		if err := move(dir); err != nil {
			return nil, err
		}
	}
}

// swipeByPercentage swipes in dir from the left edge band at half height,
// over a quarter of the screen along dir
func (r *Runner) swipeByPercentage(inv *invocation, dir Direction) error {
	w, h, err := r.screenSize(inv)
	if err != nil {
		return err
	}
	start := core.Point{X: w * swipeStartX / 100, Y: h * swipeStartY / 100}
	span := h
	if dir == Left || dir == Right {
		span = w
	}
	end := clamp(dir.from(start, span*swipeSpan/100), w, h)
	return r.act(inv, core.Action{Kind: core.ActionSwipe, Point: start, End: end}, nil)
}

func (r *Runner) scrollFromElement(inv *invocation) (any, error) {
	dir, err := parseDirection(inv.arg(1))
	if err != nil {
		return nil, err
	}
	length, err := optionalInt("length", inv.arg(2), defaultScrollLength)
	if err != nil {
		return nil, err
	}
	m, err := r.find(inv, inv.arg(0), 0, r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	w, h, err := r.screenSize(inv)
	if err != nil {
		return nil, err
	}
	// the content follows the finger, so scrolling down drags upwards
	end := clamp(dir.opposite().from(m.Point, length), w, h)
	return m, r.act(inv, core.Action{Kind: core.ActionSwipe, End: end}, m)
}

func (r *Runner) enterText(inv *invocation) (any, error) {
	m, err := r.find(inv, inv.arg(0), 0, r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	return m, r.act(inv, core.Action{Kind: core.ActionType, Text: inv.arg(1)}, m)
}

func (r *Runner) enterTextDirect(inv *invocation) (any, error) {
	return nil, r.act(inv, core.Action{Kind: core.ActionType, Text: inv.arg(0)}, nil)
}

// enterTextUsingKeyboard presses a named key for inputs like "enter_key"
// and types anything else
func (r *Runner) enterTextUsingKeyboard(inv *invocation) (any, error) {
	text := inv.arg(0)
	if name, _, ok := strings.Cut(text, "_"); ok {
		if code, known := specialKeys[strings.ToLower(strings.TrimSpace(name))]; known {
			return code, r.act(inv, core.Action{Kind: core.ActionKey, KeyCode: code}, nil)
		}
	}
	return nil, r.act(inv, core.Action{Kind: core.ActionType, Text: text}, nil)
}

func (r *Runner) enterNumber(inv *invocation) (any, error) {
	number := strings.TrimSpace(inv.arg(1))
	if _, err := parseFloat("number", number); err != nil {
		return nil, err
	}
	m, err := r.find(inv, inv.arg(0), 0, r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	return m, r.act(inv, core.Action{Kind: core.ActionType, Text: number}, m)
}

func (r *Runner) clearElementText(inv *invocation) (any, error) {
	m, err := r.find(inv, inv.arg(0), 0, r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	return m, r.act(inv, core.Action{Kind: core.ActionClear}, m)
}

func (r *Runner) getText(inv *invocation) (any, error) {
	m, err := r.find(inv, inv.arg(0), 0, r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	return m.Text, nil
}

func (r *Runner) pressKeycode(inv *invocation) (any, error) {
	code, err := parseInt("keycode", inv.arg(0))
	if err != nil {
		return nil, err
	}
	return nil, r.act(inv, core.Action{Kind: core.ActionKey, KeyCode: code}, nil)
}

func (r *Runner) launchApp(inv *invocation) (any, error) {
	return nil, r.act(inv, core.Action{Kind: core.ActionLaunchApp, AppID: strings.TrimSpace(inv.arg(0))}, nil)
}

func (r *Runner) terminateApp(inv *invocation) (any, error) {
	return nil, r.act(inv, core.Action{Kind: core.ActionTerminateApp, AppID: strings.TrimSpace(inv.arg(0))}, nil)
}

// assertPresence with rule "any" resolves every element's targets as one
// descriptor so the first detector hit on any of them succeeds; "all"
// resolves them one after another within the shared timeout
func (r *Runner) assertPresence(inv *invocation) (any, error) {
	names := splitList(inv.arg(0))
	if len(names) == 0 {
		return nil, errInvalid("assert_presence needs at least one element")
	}
	timeout, err := optionalSeconds("timeout", inv.arg(1), r.sess.ElementTimeout())
	if err != nil {
		return nil, err
	}
	rule := strings.ToLower(strings.TrimSpace(inv.arg(2)))
	if rule == "" {
		rule = "any"
	}

	descs := make([]core.ElementDescriptor, len(names))
	for i, n := range names {
		if descs[i], err = r.descriptor(n, 0); err != nil {
			return nil, err
		}
	}

	switch rule {
	case "any":
		var targets []core.Target
		for _, d := range descs {
			targets = append(targets, d.Targets()...)
		}
		m, err := r.resolve(inv, core.NewDescriptor(strings.Join(names, ","), 0, targets...), timeout)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "all":
		deadline := time.Now().Add(timeout)
		matches := make([]*core.Match, 0, len(descs))
		for _, d := range descs {
			m, err := r.resolve(inv, d, max(time.Until(deadline), 0))
			if err != nil {
				return matches, err
			}
			matches = append(matches, m)
		}
		return matches, nil
	default:
		return nil, errInvalid("rule must be any or all, got %q", rule)
	}
}

func (r *Runner) captureScreenshot(inv *invocation) (any, error) {
	st, err := r.sess.Capture(inv.ctx, core.CaptureRequest{Screenshot: true})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"capture_id": st.CaptureID,
		"bytes":      len(st.Screenshot),
	}
	if r.artifacts != "" {
		path, err := r.saveScreenshot(inv.result.ExecutionID, st.Screenshot)
		if err != nil {
			return out, core.ErrDriver.WithCause(err).WithMessage(err.Error())
		}
		out["path"] = path
	}
	return out, nil
}

func (r *Runner) sleep(inv *invocation) (any, error) {
	d, err := optionalSeconds("seconds", inv.arg(0), 0)
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-inv.ctx.Done():
		return nil, core.TimeoutFromContext(inv.ctx)
	}
}

func (r *Runner) logMessage(inv *invocation) (any, error) {
	msg := inv.arg(0)
	r.log.Info(msg, logger.ExecutionID(inv.result.ExecutionID), logger.Keyword("log"))
	return msg, nil
}
