package executor

import (
	"fmt"
	"strings"
)

type (
	// KeywordInfo describes one keyword of the catalogue
	KeywordInfo struct {
		Name        string   `json:"name"`
		Params      []string `json:"params"`
		Description string   `json:"description"`
	}

	keyword struct {
		name        string
		params      []string // Optional params are bracketed, in order
		description string

		// variadic keywords accept any number of trailing params
		variadic bool

		// control keywords receive raw parameters and never take a
		// diagnostic screenshot themselves, their nested steps do
		control bool

		// bind is the number of leading params naming variables to bind;
		// they are passed without ${var} expansion
		bind int

		run func(r *Runner, inv *invocation) (any, error)
	}
)

var keywords = []keyword{
	{
		name:        "press_element",
		params:      []string{"element", "[repeat]", "[offset_x]", "[offset_y]", "[timeout]"},
		description: "Resolve an element and tap it",
		run:         (*Runner).pressElement,
	},
	{
		name:        "press_element_with_index",
		params:      []string{"element", "index", "[timeout]"},
		description: "Tap the index-th candidate of an element",
		run:         (*Runner).pressElementWithIndex,
	},
	{
		name:        "detect_and_press",
		params:      []string{"element", "[timeout]"},
		description: "Wait for an element and tap its centre by coordinates",
		run:         (*Runner).detectAndPress,
	},
	{
		name:        "press_checkbox",
		params:      []string{"element", "[timeout]"},
		description: "Tap a checkbox",
		run:         (*Runner).pressToggle,
	},
	{
		name:        "press_radio_button",
		params:      []string{"element", "[timeout]"},
		description: "Tap a radio button",
		run:         (*Runner).pressToggle,
	},
	{
		name:        "select_dropdown_option",
		params:      []string{"element", "option", "[timeout]"},
		description: "Open a dropdown and tap one of its options",
		run:         (*Runner).selectDropdownOption,
	},
	{
		name:        "press_by_coordinates",
		params:      []string{"x", "y", "[repeat]"},
		description: "Tap an absolute screen point",
		run:         (*Runner).pressByCoordinates,
	},
	{
		name:        "press_by_percentage",
		params:      []string{"percent_x", "percent_y", "[repeat]"},
		description: "Tap a point given as percentages (0-100) of the screen size",
		run:         (*Runner).pressByPercentage,
	},
	{
		name:        "swipe",
		params:      []string{"x", "y", "direction", "[length]"},
		description: "Swipe from a point in a direction",
		run:         (*Runner).swipe,
	},
	{
		name:        "swipe_from_element",
		params:      []string{"element", "direction", "[length]"},
		description: "Swipe from an element in a direction",
		run:         (*Runner).swipeFromElement,
	},
	{
		name:        "swipe_until_element_appears",
		params:      []string{"element", "direction", "[timeout]"},
		description: "Swipe across a quarter of the screen until an element can be resolved",
		run:         (*Runner).swipeUntilElementAppears,
	},
	{
		name:        "scroll",
		params:      []string{"direction", "[length]"},
		description: "Scroll the screen content in a direction",
		run:         (*Runner).scroll,
	},
	{
		name:        "scroll_from_element",
		params:      []string{"element", "direction", "[length]"},
		description: "Scroll the content under an element in a direction",
		run:         (*Runner).scrollFromElement,
	},
	{
		name:        "scroll_until_element_appears",
		params:      []string{"element", "direction", "[timeout]"},
		description: "Scroll until an element can be resolved",
		run:         (*Runner).scrollUntilElementAppears,
	},
	{
		name:        "enter_text",
		params:      []string{"element", "text"},
		description: "Focus an element and type text",
		run:         (*Runner).enterText,
	},
	{
		name:        "enter_text_direct",
		params:      []string{"text"},
		description: "Type text into the focused element",
		run:         (*Runner).enterTextDirect,
	},
	{
		name:        "enter_text_using_keyboard",
		params:      []string{"text_or_key"},
		description: "Type text, or press a named key such as enter_key or backspace_key",
		run:         (*Runner).enterTextUsingKeyboard,
	},
	{
		name:        "enter_number",
		params:      []string{"element", "number"},
		description: "Focus an element and type a number",
		run:         (*Runner).enterNumber,
	},
	{
		name:        "clear_element_text",
		params:      []string{"element"},
		description: "Clear the text of an element",
		run:         (*Runner).clearElementText,
	},
	{
		name:        "get_text",
		params:      []string{"element"},
		description: "Return the text of an element",
		run:         (*Runner).getText,
	},
	{
		name:        "press_keycode",
		params:      []string{"keycode"},
		description: "Press a device key",
		run:         (*Runner).pressKeycode,
	},
	{
		name:        "launch_app",
		params:      []string{"app_id"},
		description: "Launch an application",
		run:         (*Runner).launchApp,
	},
	{
		name:        "close_and_terminate_app",
		params:      []string{"app_id"},
		description: "Terminate an application",
		run:         (*Runner).terminateApp,
	},
	{
		name:        "assert_presence",
		params:      []string{"elements", "[timeout]", "[rule]"},
		description: "Assert that any or all of a comma separated list of elements are present",
		run:         (*Runner).assertPresence,
	},
	{
		name:        "capture_screenshot",
		description: "Capture the current screen",
		run:         (*Runner).captureScreenshot,
	},
	{
		name:        "sleep",
		params:      []string{"seconds"},
		description: "Wait for a number of seconds",
		run:         (*Runner).sleep,
	},
	{
		name:        "log",
		params:      []string{"message"},
		description: "Write a message to the session log",
		run:         (*Runner).logMessage,
	},
	{
		name:        "condition",
		params:      []string{"predicate", "module", "[else_module]"},
		description: "Run the module of the first true predicate, or the else module",
		variadic:    true,
		control:     true,
		run:         (*Runner).condition,
	},
	{
		name:        "run_loop",
		params:      []string{"module", "count_or_variable", "[sequence]"},
		description: "Run a module N times, or once per element of zipped sequences",
		variadic:    true,
		control:     true,
		run:         (*Runner).runLoop,
	},
	{
		name:        "evaluate",
		params:      []string{"target_or_expression", "[expression]"},
		description: "Evaluate an expression, optionally binding the result to a variable",
		control:     true,
		run:         (*Runner).evaluate,
	},
	{
		name:        "read_data",
		params:      []string{"variable", "source", "[index_or_query]"},
		description: "Bind a lazy data sequence read from a file, URL, environment variable or literal",
		bind:        1,
		run:         (*Runner).readData,
	},
	{
		name:        "invoke_api",
		params:      []string{"api"},
		description: "Call a project API named collection.api, binding extracted response fields to variables",
		run:         (*Runner).invokeAPI,
	},
	{
		name:        "run_module",
		params:      []string{"module"},
		description: "Run a project module",
		control:     true,
		run:         (*Runner).runModule,
	},
}

var byName map[string]*keyword

func init() {
	byName = make(map[string]*keyword, len(keywords))
	for i := range keywords {
		byName[keywords[i].name] = &keywords[i]
	}
}

// Keywords returns the catalogue in documentation order
func Keywords() []KeywordInfo {
	res := make([]KeywordInfo, len(keywords))
	for i, k := range keywords {
		res[i] = KeywordInfo{
			Name:        k.name,
			Params:      append([]string{}, k.params...),
			Description: k.description,
		}
	}
	return res
}

// Normalize maps "Press Element", "press-element" and "press_element" to
// the same catalogue name
func Normalize(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	})
	return strings.Join(fields, "_")
}

func lookup(name string) (*keyword, bool) {
	k, ok := byName[Normalize(name)]
	return k, ok
}

func (k *keyword) arity() (int, int) {
	required := 0
	for _, p := range k.params {
		if !strings.HasPrefix(p, "[") {
			required++
		}
	}
	if k.variadic {
		return required, -1
	}
	return required, len(k.params)
}

func (k *keyword) checkArity(n int) error {
	lo, hi := k.arity()
	switch {
	case n < lo:
	case hi >= 0 && n > hi:
	default:
		return nil
	}
	var want string
	switch {
	case hi < 0:
		want = fmt.Sprintf("at least %d", lo)
	case lo == hi:
		want = fmt.Sprintf("%d", lo)
	default:
		want = fmt.Sprintf("%d to %d", lo, hi)
	}
	return errInvalid("%s expects %s params, got %d", k.name, want, n)
}
