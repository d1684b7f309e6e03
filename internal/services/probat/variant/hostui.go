package variant

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/a-h/templ"
)

const markupTypeName = "probat.markup"

// markup is HTML produced by the host binding. Plain Lua strings are text
// and get escaped wherever they meet markup.
type markup struct {
	html string
}

var (
	tagPattern    = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	attrPattern   = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:.-]*$`)
	colorPattern  = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]+|(rgb|rgba|hsl|hsla)\([0-9., %]+\))$`)
	radiusPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(px|rem|em|%)$`)

	blockedTags = map[string]bool{
		"script": true, "style": true, "iframe": true, "object": true, "embed": true, "link": true, "meta": true, "base": true,
	}
)

var hostUIFunctions = []lua.RegistryFunction{
	{Name: "button", Function: uiButton},
	{Name: "text", Function: uiText},
	{Name: "escape", Function: uiEscape},
	{Name: "element", Function: uiElement},
}

// installHostUI registers the markup type and publishes the binding as the
// HostUIGlobal table.
func installHostUI(state *lua.State) {
	lua.NewMetaTable(state, markupTypeName)
	state.PushGoFunction(markupToString)
	state.SetField(-2, "__tostring")
	state.PushGoFunction(markupConcat)
	state.SetField(-2, "__concat")
	state.Pop(1)

	state.NewTable()
	lua.SetFunctions(state, hostUIFunctions, 0)
	state.SetGlobal(HostUIGlobal)
}

func pushMarkup(state *lua.State, html string) {
	state.PushUserData(&markup{html: html})
	lua.SetMetaTableNamed(state, markupTypeName)
}

// toHTML renders the value at index as HTML: markup passes through, text and
// numbers are escaped, nil is empty, and arrays are concatenated.
func toHTML(state *lua.State, index int) (string, error) {
	switch state.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return "", nil
	case lua.TypeUserData:
		if m, ok := state.ToUserData(index).(*markup); ok && m != nil {
			return m.html, nil
		}
		return "", fmt.Errorf("unsupported userdata")
	case lua.TypeString, lua.TypeNumber:
		text, _ := state.ToString(index)
		return templ.EscapeString(text), nil
	case lua.TypeBoolean:
		return templ.EscapeString(strconv.FormatBool(state.ToBoolean(index))), nil
	case lua.TypeTable:
		index = state.AbsIndex(index)
		var b strings.Builder
		for i := 1; ; i++ {
			state.RawGetInt(index, i)
			if state.IsNil(-1) {
				state.Pop(1)
				break
			}
			html, err := toHTML(state, -1)
			state.Pop(1)
			if err != nil {
				return "", err
			}
			b.WriteString(html)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("cannot render %s", lua.TypeNameOf(state, index))
	}
}

func markupToString(state *lua.State) int {
	html, err := toHTML(state, 1)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
	state.PushString(html)
	return 1
}

func markupConcat(state *lua.State) int {
	left, err := toHTML(state, 1)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
	right, err := toHTML(state, 2)
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
	pushMarkup(state, left+right)
	return 1
}

// uiText wraps s as escaped markup.
func uiText(state *lua.State) int {
	text := lua.CheckString(state, 1)
	pushMarkup(state, templ.EscapeString(text))
	return 1
}

// uiEscape returns s escaped as a plain string.
func uiEscape(state *lua.State) int {
	text := lua.CheckString(state, 1)
	state.PushString(templ.EscapeString(text))
	return 1
}

// uiButton renders ui.button{label=, color=, radius=}.
func uiButton(state *lua.State) int {
	lua.CheckType(state, 1, lua.TypeTable)

	state.Field(1, "label")
	label, err := toHTML(state, -1)
	state.Pop(1)
	if err != nil {
		lua.ArgumentError(state, 1, "label: "+err.Error())
	}

	var style []string
	if color := optionalField(state, 1, "color"); color != "" {
		if !colorPattern.MatchString(color) {
			lua.ArgumentError(state, 1, "invalid color "+strconv.Quote(color))
		}
		style = append(style, "background-color:"+color)
	}
	if radius := optionalField(state, 1, "radius"); radius != "" {
		if _, err := strconv.ParseFloat(radius, 64); err == nil {
			radius += "px"
		}
		if !radiusPattern.MatchString(radius) {
			lua.ArgumentError(state, 1, "invalid radius "+strconv.Quote(radius))
		}
		style = append(style, "border-radius:"+radius)
	}

	var b strings.Builder
	b.WriteString(`<button type="button" class="probat-button"`)
	if len(style) > 0 {
		b.WriteString(` style="`)
		b.WriteString(templ.EscapeString(strings.Join(style, ";")))
		b.WriteString(`"`)
	}
	b.WriteString(">")
	b.WriteString(label)
	b.WriteString("</button>")
	pushMarkup(state, b.String())
	return 1
}

// uiElement renders ui.element(tag, attrs, body).
func uiElement(state *lua.State) int {
	tag := strings.ToLower(lua.CheckString(state, 1))
	if !tagPattern.MatchString(tag) || blockedTags[tag] {
		lua.ArgumentError(state, 1, "unsupported tag "+strconv.Quote(tag))
	}

	attrs := map[string]string{}
	if !state.IsNoneOrNil(2) {
		lua.CheckType(state, 2, lua.TypeTable)
		state.PushNil()
		for state.Next(2) {
			if state.TypeOf(-2) != lua.TypeString {
				lua.ArgumentError(state, 2, "attribute names must be strings")
			}
			key, _ := state.ToString(-2)
			if !attrPattern.MatchString(key) || strings.HasPrefix(strings.ToLower(key), "on") {
				lua.ArgumentError(state, 2, "unsupported attribute "+strconv.Quote(key))
			}
			value, ok := attributeValue(state, -1)
			if !ok {
				lua.ArgumentError(state, 2, "attribute "+strconv.Quote(key)+" must be a string, number or boolean")
			}
			state.Pop(1)
			attrs[key] = value
		}
	}

	body, err := toHTML(state, 3)
	if err != nil {
		lua.ArgumentError(state, 3, err.Error())
	}

	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("<" + tag)
	for _, key := range keys {
		b.WriteString(" " + key + `="` + templ.EscapeString(attrs[key]) + `"`)
	}
	b.WriteString(">")
	b.WriteString(body)
	b.WriteString("</" + tag + ">")
	pushMarkup(state, b.String())
	return 1
}

func optionalField(state *lua.State, index int, name string) string {
	state.Field(index, name)
	defer state.Pop(1)
	switch state.TypeOf(-1) {
	case lua.TypeString, lua.TypeNumber:
		value, _ := state.ToString(-1)
		return strings.TrimSpace(value)
	default:
		return ""
	}
}

func attributeValue(state *lua.State, index int) (string, bool) {
	switch state.TypeOf(index) {
	case lua.TypeString, lua.TypeNumber:
		state.PushValue(index)
		value, _ := state.ToString(-1)
		state.Pop(1)
		return value, true
	case lua.TypeBoolean:
		return strconv.FormatBool(state.ToBoolean(index)), true
	default:
		return "", false
	}
}
