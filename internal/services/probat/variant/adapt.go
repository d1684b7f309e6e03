package variant

import (
	"regexp"
	"strings"

	apperrors "github.com/louisbranch/probat/internal/platform/errors"
)

// HostUIGlobal is the Lua global that carries the host UI binding.
const HostUIGlobal = "__probat_host_ui"

// guardLine fails a chunk early when the host binding is missing.
const guardLine = `if ` + HostUIGlobal + ` == nil then error("probat: host ui binding unavailable", 0) end`

const uiModule = `(?:"probat[/.]ui"|'probat[/.]ui')`

var (
	// A require in statement position becomes a throwaway local so any code
	// after it on the same line still parses.
	bareRequire = regexp.MustCompile(`(?m)(^[ \t]*|;[ \t]*)require[ \t]*\(?[ \t]*` + uiModule + `[ \t]*\)?([ \t\r]*(?:;|$|[A-Za-z_]))`)
	// Any other require of the UI module is an expression.
	requireExpr = regexp.MustCompile(`require[ \t]*\(?[ \t]*` + uiModule + `[ \t]*\)?`)
	loadedExpr  = regexp.MustCompile(`package\.loaded[ \t]*\[[ \t]*` + uiModule + `[ \t]*\]`)
)

// Adapt rewrites variant source so every reference to the probat UI module
// resolves to the host binding, and prepends a guard that fails when the
// binding is absent. Adapting already adapted source returns it unchanged.
func Adapt(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", apperrors.New(apperrors.CodeCodeAdaptationFailure, "variant source is empty")
	}

	body := strings.TrimPrefix(source, guardLine+"\n")
	body = bareRequire.ReplaceAllStringFunc(body, bindHostUI)
	body = requireExpr.ReplaceAllString(body, HostUIGlobal)
	body = loadedExpr.ReplaceAllString(body, HostUIGlobal)

	return guardLine + "\n" + body, nil
}

// bindHostUI rewrites one statement-position require, keeping what follows it.
func bindHostUI(match string) string {
	parts := bareRequire.FindStringSubmatch(match)
	lead, tail := parts[1], parts[2]
	binding := "local _ = " + HostUIGlobal
	if tail != "" && tail[0] != ';' && tail[0] != ' ' && tail[0] != '\t' && tail[0] != '\r' {
		binding += " "
	}
	return lead + binding + tail
}
