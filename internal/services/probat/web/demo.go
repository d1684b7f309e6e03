package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/a-h/templ"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/usage"
	"github.com/louisbranch/probat/internal/services/probat/variant"
)

// DefaultDemoID is the experiment the demo page resolves.
const DefaultDemoID decision.ID = "signup-button"

// Demo describes the experimented button on the demo page.
type Demo struct {
	ID decision.ID
	// Text is the button label passed to every implementation.
	Text string
	// RemotePath overrides where variant b's code is fetched from.
	RemotePath string
}

func (d Demo) withDefaults() Demo {
	if strings.TrimSpace(string(d.ID)) == "" {
		d.ID = DefaultDemoID
	}
	if strings.TrimSpace(d.Text) == "" {
		d.Text = "Sign up"
	}
	return d
}

// usageConfig builds the demo registry: control, a static variant a and a
// remote variant b.
func (d Demo) usageConfig() usage.Config {
	d = d.withDefaults()
	return usage.Config{
		ID:      d.ID,
		Control: demoButton(d.Text, "probat-button"),
		Registry: usage.Registry{
			"a": usage.Static{Component: demoButton(d.Text, "probat-button probat-button-bold")},
			"b": usage.Remote{Path: d.RemotePath},
		},
		Props: variant.Props{
			"label":  d.Text,
			"color":  "#1f6feb",
			"radius": 8,
		},
		Handler: func(ctx context.Context, in usage.Interaction) error {
			log.Printf("probat: demo %s %s", d.ID, in.Name)
			return nil
		},
		Dimensions: map[string]any{"page": "demo"},
	}
}

func demoButton(text, class string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<button type="button" class="%s">%s</button>`,
			templ.EscapeString(class), templ.EscapeString(text))
		return err
	})
}
