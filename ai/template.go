package ai

import (
	"context"
	"strings"

	"github.com/onnwee/chat-relay/relay"
)

// Template answers without a model by formatting the user's message into a fixed text.
// The first %s in Format marks where the message goes; everything else, including other
// % sequences, is literal.
type Template struct {
	Format string
}

func (t Template) Reply(_ context.Context, _ []relay.Turn, message string) (string, error) {
	format := t.Format
	if !strings.Contains(format, "%s") {
		format = "🤖 Auto reply: we received \"%s\" and will get back to you soon."
	}
	return strings.Replace(format, "%s", message, 1), nil
}

var _ relay.Responder = Template{}
