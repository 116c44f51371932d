// Package content holds the content records served by the console: plays,
// songs and residents, plus the links to their media files.
package content

import (
	"context"
	"strings"

	"github.com/gosuda/koppelia/message"
)

// MediaLinker turns a media path such as /media/song/<id>/<file> into a
// fetchable URL.
type MediaLinker interface {
	MediaLink(path string) string
}

// BaseURL links media under a fixed origin.
type BaseURL string

func (b BaseURL) MediaLink(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(string(b), "/") + path
}

// Requester sends a request and waits for its reply. *console.Console
// satisfies it.
type Requester interface {
	Request(ctx context.Context, env *message.Envelope) (*message.Envelope, error)
}
