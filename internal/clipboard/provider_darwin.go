//go:build darwin

package clipboard

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// systemProvider shells out to pbcopy/pbpaste rather than linking
// NSPasteboard via cgo, keeping this package cgo-free across platforms.
type systemProvider struct{}

func NewSystemProvider() Provider {
	return &systemProvider{}
}

const execTimeout = 2 * time.Second

func (s *systemProvider) GetContent() (Content, error) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "pbpaste")
	out, err := cmd.Output()
	if err != nil {
		return Content{}, err
	}
	return Content{Type: ContentTypeText, Text: string(out)}, nil
}

func (s *systemProvider) SetContent(content Content) error {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	var text string
	switch content.Type {
	case ContentTypeText:
		text = content.Text
	case ContentTypeRTF:
		// pbcopy writes plain text; RTF round-tripping through pbcopy
		// would need -Prefer rtf plus an RTF-to-NSPasteboard bridge this
		// backend doesn't have, so RTF is written as its raw bytes.
		text = string(content.RTF)
	default:
		return errUnsupportedContent
	}

	cmd := exec.CommandContext(ctx, "pbcopy")
	cmd.Stdin = bytes.NewReader([]byte(text))
	return cmd.Run()
}
