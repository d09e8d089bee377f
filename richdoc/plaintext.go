package richdoc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var (
	convOnce sync.Once
	conv     *converter.Converter
)

func mdConverter() *converter.Converter {
	convOnce.Do(func() {
		conv = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
	return conv
}

// PlainText converts markup to the markdown text used as the text/plain
// alternative of emails carrying this template.
func PlainText(markup string) (string, error) {
	if strings.TrimSpace(markup) == "" {
		return "", nil
	}
	md, err := mdConverter().ConvertString(markup)
	if err != nil {
		return "", fmt.Errorf("richdoc: plain text: %w", err)
	}
	return strings.TrimSpace(md), nil
}
