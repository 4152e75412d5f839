package importer

import (
	"bufio"
	"strings"

	"github.com/rs/zerolog"
)

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func engineLogger() zerolog.Logger {
	return zerolog.Nop()
}
