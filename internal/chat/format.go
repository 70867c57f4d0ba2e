package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TimestampLayout renders as YYYY-MM-DD HH:MM:SS.
const TimestampLayout = "2006-01-02 15:04:05"

func Timestamp(at time.Time) string {
	return at.Format(TimestampLayout)
}

func JoinLine(at time.Time, name string) string {
	return fmt.Sprintf("[%s] %s has joined\n", Timestamp(at), name)
}

func LeaveLine(at time.Time, name string) string {
	return fmt.Sprintf("[%s] %s has left\n", Timestamp(at), name)
}

func ChatLine(at time.Time, name, text string) string {
	return fmt.Sprintf("[%s] %s: %s\n", Timestamp(at), name, text)
}

// verbatimLine relays a client-formatted payload as one line.
func verbatimLine(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

func normalizeName(raw string) (string, error) {
	name := strings.Trim(raw, " \t\r\n\x00")
	if len(name) > MaxNameLen {
		return "", errors.Mark(errors.Wrapf(ErrNameTooLong, "%d bytes, want at most %d", len(name), MaxNameLen), ErrNameInvalid)
	}
	if len(name) < MinNameLen {
		return "", errors.Wrapf(ErrNameInvalid, "%d bytes, want at least %d", len(name), MinNameLen)
	}
	return name, nil
}
