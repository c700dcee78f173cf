package logger

import (
	"fmt"
	"log/slog"
	"time"
)

func SessionID(id string) slog.Attr {
	return slog.String("session_id", id)
}

func ExecutionID(id string) slog.Attr {
	return slog.String("execution_id", id)
}

func Keyword(name string) slog.Attr {
	return slog.String("keyword", name)
}

func Strategy(name string) slog.Attr {
	return slog.String("strategy", name)
}

func Status(status fmt.Stringer) slog.Attr {
	return slog.String("status", status.String())
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
