package scheduler

import (
	"fmt"

	logx "shiftboard/pkg/logx"
)

// cronLogger bridges robfig/cron's key/value logger into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) fields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, l.fields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(l.fields(kv), logx.Err(err))...)
}
