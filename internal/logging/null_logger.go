package logging

// NullLogger discards everything. Useful as a zero-value-safe default in
// tests that don't care about log output.
type NullLogger struct{}

func (NullLogger) Debug(string)          {}
func (NullLogger) Debugf(string, ...any) {}
func (NullLogger) Info(string)           {}
func (NullLogger) Infof(string, ...any)  {}
func (NullLogger) Warn(string)           {}
func (NullLogger) Warnf(string, ...any)  {}
func (NullLogger) Error(string)          {}
func (NullLogger) Errorf(string, ...any) {}

func (l NullLogger) With(string, any) Logger     { return l }
func (l NullLogger) WithError(error) Logger      { return l }
func (l NullLogger) WithStacktrace(error) Logger { return l }
