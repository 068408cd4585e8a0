package p2p

import "github.com/sirupsen/logrus"

// newLog builds the fallback logger used by any component constructed
// without an explicit *logrus.Entry, mirroring the teacher's
// srv.log = NewLog() default in network/p2p/server.go.
func newLog(component string) *logrus.Entry {
	l := logrus.New()
	return l.WithField("component", component)
}

func withLog(base *logrus.Entry, component string) *logrus.Entry {
	if base == nil {
		return newLog(component)
	}
	return base.WithField("component", component)
}
