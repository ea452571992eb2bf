package tcpshm

import "github.com/sirupsen/logrus"

// connLog returns a logrus.Entry pre-populated with the fields every
// connection lifecycle line carries: the peer name and whether the session
// is running over SHM or PTCP. Kept as one helper so field names stay
// consistent across client.go and server.go.
func connLog(l *logrus.Logger, name string, useShm bool) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"peer":      name,
		"transport": transportName(useShm),
	})
}

func transportName(useShm bool) string {
	if useShm {
		return "shm"
	}
	return "tcp"
}
