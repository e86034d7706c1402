package main

import (
	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/sirupsen/logrus"
)

type LogrusAdapter struct {
	Log *logrus.Entry
}

func (l LogrusAdapter) Tracef(format string, args ...interface{}) {
	l.Log.Tracef(format, args...)
}

func (l LogrusAdapter) Debugf(format string, args ...interface{}) {
	l.Log.Debugf(format, args...)
}

func (l LogrusAdapter) Infof(format string, args ...interface{}) {
	l.Log.Infof(format, args...)
}

func (l LogrusAdapter) Warnf(format string, args ...interface{}) {
	l.Log.Warnf(format, args...)
}

func (l LogrusAdapter) Errorf(format string, args ...interface{}) {
	l.Log.Errorf(format, args...)
}

func (l LogrusAdapter) Trace(args ...interface{}) {
	l.Log.Trace(args...)
}

func (l LogrusAdapter) Debug(args ...interface{}) {
	l.Log.Debug(args...)
}

func (l LogrusAdapter) Info(args ...interface{}) {
	l.Log.Info(args...)
}

func (l LogrusAdapter) Warn(args ...interface{}) {
	l.Log.Warn(args...)
}

func (l LogrusAdapter) Error(args ...interface{}) {
	l.Log.Error(args...)
}

func (l LogrusAdapter) WithField(key string, value interface{}) mdnsd.Logger {
	return LogrusAdapter{l.Log.WithField(key, value)}
}

func (l LogrusAdapter) WithFields(fields mdnsd.Fields) mdnsd.Logger {
	return LogrusAdapter{l.Log.WithFields(logrus.Fields(fields))}
}

func (l LogrusAdapter) WithError(err error) mdnsd.Logger {
	return LogrusAdapter{l.Log.WithError(err)}
}

// component returns a logger tagged with the name of the component using it.
func component(log *logrus.Logger, name string) mdnsd.Logger {
	return LogrusAdapter{logrus.NewEntry(log).WithField("component", name)}
}
