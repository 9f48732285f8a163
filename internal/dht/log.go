package dht

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "dht")
