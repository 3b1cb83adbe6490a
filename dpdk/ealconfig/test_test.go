package ealconfig_test

import (
	"strings"

	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/stretchr/testify/assert"
)

var (
	makeAR   = testenv.MakeAR
	fromJSON = testenv.FromJSON
)

func commaSetEquals(a *assert.Assertions, expected string, actual string, msgAndArgs ...any) bool {
	expectedSet := strings.Split(expected, ",")
	actualSet := strings.Split(actual, ",")
	return a.Subset(expectedSet, actualSet, msgAndArgs...) && a.Subset(actualSet, expectedSet, msgAndArgs...)
}
