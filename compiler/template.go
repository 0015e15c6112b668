package compiler

import "strings"

const userCodeMarker = "// [[USER_STRATEGY]]"

// pluginTemplate is the main package every artifact is built from. User code
// defines strategyUserMod; the exported Strategy symbol is what the plugin
// loader looks up.
const pluginTemplate = `package main

import (
	"math"
	"sort"
)

type Signal int

const (
	HOLD Signal = iota
	BUY
	SELL
)

var (
	_ = math.Abs
	_ = sort.Float64s
)

// [[USER_STRATEGY]]

func Strategy(prices []float64, params map[string]float64) int {
	return int(strategyUserMod(prices, params))
}

func main() {}
`

// Render injects user source into the plugin template.
func Render(source string) string {
	return strings.Replace(pluginTemplate, userCodeMarker, source, 1)
}
