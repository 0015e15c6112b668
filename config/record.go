package config

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidConfig = errors.New("invalid config")

// ValidationError names the first field that broke its constraint.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Constraint)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

const (
	MinTickInterval = 1
	MaxTickInterval = 60
)

// Connectors known to the bot runtime.
var Connectors = []string{"simulation", "binance", "coinbase"}

// Risk levels and the quote amount each one trades.
const (
	RiskConservative = "conservative"
	RiskModerate     = "moderate"
	RiskAggressive   = "aggressive"
)

// Record is the bot configuration an operator edits and persists.
type Record struct {
	Version             int64              `json:"version" bson:"version"`
	Symbol              string             `json:"symbol" bson:"symbol"`
	TickIntervalSeconds int                `json:"tickIntervalSeconds" bson:"tickIntervalSeconds"`
	PaperTrading        bool               `json:"paperTrading" bson:"paperTrading"`
	Connector           string             `json:"connector" bson:"connector"`
	ConnectorParams     map[string]string  `json:"connectorParams,omitempty" bson:"connectorParams,omitempty"`
	Strategy            string             `json:"strategy" bson:"strategy"`
	StrategyParams      map[string]float64 `json:"strategyParams,omitempty" bson:"strategyParams,omitempty"`
	RiskLevel           string             `json:"riskLevel" bson:"riskLevel"`
}

func Default() Record {
	return Record{
		Symbol:              "BTCUSDT",
		TickIntervalSeconds: 5,
		PaperTrading:        true,
		Connector:           "simulation",
		Strategy:            "sma_crossover",
		StrategyParams:      map[string]float64{"sma_short_period": 10, "sma_long_period": 25},
		RiskLevel:           RiskModerate,
	}
}

// Validate checks the fields the runtime depends on. Strategy availability
// depends on the loaded module and is checked by the session.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return &ValidationError{Field: "symbol", Constraint: "must not be empty"}
	}
	if r.TickIntervalSeconds < MinTickInterval || r.TickIntervalSeconds > MaxTickInterval {
		return &ValidationError{
			Field:      "tickIntervalSeconds",
			Constraint: fmt.Sprintf("must be between %d and %d, got %d", MinTickInterval, MaxTickInterval, r.TickIntervalSeconds),
		}
	}
	if !knownConnector(r.Connector) {
		return &ValidationError{
			Field:      "connector",
			Constraint: fmt.Sprintf("must be one of %s, got %q", strings.Join(Connectors, ", "), r.Connector),
		}
	}
	if strings.TrimSpace(r.Strategy) == "" {
		return &ValidationError{Field: "strategy", Constraint: "must not be empty"}
	}
	switch r.RiskLevel {
	case "", RiskConservative, RiskModerate, RiskAggressive:
	default:
		return &ValidationError{Field: "riskLevel", Constraint: fmt.Sprintf("unknown level %q", r.RiskLevel)}
	}
	return nil
}

func knownConnector(name string) bool {
	for _, c := range Connectors {
		if c == name {
			return true
		}
	}
	return false
}

// Normalize upper-cases the symbol and fills the risk level.
func (r Record) Normalize() Record {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.RiskLevel == "" {
		r.RiskLevel = RiskModerate
	}
	return r
}

// Clone deep-copies the maps.
func (r Record) Clone() Record {
	if r.ConnectorParams != nil {
		m := make(map[string]string, len(r.ConnectorParams))
		for k, v := range r.ConnectorParams {
			m[k] = v
		}
		r.ConnectorParams = m
	}
	if r.StrategyParams != nil {
		m := make(map[string]float64, len(r.StrategyParams))
		for k, v := range r.StrategyParams {
			m[k] = v
		}
		r.StrategyParams = m
	}
	return r
}

// Patch is a partial Record: nil fields are left alone by Merge.
type Patch struct {
	Symbol              *string            `json:"symbol,omitempty"`
	TickIntervalSeconds *int               `json:"tickIntervalSeconds,omitempty"`
	PaperTrading        *bool              `json:"paperTrading,omitempty"`
	Connector           *string            `json:"connector,omitempty"`
	ConnectorParams     map[string]string  `json:"connectorParams,omitempty"`
	Strategy            *string            `json:"strategy,omitempty"`
	StrategyParams      map[string]float64 `json:"strategyParams,omitempty"`
	RiskLevel           *string            `json:"riskLevel,omitempty"`
}

// Merge applies p on top of r. Map fields replace the whole map when present.
// The version is bumped on every merge.
func (r Record) Merge(p Patch) Record {
	out := r.Clone()
	if p.Symbol != nil {
		out.Symbol = *p.Symbol
	}
	if p.TickIntervalSeconds != nil {
		out.TickIntervalSeconds = *p.TickIntervalSeconds
	}
	if p.PaperTrading != nil {
		out.PaperTrading = *p.PaperTrading
	}
	if p.Connector != nil {
		out.Connector = *p.Connector
	}
	if p.ConnectorParams != nil {
		out.ConnectorParams = Record{ConnectorParams: p.ConnectorParams}.Clone().ConnectorParams
	}
	if p.Strategy != nil {
		out.Strategy = *p.Strategy
	}
	if p.StrategyParams != nil {
		out.StrategyParams = Record{StrategyParams: p.StrategyParams}.Clone().StrategyParams
	}
	if p.RiskLevel != nil {
		out.RiskLevel = *p.RiskLevel
	}
	out.Version = r.Version + 1
	return out
}

// Redacted hides connector credentials for display.
func (r Record) Redacted() Record {
	out := r.Clone()
	for k, v := range out.ConnectorParams {
		if v != "" {
			out.ConnectorParams[k] = "***"
		}
	}
	return out
}
