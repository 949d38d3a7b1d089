// Package fare turns a pickup/dropoff pair into a price quote expressed in
// the ledger's native currency.
package fare

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/squarejellyfish/ntuber/internal/geo"
	"github.com/squarejellyfish/ntuber/internal/models"
)

// Tiers is the distance price table in local currency units.
type Tiers struct {
	NearLimitM float64 `yaml:"near_limit_m"`
	NearPrice  int64   `yaml:"near_price"`
	MidLimitM  float64 `yaml:"mid_limit_m"`
	MidPrice   int64   `yaml:"mid_price"`
	BasePrice  int64   `yaml:"base_price"`
	StepM      float64 `yaml:"step_m"`
	StepPrice  int64   `yaml:"step_price"`
}

type Config struct {
	Tiers Tiers
	// ExchangeRate is local units per native unit.
	ExchangeRate decimal.Decimal
	Precision    int32
	// Default is the native price shown before a route exists.
	Default decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		Tiers: Tiers{
			NearLimitM: 500,
			NearPrice:  20,
			MidLimitM:  1000,
			MidPrice:   30,
			BasePrice:  40,
			StepM:      100,
			StepPrice:  5,
		},
		ExchangeRate: decimal.NewFromInt(100000),
		Precision:    5,
		Default:      decimal.RequireFromString("0.001"),
	}
}

// Quote is a priced route.
type Quote struct {
	DistanceM float64         `json:"distance_m"`
	Local     int64           `json:"local"`
	Native    decimal.Decimal `json:"native"`
	// Valid is false when the quote is a fallback rather than a priced route.
	Valid bool `json:"valid"`
}

type Estimator struct {
	cfg Config
}

func New(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.ExchangeRate.Sign() <= 0 {
		cfg.ExchangeRate = def.ExchangeRate
	}
	if cfg.Tiers.StepM <= 0 {
		cfg.Tiers = def.Tiers
	}
	if cfg.Precision < 0 {
		cfg.Precision = def.Precision
	}
	return &Estimator{cfg: cfg}
}

// LocalPrice maps a distance in meters to the tiered local price. Surcharge
// steps above the mid tier are rounded up.
func (e *Estimator) LocalPrice(distanceM float64) int64 {
	t := e.cfg.Tiers
	switch {
	case math.IsNaN(distanceM) || math.IsInf(distanceM, 0) || distanceM <= t.NearLimitM:
		return t.NearPrice
	case distanceM <= t.MidLimitM:
		return t.MidPrice
	}
	steps := math.Ceil((distanceM - t.MidLimitM) / t.StepM)
	return t.BasePrice + int64(steps)*t.StepPrice
}

// ToNative converts local units into the ledger currency.
func (e *Estimator) ToNative(local int64) decimal.Decimal {
	return decimal.NewFromInt(local).DivRound(e.cfg.ExchangeRate, e.cfg.Precision)
}

// ToLocal converts a native amount into whole local units, truncating.
func (e *Estimator) ToLocal(native decimal.Decimal) int64 {
	return native.Mul(e.cfg.ExchangeRate).Floor().IntPart()
}

// Estimate prices the route between two points. Degenerate coordinates
// yield the minimum tier with Valid=false.
func (e *Estimator) Estimate(from, to models.Point) Quote {
	if !geo.ValidPoint(from) || !geo.ValidPoint(to) {
		local := e.cfg.Tiers.NearPrice
		return Quote{Local: local, Native: e.ToNative(local)}
	}
	d := geo.Distance(from, to)
	local := e.LocalPrice(d)
	return Quote{DistanceM: d, Local: local, Native: e.ToNative(local), Valid: true}
}

// Default is the quote before any route has been drafted.
func (e *Estimator) Default() Quote {
	return Quote{Local: e.ToLocal(e.cfg.Default), Native: e.cfg.Default}
}
