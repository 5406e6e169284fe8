// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loadgen

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// VariateConfig names a distribution, a seed and its parameters encoded as a
// raw JSON value, for example:
//
//	{"Name": "Pareto", "Seed": 7, "Parameters": {"Xm": 1, "Alpha": 1.2}}
type VariateConfig struct {
	Name       string
	Seed       int64
	Parameters json.RawMessage
}

// Parse builds the variate described by the config.
func (vc VariateConfig) Parse() (Variate, error) {
	switch vc.Name {
	case "Constant":
		var p float64
		if err := json.Unmarshal(vc.Parameters, &p); err != nil {
			return nil, err
		}
		return constant(p), nil

	case "Uniform":
		var p UniformParameters
		if err := json.Unmarshal(vc.Parameters, &p); err != nil {
			return nil, err
		}
		if p.Lower >= p.Upper {
			return nil, fmt.Errorf("uniform lower bound %d must be below upper bound %d", p.Lower, p.Upper)
		}
		return &uniform{r: rand.New(rand.NewSource(vc.Seed)), lb: p.Lower, ub: p.Upper}, nil

	case "Exponential":
		var lambda float64
		if err := json.Unmarshal(vc.Parameters, &lambda); err != nil {
			return nil, err
		}
		if lambda <= 0 {
			return nil, fmt.Errorf("exponential rate must be positive")
		}
		return &exponential{r: rand.New(rand.NewSource(vc.Seed)), lambda: lambda}, nil

	case "Pareto":
		var p ParetoParameters
		if err := json.Unmarshal(vc.Parameters, &p); err != nil {
			return nil, err
		}
		if p.Xm <= 0 || p.Alpha <= 0 {
			return nil, fmt.Errorf("pareto scale and tail index must be positive")
		}
		return &pareto{r: rand.New(rand.NewSource(vc.Seed)), xm: p.Xm, alpha: p.Alpha}, nil
	}
	return nil, fmt.Errorf("unknown variate name: %q", vc.Name)
}

// Variate is a random variable following some distribution. Samples are used
// to pick records and pause between operations.
type Variate interface {
	Sample() float64
}

type constant float64

func (c constant) Sample() float64 { return float64(c) }

// UniformParameters defines parameters for the uniform distribution over
// [Lower, Upper).
type UniformParameters struct {
	Lower, Upper int64
}

type uniform struct {
	l      sync.Mutex
	r      *rand.Rand
	lb, ub int64
}

func (u *uniform) Sample() float64 {
	u.l.Lock()
	defer u.l.Unlock()
	return float64(u.r.Int63n(u.ub-u.lb) + u.lb)
}

// Exponential by inverse transform sampling.
type exponential struct {
	l      sync.Mutex
	r      *rand.Rand
	lambda float64
}

func (e *exponential) Sample() float64 {
	e.l.Lock()
	defer e.l.Unlock()
	s := 0.0
	for s == 0.0 {
		s = e.r.Float64()
	}
	return -math.Log(s) / e.lambda
}

// ParetoParameters defines parameters for the Pareto distribution. Picking
// records with it concentrates the load on a few hot records.
type ParetoParameters struct {
	Xm, Alpha float64
}

type pareto struct {
	l         sync.Mutex
	r         *rand.Rand
	xm, alpha float64
}

func (p *pareto) Sample() float64 {
	p.l.Lock()
	defer p.l.Unlock()
	return p.xm / math.Pow(1.0-p.r.Float64(), 1.0/p.alpha)
}
