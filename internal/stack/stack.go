// Package stack composes per-section affines into cumulative affines for a
// whole stack, with optional polynomial bias correction.
package stack

import (
	"log/slog"

	"swimalign/internal/affine"
	"swimalign/internal/canon"
)

// BiasIterations is the number of compose/refit rounds of bias correction.
const BiasIterations = 2

// Entry is one section as seen by the composer, in stack order.
type Entry struct {
	Index   int
	Include bool
	// Local is the section's alignment affine. Nil means it could not be
	// read.
	Local        *affine.Affine
	SettingsHash string
}

// Record is the cumulative affine stored for one section.
type Record struct {
	Index    int           `json:"index"`
	Cafm     affine.Affine `json:"cafm"`
	CafmInv  affine.Affine `json:"cafm_inv"`
	CafmHash string        `json:"cafm_hash"`
}

// Result is the output of a SetStackCafm run.
type Result struct {
	Records   []Record      `json:"records"`
	PolyOrder *int          `json:"poly_order"`
	Bias      *BiasFuncs    `json:"bias,omitempty"`
	InitCafm  affine.Affine `json:"init_cafm"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// Stamp records which settings and cumulative affine a rendered artifact
// was produced from.
type Stamp struct {
	SettingsHash string `json:"settings_hash"`
	CafmHash     string `json:"cafm_hash"`
}

// Stale reports whether an artifact rendered at stamp no longer matches the
// current settings or cumulative affine.
func Stale(stamp Stamp, settingsHash, cafmHash string) bool {
	return stamp.SettingsHash != settingsHash || stamp.CafmHash != cafmHash
}

// SetSingleCafm composes one section onto the running cumulative affine.
// Excluded sections contribute identity.
func SetSingleCafm(running, local affine.Affine, include bool, bias *affine.Affine) affine.Affine {
	if !include {
		local = affine.Identity()
	}
	c := affine.Compose(local, running)
	if bias != nil {
		c = affine.Compose(*bias, c)
	}
	return c
}

// Composer runs SetStackCafm with a logger.
type Composer struct {
	Log *slog.Logger
}

// NewComposer returns a Composer; a nil logger uses slog.Default.
func NewComposer(log *slog.Logger) *Composer {
	if log == nil {
		log = slog.Default()
	}
	return &Composer{Log: log}
}

func (c *Composer) compose(entries []Entry, seed affine.Affine, bf *BiasFuncs) []affine.Affine {
	out := make([]affine.Affine, len(entries))
	running := seed
	for i, e := range entries {
		local := affine.Identity()
		switch {
		case e.Local == nil:
			if e.Include {
				c.Log.Warn("missing local affine, using identity", "section", e.Index)
			}
		case !e.Local.IsFinite():
			c.Log.Warn("non-finite local affine, using identity", "section", e.Index)
		default:
			local = *e.Local
		}
		var bias *affine.Affine
		if bf != nil && e.Include {
			b := BiasMatrix(float64(e.Index), *bf)
			bias = &b
		}
		running = SetSingleCafm(running, local, e.Include, bias)
		out[i] = running
	}
	return out
}

// SetStackCafm computes the cumulative affine of every entry. An unbiased
// pass always runs first; with polyOrder set, the bias is fit to it and the
// stack recomposed BiasIterations times, refitting in between.
func (c *Composer) SetStackCafm(entries []Entry, polyOrder *int) Result {
	res := Result{PolyOrder: polyOrder, InitCafm: affine.Identity()}
	cafms := c.compose(entries, affine.Identity(), nil)

	if polyOrder != nil && len(entries) > 0 {
		xs := make([]float64, len(entries))
		for i, e := range entries {
			xs[i] = float64(e.Index)
		}
		bf, err := FitBias(xs, cafms, *polyOrder, nil)
		if err != nil {
			c.Log.Warn("bias fit failed, keeping unbiased cumulative affines", "error", err)
			res.Warnings = append(res.Warnings, err.Error())
		} else {
			init, err := InitCafm(bf)
			if err != nil {
				c.Log.Warn("seed affine invalid, using identity", "error", err)
				res.Warnings = append(res.Warnings, err.Error())
			}
			res.InitCafm = init
			for iter := 0; iter < BiasIterations; iter++ {
				cafms = c.compose(entries, init, &bf)
				if iter == BiasIterations-1 {
					break
				}
				next, err := FitBias(xs, cafms, *polyOrder, &bf)
				if err != nil {
					c.Log.Warn("bias refit failed", "iteration", iter+1, "error", err)
					res.Warnings = append(res.Warnings, err.Error())
					continue
				}
				bf = next
			}
			res.Bias = &bf
		}
	}

	res.Records = make([]Record, len(entries))
	for i, e := range entries {
		cafm := cafms[i]
		if !cafm.IsFinite() {
			c.Log.Error("non-finite cumulative affine, using identity", "section", e.Index)
			cafm = affine.Identity()
		}
		inv, err := affine.Invert(cafm)
		if err != nil {
			c.Log.Warn("cumulative affine not invertible", "section", e.Index, "error", err)
			inv = affine.Identity()
		}
		hash, err := canon.Hash(cafm)
		if err != nil {
			c.Log.Warn("hash cumulative affine", "section", e.Index, "error", err)
		}
		res.Records[i] = Record{Index: e.Index, Cafm: cafm, CafmInv: inv, CafmHash: hash}
	}
	return res
}

// SetStackCafm runs a Composer with the default logger.
func SetStackCafm(entries []Entry, polyOrder *int) Result {
	return NewComposer(nil).SetStackCafm(entries, polyOrder)
}
